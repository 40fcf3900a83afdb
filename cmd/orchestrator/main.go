// kepler orchestrator - drives an autonomous, tree-searched research
// experiment through Codex CLI, publishing its telemetry to a webhook
// receiver and exposing an operator-facing skip/health HTTP surface.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/kepler-labs/kepler/pkg/artifact"
	"github.com/kepler-labs/kepler/pkg/codex"
	"github.com/kepler-labs/kepler/pkg/config"
	"github.com/kepler-labs/kepler/pkg/llm"
	"github.com/kepler-labs/kepler/pkg/registry"
	"github.com/kepler-labs/kepler/pkg/search"
	"github.com/kepler-labs/kepler/pkg/stage"
	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/kepler-labs/kepler/pkg/tree"
	"github.com/kepler-labs/kepler/pkg/webhook"
	"github.com/kepler-labs/kepler/pkg/worker"
)

// structuredMethod is the fully qualified gRPC method every LLM/Feedback/VLM
// endpoint serves; there is no generated stub, so the raw method name is
// dialed directly (see pkg/llm.GRPCClient).
const structuredMethod = "/kepler.llm.v1.Model/StructuredQuery"

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func readFileOrDefault(path, fallback string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return string(data)
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "Path to configuration directory")
	workspaceDir := flag.String("workspace-dir", getEnv("WORKSPACE_DIR", "./workspace"), "Path to the run's scratch workspace")
	taskDescFile := flag.String("task-desc-file", getEnv("TASK_DESC_FILE", ""), "Path to the task description text; defaults to <config-dir>/task_desc.txt")
	metricSpecFile := flag.String("metric-spec-file", getEnv("METRIC_SPEC_FILE", ""), "Path to the evaluation metric spec JSON; defaults to <config-dir>/metric_spec.json")
	healthPort := flag.String("health-port", getEnv("HEALTH_PORT", "8080"), "Port for the health/debug HTTP surface")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		log.Printf("warning: could not load %s: %v", envPath, err)
		log.Printf("continuing with existing environment variables")
	} else {
		log.Printf("loaded environment from %s", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Initialize(ctx, *configDir)
	if err != nil {
		log.Fatalf("failed to initialize configuration: %v", err)
	}

	if *taskDescFile == "" {
		*taskDescFile = filepath.Join(*configDir, "task_desc.txt")
	}
	taskDesc := readFileOrDefault(*taskDescFile, "No task description provided.")

	if *metricSpecFile == "" {
		*metricSpecFile = filepath.Join(*configDir, "metric_spec.json")
	}
	metricSpecJSON := readFileOrDefault(*metricSpecFile, `{"name":"score","maximize":true}`)

	if err := os.MkdirAll(*workspaceDir, 0o755); err != nil {
		log.Fatalf("failed to create workspace dir: %v", err)
	}
	baseLogDir := filepath.Join(*workspaceDir, "..", "logs")

	bearerToken := os.Getenv(cfg.Telemetry.BearerTokenEnv)
	webhookClient := webhook.New(cfg.Telemetry.BaseURL, bearerToken, cfg.Telemetry.RunID)

	queue := telemetry.NewQueue(cfg.Telemetry.QueueCapacity, cfg.Telemetry.BatchMaxSize, cfg.Telemetry.BatchMaxAge)
	go queue.Run(ctx, webhookClient)
	emit := queue.Emit

	slog.Info("starting kepler orchestrator",
		"run_id", cfg.Telemetry.RunID,
		"config_dir", *configDir,
		"workspace_dir", *workspaceDir)

	feedbackClient, feedbackConn := dialLLM(cfg.Feedback, "feedback")
	vlmClient, vlmConn := dialLLM(cfg.VLM, "vlm")
	selectorClient, selectorConn := dialLLM(cfg.LLM, "selector")
	for _, conn := range []*grpc.ClientConn{feedbackConn, vlmConn, selectorConn} {
		if conn != nil {
			defer conn.Close()
		}
	}

	reg := registry.New()

	deps := worker.Deps{
		Registry:     reg,
		FeedbackLLM:  feedbackClient,
		VLMClient:    vlmClient,
		RunCodex:     codex.Run,
		RunScript:    runPythonScript,
		ExecTimeout:  cfg.Exec.Timeout,
		GraceSeconds: cfg.Exec.GraceSeconds,
	}

	agent := search.New(cfg.Search.NumWorkers, cfg.Search.MinNumGPUs, deps, reg)

	skip := stage.NewSkipCoordinator()

	controllers := map[string]stage.Controller{
		"stage1_baseline": stage.NewStage1Controller(feedbackClient),
		"stage2_tuning":   stage.NewStage2Controller(feedbackClient),
		"stage3_plotting": stage.NewStage3Controller(feedbackClient, cfg.Exec.Timeout),
		"stage4_ablation": stage.NewStage4Controller(feedbackClient),
	}

	metas := make([]stage.Meta, 0, len(cfg.Stages))
	for _, s := range cfg.Stages {
		metas = append(metas, stage.Meta{
			Identifier:    s.Identifier,
			Goals:         s.Goals,
			MaxIterations: s.MaxIterations,
			NumDrafts:     cfg.Search.NumDrafts,
		})
	}

	emitter := &runEventEmitter{emit: emit}

	mgr := stage.NewManager(stage.ManagerConfig{
		Stages:      metas,
		Controllers: controllers,
		Agent:       agent,
		Skip:        skip,
		Search: search.StageConfig{
			NumDrafts:     cfg.Search.NumDrafts,
			DebugProb:     cfg.Search.DebugProb,
			MaxDebugDepth: cfg.Search.MaxDebugDepth,
			NumSeeds:      cfg.Search.NumSeeds,
			ExecTimeout:   cfg.Exec.Timeout,
		},
		RunID:        cfg.Telemetry.RunID,
		TaskDesc:     taskDesc,
		WorkspaceDir: *workspaceDir,
		BaseLogDir:   baseLogDir,
		Event:        emit,
		BuildInput: func(meta stage.Meta, parent *tree.Node, seedEval bool, seedValue int) worker.Input {
			in := worker.Input{
				Parent:          parent,
				TaskDescription: taskDesc,
				StageGoals:      meta.Goals,
				MetricSpecJSON:  metricSpecJSON,
				StageIdentifier: meta.Identifier,
				RunName:         cfg.Telemetry.RunID,
				WorkspaceRoot:   *workspaceDir,
				VenvPath:        cfg.Exec.VenvPath,
				SeedEval:        seedEval,
				SeedValue:       seedValue,
				EventCallback:   emit,
			}
			if !seedEval && feedbackClient != nil {
				assignIdea(context.Background(), agent, feedbackClient, meta, parent, &in)
			}
			return in
		},
		NewSelector: func(stageIdentifier string) tree.BestNodeSelector {
			if selectorClient == nil {
				return nil
			}
			return &llm.BestNodeSelector{Client: selectorClient}
		},
		Emitter: emitter,
		Goals:   goalsProposer(feedbackClient),
	})

	if cfg.HWStats != nil {
		interval := cfg.HWStats.IntervalSeconds
		go worker.RunHWStatsReporter(ctx, cfg.HWStats.Paths, interval, emit)
	}

	if cfg.Telemetry.HeartbeatEvery > 0 {
		go func() {
			ticker := time.NewTicker(cfg.Telemetry.HeartbeatEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					emit(telemetry.PersistableEvent{Kind: telemetry.KindHeartbeat, Data: struct{}{}})
				}
			}
		}()
	}

	var artifactStore *artifact.Store
	if cfg.Artifact != nil {
		artifactStore = artifact.New(cfg.Artifact.BaseURL, os.Getenv(cfg.Artifact.BearerTokenEnv))
	}

	runDone := make(chan error, 1)
	go func() {
		emit(telemetry.PersistableEvent{Kind: telemetry.KindRunStarted, Data: struct{}{}})
		runDone <- mgr.Run(ctx, nil, nil)
	}()

	router := gin.Default()
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "run_id": cfg.Telemetry.RunID})
	})
	router.GET("/stage-state", func(c *gin.Context) {
		s := skip.GetStageState()
		c.JSON(http.StatusOK, gin.H{
			"stage_name":         s.StageName,
			"stage_number":       s.StageNumber,
			"can_be_skipped":     s.CanBeSkipped,
			"cannot_skip_reason": s.CannotSkipReason,
			"skip_pending":       s.SkipPending,
			"skip_reason":        s.SkipReason,
			"updated_at":         s.UpdatedAt,
		})
	})
	router.POST("/skip", func(c *gin.Context) {
		var body struct {
			Reason string `json:"reason"`
		}
		_ = c.ShouldBindJSON(&body)
		ok, msg := skip.RequestStageSkip(body.Reason)
		if !ok {
			c.JSON(http.StatusConflict, gin.H{"accepted": false, "message": msg})
			return
		}
		c.JSON(http.StatusOK, gin.H{"accepted": true, "message": msg})
	})

	srv := &http.Server{Addr: ":" + *healthPort, Handler: router}
	go func() {
		slog.Info("health/debug server listening", "port", *healthPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "error", err)
		}
	}()

	select {
	case err := <-runDone:
		if err != nil {
			slog.Error("run finished with error", "error", err)
			emit(telemetry.PersistableEvent{Kind: telemetry.KindRunFinished, Data: map[string]any{"success": false, "error": err.Error()}})
		} else {
			slog.Info("run completed")
			emit(telemetry.PersistableEvent{Kind: telemetry.KindRunFinished, Data: map[string]any{"success": true}})
		}
		uploadFinalArtifacts(ctx, artifactStore, webhookClient, baseLogDir)
	case <-ctx.Done():
		slog.Info("shutdown signal received, cancelling run")
		<-runDone
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// dialLLM connects to one of the three configured LLM/VLM endpoints over an
// insecure gRPC channel. A nil cfg (endpoint not configured) yields a nil
// client; every caller treats a nil client as "feature disabled".
func dialLLM(cfg *config.LLMConfig, name string) (llm.Client, *grpc.ClientConn) {
	if cfg == nil {
		slog.Warn("llm endpoint not configured, disabling", "endpoint", name)
		return nil, nil
	}
	conn, err := grpc.NewClient(cfg.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		slog.Error("failed to dial llm endpoint", "endpoint", name, "address", cfg.Address, "error", err)
		return nil, nil
	}
	return llm.NewGRPCClient(conn, structuredMethod, cfg.Model, float64(cfg.Temperature), cfg.Timeout), conn
}

// runPythonScript runs scriptPath under venvPath's interpreter, satisfying
// worker.Deps.RunScript for the metrics-parsing sub-pass.
func runPythonScript(ctx context.Context, venvPath, scriptPath string, timeout time.Duration) (string, string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	python := "python3"
	if venvPath != "" {
		python = filepath.Join(venvPath, "bin", "python")
	}
	cmd := exec.CommandContext(ctx, python, scriptPath)
	cmd.Dir = filepath.Dir(scriptPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// runEventEmitter adapts the telemetry queue's Emit function to
// tree.EventEmitter, routing best-node-selected notices through the
// ordinary run-log channel since the wire model has no dedicated kind for it.
type runEventEmitter struct {
	emit func(telemetry.PersistableEvent)
}

func (e *runEventEmitter) EmitBestNodeSelected(stageName, nodeID, reasoning string) {
	e.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunLog, Data: telemetry.RunLog{
		Stage:   stageName,
		Level:   "best_node_selected",
		Message: fmt.Sprintf("selected node %s: %s", nodeID, reasoning),
	}})
}

// assignIdea gives a Stage 2 attempt a new hyperparameter idea, or a Stage 4
// attempt a new ablation idea, to try next; any other stage is untouched.
// The proposer records every name it hands out for the run's lifetime and
// never proposes a recorded name again; once its retries exhaust it returns
// the fallback default idea, which is not recorded and can be handed out
// more than once.
func assignIdea(ctx context.Context, agent *search.Agent, client llm.Client, meta stage.Meta, parent *tree.Node, in *worker.Input) {
	summary := ""
	if parent != nil {
		summary = fmt.Sprintf("parent analysis: %s", parent.Analysis)
	}
	switch meta.Identifier {
	case "stage2_tuning":
		idea, err := agent.ProposeHyperparamIdea(ctx, client, summary)
		if err != nil {
			slog.Warn("hyperparameter idea proposal failed", "error", err)
			return
		}
		in.HyperparamIdea = idea
	case "stage4_ablation":
		idea, err := agent.ProposeAblationIdea(ctx, client, summary)
		if err != nil {
			slog.Warn("ablation idea proposal failed", "error", err)
			return
		}
		in.AblationIdea = idea
	}
}

// goalsProposer asks the feedback LLM for the next sub-stage's goals. A nil
// client disables the proposer, leaving every sub-stage on the stage's
// original goals.
func goalsProposer(client llm.Client) stage.GoalsProposer {
	if client == nil {
		return nil
	}
	return func(ctx context.Context, meta stage.Meta, journal *tree.Journal) (string, error) {
		var resp struct {
			Goals string `json:"goals"`
		}
		user := fmt.Sprintf("Current goals: %s\n\nProgress so far:\n%s", meta.Goals, journal.GenerateSummary(false))
		if err := client.StructuredQuery(ctx, "Propose the next sub-stage's goals given progress so far.", user, &resp); err != nil {
			return meta.Goals, err
		}
		if resp.Goals == "" {
			return meta.Goals, nil
		}
		return resp.Goals, nil
	}
}

// uploadFinalArtifacts uploads every PNG at the top level of baseLogDir as a
// "final_plot" artifact; subdirectories (including the per-run directories)
// are not walked and no zipped result bundles are produced. Best-effort:
// failures are logged and never fatal to the run it followed.
func uploadFinalArtifacts(ctx context.Context, store *artifact.Store, announcer artifact.UploadAnnouncer, baseLogDir string) {
	if store == nil {
		return
	}
	entries, err := os.ReadDir(baseLogDir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".png" {
			continue
		}
		path := filepath.Join(baseLogDir, entry.Name())
		if _, err := store.Upload(ctx, path, "final_plot", nil, announcer); err != nil {
			slog.Warn("failed to upload final artifact", "path", path, "error", err)
		}
	}
}
