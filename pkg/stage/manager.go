package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kepler-labs/kepler/pkg/search"
	"github.com/kepler-labs/kepler/pkg/telemetry"
	"github.com/kepler-labs/kepler/pkg/tree"
	"github.com/kepler-labs/kepler/pkg/worker"
)

// GoalsProposer asks an LLM for the next sub-stage's goals given the
// journal accumulated so far. A nil proposer keeps the stage's original
// goals for every sub-stage.
type GoalsProposer func(ctx context.Context, meta Meta, journal *tree.Journal) (string, error)

// BuildInput composes a worker.Input for one dispatched attempt.
type BuildInput func(meta Meta, parent *tree.Node, seedEval bool, seedValue int) worker.Input

// NewSelector builds the best-node tie-break selector for one stage's
// journal; nil disables LLM tie-break (deterministic fallback only).
type NewSelector func(stageIdentifier string) tree.BestNodeSelector

// ManagerConfig bundles the Manager's wiring: its controllers, its
// dependencies on the parallel agent and skip coordinator, and the hooks
// it needs to build worker input and persist checkpoints.
type ManagerConfig struct {
	Stages       []Meta
	Controllers  map[string]Controller
	Agent        *search.Agent
	Skip         *SkipCoordinator
	Search       search.StageConfig
	RunID        string
	TaskDesc     string
	WorkspaceDir string
	BaseLogDir   string
	Event        func(telemetry.PersistableEvent)
	BuildInput   BuildInput
	NewSelector  NewSelector
	Emitter      tree.EventEmitter
	Goals        GoalsProposer
}

// Manager drives a run through each configured stage, one sub-stage
// iteration at a time, until every stage reports completion or the run is
// cancelled.
type Manager struct {
	metas       map[string]*Meta
	order       []string
	controllers map[string]Controller
	agent       *search.Agent
	skip        *SkipCoordinator
	searchCfg   search.StageConfig

	runID        string
	taskDesc     string
	workspaceDir string
	baseLogDir   string

	event       func(telemetry.PersistableEvent)
	buildInput  BuildInput
	newSelector NewSelector
	emitter     tree.EventEmitter
	goals       GoalsProposer

	journals       map[string]*tree.Journal
	iterationCount map[string]int
	substageCount  map[string]int

	current string
}

// NewManager constructs a Manager ready to Run from the first stage.
func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		metas:          make(map[string]*Meta, len(cfg.Stages)),
		controllers:    cfg.Controllers,
		agent:          cfg.Agent,
		skip:           cfg.Skip,
		searchCfg:      cfg.Search,
		runID:          cfg.RunID,
		taskDesc:       cfg.TaskDesc,
		workspaceDir:   cfg.WorkspaceDir,
		baseLogDir:     cfg.BaseLogDir,
		event:          cfg.Event,
		buildInput:     cfg.BuildInput,
		newSelector:    cfg.NewSelector,
		emitter:        cfg.Emitter,
		goals:          cfg.Goals,
		journals:       make(map[string]*tree.Journal),
		iterationCount: make(map[string]int),
		substageCount:  make(map[string]int),
	}
	for _, s := range cfg.Stages {
		s := s
		m.metas[s.Identifier] = &s
		m.order = append(m.order, s.Identifier)
	}
	return m
}

func (m *Manager) emit(e telemetry.PersistableEvent) {
	if m.event != nil {
		m.event(e)
	}
}

// StepCallback and IterationStartedCallback let the caller observe every
// iteration without the Manager depending on a larger orchestrator type.
type StepCallback func(meta Meta, journal *tree.Journal)
type IterationStartedCallback func(meta Meta, journal *tree.Journal)

// Run advances through every configured stage in order. It returns when
// the last stage completes or ctx is cancelled.
func (m *Manager) Run(ctx context.Context, stepCallback StepCallback, iterationStartedCallback IterationStartedCallback) error {
	m.current = First
	if _, ok := m.metas[m.current]; !ok && len(m.order) > 0 {
		m.current = m.order[0]
	}

	for m.current != "" {
		meta, ok := m.metas[m.current]
		if !ok {
			return fmt.Errorf("stage: no configuration for %s", m.current)
		}
		controller, ok := m.controllers[meta.Identifier]
		if !ok {
			return fmt.Errorf("stage: no controller registered for %s", meta.Identifier)
		}

		journal := m.journalFor(*meta)
		m.carryOverBestNode(*meta, journal)

		if err := m.runStage(ctx, meta, journal, controller, stepCallback, iterationStartedCallback); err != nil {
			return err
		}

		m.current = Next(m.current)
		for m.current != "" {
			if _, ok := m.metas[m.current]; ok {
				break
			}
			m.current = Next(m.current)
		}
	}
	return nil
}

func (m *Manager) journalFor(meta Meta) *tree.Journal {
	if j, ok := m.journals[meta.Identifier]; ok {
		return j
	}
	var selector tree.BestNodeSelector
	if m.newSelector != nil {
		selector = m.newSelector(meta.Identifier)
	}
	j := tree.NewJournal(meta.Identifier, m.runID, selector, m.emitter)
	m.journals[meta.Identifier] = j
	return j
}

func previous(identifier string) string {
	for i, id := range stageOrder {
		if id == identifier && i > 0 {
			return stageOrder[i-1]
		}
	}
	return ""
}

// carryOverBestNode copies the previous stage's best node into a fresh
// journal as a seed root, so the new stage does not start from scratch.
func (m *Manager) carryOverBestNode(meta Meta, journal *tree.Journal) {
	if journal.Len() > 0 {
		return
	}
	prevIdentifier := previous(meta.Identifier)
	if prevIdentifier == "" {
		return
	}
	prevJournal := m.journals[prevIdentifier]
	if prevJournal == nil {
		return
	}
	best := prevJournal.GetBestNode(context.Background(), true, false)
	if best == nil {
		return
	}
	carried := *best
	carried.ParentID = ""
	carried.IsSeedNode = true
	journal.Append(&carried)
}

func (m *Manager) stageConfigFor(meta Meta) search.StageConfig {
	cfg := m.searchCfg
	cfg.Identifier = meta.Identifier
	if meta.NumDrafts > 0 {
		cfg.NumDrafts = meta.NumDrafts
	}
	return cfg
}

func (m *Manager) stageContext(meta Meta, journal *tree.Journal) Context {
	return Context{
		TaskDesc:        m.taskDesc,
		StageIdentifier: meta.Identifier,
		Journal:         journal,
		WorkspaceDir:    m.workspaceDir,
		EventCallback:   m.emit,
		MaxIterations:   meta.MaxIterations,
		IterationCount:  m.iterationCount[meta.Identifier],
	}
}

func (m *Manager) emitSkipWindowTransition(stageIdentifier string, canSkip, prevCanSkip bool) {
	if canSkip == prevCanSkip {
		return
	}
	state := "closed"
	if canSkip {
		state = "opened"
	}
	m.emit(telemetry.PersistableEvent{Kind: telemetry.KindStageSkipWindow, Data: telemetry.StageSkipWindow{Stage: stageIdentifier, State: state}})
}

// runStage is the inner per-iteration loop: consume a pending skip, step
// the agent once, evaluate sub-stage and stage completion, and either
// advance the sub-stage's goals or finish the stage entirely.
func (m *Manager) runStage(ctx context.Context, meta *Meta, journal *tree.Journal, controller Controller, stepCallback StepCallback, iterationStartedCallback IterationStartedCallback) error {
	prevCanSkip := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		sc := m.stageContext(*meta, journal)

		canSkip, cannotReason := controller.SkipState(sc)
		m.skip.PublishStageState(meta.Identifier, meta.Number(), canSkip, cannotReason)
		m.emitSkipWindowTransition(meta.Identifier, canSkip, prevCanSkip)
		prevCanSkip = canSkip

		if reason, ok := m.skip.ConsumeSkipRequest(meta.Identifier); ok {
			m.agent.AbortActiveExecutions(reason)
			m.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunLog, Data: telemetry.RunLog{
				Stage:   meta.Identifier,
				Message: fmt.Sprintf("stage skipped by operator: %s", reason),
				Level:   "skip",
			}})
			m.emitSkipWindowTransition(meta.Identifier, false, prevCanSkip)
			return m.finishStage(ctx, *meta, journal, "operator skip: "+reason)
		}

		if iterationStartedCallback != nil {
			iterationStartedCallback(*meta, journal)
		}

		cfg := m.stageConfigFor(*meta)
		buildInput := func(parent *tree.Node, seedEval bool, seedValue int) worker.Input {
			return m.buildInput(*meta, parent, seedEval, seedValue)
		}
		if err := m.agent.Step(ctx, journal, cfg, buildInput); err != nil {
			m.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunLog, Data: telemetry.RunLog{
				Stage:   meta.Identifier,
				Message: err.Error(),
				Level:   "error",
			}})
		}
		if stepCallback != nil {
			stepCallback(*meta, journal)
		}

		m.iterationCount[meta.Identifier]++
		sc = m.stageContext(*meta, journal)

		substageDone, _ := controller.EvaluateSubstageCompletion(ctx, sc)
		stageDone, stageReason := controller.EvaluateStageCompletion(ctx, sc)

		if meta.MaxIterations > 0 && m.iterationCount[meta.Identifier] >= meta.MaxIterations {
			stageDone = true
			if stageReason == "" {
				stageReason = "max iterations reached"
			}
		}

		if stageDone {
			return m.finishStage(ctx, *meta, journal, stageReason)
		}

		if substageDone {
			m.emit(telemetry.PersistableEvent{Kind: telemetry.KindSubstageCompleted, Data: telemetry.SubstageCompleted{
				Stage:    meta.Identifier,
				Substage: fmt.Sprintf("%d", m.substageCount[meta.Identifier]+1),
			}})
			m.emit(telemetry.PersistableEvent{Kind: telemetry.KindSubstageSummary, Data: telemetry.SubstageSummary{
				Stage:    meta.Identifier,
				Substage: fmt.Sprintf("%d", m.substageCount[meta.Identifier]+1),
				Summary:  journal.GenerateSummary(false),
			}})
			m.substageCount[meta.Identifier]++

			if m.goals != nil {
				if next, err := m.goals(ctx, *meta, journal); err == nil && next != "" {
					meta.Goals = next
				}
			}
			controller.ResetSkipState()
		}

		progress := 0.0
		if meta.MaxIterations > 0 {
			progress = float64(m.iterationCount[meta.Identifier]) / float64(meta.MaxIterations)
			if progress > 1 {
				progress = 1
			}
		}
		m.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunStageProgress, Data: telemetry.RunStageProgress{
			Stage:    meta.Identifier,
			Progress: progress,
		}})
	}
}

// finishStage runs the post-processing every stage completion shares:
// final progress event, multi-seed evaluation of the best node, skip-state
// teardown, and checkpoint persistence.
func (m *Manager) finishStage(ctx context.Context, meta Meta, journal *tree.Journal, reason string) error {
	m.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunStageProgress, Data: telemetry.RunStageProgress{
		Stage:    meta.Identifier,
		Progress: 1.0,
	}})
	m.emit(telemetry.PersistableEvent{Kind: telemetry.KindStageCompleted, Data: telemetry.StageCompleted{
		Stage:  meta.Identifier,
		Reason: reason,
	}})

	if best := journal.GetBestNode(ctx, true, false); best != nil && m.searchCfg.NumSeeds > 0 && m.buildInput != nil {
		buildInput := func(parent *tree.Node, seedEval bool, seedValue int) worker.Input {
			return m.buildInput(meta, parent, seedEval, seedValue)
		}
		seedNodes, err := m.agent.RunMultiSeedEvaluation(ctx, best, m.searchCfg.NumSeeds, buildInput)
		if err != nil {
			m.emit(telemetry.PersistableEvent{Kind: telemetry.KindRunLog, Data: telemetry.RunLog{
				Stage:   meta.Identifier,
				Message: fmt.Sprintf("multi-seed evaluation failed: %v", err),
				Level:   "error",
			}})
		}
		for _, n := range seedNodes {
			journal.Append(n)
		}
	}

	m.skip.ClearStageState()

	if err := m.persistCheckpoint(meta, journal); err != nil {
		return fmt.Errorf("stage: checkpoint %s: %w", meta.Identifier, err)
	}
	return nil
}

// checkpointState is the on-disk resume record for one completed stage.
type checkpointState struct {
	CurrentStage string       `yaml:"current_stage"`
	TaskDesc     string       `yaml:"task_desc"`
	WorkspaceDir string       `yaml:"workspace_dir"`
	Nodes        []*tree.Node `yaml:"nodes"`
	SavedAt      time.Time    `yaml:"saved_at"`
}

func (m *Manager) persistCheckpoint(meta Meta, journal *tree.Journal) error {
	if m.baseLogDir == "" {
		return nil
	}
	dir := filepath.Join(m.baseLogDir, m.runID, "stage_"+meta.Slug())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("stage: mkdir %s: %w", dir, err)
	}

	state := checkpointState{
		CurrentStage: meta.Identifier,
		TaskDesc:     m.taskDesc,
		WorkspaceDir: m.workspaceDir,
		Nodes:        journal.Nodes(),
		SavedAt:      time.Now(),
	}
	out, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("stage: marshal checkpoint: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "checkpoint.yaml"), out, 0o644)
}
