package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// orchestratorYAMLConfig represents the complete orchestrator.yaml file structure.
type orchestratorYAMLConfig struct {
	Search    *SearchConfig    `yaml:"search"`
	Exec      *ExecConfig      `yaml:"exec"`
	Stages    []StageDef       `yaml:"stages"`
	Telemetry *TelemetryConfig `yaml:"telemetry"`
	LLM       *LLMConfig       `yaml:"llm"`
	Feedback  *LLMConfig       `yaml:"feedback"`
	VLM       *LLMConfig       `yaml:"vlm"`
	Artifact  *ArtifactConfig  `yaml:"artifact"`
	HWStats   *HWStatsConfig   `yaml:"hw_stats"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load orchestrator.yaml from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge built-in defaults with user-defined values
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("initializing configuration")

	cfg, err := load(configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	log.Info("configuration initialized successfully",
		"num_workers", cfg.Search.NumWorkers,
		"stages", len(cfg.Stages))

	return cfg, nil
}

func load(configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	raw, err := loader.loadOrchestratorYAML()
	if err != nil {
		return nil, NewLoadError("orchestrator.yaml", err)
	}

	defaults := DefaultDefaults()

	search := defaults.Search
	if raw.Search != nil {
		if err := mergo.Merge(&search, raw.Search, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge search config: %w", err)
		}
	}

	exec := defaults.Exec
	if raw.Exec != nil {
		if err := mergo.Merge(&exec, raw.Exec, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge exec config: %w", err)
		}
	}

	telemetry := defaults.Telemetry
	if raw.Telemetry != nil {
		if err := mergo.Merge(&telemetry, raw.Telemetry, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge telemetry config: %w", err)
		}
	}

	hwStats := defaults.HWStats
	if raw.HWStats != nil {
		if err := mergo.Merge(&hwStats, raw.HWStats, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge hw_stats config: %w", err)
		}
	}

	stages := raw.Stages
	if len(stages) == 0 {
		stages = defaultStages()
	}

	return &Config{
		configDir: configDir,
		Search:    &search,
		Exec:      &exec,
		Stages:    stages,
		Telemetry: &telemetry,
		LLM:       raw.LLM,
		Feedback:  raw.Feedback,
		VLM:       raw.VLM,
		Artifact:  raw.Artifact,
		HWStats:   &hwStats,
	}, nil
}

func defaultStages() []StageDef {
	return []StageDef{
		{Identifier: "stage1_baseline", Goals: "Find a working baseline implementation.", MaxIterations: 10},
		{Identifier: "stage2_tuning", Goals: "Tune hyperparameters for best validation metric.", MaxIterations: 10},
		{Identifier: "stage3_plotting", Goals: "Produce publication-quality plots.", MaxIterations: 10},
		{Identifier: "stage4_ablation", Goals: "Run ablations over the best configuration.", MaxIterations: 10},
	}
}

func validate(cfg *Config) error {
	return NewValidator(cfg).ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables before parsing; missing variables expand
	// to empty string and are caught by validation instead.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadOrchestratorYAML() (*orchestratorYAMLConfig, error) {
	var cfg orchestratorYAMLConfig
	if err := l.loadYAML("orchestrator.yaml", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
