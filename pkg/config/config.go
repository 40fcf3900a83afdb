package config

import "time"

// Config is the umbrella configuration object passed to every component
// constructed at startup. It is built once by Initialize and treated as
// read-only afterward; nothing in the engine mutates it.
type Config struct {
	configDir string

	Search    *SearchConfig
	Exec      *ExecConfig
	Stages    []StageDef
	Telemetry *TelemetryConfig
	LLM       *LLMConfig
	Feedback  *LLMConfig
	VLM       *LLMConfig
	Artifact  *ArtifactConfig
	HWStats   *HWStatsConfig
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// SearchConfig controls the node-selection policy and worker pool sizing.
type SearchConfig struct {
	NumWorkers    int     `yaml:"num_workers" validate:"min=1"`
	MinNumGPUs    int     `yaml:"min_num_gpus" validate:"min=0"`
	NumDrafts     int     `yaml:"num_drafts" validate:"min=1"`
	DebugProb     float64 `yaml:"debug_prob" validate:"min=0,max=1"`
	MaxDebugDepth int     `yaml:"max_debug_depth" validate:"min=0"`
	NumSeeds      int     `yaml:"num_seeds" validate:"min=0"`
}

// ExecConfig controls per-node execution.
type ExecConfig struct {
	Timeout       time.Duration `yaml:"timeout" validate:"required"`
	AgentFileName string        `yaml:"agent_file_name" validate:"required"`
	GraceSeconds  time.Duration `yaml:"grace_seconds"`
	VenvPath      string        `yaml:"venv_path"`
	NumSynDatasets int          `yaml:"num_syn_datasets" validate:"min=0"`
}

// StageDef is the configured goal/budget for one of the four stages.
type StageDef struct {
	Identifier    string `yaml:"identifier" validate:"required,oneof=stage1_baseline stage2_tuning stage3_plotting stage4_ablation"`
	Goals         string `yaml:"goals"`
	MaxIterations int    `yaml:"max_iterations" validate:"min=0"`
}

// TelemetryConfig controls the webhook client and event queue.
type TelemetryConfig struct {
	RunID            string        `yaml:"run_id" validate:"required"`
	BaseURL          string        `yaml:"base_url" validate:"required,url"`
	BearerTokenEnv   string        `yaml:"bearer_token_env"`
	QueueCapacity    int           `yaml:"queue_capacity" validate:"min=1"`
	BatchMaxSize     int           `yaml:"batch_max_size" validate:"min=1"`
	BatchMaxAge      time.Duration `yaml:"batch_max_age" validate:"required"`
	HeartbeatEvery   time.Duration `yaml:"heartbeat_every"`
}

// LLMConfig describes one of the three pluggable LLM/VLM endpoints.
type LLMConfig struct {
	Address     string  `yaml:"address" validate:"required"`
	Model       string  `yaml:"model" validate:"required"`
	Temperature float32 `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ArtifactConfig describes the object-store upload client.
type ArtifactConfig struct {
	BaseURL        string `yaml:"base_url" validate:"required,url"`
	BearerTokenEnv string `yaml:"bearer_token_env"`
}

// HWStatsConfig controls the background hardware-stats reporter.
type HWStatsConfig struct {
	Paths           []string      `yaml:"paths"`
	IntervalSeconds time.Duration `yaml:"interval"`
}
