package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() *Config {
	return &Config{
		Search: &SearchConfig{NumWorkers: 4, NumDrafts: 1, DebugProb: 0.5},
		Exec:   &ExecConfig{Timeout: time.Minute, AgentFileName: "example_code.py"},
		Stages: []StageDef{
			{Identifier: "stage1_baseline", MaxIterations: 5},
		},
		Telemetry: &TelemetryConfig{RunID: "r", BaseURL: "https://example.com", QueueCapacity: 1024, BatchMaxSize: 50, BatchMaxAge: time.Second},
		LLM:       &LLMConfig{Address: "a:1", Model: "m"},
		Feedback:  &LLMConfig{Address: "a:1", Model: "m"},
		VLM:       &LLMConfig{Address: "a:1", Model: "m"},
	}
}

func TestValidateAll_ValidConfigPasses(t *testing.T) {
	err := NewValidator(validConfig()).ValidateAll()
	assert.NoError(t, err)
}

func TestValidateAll_RejectsEmptyStages(t *testing.T) {
	cfg := validConfig()
	cfg.Stages = nil

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorIs(t, err, ErrNoStagesConfigured)
}

func TestValidateAll_RejectsDuplicateStageIdentifier(t *testing.T) {
	cfg := validConfig()
	cfg.Stages = []StageDef{
		{Identifier: "stage1_baseline", MaxIterations: 1},
		{Identifier: "stage1_baseline", MaxIterations: 2},
	}

	err := NewValidator(cfg).ValidateAll()
	assert.Error(t, err)
}

func TestValidateAll_RejectsMissingLLMConfig(t *testing.T) {
	cfg := validConfig()
	cfg.VLM = nil

	err := NewValidator(cfg).ValidateAll()
	assert.ErrorIs(t, err, ErrMissingLLMConfig)
}

func TestValidateAll_RejectsZeroWorkers(t *testing.T) {
	cfg := validConfig()
	cfg.Search.NumWorkers = 0

	err := NewValidator(cfg).ValidateAll()
	assert.Error(t, err)
}
