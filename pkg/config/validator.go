package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Validator runs struct-tag validation plus the cross-section checks that
// validator/v10 tags cannot express (e.g. "at least one stage is configured").
type Validator struct {
	cfg *Config
	v   *validator.Validate
}

// NewValidator builds a Validator bound to cfg.
func NewValidator(cfg *Config) *Validator {
	return &Validator{cfg: cfg, v: validator.New()}
}

// ValidateAll runs every validation pass and returns the first failure.
func (vd *Validator) ValidateAll() error {
	if err := vd.v.Struct(vd.cfg.Search); err != nil {
		return NewValidationError("search", "", err)
	}
	if err := vd.v.Struct(vd.cfg.Exec); err != nil {
		return NewValidationError("exec", "", err)
	}
	if err := vd.v.Struct(vd.cfg.Telemetry); err != nil {
		return NewValidationError("telemetry", "", err)
	}
	if err := vd.validateStages(); err != nil {
		return err
	}
	if err := vd.validateLLMs(); err != nil {
		return err
	}
	if vd.cfg.Artifact != nil {
		if err := vd.v.Struct(vd.cfg.Artifact); err != nil {
			return NewValidationError("artifact", "", err)
		}
	}
	return nil
}

func (vd *Validator) validateStages() error {
	if len(vd.cfg.Stages) == 0 {
		return NewValidationError("stages", "", ErrNoStagesConfigured)
	}
	seen := make(map[string]bool, len(vd.cfg.Stages))
	for _, s := range vd.cfg.Stages {
		if err := vd.v.Struct(s); err != nil {
			return NewValidationError("stages", s.Identifier, err)
		}
		if seen[s.Identifier] {
			return NewValidationError("stages", s.Identifier, fmt.Errorf("duplicate stage identifier"))
		}
		seen[s.Identifier] = true
	}
	return nil
}

func (vd *Validator) validateLLMs() error {
	for name, llm := range map[string]*LLMConfig{
		"llm":      vd.cfg.LLM,
		"feedback": vd.cfg.Feedback,
		"vlm":      vd.cfg.VLM,
	} {
		if llm == nil {
			return NewValidationError(name, "", ErrMissingLLMConfig)
		}
		if err := vd.v.Struct(llm); err != nil {
			return NewValidationError(name, "", err)
		}
	}
	return nil
}
