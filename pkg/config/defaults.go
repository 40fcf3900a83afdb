package config

import "time"

// Defaults contains the built-in values applied when a YAML file omits a field.
// These mirror the knobs exposed as an explicit config struct.
type Defaults struct {
	Search    SearchConfig
	Exec      ExecConfig
	Telemetry TelemetryConfig
	HWStats   HWStatsConfig
}

// DefaultDefaults returns the built-in configuration baseline.
func DefaultDefaults() *Defaults {
	return &Defaults{
		Search: SearchConfig{
			NumWorkers:    4,
			MinNumGPUs:    0,
			NumDrafts:     1,
			DebugProb:     0.5,
			MaxDebugDepth: 3,
			NumSeeds:      3,
		},
		Exec: ExecConfig{
			Timeout:        30 * time.Minute,
			AgentFileName:  "example_code.py",
			GraceSeconds:   1 * time.Second,
			NumSynDatasets: 1,
		},
		Telemetry: TelemetryConfig{
			QueueCapacity:  1024,
			BatchMaxSize:   200,
			BatchMaxAge:    30 * time.Second,
			HeartbeatEvery: 30 * time.Second,
		},
		HWStats: HWStatsConfig{
			IntervalSeconds: 600 * time.Second,
		},
	}
}
