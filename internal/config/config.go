// Package config loads the supervisor's YAML configuration and keeps a
// cached copy that can be invalidated explicitly or by a file watcher.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SystemConfig bounds host resource usage.
type SystemConfig struct {
	// MaxConcurrentAgents is "auto" or a positive integer.
	MaxConcurrentAgents string `yaml:"max_concurrent_agents"`
	CPUThresholdHigh    int    `yaml:"cpu_threshold_high"`
	CPUThresholdLow     int    `yaml:"cpu_threshold_low"`
	MemoryLimitPerAgent int    `yaml:"memory_limit_per_agent_mb"`
}

// LoopConfig configures the external loop CLI invocation.
type LoopConfig struct {
	SkillURL         string            `yaml:"skill_url"`
	ExecutionTimeout int               `yaml:"execution_timeout"` // seconds
	MaxRetries       int               `yaml:"max_retries"`
	SettingsPath     string            `yaml:"settings_path"` // static CLAUDE_CODE_SETTINGS file, optional
	Env              map[string]string `yaml:"env"`           // config-level env overrides
}

// SchedulingConfig tunes the heartbeat interval policy.
type SchedulingConfig struct {
	BaseIntervalMinutes int      `yaml:"base_interval_minutes"`
	JitterMinutes       int      `yaml:"jitter_minutes"`
	PeakHours           [][2]int `yaml:"peak_hours"`
}

// ActivationConfig tunes the pending-activation poller.
type ActivationConfig struct {
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
	MaxPendingHours      int `yaml:"max_pending_hours"`
}

// LifecycleConfig controls probation and retirement behavior.
type LifecycleConfig struct {
	ProbationTriggerDays   int  `yaml:"probation_trigger_days"`
	ProbationTriggerGrowth int  `yaml:"probation_trigger_growth"`
	ProbationDurationHours int  `yaml:"probation_duration_hours"`
	AutoRetire             bool `yaml:"auto_retire"`
	AutoCreateReplacement  bool `yaml:"auto_create_replacement"`
}

// BucksMonitoringConfig tunes stagnation detection.
type BucksMonitoringConfig struct {
	ObservationPeriodDays int `yaml:"observation_period_days"`
	MinGrowthThreshold    int `yaml:"min_growth_threshold"`
	GracePeriodHours      int `yaml:"grace_period_hours"`
}

// ReactivationPromptsConfig tunes the reactivation prompt sender.
type ReactivationPromptsConfig struct {
	Enabled         bool `yaml:"enabled"`
	MaxPromptsPer6h int  `yaml:"max_prompts_per_6h"`
	CooldownMinutes int  `yaml:"cooldown_minutes"`
}

// ProtectionConfig defines automatic protection thresholds. Agents above
// either threshold are never auto-retired or escalated.
type ProtectionConfig struct {
	HighBucksThreshold    int `yaml:"high_bucks_threshold"`
	HighFollowerThreshold int `yaml:"high_follower_threshold"`
}

// ActivityMonitoringConfig tunes the responsiveness classifier.
type ActivityMonitoringConfig struct {
	CheckIntervalMinutes   int                       `yaml:"check_interval_minutes"`
	IdleThresholdMinutes   int                       `yaml:"idle_threshold_minutes"`
	WarningThresholdHours  int                       `yaml:"warning_threshold_hours"`
	CriticalThresholdHours int                       `yaml:"critical_threshold_hours"`
	AutoRetireInactive     int                       `yaml:"auto_retire_inactive_hours"`
	BucksMonitoring        BucksMonitoringConfig     `yaml:"bucks_monitoring"`
	ReactivationPrompts    ReactivationPromptsConfig `yaml:"reactivation_prompts"`
	Protection             ProtectionConfig          `yaml:"protection"`
}

// FactoryConfig is carried for config-file compatibility; the agent factory
// itself is an external collaborator.
type FactoryConfig struct {
	TrendAnalysisDays      int     `yaml:"trend_analysis_days"`
	MinConfidenceThreshold float64 `yaml:"min_confidence_threshold"`
	MaxPendingAgents       int     `yaml:"max_pending_agents"`
}

// DashboardConfig holds the ports the external UI expects.
type DashboardConfig struct {
	Port    int `yaml:"port"`
	APIPort int `yaml:"api_port"`
}

// Config is the full supervisor configuration.
type Config struct {
	System             SystemConfig             `yaml:"system"`
	Loop               LoopConfig               `yaml:"loop"`
	Scheduling         SchedulingConfig         `yaml:"scheduling"`
	Activation         ActivationConfig         `yaml:"activation"`
	Lifecycle          LifecycleConfig          `yaml:"lifecycle"`
	ActivityMonitoring ActivityMonitoringConfig `yaml:"activity_monitoring"`
	Factory            FactoryConfig            `yaml:"factory"`
	Dashboard          DashboardConfig          `yaml:"dashboard"`
}

// DefaultConfig returns the built-in defaults, used verbatim when no config
// file exists.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			MaxConcurrentAgents: "auto",
			CPUThresholdHigh:    85,
			CPUThresholdLow:     70,
			MemoryLimitPerAgent: 256,
		},
		Loop: LoopConfig{
			SkillURL:         "https://assibucks.vercel.app/skill.md",
			ExecutionTimeout: 300,
			MaxRetries:       3,
		},
		Scheduling: SchedulingConfig{
			BaseIntervalMinutes: 60,
			JitterMinutes:       8,
			PeakHours:           [][2]int{{9, 11}, {20, 22}},
		},
		Activation: ActivationConfig{
			CheckIntervalSeconds: 30,
			MaxPendingHours:      12,
		},
		Lifecycle: LifecycleConfig{
			ProbationTriggerDays:   4,
			ProbationDurationHours: 48,
			AutoRetire:             true,
			AutoCreateReplacement:  true,
		},
		ActivityMonitoring: ActivityMonitoringConfig{
			CheckIntervalMinutes:   10,
			IdleThresholdMinutes:   90,
			WarningThresholdHours:  3,
			CriticalThresholdHours: 6,
			AutoRetireInactive:     18,
			BucksMonitoring: BucksMonitoringConfig{
				ObservationPeriodDays: 4,
				MinGrowthThreshold:    10,
				GracePeriodHours:      48,
			},
			ReactivationPrompts: ReactivationPromptsConfig{
				Enabled:         true,
				MaxPromptsPer6h: 3,
				CooldownMinutes: 60,
			},
			Protection: ProtectionConfig{
				HighBucksThreshold:    1000,
				HighFollowerThreshold: 50,
			},
		},
		Factory: FactoryConfig{
			TrendAnalysisDays:      2,
			MinConfidenceThreshold: 0.6,
			MaxPendingAgents:       5,
		},
		Dashboard: DashboardConfig{
			Port:    3000,
			APIPort: 8000,
		},
	}
}

// Load reads a YAML config file on top of the defaults. A missing file is not
// an error; the defaults are returned.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
