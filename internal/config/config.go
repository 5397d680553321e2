// Package config loads and validates the stoke configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stokehq/stoke/internal/monitor"
	"github.com/stokehq/stoke/internal/orchestrator"
	"github.com/stokehq/stoke/internal/resilience"
	"github.com/stokehq/stoke/internal/sandbox"
)

// Duration is a time.Duration that unmarshals from strings like "30s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Get returns the duration, or def when unset.
func (d Duration) Get(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

// Config is the parsed configuration file. Zero-valued fields fall back to
// each component's defaults during conversion.
type Config struct {
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Retry        RetryConfig        `yaml:"retry"`
	Sandbox      SandboxConfig      `yaml:"sandbox"`
}

// OrchestratorConfig is the file form of the orchestrator settings.
type OrchestratorConfig struct {
	MaxConcurrentTests     int      `yaml:"maxConcurrentTests"`
	DefaultTimeout         Duration `yaml:"defaultTimeout"`
	RetryAttempts          int      `yaml:"retryAttempts"`
	HistoryLimit           int      `yaml:"historyLimit"`
	StepTimeout            Duration `yaml:"stepTimeout"`
	EnableWorkflowRecovery *bool    `yaml:"enableWorkflowRecovery"`
	MaxWorkflowRetries     int      `yaml:"maxWorkflowRetries"`
	CompletedRetention     Duration `yaml:"completedRetention"`
}

// MonitorConfig is the file form of the monitor settings.
type MonitorConfig struct {
	UpdateInterval Duration `yaml:"updateInterval"`
	GracePeriod    Duration `yaml:"gracePeriod"`
	Thresholds     struct {
		MaxCPUUsage  float64 `yaml:"maxCpuUsage"`
		MaxMemUsage  float64 `yaml:"maxMemoryUsage"`
		MaxNetworkIO float64 `yaml:"maxNetworkIO"`
	} `yaml:"resourceThresholds"`
	MemoryReferenceBytes uint64 `yaml:"memoryReferenceBytes"`
}

// RetryConfig is the file form of the retry-engine settings.
type RetryConfig struct {
	MaxAttempts       int      `yaml:"maxAttempts"`
	BaseDelay         Duration `yaml:"baseDelay"`
	MaxDelay          Duration `yaml:"maxDelay"`
	BackoffMultiplier float64  `yaml:"backoffMultiplier"`
	JitterEnabled     *bool    `yaml:"jitterEnabled"`
}

// SandboxConfig is the file form of the sandbox runner settings.
type SandboxConfig struct {
	Image           string   `yaml:"image"`
	SocketPath      string   `yaml:"socketPath"`
	MemoryBytes     int64    `yaml:"memoryBytes"`
	CPUQuota        float64  `yaml:"cpuQuota"`
	WallClockCap    Duration `yaml:"wallClockCap"`
	MaxVirtualUsers int      `yaml:"maxVirtualUsers"`
	PollInterval    Duration `yaml:"pollInterval"`
}

// Load reads and validates a YAML configuration file.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would misbehave at run time. Zero values
// are allowed everywhere: they mean "use the default".
func (c *Config) Validate() error {
	if c.Orchestrator.MaxConcurrentTests < 0 {
		return fmt.Errorf("orchestrator.maxConcurrentTests must not be negative")
	}
	if c.Orchestrator.HistoryLimit < 0 {
		return fmt.Errorf("orchestrator.historyLimit must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.maxAttempts must not be negative")
	}
	if c.Retry.BackoffMultiplier < 0 {
		return fmt.Errorf("retry.backoffMultiplier must not be negative")
	}
	if c.Monitor.Thresholds.MaxCPUUsage < 0 || c.Monitor.Thresholds.MaxMemUsage < 0 {
		return fmt.Errorf("monitor.resourceThresholds must not be negative")
	}
	return nil
}

// OrchestratorConfig converts the file section into the orchestrator's
// configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	def := orchestrator.DefaultConfig()
	out := orchestrator.Config{
		MaxConcurrentTests:     c.Orchestrator.MaxConcurrentTests,
		DefaultTimeout:         c.Orchestrator.DefaultTimeout.Get(def.DefaultTimeout),
		RetryAttempts:          c.Orchestrator.RetryAttempts,
		HistoryLimit:           c.Orchestrator.HistoryLimit,
		StepTimeout:            c.Orchestrator.StepTimeout.Get(def.StepTimeout),
		EnableWorkflowRecovery: def.EnableWorkflowRecovery,
		MaxWorkflowRetries:     c.Orchestrator.MaxWorkflowRetries,
		CompletedRetention:     c.Orchestrator.CompletedRetention.Get(def.CompletedRetention),
	}
	if out.MaxConcurrentTests == 0 {
		out.MaxConcurrentTests = def.MaxConcurrentTests
	}
	if out.RetryAttempts == 0 {
		out.RetryAttempts = def.RetryAttempts
	}
	if out.HistoryLimit == 0 {
		out.HistoryLimit = def.HistoryLimit
	}
	if out.MaxWorkflowRetries == 0 {
		// retryAttempts is the shared default budget; maxWorkflowRetries
		// overrides it for the executing phase only.
		out.MaxWorkflowRetries = out.RetryAttempts
	}
	if c.Orchestrator.EnableWorkflowRecovery != nil {
		out.EnableWorkflowRecovery = *c.Orchestrator.EnableWorkflowRecovery
	}
	return out
}

// MonitorConfig converts the file section into the monitor's configuration.
func (c *Config) MonitorConfig() monitor.Config {
	def := monitor.DefaultConfig()
	out := monitor.Config{
		UpdateInterval:       c.Monitor.UpdateInterval.Get(def.UpdateInterval),
		GracePeriod:          c.Monitor.GracePeriod.Get(def.GracePeriod),
		MemoryReferenceBytes: c.Monitor.MemoryReferenceBytes,
		Thresholds: monitor.ResourceThresholds{
			MaxCPUPercent:         c.Monitor.Thresholds.MaxCPUUsage,
			MaxMemoryPercent:      c.Monitor.Thresholds.MaxMemUsage,
			MaxNetworkBytesPerSec: c.Monitor.Thresholds.MaxNetworkIO,
		},
	}
	if out.MemoryReferenceBytes == 0 {
		out.MemoryReferenceBytes = def.MemoryReferenceBytes
	}
	if out.Thresholds.MaxCPUPercent == 0 {
		out.Thresholds.MaxCPUPercent = def.Thresholds.MaxCPUPercent
	}
	if out.Thresholds.MaxMemoryPercent == 0 {
		out.Thresholds.MaxMemoryPercent = def.Thresholds.MaxMemoryPercent
	}
	if out.Thresholds.MaxNetworkBytesPerSec == 0 {
		out.Thresholds.MaxNetworkBytesPerSec = def.Thresholds.MaxNetworkBytesPerSec
	}
	return out
}

// RetryConfig converts the file section into the retry engine's
// configuration.
func (c *Config) RetryConfig() resilience.RetryConfig {
	def := resilience.DefaultRetryConfig()
	out := resilience.RetryConfig{
		MaxAttempts:       c.Retry.MaxAttempts,
		BaseDelay:         c.Retry.BaseDelay.Get(def.BaseDelay),
		MaxDelay:          c.Retry.MaxDelay.Get(def.MaxDelay),
		BackoffMultiplier: c.Retry.BackoffMultiplier,
		JitterEnabled:     def.JitterEnabled,
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = def.MaxAttempts
	}
	if out.BackoffMultiplier == 0 {
		out.BackoffMultiplier = def.BackoffMultiplier
	}
	if c.Retry.JitterEnabled != nil {
		out.JitterEnabled = *c.Retry.JitterEnabled
	}
	return out
}

// RunnerConfig converts the sandbox section into runner settings.
func (c *Config) RunnerConfig() sandbox.RunnerConfig {
	rc := sandbox.DefaultRunnerConfig()
	if c.Sandbox.Image != "" {
		rc.Image = c.Sandbox.Image
	}
	if c.Sandbox.MemoryBytes > 0 {
		rc.MemoryBytes = c.Sandbox.MemoryBytes
	}
	if c.Sandbox.CPUQuota > 0 {
		rc.CPUQuota = c.Sandbox.CPUQuota
	}
	if c.Sandbox.MaxVirtualUsers > 0 {
		rc.MaxVirtualUsers = c.Sandbox.MaxVirtualUsers
	}
	if d := time.Duration(c.Sandbox.WallClockCap); d > 0 {
		rc.WallClockCap = d
	}
	if d := time.Duration(c.Sandbox.PollInterval); d > 0 {
		rc.PollInterval = d
	}
	return rc
}

// SocketPath returns the configured runtime socket path ("" = default).
func (c *Config) SocketPath() string {
	return c.Sandbox.SocketPath
}
