// Package config loads the skillhost configuration file. Files may be
// YAML or JSON5, can pull shared fragments in with $include, and have
// ${VAR} environment references expanded before parsing.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration for a skillhost instance.
type Config struct {
	Skills    SkillsConfig    `yaml:"skills"`
	Cache     CacheConfig     `yaml:"cache"`
	Execution ExecutionConfig `yaml:"execution"`
	Memory    MemoryConfig    `yaml:"memory"`
	Preload   PreloadConfig   `yaml:"preload"`
	Variables VariablesConfig `yaml:"variables"`
	Usage     UsageConfig     `yaml:"usage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type SkillsConfig struct {
	// Roots lists the directories scanned for skill packages, in
	// precedence order. The first root that defines a name wins.
	Roots []string `yaml:"roots"`

	// Watch re-indexes skills when files under a root change.
	Watch bool `yaml:"watch"`

	DefaultTimeoutMs int `yaml:"default_timeout_ms"`
	DefaultMemoryMb  int `yaml:"default_memory_mb"`
}

type CacheConfig struct {
	Metadata  CacheTierConfig `yaml:"metadata"`
	Content   CacheTierConfig `yaml:"content"`
	Resources CacheTierConfig `yaml:"resources"`
}

type CacheTierConfig struct {
	Size int           `yaml:"size"`
	TTL  time.Duration `yaml:"ttl"`
}

type ExecutionConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	MaxQueued     int    `yaml:"max_queued"`
	WorkDir       string `yaml:"work_dir"`
}

type MemoryConfig struct {
	// BudgetBytes caps the heap the pressure monitor measures against.
	// Zero means measure against the runtime's own heap reservation.
	BudgetBytes uint64        `yaml:"budget_bytes"`
	Interval    time.Duration `yaml:"interval"`

	NormalAt   float64 `yaml:"normal_at"`
	ModerateAt float64 `yaml:"moderate_at"`
	HighAt     float64 `yaml:"high_at"`
	CriticalAt float64 `yaml:"critical_at"`
}

type PreloadConfig struct {
	Enabled  bool          `yaml:"enabled"`
	TopK     int           `yaml:"top_k"`
	Interval time.Duration `yaml:"interval"`
}

type VariablesConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// EnvAllowlist names the only environment variables the {{env:...}}
	// provider may read.
	EnvAllowlist []string `yaml:"env_allowlist"`
}

type UsageConfig struct {
	// DatabasePath is the sqlite file for durable usage history.
	// Empty disables persistence; tracking stays in memory.
	DatabasePath string        `yaml:"database_path"`
	Window       time.Duration `yaml:"window"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads, merges, and validates the configuration at path.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if len(c.Skills.Roots) == 0 {
		c.Skills.Roots = []string{"./skills"}
	}
	if c.Skills.DefaultTimeoutMs == 0 {
		c.Skills.DefaultTimeoutMs = 3000
	}
	if c.Skills.DefaultMemoryMb == 0 {
		c.Skills.DefaultMemoryMb = 128
	}

	applyTierDefaults(&c.Cache.Metadata, 256, time.Hour)
	applyTierDefaults(&c.Cache.Content, 32, 30*time.Minute)
	applyTierDefaults(&c.Cache.Resources, 16, 15*time.Minute)

	if c.Execution.MaxConcurrent == 0 {
		c.Execution.MaxConcurrent = 16
	}
	if c.Execution.MaxQueued == 0 {
		c.Execution.MaxQueued = 64
	}

	if c.Memory.Interval == 0 {
		c.Memory.Interval = 30 * time.Second
	}
	if c.Memory.NormalAt == 0 {
		c.Memory.NormalAt = 0.50
	}
	if c.Memory.ModerateAt == 0 {
		c.Memory.ModerateAt = 0.70
	}
	if c.Memory.HighAt == 0 {
		c.Memory.HighAt = 0.85
	}
	if c.Memory.CriticalAt == 0 {
		c.Memory.CriticalAt = 0.95
	}

	if c.Preload.TopK == 0 {
		c.Preload.TopK = 5
	}
	if c.Preload.Interval == 0 {
		c.Preload.Interval = 5 * time.Minute
	}

	if c.Variables.CacheTTL == 0 {
		c.Variables.CacheTTL = time.Minute
	}

	if c.Usage.Window == 0 {
		c.Usage.Window = 24 * time.Hour
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stderr"
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "skillhost"
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}

	if c.Metrics.Listen == "" {
		c.Metrics.Listen = "127.0.0.1:9090"
	}
}

func applyTierDefaults(tier *CacheTierConfig, size int, ttl time.Duration) {
	if tier.Size == 0 {
		tier.Size = size
	}
	if tier.TTL == 0 {
		tier.TTL = ttl
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if len(c.Skills.Roots) == 0 {
		return fmt.Errorf("skills.roots must name at least one directory")
	}
	if c.Skills.DefaultTimeoutMs < 0 {
		return fmt.Errorf("skills.default_timeout_ms must not be negative")
	}
	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("execution.max_concurrent must be at least 1")
	}
	if c.Execution.MaxQueued < 0 {
		return fmt.Errorf("execution.max_queued must not be negative")
	}
	thresholds := []struct {
		name  string
		value float64
	}{
		{"memory.normal_at", c.Memory.NormalAt},
		{"memory.moderate_at", c.Memory.ModerateAt},
		{"memory.high_at", c.Memory.HighAt},
		{"memory.critical_at", c.Memory.CriticalAt},
	}
	prev := 0.0
	for _, th := range thresholds {
		if th.value <= 0 || th.value > 1 {
			return fmt.Errorf("%s must be in (0, 1]", th.name)
		}
		if th.value <= prev {
			return fmt.Errorf("%s must exceed the previous threshold", th.name)
		}
		prev = th.value
	}
	if c.Preload.TopK < 1 {
		return fmt.Errorf("preload.top_k must be at least 1")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be in [0, 1]")
	}
	return nil
}
