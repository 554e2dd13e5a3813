package sched

import (
	"os"

	yaml "github.com/goccy/go-yaml"
)

// Config mirrors config.yml. The preemption granularity and the balancer's
// imbalance threshold are deliberately configuration, not constants.
type Config struct {
	TickMS int `yaml:"tick_ms"` // wall-clock length of one tick in the demo binary
	Cores  int `yaml:"cores"`   // number of cores / run queues

	// Fair class.
	GranularityTicks float64 `yaml:"granularity_ticks"` // min vruntime lead before preemption
	LatencyTicks     int64   `yaml:"latency_ticks"`     // period divided among runnable fair tasks
	MinSliceTicks    int64   `yaml:"min_slice_ticks"`
	MaxSliceTicks    int64   `yaml:"max_slice_ticks"`

	// Real-time class.
	RTSliceTicks int64 `yaml:"rt_slice_ticks"` // round-robin slice

	// Load balancer.
	BalanceEveryTicks int64   `yaml:"balance_every_ticks"`
	ImbalanceFrac     float64 `yaml:"imbalance_frac"` // fraction of busiest load that triggers migration
	RTLoadCost        float64 `yaml:"rt_load_cost"`   // load contribution of one runnable RT task

	// Logging.
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

func defaultConfig() Config {
	return Config{
		TickMS:            1,
		Cores:             2,
		GranularityTicks:  1.0,
		LatencyTicks:      20,
		MinSliceTicks:     1,
		MaxSliceTicks:     20,
		RTSliceTicks:      10,
		BalanceEveryTicks: 50,
		ImbalanceFrac:     0.25,
		RTLoadCost:        1024,
		LogLevel:          "info",
		LogFormat:         "text",
	}
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config { return defaultConfig() }

// Load reads YAML and overrides defaults; empty path or a missing/broken
// file falls back to defaults.
func Load(path string) Config {
	cfg := defaultConfig()

	if path == "" {
		return cfg.sanitized()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg.sanitized()
	}

	_ = yaml.Unmarshal(data, &cfg)
	return cfg.sanitized()
}

// sanitized clamps nonsense values back to usable ones.
func (c Config) sanitized() Config {
	d := defaultConfig()
	if c.TickMS <= 0 {
		c.TickMS = d.TickMS
	}
	if c.Cores <= 0 {
		c.Cores = d.Cores
	}
	if c.GranularityTicks <= 0 {
		c.GranularityTicks = d.GranularityTicks
	}
	if c.LatencyTicks <= 0 {
		c.LatencyTicks = d.LatencyTicks
	}
	if c.MinSliceTicks <= 0 {
		c.MinSliceTicks = d.MinSliceTicks
	}
	if c.MaxSliceTicks < c.MinSliceTicks {
		c.MaxSliceTicks = d.MaxSliceTicks
	}
	if c.RTSliceTicks <= 0 {
		c.RTSliceTicks = d.RTSliceTicks
	}
	if c.BalanceEveryTicks <= 0 {
		c.BalanceEveryTicks = d.BalanceEveryTicks
	}
	if c.ImbalanceFrac <= 0 || c.ImbalanceFrac >= 1 {
		c.ImbalanceFrac = d.ImbalanceFrac
	}
	if c.RTLoadCost <= 0 {
		c.RTLoadCost = d.RTLoadCost
	}
	return c
}
