// Package config loads EngineConfig via viper, the pattern this
// codebase's services use for layered config (defaults, YAML file,
// environment overrides).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// PoolConfig mirrors contract.Config for the purposes of declarative
// setup: named pools an operator wants created at startup.
type PoolConfig struct {
	Name     string `mapstructure:"name" yaml:"name"`
	Capacity uint32 `mapstructure:"capacity" yaml:"capacity"`
}

// WorkerConfig mirrors worker.Config.
type WorkerConfig struct {
	ThreadCount         int    `mapstructure:"thread_count" yaml:"thread_count"`
	MaxSoftFailureCount int    `mapstructure:"max_soft_failure_count" yaml:"max_soft_failure_count"`
	Strategy            string `mapstructure:"strategy" yaml:"strategy"`
}

// GraphConfig mirrors workgraph.Config.
type GraphConfig struct {
	EnableEvents                    bool `mapstructure:"enable_events" yaml:"enable_events"`
	EnableAdvancedScheduling         bool `mapstructure:"enable_advanced_scheduling" yaml:"enable_advanced_scheduling"`
	ExpectedNodeCount                int  `mapstructure:"expected_node_count" yaml:"expected_node_count"`
	MaxDeferredNodes                 int  `mapstructure:"max_deferred_nodes" yaml:"max_deferred_nodes"`
	MaxDeferredProcessingIterations  int  `mapstructure:"max_deferred_processing_iterations" yaml:"max_deferred_processing_iterations"`
}

// LoggingConfig controls the ambient logrus/zerolog setup.
type LoggingConfig struct {
	Level           string        `mapstructure:"level" yaml:"level"`
	JSON            bool          `mapstructure:"json" yaml:"json"`
	StatsInterval   time.Duration `mapstructure:"stats_interval" yaml:"stats_interval"`
}

// MetricsConfig controls the Prometheus HTTP exporter.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// TracingConfig controls the OpenTelemetry tracer.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// EventSinkConfig controls the websocket event fan-out server.
type EventSinkConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr    string `mapstructure:"addr" yaml:"addr"`
}

// EngineConfig is the top-level configuration for an enginectl-managed
// process: which pools to stand up, how the worker service is sized, and
// which ambient/domain-stack collaborators are enabled.
type EngineConfig struct {
	Pools     []PoolConfig    `mapstructure:"pools" yaml:"pools"`
	Worker    WorkerConfig    `mapstructure:"worker" yaml:"worker"`
	Graph     GraphConfig     `mapstructure:"graph" yaml:"graph"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	EventSink EventSinkConfig `mapstructure:"event_sink" yaml:"event_sink"`
}

// Default returns an EngineConfig with the engine's documented defaults:
// thread-count 0 (hardware concurrency), unbounded deferred queue,
// AdaptiveRanking strategy, events enabled.
func Default() *EngineConfig {
	return &EngineConfig{
		Pools: []PoolConfig{{Name: "default", Capacity: 1024}},
		Worker: WorkerConfig{
			ThreadCount:         0,
			MaxSoftFailureCount: 32,
			Strategy:            "adaptive-ranking",
		},
		Graph: GraphConfig{
			EnableEvents:                    true,
			EnableAdvancedScheduling:        false,
			ExpectedNodeCount:               64,
			MaxDeferredNodes:                0,
			MaxDeferredProcessingIterations: 4,
		},
		Logging: LoggingConfig{
			Level:         "info",
			JSON:          false,
			StatsInterval: 5 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Tracing: TracingConfig{Enabled: false, ServiceName: "workengine"},
		EventSink: EventSinkConfig{Enabled: false, Addr: ":8089"},
	}
}

// Load reads an EngineConfig from path (YAML) layered over Default(),
// with WORKENGINE_-prefixed environment variables taking precedence,
// following this codebase's viper-based configuration convention.
func Load(path string) (*EngineConfig, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("WORKENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *EngineConfig) {
	v.SetDefault("worker.thread_count", cfg.Worker.ThreadCount)
	v.SetDefault("worker.max_soft_failure_count", cfg.Worker.MaxSoftFailureCount)
	v.SetDefault("worker.strategy", cfg.Worker.Strategy)
	v.SetDefault("graph.enable_events", cfg.Graph.EnableEvents)
	v.SetDefault("graph.expected_node_count", cfg.Graph.ExpectedNodeCount)
	v.SetDefault("graph.max_deferred_nodes", cfg.Graph.MaxDeferredNodes)
	v.SetDefault("graph.max_deferred_processing_iterations", cfg.Graph.MaxDeferredProcessingIterations)
	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.stats_interval", cfg.Logging.StatsInterval)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
	v.SetDefault("tracing.service_name", cfg.Tracing.ServiceName)
	v.SetDefault("event_sink.addr", cfg.EventSink.Addr)
}
