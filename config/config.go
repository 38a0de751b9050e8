// Package config loads and validates engine configuration via viper.
// Configuration errors are the only fatal error category: they surface at
// startup, before the engine accepts traffic.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the Argus engine.
type Config struct {
	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Rules struct {
		// Dir holds rule definition documents (*.yaml) and reference set
		// documents (*.refs.yaml).
		Dir string `mapstructure:"dir"`
		// Watch enables fsnotify-driven hot reload of the rule directory.
		Watch bool `mapstructure:"watch"`
	} `mapstructure:"rules"`

	Buffer struct {
		// Capacity is the per-source ring size in events.
		Capacity int `mapstructure:"capacity"`
		// GraceSeconds extends each retention horizon to tolerate late
		// arrival.
		GraceSeconds int `mapstructure:"grace_seconds"`
		// RetentionOverrideSeconds pins a retention horizon per source
		// type, overriding the max-rule-window derivation.
		RetentionOverrideSeconds map[string]int `mapstructure:"retention_override_seconds"`
	} `mapstructure:"buffer"`

	Engine struct {
		Workers                int `mapstructure:"workers"`
		QueueSize              int `mapstructure:"queue_size"`
		TickSeconds            int `mapstructure:"tick_seconds"`
		EvalTimeoutSeconds     int `mapstructure:"eval_timeout_seconds"`
		MinRescoreMillis       int `mapstructure:"min_rescore_millis"`
		MaxDistinctValues      int `mapstructure:"max_distinct_values"`
		MaxListValues          int `mapstructure:"max_list_values"`
		MaxContributingEvents  int `mapstructure:"max_contributing_events"`
		DedupCacheSize         int `mapstructure:"dedup_cache_size"`
		DedupDefaultSeconds    int `mapstructure:"dedup_default_seconds"`
		MaintenanceCronSpec    string `mapstructure:"maintenance_cron_spec"`
		MaxEventsPerEvaluation int `mapstructure:"max_events_per_evaluation"`
	} `mapstructure:"engine"`

	Sink struct {
		// Type selects the alert sink: "log" or "file".
		Type string `mapstructure:"type"`
		// Path is the output file for the file sink.
		Path string `mapstructure:"path"`
		// RetryAttempts bounds sink retries before an alert is dropped.
		RetryAttempts int `mapstructure:"retry_attempts"`
		// RetryBaseMillis is the base of the exponential backoff.
		RetryBaseMillis int `mapstructure:"retry_base_millis"`
	} `mapstructure:"sink"`

	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"` // "json" or "console"
	} `mapstructure:"logging"`
}

// Grace returns the configured late-arrival grace period.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.Buffer.GraceSeconds) * time.Second
}

// Tick returns the scheduler tick interval.
func (c *Config) Tick() time.Duration {
	return time.Duration(c.Engine.TickSeconds) * time.Second
}

// EvalTimeout returns the per-tick evaluation ceiling.
func (c *Config) EvalTimeout() time.Duration {
	return time.Duration(c.Engine.EvalTimeoutSeconds) * time.Second
}

// MinRescoreInterval returns the per-group reactive re-evaluation floor.
func (c *Config) MinRescoreInterval() time.Duration {
	return time.Duration(c.Engine.MinRescoreMillis) * time.Millisecond
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8480)

	v.SetDefault("rules.dir", "./rules")
	v.SetDefault("rules.watch", true)

	v.SetDefault("buffer.capacity", 65536)
	v.SetDefault("buffer.grace_seconds", 300)

	v.SetDefault("engine.workers", 4)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.tick_seconds", 10)
	v.SetDefault("engine.eval_timeout_seconds", 30)
	v.SetDefault("engine.min_rescore_millis", 1000)
	v.SetDefault("engine.max_distinct_values", 10000)
	v.SetDefault("engine.max_list_values", 100)
	v.SetDefault("engine.max_contributing_events", 20)
	v.SetDefault("engine.dedup_cache_size", 10000)
	v.SetDefault("engine.dedup_default_seconds", 3600)
	v.SetDefault("engine.maintenance_cron_spec", "@every 1m")
	v.SetDefault("engine.max_events_per_evaluation", 10000)

	v.SetDefault("sink.type", "log")
	v.SetDefault("sink.retry_attempts", 3)
	v.SetDefault("sink.retry_base_millis", 100)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads configuration from the given file path (optional) with ARGUS_*
// environment overrides, applies defaults, and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARGUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks configuration invariants. Failures here are fatal by
// design: the engine must not start on a bad configuration.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Rules.Dir == "" {
		return fmt.Errorf("rules.dir must be set")
	}
	if c.Buffer.Capacity <= 0 {
		return fmt.Errorf("buffer.capacity must be positive")
	}
	if c.Engine.Workers <= 0 {
		return fmt.Errorf("engine.workers must be positive")
	}
	if c.Engine.MaxDistinctValues <= 0 {
		return fmt.Errorf("engine.max_distinct_values must be positive")
	}
	if c.Engine.EvalTimeoutSeconds <= 0 {
		return fmt.Errorf("engine.eval_timeout_seconds must be positive")
	}
	switch c.Sink.Type {
	case "log", "file":
	default:
		return fmt.Errorf("sink.type %q unknown (want log or file)", c.Sink.Type)
	}
	if c.Sink.Type == "file" && c.Sink.Path == "" {
		return fmt.Errorf("sink.path must be set for the file sink")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q unknown", c.Logging.Level)
	}
	return nil
}
