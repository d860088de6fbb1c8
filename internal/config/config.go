// Package config loads the agent's YAML configuration file and layers
// environment-variable overrides on top of it, following the override-after-
// load idiom the rest of this codebase uses for env-driven settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ronhanson/jobmanager-agent/internal/platform/envutil"
)

// Config is the agent's full configuration (§6 "Agent configuration").
type Config struct {
	DBHost     string         `yaml:"db_host"`
	DBPort     int            `yaml:"db_port"`
	DBName     string         `yaml:"db_name"`
	DBUser     string         `yaml:"db_user"`
	DBPassword string         `yaml:"db_password"`
	Slots      map[string]int `yaml:"slots"`
	Imports    []string       `yaml:"imports"`

	// LoopDurationSeconds is the Job Supervisor's tick interval.
	LoopDurationSeconds int `yaml:"loop_duration"`
	// UpdateTimingSeconds is the Status Ticker's interval.
	UpdateTimingSeconds int `yaml:"update_timing"`

	LogFile string `yaml:"log_file"`

	// RedisAddr, left empty, disables the status broadcast channel.
	RedisAddr string `yaml:"redis_addr"`
	// OtelEndpoint, left empty, turns tracing off unless OTEL_ENABLED is set,
	// in which case a stdout trace exporter is used.
	OtelEndpoint string `yaml:"otel_endpoint"`
	// MetricsAddr, left empty, disables the Prometheus scrape endpoint.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads path as YAML, applies defaults for anything unset, then applies
// JOBAGENT_-prefixed environment overrides, matching field name upper-cased
// (e.g. JOBAGENT_DB_HOST overrides db_host).
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		DBHost:              "localhost",
		DBPort:              5432,
		DBName:              "jobagent",
		DBUser:              "jobagent",
		Slots:               map[string]int{},
		LoopDurationSeconds: 5,
		UpdateTimingSeconds: 10,
	}
}

func (c *Config) validate() error {
	if c.LoopDurationSeconds <= 0 {
		return fmt.Errorf("loop_duration must be positive, got %d", c.LoopDurationSeconds)
	}
	if c.UpdateTimingSeconds <= 0 {
		return fmt.Errorf("update_timing must be positive, got %d", c.UpdateTimingSeconds)
	}
	for jobType, capacity := range c.Slots {
		if capacity < 0 {
			return fmt.Errorf("slots[%s] must be >= 0, got %d", jobType, capacity)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("JOBAGENT_DB_HOST"); v != "" {
		cfg.DBHost = v
	}
	if v := envutil.Int("JOBAGENT_DB_PORT", 0); v != 0 {
		cfg.DBPort = v
	}
	if v := envString("JOBAGENT_DB_NAME"); v != "" {
		cfg.DBName = v
	}
	if v := envString("JOBAGENT_DB_USER"); v != "" {
		cfg.DBUser = v
	}
	if v := envString("JOBAGENT_DB_PASSWORD"); v != "" {
		cfg.DBPassword = v
	}
	if v := envutil.Int("JOBAGENT_LOOP_DURATION", 0); v != 0 {
		cfg.LoopDurationSeconds = v
	}
	if v := envutil.Int("JOBAGENT_UPDATE_TIMING", 0); v != 0 {
		cfg.UpdateTimingSeconds = v
	}
	if v := envString("JOBAGENT_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := envString("JOBAGENT_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := envString("JOBAGENT_OTEL_ENDPOINT"); v != "" {
		cfg.OtelEndpoint = v
	}
	if v := envString("JOBAGENT_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}
