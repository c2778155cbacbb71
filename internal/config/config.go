package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default config file path.
const DefaultConfigPath = "~/.config/presence/config.yaml"

// Config holds all presence engine configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Analytics AnalyticsConfig `yaml:"analytics"`
	Storage   StorageConfig   `yaml:"storage"`
	Rebuild   RebuildConfig   `yaml:"rebuild"`
	Server    ServerConfig    `yaml:"server"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Cache     CacheConfig     `yaml:"cache"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type EngineConfig struct {
	SampleCadenceSeconds      float64  `yaml:"sample_cadence_seconds"`
	MissedSampleGrace         int      `yaml:"missed_sample_grace"`
	OutageToleranceFactor     float64  `yaml:"outage_tolerance_factor"`
	ClockSkewToleranceSeconds float64  `yaml:"clock_skew_tolerance_seconds"`
	BridgeOutageMaxSeconds    float64  `yaml:"bridge_outage_max_seconds"`
	IgnoreLabels              []string `yaml:"ignore_labels"`
	CollectorErrorPrefixes    []string `yaml:"collector_error_prefixes"`
}

type AnalyticsConfig struct {
	MinObservedDaysForConsistency int    `yaml:"min_observed_days_for_consistency"`
	ConsistencyFormula            string `yaml:"consistency_formula"`
	Timezone                      string `yaml:"timezone"`
}

type StorageConfig struct {
	Path                   string `yaml:"path"`
	SQLiteFile             string `yaml:"sqlite_file"`
	SQLiteJournalMode      string `yaml:"sqlite_journal_mode"`
	BusyTimeoutMS          int    `yaml:"busy_timeout_ms"`
	RetryMaxAttempts       int    `yaml:"retry_max_attempts"`
	RetryInitialIntervalMS int    `yaml:"retry_initial_interval_ms"`
	RetryMaxIntervalMS     int    `yaml:"retry_max_interval_ms"`
}

type RebuildConfig struct {
	Workers int `yaml:"workers"`
}

type ServerConfig struct {
	Host                string `yaml:"host"`
	Port                int    `yaml:"port"`
	ReadTimeoutSeconds  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `yaml:"write_timeout_seconds"`
	MaxRequestSize      int64  `yaml:"max_request_size"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type CacheConfig struct {
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a YAML config file at path and merges it with defaults.
// Returns an error if the file cannot be read, contains invalid YAML, or
// fails validation.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks value ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	e := c.Engine
	check(e.SampleCadenceSeconds > 0, "engine.sample_cadence_seconds must be positive")
	check(e.MissedSampleGrace >= 0, "engine.missed_sample_grace must not be negative")
	check(e.OutageToleranceFactor >= 1, "engine.outage_tolerance_factor must be at least 1")
	check(e.ClockSkewToleranceSeconds >= 0, "engine.clock_skew_tolerance_seconds must not be negative")
	check(e.BridgeOutageMaxSeconds >= 0, "engine.bridge_outage_max_seconds must not be negative")

	a := c.Analytics
	check(a.MinObservedDaysForConsistency >= 1, "analytics.min_observed_days_for_consistency must be at least 1")
	check(a.ConsistencyFormula == "inverse" || a.ConsistencyFormula == "linear",
		"analytics.consistency_formula must be inverse or linear, got %q", a.ConsistencyFormula)
	if _, err := time.LoadLocation(a.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("analytics.timezone: %v", err))
	}

	s := c.Storage
	check(s.RetryMaxAttempts >= 1, "storage.retry_max_attempts must be at least 1")
	check(s.RetryInitialIntervalMS >= 0 && s.RetryMaxIntervalMS >= s.RetryInitialIntervalMS,
		"storage retry intervals must satisfy 0 <= initial <= max")
	check(s.BusyTimeoutMS >= 0, "storage.busy_timeout_ms must not be negative")

	check(c.Rebuild.Workers >= 1, "rebuild.workers must be at least 1")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port out of range")
	check(c.Cache.TTLSeconds >= 0, "cache.ttl_seconds must not be negative")
	check(c.Logging.Format == "human" || c.Logging.Format == "json",
		"logging.format must be human or json, got %q", c.Logging.Format)

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// DBPath returns the expanded path of the SQLite database file.
func (c *Config) DBPath() (string, error) {
	dir, err := expandPath(c.Storage.Path)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, c.Storage.SQLiteFile), nil
}

// expandPath replaces a leading ~ with the user's home directory.
func expandPath(path string) (string, error) {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}

// LoadOrCreate loads the config from the default path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreate() (*Config, error) {
	path, err := expandPath(DefaultConfigPath)
	if err != nil {
		return nil, err
	}
	return LoadOrCreateAt(path)
}

// LoadOrCreateAt loads the config from the given path. If the file does
// not exist, it creates the directory structure and writes defaults.
func LoadOrCreateAt(path string) (*Config, error) {
	path, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()

		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating config directory: %w", err)
		}

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("marshaling default config: %w", err)
		}

		if err := os.WriteFile(path, data, 0644); err != nil {
			return nil, fmt.Errorf("writing default config: %w", err)
		}

		return cfg, nil
	}

	return Load(path)
}
