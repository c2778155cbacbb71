package config

// DefaultConfig returns a Config populated with all default values.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			SampleCadenceSeconds:      5,
			MissedSampleGrace:         1,
			OutageToleranceFactor:     10,
			ClockSkewToleranceSeconds: 2,
			BridgeOutageMaxSeconds:    0,
			IgnoreLabels:              []string{},
			CollectorErrorPrefixes:    DefaultCollectorErrorPrefixes(),
		},
		Analytics: AnalyticsConfig{
			MinObservedDaysForConsistency: 3,
			ConsistencyFormula:            "inverse",
			Timezone:                      "UTC",
		},
		Storage: StorageConfig{
			Path:                   "~/.config/presence",
			SQLiteFile:             "presence.db",
			SQLiteJournalMode:      "wal",
			BusyTimeoutMS:          5000,
			RetryMaxAttempts:       5,
			RetryInitialIntervalMS: 50,
			RetryMaxIntervalMS:     2000,
		},
		Rebuild: RebuildConfig{
			Workers: 4,
		},
		Server: ServerConfig{
			Host:                "127.0.0.1",
			Port:                8722,
			ReadTimeoutSeconds:  10,
			WriteTimeoutSeconds: 30,
			MaxRequestSize:      1 << 20,
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "presence.snapshots",
			GroupID: "presence-engine",
		},
		Cache: CacheConfig{
			RedisAddr:  "",
			RedisDB:    0,
			TTLSeconds: 30,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "human",
		},
	}
}

// DefaultCollectorErrorPrefixes returns label prefixes that collectors use
// to report a failed scrape in place of a user list. A snapshot carrying
// one of them is rejected rather than read as "everybody went offline".
func DefaultCollectorErrorPrefixes() []string {
	return []string{
		"ERROR:",
		"ERROR ",
	}
}
