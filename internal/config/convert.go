package config

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/runnerr0/presence/internal/analytics"
	"github.com/runnerr0/presence/internal/ingest"
	"github.com/runnerr0/presence/internal/sessions"
	"github.com/runnerr0/presence/internal/storage"
)

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Sessions returns the reconstruction settings.
func (c *Config) Sessions() sessions.Config {
	e := c.Engine
	return sessions.Config{
		Cadence:               seconds(e.SampleCadenceSeconds),
		MissedSampleGrace:     e.MissedSampleGrace,
		OutageToleranceFactor: e.OutageToleranceFactor,
		BridgeOutageMax:       seconds(e.BridgeOutageMaxSeconds),
	}
}

// Ingest returns the ingestion settings.
func (c *Config) Ingest() ingest.Config {
	return ingest.Config{
		Engine:                 c.Sessions(),
		ClockSkewTolerance:     seconds(c.Engine.ClockSkewToleranceSeconds),
		IgnoreLabels:           append([]string(nil), c.Engine.IgnoreLabels...),
		CollectorErrorPrefixes: append([]string(nil), c.Engine.CollectorErrorPrefixes...),
	}
}

// AnalyticsEngine returns the analytics settings.
func (c *Config) AnalyticsEngine() (analytics.Config, error) {
	formula, err := analytics.ParseFormula(c.Analytics.ConsistencyFormula)
	if err != nil {
		return analytics.Config{}, err
	}
	loc, err := time.LoadLocation(c.Analytics.Timezone)
	if err != nil {
		return analytics.Config{}, fmt.Errorf("analytics.timezone: %w", err)
	}
	return analytics.Config{
		MinObservedDays: c.Analytics.MinObservedDaysForConsistency,
		Formula:         formula,
		Location:        loc,
	}, nil
}

// RetryPolicy returns the store write retry policy.
func (c *Config) RetryPolicy() storage.RetryPolicy {
	return storage.RetryPolicy{
		MaxAttempts:     c.Storage.RetryMaxAttempts,
		InitialInterval: millis(c.Storage.RetryInitialIntervalMS),
		MaxInterval:     millis(c.Storage.RetryMaxIntervalMS),
	}
}

// BusyTimeout is how long SQLite waits on a locked database.
func (c *Config) BusyTimeout() time.Duration {
	return millis(c.Storage.BusyTimeoutMS)
}

// ServerAddr is the HTTP listen address.
func (c *Config) ServerAddr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

// CacheTTL is the summary cache lifetime.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLSeconds) * time.Second
}
