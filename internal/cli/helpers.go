package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	_ "github.com/mattn/go-sqlite3"

	"github.com/runnerr0/presence/internal/analytics"
	"github.com/runnerr0/presence/internal/config"
	"github.com/runnerr0/presence/internal/ingest"
	"github.com/runnerr0/presence/internal/lock"
	"github.com/runnerr0/presence/internal/logging"
	"github.com/runnerr0/presence/internal/query"
	"github.com/runnerr0/presence/internal/rebuild"
	"github.com/runnerr0/presence/internal/storage"
)

// env is everything a command needs: the loaded config, a migrated store and
// a logger. Commands build their services from it.
type env struct {
	cfg    *config.Config
	dbPath string
	db     *sql.DB
	store  *storage.SQLiteStore
	log    slog.Logger
	locks  *lock.RangeLocks

	// ingestStore replaces store for ingestion when set.
	ingestStore ingest.Store
}

// loadConfig reads --config when given, otherwise the default config file
// (created with defaults on first run).
func loadConfig(g *GlobalFlags) (*config.Config, error) {
	if g != nil && g.Config != "" {
		return config.Load(g.Config)
	}
	return config.LoadOrCreate()
}

// newLogger writes to stderr so that stdout stays machine-readable.
func newLogger(g *GlobalFlags, cfg *config.Config) (slog.Logger, error) {
	level := cfg.Logging.Level
	if g != nil && g.Verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, cfg.Logging.Format, level)
}

// openEnv loads the config, opens the database, runs migrations, and returns
// a ready-to-use env.
func openEnv(ctx context.Context, g *GlobalFlags) (*env, error) {
	cfg, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	log, err := newLogger(g, cfg)
	if err != nil {
		return nil, err
	}

	dbPath := ""
	if g != nil {
		dbPath = g.DBPath
	}
	if dbPath == "" {
		if dbPath, err = cfg.DBPath(); err != nil {
			return nil, fmt.Errorf("resolve db path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", storage.DSN(dbPath, cfg.BusyTimeout()))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e, err := newEnv(ctx, cfg, dbPath, db, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	return e, nil
}

// newEnv migrates db and wraps it in a store configured from cfg.
func newEnv(ctx context.Context, cfg *config.Config, dbPath string, db *sql.DB, log slog.Logger) (*env, error) {
	runner := storage.NewMigrationRunner(db)
	runner.JournalMode = cfg.Storage.SQLiteJournalMode
	if err := runner.Run(ctx); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	store, err := storage.NewSQLiteStore(db,
		storage.WithLogger(log.Named("storage")),
		storage.WithRetryPolicy(cfg.RetryPolicy()),
	)
	if err != nil {
		return nil, fmt.Errorf("create store: %w", err)
	}

	return &env{
		cfg:    cfg,
		dbPath: dbPath,
		db:     db,
		store:  store,
		log:    log,
		locks:  lock.New(),
	}, nil
}

// Close releases the store and the database handle.
func (e *env) Close() error {
	e.store.Close()
	return e.db.Close()
}

func (e *env) ingestor() *ingest.Ingestor {
	var store ingest.Store = e.store
	if e.ingestStore != nil {
		store = e.ingestStore
	}
	return ingest.New(store, e.locks, e.cfg.Ingest(), ingest.WithLogger(e.log.Named("ingest")))
}

func (e *env) rebuilder() *rebuild.Rebuilder {
	return rebuild.New(e.store, e.locks, e.cfg.Sessions(),
		rebuild.WithWorkers(e.cfg.Rebuild.Workers),
		rebuild.WithLogger(e.log.Named("rebuild")),
	)
}

func (e *env) queryService(opts ...query.Option) (*query.Service, error) {
	acfg, err := e.cfg.AnalyticsEngine()
	if err != nil {
		return nil, err
	}
	opts = append([]query.Option{query.WithLogger(e.log.Named("query"))}, opts...)
	return query.New(e.store, analytics.New(acfg), e.cfg.Sessions().Detector(), opts...), nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseDuration parses a human-friendly duration string like "30d", "7d", "24h", "2w".
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("invalid duration: empty string")
	}

	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	numStr := s[:len(s)-1]

	n, err := strconv.Atoi(numStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	switch suffix {
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, fmt.Errorf("invalid duration: %q (use d, h, w, m, or s suffix)", s)
	}
}

// parseTimeFlag accepts an RFC 3339 timestamp or an age relative to now
// ("24h" means 24 hours ago). Empty means unbounded (the zero time).
func parseTimeFlag(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	d, err := parseDuration(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or an age like 24h or 7d", s)
	}
	return now.Add(-d).UTC(), nil
}

// parseRange parses a --since/--until pair and rejects an inverted range.
func parseRange(since, until string, now time.Time) (time.Time, time.Time, error) {
	from, err := parseTimeFlag(since, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--since: %w", err)
	}
	to, err := parseTimeFlag(until, now)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("--until: %w", err)
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("--until %s is before --since %s",
			to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return from, to, nil
}

// formatDurationHuman formats a duration compactly, like "2h 5m" or "45s".
func formatDurationHuman(d time.Duration) string {
	d = d.Round(time.Second)
	days := int(d.Hours() / 24)
	if days > 0 {
		hours := int(d.Hours()) % 24
		if days == 1 {
			return fmt.Sprintf("1 day %dh", hours)
		}
		return fmt.Sprintf("%d days %dh", days, hours)
	}
	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, int(d.Seconds())%60)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}

// formatTime renders t for human output; the zero time prints as "-".
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

// formatBytes formats a byte count into a human-readable string.
func formatBytes(b int64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats an int64 with comma separators.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}

	var result strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		result.WriteString(s[:remainder])
		if len(s) > remainder {
			result.WriteString(",")
		}
	}
	for i := remainder; i < len(s); i += 3 {
		if i > remainder {
			result.WriteString(",")
		}
		result.WriteString(s[i : i+3])
	}
	return result.String()
}
