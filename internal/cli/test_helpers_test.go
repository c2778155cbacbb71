package cli

import (
	"bytes"
	"context"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/presence/internal/config"
	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/storage"
)

var t0 = time.Date(2025, 6, 9, 14, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

// captureOutput captures stdout during fn execution and returns it as a string.
func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	w.Close()
	os.Stdout = old
	return <-done
}

// newTestEnv returns an env over a fresh migrated database with default
// settings and a discarding logger.
func newTestEnv(t *testing.T) *env {
	t.Helper()
	cfg := config.DefaultConfig()
	path := filepath.Join(t.TempDir(), "presence.db")

	db, err := sql.Open("sqlite3", storage.DSN(path, 5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e, err := newEnv(context.Background(), cfg, path, db, slog.Logger{})
	require.NoError(t, err)
	t.Cleanup(func() { e.store.Close() })
	return e
}

// seed ingests the standard scenario:
//
//	0s alice,bob  5s alice,bob  10s alice  15s alice  300s nobody
//
// bob closes by absence at 5s; the 15s..300s gap is an outage that closes
// alice's session at 15s.
func seed(t *testing.T, e *env) {
	t.Helper()
	ctx := context.Background()
	in := e.ingestor()
	for _, s := range []struct {
		sec   int
		users []string
	}{
		{0, []string{"alice", "bob"}},
		{5, []string{"alice", "bob"}},
		{10, []string{"alice"}},
		{15, []string{"alice"}},
		{300, []string{}},
	} {
		res, err := in.Ingest(ctx, presence.Snapshot{Timestamp: at(s.sec), ObservedUsers: s.users})
		require.NoError(t, err)
		require.NoError(t, res.DerivedErr)
	}
}

func jsonGlobals() *GlobalFlags { return &GlobalFlags{JSON: true} }
