package cli

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30d", 30 * 24 * time.Hour},
		{"24h", 24 * time.Hour},
		{"2w", 14 * 24 * time.Hour},
		{"30m", 30 * time.Minute},
		{"45s", 45 * time.Second},
	}
	for _, tt := range tests {
		got, err := parseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "d", "abc", "10y"} {
		_, err := parseDuration(bad)
		assert.Error(t, err, bad)
	}
}

func TestParseTimeFlag(t *testing.T) {
	now := at(3600)

	got, err := parseTimeFlag("", now)
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = parseTimeFlag("2025-06-09T16:00:00+02:00", now)
	require.NoError(t, err)
	assert.Equal(t, t0, got)
	assert.Equal(t, time.UTC, got.Location())

	got, err = parseTimeFlag("1h", now)
	require.NoError(t, err)
	assert.Equal(t, t0, got)

	_, err = parseTimeFlag("yesterday", now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RFC 3339")
}

func TestParseRangeRejectsInverted(t *testing.T) {
	_, _, err := parseRange("1h", "2h", at(7200))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "before --since")

	from, to, err := parseRange("2h", "1h", at(7200))
	require.NoError(t, err)
	assert.Equal(t, t0, from)
	assert.Equal(t, at(3600), to)

	_, _, err = parseRange("bogus", "", at(0))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--since")
}

func TestFormatDurationHuman(t *testing.T) {
	assert.Equal(t, "45s", formatDurationHuman(45*time.Second))
	assert.Equal(t, "2m 5s", formatDurationHuman(125*time.Second))
	assert.Equal(t, "2h 5m", formatDurationHuman(2*time.Hour+5*time.Minute))
	assert.Equal(t, "1 day 3h", formatDurationHuman(27*time.Hour))
	assert.Equal(t, "3 days 0h", formatDurationHuman(72*time.Hour))
}

func TestFormatNumberAndBytes(t *testing.T) {
	assert.Equal(t, "999", formatNumber(999))
	assert.Equal(t, "1,000", formatNumber(1000))
	assert.Equal(t, "1,234,567", formatNumber(1234567))

	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KB", formatBytes(1536))
	assert.Equal(t, "2.0 MB", formatBytes(2<<20))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "alice", truncate("alice", 20))
	assert.Equal(t, "a-very-...", truncate("a-very-long-user-name", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestOpenEnvHonoursConfigAndDBPath(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
engine:
  sample_cadence_seconds: 10
logging:
  level: error
`), 0644))
	dbPath := filepath.Join(dir, "nested", "presence.db")

	e, err := openEnv(context.Background(), &GlobalFlags{Config: cfgPath, DBPath: dbPath})
	require.NoError(t, err)
	defer e.Close()

	assert.Equal(t, dbPath, e.dbPath)
	assert.Equal(t, 10*time.Second, e.cfg.Sessions().Cadence)
	_, err = os.Stat(dbPath)
	assert.NoError(t, err)
}

func TestOpenEnvMissingConfig(t *testing.T) {
	_, err := openEnv(context.Background(), &GlobalFlags{Config: filepath.Join(t.TempDir(), "missing.yaml")})
	require.Error(t, err)
}

func TestRunWithArgsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("logging:\n  level: error\n"), 0644))
	dbPath := filepath.Join(dir, "presence.db")
	base := []string{"--config", cfgPath, "--db-path", dbPath}

	require.NoError(t, RunWithArgs("test", append(base, "add", "--user", "alice", "--at", "2025-06-09T14:00:00Z")))

	output := captureOutput(t, func() {
		require.NoError(t, RunWithArgs("test", append(base, "--json", "snapshot", "--last")))
	})
	assert.Contains(t, output, `"alice"`)
	assert.Contains(t, output, `"timestamp": "2025-06-09T14:00:00Z"`)
}
