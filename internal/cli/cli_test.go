package cli

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionFlag(t *testing.T) {
	var err error
	output := captureOutput(t, func() {
		err = RunWithArgs("0.1.0-test", []string{"--version"})
	})

	assert.NoError(t, err)
	assert.Contains(t, output, "presence 0.1.0-test")
}

func TestVersionOutputFormat(t *testing.T) {
	output := captureOutput(t, func() {
		_ = RunWithArgs("1.2.3", []string{"--version"})
	})

	assert.Equal(t, "presence 1.2.3", strings.TrimSpace(output))
}

func TestAllSubcommandsExist(t *testing.T) {
	expected := []string{
		"status", "add", "ingest", "consume", "serve", "sessions",
		"outages", "summary", "daily", "online", "snapshot", "rebuild", "purge",
	}
	parser, _, _ := buildParser("test")

	for _, name := range expected {
		cmd := parser.Find(name)
		assert.NotNil(t, cmd, "subcommand %q should exist", name)
	}
}

func TestUnknownSubcommandFails(t *testing.T) {
	parser, _, _ := buildParser("test")
	_, err := parser.ParseArgs([]string{"nonexistent"})
	require.Error(t, err)
}

func TestHelpFlagDoesNotError(t *testing.T) {
	err := RunWithArgs("test", []string{"--help"})
	assert.NoError(t, err)
}

func TestGlobalFlagsJSON(t *testing.T) {
	parser, globals, _ := buildParser("test")
	_, err := parser.ParseArgs([]string{"--json", "status"})
	require.NoError(t, err)
	assert.True(t, globals.JSON)
}

func TestGlobalFlagsVerbose(t *testing.T) {
	parser, globals, _ := buildParser("test")
	_, err := parser.ParseArgs([]string{"--verbose", "status"})
	require.NoError(t, err)
	assert.True(t, globals.Verbose)
}

func TestGlobalFlagsConfigAndDBPath(t *testing.T) {
	parser, globals, _ := buildParser("test")
	_, err := parser.ParseArgs([]string{"--config", "/tmp/test.yaml", "--db-path", "/tmp/p.db", "status"})
	require.NoError(t, err)
	assert.Equal(t, "/tmp/test.yaml", globals.Config)
	assert.Equal(t, "/tmp/p.db", globals.DBPath)
}

func TestAddRepeatableUser(t *testing.T) {
	p, _, c := buildParser("test")
	_, err := p.ParseArgs([]string{"add", "--user", "alice", "--user", "bob", "--at", "2025-06-09T14:00:00Z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, c.Add.Users)
	assert.Equal(t, "2025-06-09T14:00:00Z", c.Add.At)
}

func TestIngestFileDefault(t *testing.T) {
	p, _, c := buildParser("test")
	_, err := p.ParseArgs([]string{"ingest"})
	require.NoError(t, err)
	assert.Equal(t, "-", c.Ingest.File)
	assert.False(t, c.Ingest.StopOnError)
}

func TestSessionsFlagsDefaults(t *testing.T) {
	p, _, c := buildParser("test")
	_, err := p.ParseArgs([]string{"sessions"})
	require.NoError(t, err)

	assert.Equal(t, "7d", c.Sessions.Since)
	assert.Equal(t, 100, c.Sessions.Limit)
	assert.Empty(t, c.Sessions.User)
}

func TestConsumeOverrides(t *testing.T) {
	p, _, c := buildParser("test")
	_, err := p.ParseArgs([]string{"consume", "--broker", "k1:9092", "--broker", "k2:9092", "--topic", "snaps", "--group", "g"})
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, c.Consume.Brokers)

	e := newTestEnv(t)
	rc := c.Consume.readerConfig(e)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, rc.Brokers)
	assert.Equal(t, "snaps", rc.Topic)
	assert.Equal(t, "g", rc.GroupID)
}

func TestConsumeDefaultsFromConfig(t *testing.T) {
	e := newTestEnv(t)
	rc := (&ConsumeCommand{}).readerConfig(e)
	assert.Equal(t, e.cfg.Kafka.Brokers, rc.Brokers)
	assert.Equal(t, "presence.snapshots", rc.Topic)
	assert.Equal(t, "presence-engine", rc.GroupID)
}

func TestServeAddrOverrides(t *testing.T) {
	e := newTestEnv(t)
	assert.Equal(t, "127.0.0.1:8722", (&ServeCommand{}).addr(e))
	assert.Equal(t, "0.0.0.0:9000", (&ServeCommand{Host: "0.0.0.0", Port: 9000}).addr(e))
}

func TestSnapshotRequiresOneSelector(t *testing.T) {
	e := newTestEnv(t)
	cmd := &SnapshotCommand{globals: &GlobalFlags{}}
	err := cmd.executeWithEnv(context.Background(), e)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of --id or --last")

	cmd = &SnapshotCommand{ID: "x", Last: true, globals: &GlobalFlags{}}
	require.Error(t, cmd.executeWithEnv(context.Background(), e))
}

func TestPurgeForceFlag(t *testing.T) {
	p, _, c := buildParser("test")
	_, err := p.ParseArgs([]string{"purge", "--force"})
	require.NoError(t, err)
	assert.True(t, c.Purge.Force)
}
