package cli

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runSessions(t *testing.T, e *env, cmd *SessionsCommand) (string, error) {
	t.Helper()
	if cmd.globals == nil {
		cmd.globals = &GlobalFlags{}
	}
	var err error
	out := captureOutput(t, func() {
		err = cmd.executeWithEnv(context.Background(), e, at(400))
	})
	return out, err
}

func TestSessions_JSON(t *testing.T) {
	e := newTestEnv(t)
	seed(t, e)

	out, err := runSessions(t, e, &SessionsCommand{Since: "7d", globals: jsonGlobals()})
	require.NoError(t, err)

	var got sessionsJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got.Sessions, 2)
	byUser := map[string]float64{}
	closedBy := map[string]string{}
	for _, s := range got.Sessions {
		byUser[s.UserID] = s.DurationSeconds
		closedBy[s.UserID] = s.ClosedBy
	}
	assert.Equal(t, map[string]float64{"alice": 15, "bob": 5}, byUser)
	assert.Equal(t, map[string]string{"alice": "outage", "bob": "absence"}, closedBy)

	require.Len(t, got.Outages, 1)
	assert.Equal(t, "2025-06-09T14:00:15Z", got.Outages[0].Start)
	assert.Equal(t, "2025-06-09T14:05:00Z", got.Outages[0].End)
	assert.NotEmpty(t, got.From)
	assert.Empty(t, got.To)
}

func TestSessions_UserFilterAndHuman(t *testing.T) {
	e := newTestEnv(t)
	seed(t, e)

	out, err := runSessions(t, e, &SessionsCommand{User: "bob"})
	require.NoError(t, err)
	assert.Contains(t, out, "USER")
	assert.Contains(t, out, "bob")
	assert.NotContains(t, out, "alice")
	assert.Contains(t, out, "absence")
	assert.Contains(t, out, "Collection outages (presence unknown):")
}

func TestSessions_Empty(t *testing.T) {
	e := newTestEnv(t)

	out, err := runSessions(t, e, &SessionsCommand{})
	require.NoError(t, err)
	assert.Contains(t, out, "No sessions found.")
}

func TestSessions_OpenSessionShownAsOpen(t *testing.T) {
	e := newTestEnv(t)
	_, err := runAdd(t, e, &AddCommand{Users: []string{"carol"}, At: at(0).Format("2006-01-02T15:04:05Z07:00")})
	require.NoError(t, err)

	out, err := runSessions(t, e, &SessionsCommand{})
	require.NoError(t, err)
	assert.Contains(t, out, "carol")
	assert.Contains(t, out, "open")
}

func TestSessions_InvalidArgs(t *testing.T) {
	e := newTestEnv(t)

	_, err := runSessions(t, e, &SessionsCommand{Since: "1h", Until: "2h"})
	require.Error(t, err)

	_, err = runSessions(t, e, &SessionsCommand{Limit: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--limit")
}

func TestOutages(t *testing.T) {
	e := newTestEnv(t)
	seed(t, e)

	var err error
	out := captureOutput(t, func() {
		err = (&OutagesCommand{globals: jsonGlobals()}).executeWithEnv(context.Background(), e, at(400))
	})
	require.NoError(t, err)
	assert.Contains(t, out, `"start": "2025-06-09T14:00:15Z"`)
	assert.Contains(t, out, `"duration_seconds": 285`)

	out = captureOutput(t, func() {
		err = (&OutagesCommand{Since: "1m", globals: &GlobalFlags{}}).executeWithEnv(context.Background(), e, at(400))
	})
	require.NoError(t, err)
	assert.Contains(t, out, "No outages found.")
}
