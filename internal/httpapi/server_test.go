package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/presence/internal/analytics"
	"github.com/runnerr0/presence/internal/ingest"
	"github.com/runnerr0/presence/internal/lock"
	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/query"
	"github.com/runnerr0/presence/internal/rebuild"
	"github.com/runnerr0/presence/internal/storage"
)

var t0 = time.Date(2025, 6, 9, 14, 0, 0, 0, time.UTC)

type fixture struct {
	srv   *Server
	store *storage.SQLiteStore
	locks *lock.RangeLocks
	clock *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", storage.DSN(filepath.Join(t.TempDir(), "presence.db"), 5*time.Second))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.NewMigrationRunner(db).Run(context.Background()))
	store, err := storage.NewSQLiteStore(db)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	clock := quartz.NewMock(t)
	clock.Set(t0)
	locks := lock.New()
	cfg := ingest.DefaultConfig()

	in := ingest.New(store, locks, cfg, ingest.WithClock(clock), ingest.WithLogger(log))
	q := query.New(store, analytics.New(analytics.DefaultConfig()), cfg.Engine.Detector(), query.WithLogger(log))
	rb := rebuild.New(store, locks, cfg.Engine, rebuild.WithLogger(log))

	return &fixture{
		srv:   New(in, q, rb, WithLogger(log), WithClock(clock), WithMaxRequestSize(4096)),
		store: store,
		locks: locks,
		clock: clock,
	}
}

func (f *fixture) do(t *testing.T, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) post(t *testing.T, sec int, users ...string) *httptest.ResponseRecorder {
	t.Helper()
	if users == nil {
		users = []string{}
	}
	body, err := json.Marshal(presence.Snapshot{Timestamp: t0.Add(time.Duration(sec) * time.Second), ObservedUsers: users})
	require.NoError(t, err)
	return f.do(t, http.MethodPost, "/snapshots", string(body))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(bytes.NewReader(rec.Body.Bytes())).Decode(v))
}

func TestIngest_AcceptsSnapshot(t *testing.T) {
	f := newFixture(t)

	rec := f.post(t, 0, "alice")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp ingestResponse
	decode(t, rec, &resp)
	assert.NotEmpty(t, resp.ID)
	assert.False(t, resp.Duplicate)

	rec = f.post(t, 0, "alice")
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &resp)
	assert.True(t, resp.Duplicate)
}

func TestIngest_RejectsMalformed(t *testing.T) {
	f := newFixture(t)

	cases := map[string]string{
		"not json":         `{`,
		"missing users":    `{"timestamp":"2025-06-09T14:00:00Z"}`,
		"bad timestamp":    `{"timestamp":"yesterday","observed_users":[]}`,
		"blank identifier": `{"timestamp":"2025-06-09T14:00:00Z","observed_users":[" "]}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/snapshots", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			var resp errorResponse
			decode(t, rec, &resp)
			assert.NotEmpty(t, resp.Error)
		})
	}

	rec := f.do(t, http.MethodPost, "/snapshots", `{"timestamp":"2025-06-09T14:00:00Z","observed_users":["`+strings.Repeat("x", 5000)+`"]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessions_IncludeOutageAnnotations(t *testing.T) {
	f := newFixture(t)
	f.post(t, 0, "alice")
	f.post(t, 5, "alice")
	f.post(t, 3600, "alice")

	rec := f.do(t, http.MethodGet, "/sessions?user_id=alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp sessionsResponse
	decode(t, rec, &resp)

	require.Len(t, resp.Sessions, 2)
	assert.Equal(t, "outage", resp.Sessions[0].ClosedBy)
	assert.Equal(t, 5.0, resp.Sessions[0].DurationSeconds)
	assert.True(t, resp.Sessions[1].Incomplete)
	require.Len(t, resp.Outages, 1)
	assert.Equal(t, 3595.0, resp.Outages[0].DurationSeconds)

	rec = f.do(t, http.MethodGet, "/outages?from=2025-06-09T14:30:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var outages outagesResponse
	decode(t, rec, &outages)
	assert.Len(t, outages.Outages, 1)
}

func TestSessions_BadParams(t *testing.T) {
	f := newFixture(t)

	for _, target := range []string{
		"/sessions?from=nope",
		"/sessions?from=2025-06-09T15:00:00Z&to=2025-06-09T14:00:00Z",
		"/sessions?limit=-1",
		"/outages?to=later",
	} {
		rec := f.do(t, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestSummary(t *testing.T) {
	f := newFixture(t)
	f.post(t, 0, "alice", "bob")
	f.post(t, 5, "alice", "bob")
	f.post(t, 10, "alice")
	f.post(t, 15, "alice")
	f.post(t, 20)
	f.post(t, 25)

	rec := f.do(t, http.MethodGet, "/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp summaryResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Users, 2)
	assert.Equal(t, "alice", resp.Users[0].UserID)
	assert.Equal(t, 1, resp.Users[0].Rank)
	assert.Equal(t, 15.0, resp.Users[0].TotalOnlineSeconds)
	assert.Nil(t, resp.Users[0].ConsistencyScore)
	assert.Contains(t, resp.Users[0].InsufficientData, analytics.MetricConsistencyScore)

	rec = f.do(t, http.MethodGet, "/summary?user_id=bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &resp)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, 2, resp.Users[0].Rank)

	rec = f.do(t, http.MethodGet, "/summary?user_id=nobody", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDaily(t *testing.T) {
	f := newFixture(t)
	f.post(t, 0, "alice", "bob")
	f.post(t, 5, "alice", "bob")
	f.post(t, 10, "alice")
	f.post(t, 15, "alice")
	f.post(t, 20)
	f.post(t, 25)

	rec := f.do(t, http.MethodGet, "/daily?user_id=alice", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp dailyResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Days, 1)
	assert.Equal(t, "2025-06-09", resp.Days[0].Date)
	assert.Equal(t, 0.25, resp.Days[0].Minutes)

	rec = f.do(t, http.MethodGet, "/daily?from=2025-06-09T14:00:20Z&to=2025-06-09T14:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOnline(t *testing.T) {
	f := newFixture(t)
	f.post(t, 0, "alice", "bob")
	f.post(t, 5, "bob")

	f.clock.Set(t0.Add(7 * time.Second))
	rec := f.do(t, http.MethodGet, "/status/online", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st query.Status
	decode(t, rec, &st)
	assert.Equal(t, []string{"alice", "bob"}, st.Online, "alice's session is still inside its grace")

	rec = f.do(t, http.MethodGet, "/status/online?as_of=2025-06-09T15:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &st)
	assert.Empty(t, st.Online)

	rec = f.do(t, http.MethodGet, "/status/online?as_of=soon", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRebuild(t *testing.T) {
	f := newFixture(t)
	f.post(t, 0, "alice")
	f.post(t, 5, "alice")
	f.post(t, 10, "alice")

	rec := f.do(t, http.MethodPost, "/rebuild", `{"user_id":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp rebuildResponse
	decode(t, rec, &resp)
	require.Len(t, resp.Users, 1)
	assert.Equal(t, 1, resp.Users[0].Written)
	assert.Nil(t, resp.Outages)

	rec = f.do(t, http.MethodPost, "/rebuild", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &resp)
	require.NotNil(t, resp.Outages)
	assert.Equal(t, 0, *resp.Outages)

	release, err := f.locks.Exclusive(context.Background(), lock.Range{UserID: "alice"})
	require.NoError(t, err)
	defer release()
	rec = f.do(t, http.MethodPost, "/rebuild", `{"user_id":"alice","from":"2025-06-09T14:00:00Z"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/rebuild", `{"user_id":"alice","from":"2025-06-09T15:00:00Z","to":"2025-06-09T14:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "presence_http_requests_total")

	rec = f.do(t, http.MethodGet, "/snapshots", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
