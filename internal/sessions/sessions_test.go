package sessions

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/presence/internal/presence"
)

var t0 = time.Date(2025, 3, 3, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func row(sec int, users ...string) presence.RawSnapshot {
	if users == nil {
		users = []string{}
	}
	norm, _ := presence.NormalizeUsers(users)
	return presence.RawSnapshot{Timestamp: at(sec), Users: norm}
}

func testConfig(grace int) Config {
	return Config{Cadence: 5 * time.Second, MissedSampleGrace: grace, OutageToleranceFactor: 10}
}

func TestReplay_SingleMissedSampleIsAbsorbed(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(5, "alice"), row(10), row(15, "alice")}

	got := Replay(testConfig(1), rows)

	require.Len(t, got, 1)
	assert.Equal(t, at(0), got[0].Start)
	assert.Equal(t, at(15), got[0].End)
	assert.Equal(t, 3, got[0].SampleCount)
	assert.True(t, got[0].Incomplete)
}

func TestReplay_ZeroGraceSplitsOnMissedSample(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(5, "alice"), row(10), row(15, "alice")}

	got := Replay(testConfig(0), rows)

	require.Len(t, got, 2)
	assert.Equal(t, at(0), got[0].Start)
	assert.Equal(t, at(5), got[0].End)
	assert.Equal(t, presence.ClosedAbsence, got[0].ClosedBy)
	assert.False(t, got[0].Incomplete)
	assert.Equal(t, at(15), got[1].Start)
	assert.True(t, got[1].Incomplete)
}

func TestReplay_TwoMissedSamplesClose(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(5, "alice"), row(10), row(15), row(20, "alice")}

	got := Replay(testConfig(1), rows)

	require.Len(t, got, 2)
	assert.Equal(t, at(5), got[0].End, "end is the last confirmed presence")
	assert.Equal(t, presence.ClosedAbsence, got[0].ClosedBy)
	assert.Equal(t, at(20), got[1].Start)
}

func TestReplay_OutageTruncatesSession(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(3600, "alice")}
	cfg := testConfig(1)

	got := Replay(cfg, rows)

	require.Len(t, got, 2)
	assert.Equal(t, at(0), got[0].Start)
	assert.Equal(t, at(0), got[0].End)
	assert.Equal(t, presence.ClosedOutage, got[0].ClosedBy)
	assert.Equal(t, at(3600), got[1].Start)
	assert.True(t, got[1].Incomplete)

	outages := Outages(cfg, rows)
	require.Len(t, outages, 1)
	assert.Equal(t, presence.Outage{Start: at(0), End: at(3600)}, outages[0])
}

func TestReplay_OutageClosesSessionInsideGrace(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(5, "alice"), row(10), row(900)}

	got := Replay(testConfig(1), rows)

	require.Len(t, got, 1)
	assert.Equal(t, at(5), got[0].End)
	assert.Equal(t, presence.ClosedOutage, got[0].ClosedBy)
}

func TestReplay_BridgesShortOutage(t *testing.T) {
	cfg := testConfig(1)
	cfg.BridgeOutageMax = 2 * time.Minute
	rows := []presence.RawSnapshot{row(0, "alice"), row(5, "alice"), row(100, "alice"), row(105, "alice")}

	got := Replay(cfg, rows)
	require.Len(t, got, 1)
	assert.Equal(t, at(0), got[0].Start)
	assert.Equal(t, at(105), got[0].End)

	rows = []presence.RawSnapshot{row(0, "alice"), row(500, "alice")}
	assert.Len(t, Replay(cfg, rows), 2, "outages longer than the bridge still truncate")
}

func TestReplay_DuplicateIsNoOp(t *testing.T) {
	withDup := []presence.RawSnapshot{row(0, "alice"), row(0, "alice"), row(5, "alice"), row(5, "alice")}
	without := []presence.RawSnapshot{row(0, "alice"), row(5, "alice")}

	assert.Equal(t, Replay(testConfig(1), without), Replay(testConfig(1), withDup))
	assert.Equal(t, 2, Replay(testConfig(1), withDup)[0].SampleCount)
}

func TestReplay_SameUsersLaterTimestampExtends(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(5, "alice"), row(10, "alice")}

	got := Replay(testConfig(1), rows)
	require.Len(t, got, 1)
	assert.Equal(t, at(10), got[0].End)
	assert.Equal(t, 3, got[0].SampleCount)
}

func TestReplay_LateRowIsFoldedForward(t *testing.T) {
	rows := []presence.RawSnapshot{row(0, "alice"), row(10, "alice"), row(9, "bob")}

	got := Replay(testConfig(1), rows)

	require.Len(t, got, 2)
	bob := got[1]
	assert.Equal(t, "bob", bob.UserID)
	assert.Equal(t, at(10), bob.Start, "a late sample never moves state time backwards")
}

func TestReplay_MultipleUsersIndependent(t *testing.T) {
	rows := []presence.RawSnapshot{
		row(0, "alice", "bob"),
		row(5, "alice"),
		row(10, "alice"),
		row(15, "bob"),
	}

	got := Replay(testConfig(1), rows)

	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, at(10), got[0].End)
	assert.True(t, got[0].Incomplete, "alice has only missed one sample")
	assert.Equal(t, "bob", got[1].UserID)
	assert.Equal(t, at(0), got[1].End)
	assert.Equal(t, "bob", got[2].UserID)
	assert.Equal(t, at(15), got[2].Start)
}

func TestApply_ReportsTouchedSessions(t *testing.T) {
	cfg := testConfig(0)
	s := NewState()

	res := Apply(cfg, s, row(0, "alice"))
	require.Len(t, res.Open, 1)
	assert.Empty(t, res.Closed)

	res = Apply(cfg, s, row(5))
	require.Len(t, res.Closed, 1)
	assert.Equal(t, presence.ClosedAbsence, res.Closed[0].ClosedBy)
	assert.Empty(t, s.Users)

	res = Apply(cfg, s, row(5))
	assert.True(t, res.Sample.Duplicate)
	assert.Empty(t, res.Touched())
}

func TestState_SeedSkipsDuplicateOfSeedRow(t *testing.T) {
	s := NewState()
	s.Seed(row(0, "alice"), time.Time{})

	res := Apply(testConfig(1), s, row(0, "alice"))
	assert.True(t, res.Sample.Duplicate)
}

func TestState_SeedOnLateRowKeepsLatestInstant(t *testing.T) {
	s := NewState()
	s.Seed(row(9, "alice"), at(10))
	assert.True(t, s.Cursor.LastAt.Equal(at(10)))
	assert.True(t, s.Cursor.LastRawAt.Equal(at(9)))

	res := Apply(testConfig(1), s, row(8, "alice"))
	assert.False(t, res.Sample.Duplicate)
	assert.True(t, res.Sample.At.Equal(at(10)), "a late row folds onto the latest instant")
}

func randomRows(r *rand.Rand, n int, users []string) []presence.RawSnapshot {
	rows := make([]presence.RawSnapshot, 0, n)
	sec := 0
	for i := 0; i < n; i++ {
		switch p := r.Intn(100); {
		case p < 3:
			sec += 600 // collector outage
		case p < 6:
			// duplicate delivery, same timestamp
		default:
			sec += 5
		}
		var present []string
		for _, u := range users {
			if r.Intn(3) > 0 {
				present = append(present, u)
			}
		}
		if len(rows) > 0 && rows[len(rows)-1].Timestamp.Equal(at(sec)) {
			rows = append(rows, rows[len(rows)-1])
			continue
		}
		rows = append(rows, row(sec, present...))
	}
	return rows
}

func TestReplay_Deterministic(t *testing.T) {
	rows := randomRows(rand.New(rand.NewSource(7)), 2000, []string{"alice", "bob", "carol", "dave"})

	first := Replay(testConfig(1), rows)
	for i := 0; i < 3; i++ {
		assert.Equal(t, first, Replay(testConfig(1), rows))
	}
}

func TestReplayUser_MatchesReplay(t *testing.T) {
	users := []string{"alice", "bob", "carol"}
	rows := randomRows(rand.New(rand.NewSource(11)), 1500, users)
	cfg := testConfig(1)
	cfg.BridgeOutageMax = 15 * time.Minute

	all := Replay(cfg, rows)
	for _, u := range users {
		var want []presence.Session
		for _, s := range all {
			if s.UserID == u {
				want = append(want, s)
			}
		}
		assert.Equal(t, want, ReplayUser(cfg, u, rows), u)
	}
}

func TestReplay_NoOverlap(t *testing.T) {
	rows := randomRows(rand.New(rand.NewSource(3)), 3000, []string{"alice", "bob"})

	for _, grace := range []int{0, 1, 3} {
		got := Replay(testConfig(grace), rows)
		for i := 1; i < len(got); i++ {
			if got[i].UserID != got[i-1].UserID {
				continue
			}
			assert.True(t, got[i].Start.After(got[i-1].End),
				"grace %d: %v overlaps %v", grace, got[i], got[i-1])
		}
		for _, s := range got {
			assert.False(t, s.End.Before(s.Start))
		}
	}
}
