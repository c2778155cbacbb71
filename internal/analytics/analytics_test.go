package analytics

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/presence/internal/presence"
)

// 2025-06-07 is a Saturday.
var sat = time.Date(2025, 6, 7, 0, 0, 0, 0, time.UTC)

func span(user string, start time.Time, d time.Duration, incomplete bool) presence.Session {
	return presence.Session{UserID: user, Start: start, End: start.Add(d), Incomplete: incomplete}
}

func sum(xs []float64) float64 {
	var s float64
	for _, x := range xs {
		s += x
	}
	return s
}

func dailyTimeline(days ...int) []time.Time {
	var out []time.Time
	for _, d := range days {
		out = append(out, sat.AddDate(0, 0, d).Add(12*time.Hour))
	}
	return out
}

func TestCompute_BasicMetrics(t *testing.T) {
	e := New(DefaultConfig())
	got := e.Compute(Input{Sessions: []presence.Session{
		span("alice", sat.Add(9*time.Hour), time.Hour, false),
		span("alice", sat.Add(13*time.Hour), 3*time.Hour, false),
		span("alice", sat.Add(20*time.Hour), 30*time.Minute, true),
	}})

	require.Len(t, got, 1)
	m := got[0]
	assert.Equal(t, 3, m.TotalSessions)
	assert.Equal(t, 2, m.CompletedSessions)
	assert.Equal(t, 1, m.IncompleteSessions)
	assert.Equal(t, 2*time.Hour, m.AverageDuration, "incomplete sessions are excluded from the average")
	assert.Equal(t, 3*time.Hour, m.MaxDuration)
	assert.Equal(t, 4*time.Hour+30*time.Minute, m.TotalOnline)
	assert.Equal(t, 1, m.DaysActive)
	assert.True(t, m.LastSeen.Equal(sat.Add(20*time.Hour+30*time.Minute)))
	assert.Equal(t, 1, m.Rank)
}

func TestCompute_AverageNeedsACompletedSession(t *testing.T) {
	got := New(DefaultConfig()).Compute(Input{Sessions: []presence.Session{
		span("bob", sat, time.Hour, true),
	}})

	require.Len(t, got, 1)
	assert.Contains(t, got[0].InsufficientData, MetricAverageDuration)
	assert.ErrorIs(t, got[0].Err(), presence.ErrInsufficientData)
}

func TestHistograms_ConserveWeight(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	var ss []presence.Session
	for i := 0; i < 200; i++ {
		start := sat.Add(time.Duration(r.Int63n(int64(14 * 24 * time.Hour))))
		d := time.Duration(r.Int63n(int64(30 * time.Hour)))
		if i%17 == 0 {
			d = 0
		}
		ss = append(ss, span("alice", start, d, i%5 == 0))
	}

	for _, loc := range []*time.Location{time.UTC, time.FixedZone("UTC-5", -5*3600), time.FixedZone("UTC+5:30", 5*3600+1800)} {
		cfg := DefaultConfig()
		cfg.Location = loc
		m := New(cfg).Compute(Input{Sessions: ss})[0]

		assert.InDelta(t, m.TotalOnline.Hours(), sum(m.PeakHourHistogram[:]), 1e-6, loc.String())
		assert.InDelta(t, float64(len(ss)), sum(m.PeakWeekdayHistogram[:]), 1e-6, loc.String())
	}
}

func TestHistograms_SplitAcrossBoundaries(t *testing.T) {
	// Saturday 23:30 to Sunday 01:30.
	s := span("alice", sat.Add(23*time.Hour+30*time.Minute), 2*time.Hour, false)
	m := New(DefaultConfig()).Compute(Input{Sessions: []presence.Session{s}})[0]

	assert.InDelta(t, 0.5, m.PeakHourHistogram[23], 1e-9)
	assert.InDelta(t, 1.0, m.PeakHourHistogram[0], 1e-9)
	assert.InDelta(t, 0.5, m.PeakHourHistogram[1], 1e-9)
	assert.InDelta(t, 0.25, m.PeakWeekdayHistogram[time.Saturday], 1e-9)
	assert.InDelta(t, 0.75, m.PeakWeekdayHistogram[time.Sunday], 1e-9)
	assert.Equal(t, 2, m.DaysActive)
}

func TestHistograms_ZeroLengthSession(t *testing.T) {
	s := span("alice", sat.Add(10*time.Hour), 0, false)
	m := New(DefaultConfig()).Compute(Input{Sessions: []presence.Session{s}})[0]

	assert.Equal(t, 0.0, sum(m.PeakHourHistogram[:]))
	assert.Equal(t, 1.0, m.PeakWeekdayHistogram[time.Saturday])
	assert.Equal(t, 1, m.DaysActive)
}

func TestHistograms_UseConfiguredZone(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Location = time.FixedZone("UTC-5", -5*3600)
	// 02:00 UTC Saturday is 21:00 Friday at UTC-5.
	s := span("alice", sat.Add(2*time.Hour), time.Hour, false)
	m := New(cfg).Compute(Input{Sessions: []presence.Session{s}})[0]

	assert.InDelta(t, 1.0, m.PeakHourHistogram[21], 1e-9)
	assert.InDelta(t, 1.0, m.PeakWeekdayHistogram[time.Friday], 1e-9)
}

func TestRank_StableAndTotal(t *testing.T) {
	ss := []presence.Session{
		span("carol", sat, 2*time.Hour, false),
		span("alice", sat, time.Hour, false),
		span("alice", sat.Add(5*time.Hour), time.Hour, false),
		span("bob", sat, time.Hour, false),
		span("bob", sat.Add(3*time.Hour), time.Hour, true),
		span("dave", sat, time.Hour, false),
		span("erin", sat, time.Hour, false),
	}
	e := New(DefaultConfig())
	want := e.Compute(Input{Sessions: ss, Users: []string{"zed"}})

	order := make([]string, len(want))
	for i, m := range want {
		order[i] = m.UserID
		assert.Equal(t, i+1, m.Rank)
	}
	// alice and bob tie on time and sessions and fall back to the id.
	assert.Equal(t, []string{"alice", "bob", "carol", "dave", "erin", "zed"}, order)

	r := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]presence.Session(nil), ss...)
		r.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, e.Compute(Input{Sessions: shuffled, Users: []string{"zed"}}))
	}
}

func TestFilter_KeepsGlobalRank(t *testing.T) {
	e := New(DefaultConfig())
	all := e.Compute(Input{Sessions: []presence.Session{
		span("alice", sat, 2*time.Hour, false),
		span("bob", sat, time.Hour, false),
	}})

	bob := Filter(all, "bob")
	require.Len(t, bob, 1)
	assert.Equal(t, 2, bob[0].Rank)
	assert.Empty(t, Filter(all, "nobody"))
	assert.Len(t, Filter(all, ""), 2)
}

func TestConsistency_EvenDaysScoreOne(t *testing.T) {
	var ss []presence.Session
	for d := 0; d < 4; d++ {
		ss = append(ss, span("alice", sat.AddDate(0, 0, d).Add(9*time.Hour), time.Hour, false))
	}
	m := New(DefaultConfig()).Compute(Input{Sessions: ss, Timeline: dailyTimeline(0, 1, 2, 3)})[0]

	require.NotNil(t, m.ConsistencyScore)
	assert.InDelta(t, 1.0, *m.ConsistencyScore, 1e-9)
	assert.NoError(t, m.Err())
}

func TestConsistency_CountsObservedIdleDays(t *testing.T) {
	ss := []presence.Session{
		span("alice", sat.Add(9*time.Hour), time.Hour, false),
		span("alice", sat.AddDate(0, 0, 2).Add(9*time.Hour), time.Hour, false),
	}
	// Day -1 precedes her first active day and is ignored; day 1 counts as zero.
	in := Input{Sessions: ss, Timeline: dailyTimeline(-1, 0, 1, 2)}

	m := New(DefaultConfig()).Compute(in)[0]
	require.NotNil(t, m.ConsistencyScore)
	assert.InDelta(t, 1/(1+0.70710678), *m.ConsistencyScore, 1e-6)

	cfg := DefaultConfig()
	cfg.Formula = FormulaLinear
	m = New(cfg).Compute(in)[0]
	require.NotNil(t, m.ConsistencyScore)
	assert.InDelta(t, 1-0.70710678, *m.ConsistencyScore, 1e-6)
}

func TestConsistency_LinearClampsAtZero(t *testing.T) {
	ss := []presence.Session{span("alice", sat.Add(time.Hour), 10*time.Hour, false)}
	cfg := DefaultConfig()
	cfg.Formula = FormulaLinear
	m := New(cfg).Compute(Input{Sessions: ss, Timeline: dailyTimeline(0, 1, 2, 3, 4, 5)})[0]

	require.NotNil(t, m.ConsistencyScore)
	assert.Equal(t, 0.0, *m.ConsistencyScore)
}

func TestConsistency_InsufficientObservedDays(t *testing.T) {
	ss := []presence.Session{
		span("alice", sat.Add(9*time.Hour), time.Hour, false),
		span("alice", sat.AddDate(0, 0, 1).Add(9*time.Hour), time.Hour, false),
	}
	m := New(DefaultConfig()).Compute(Input{Sessions: ss, Timeline: dailyTimeline(0, 1)})[0]

	assert.Nil(t, m.ConsistencyScore)
	assert.Equal(t, []string{MetricConsistencyScore}, m.InsufficientData)

	var ide *presence.InsufficientDataError
	require.ErrorAs(t, m.Err(), &ide)
	assert.Equal(t, "alice", ide.UserID)
}

func TestParseFormula(t *testing.T) {
	f, err := ParseFormula("linear")
	require.NoError(t, err)
	assert.Equal(t, FormulaLinear, f)

	f, err = ParseFormula("")
	require.NoError(t, err)
	assert.Equal(t, FormulaInverse, f)

	_, err = ParseFormula("harmonic")
	assert.Error(t, err)
}

func TestDaily_SplitsAtMidnight(t *testing.T) {
	e := New(DefaultConfig())
	got := e.Daily([]presence.Session{
		span("bob", sat.Add(23*time.Hour), 2*time.Hour, false),
		span("alice", sat.Add(9*time.Hour), 30*time.Minute, false),
		span("alice", sat.Add(18*time.Hour), 15*time.Minute, true),
		span("alice", sat.AddDate(0, 0, 2).Add(8*time.Hour), 0, false),
	})

	require.Len(t, got, 4)
	assert.Equal(t, presence.DailyActivity{UserID: "alice", Date: "2025-06-07", Online: 45 * time.Minute}, got[0])
	assert.Equal(t, presence.DailyActivity{UserID: "alice", Date: "2025-06-09", Online: 0}, got[1])
	assert.Equal(t, presence.DailyActivity{UserID: "bob", Date: "2025-06-07", Online: time.Hour}, got[2])
	assert.Equal(t, presence.DailyActivity{UserID: "bob", Date: "2025-06-08", Online: time.Hour}, got[3])
	assert.Equal(t, 45.0, got[0].Record().Minutes)
}

func TestDaily_UsesConfiguredZone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	e := New(Config{MinObservedDays: 3, Location: loc})
	got := e.Daily([]presence.Session{span("alice", sat.Add(22*time.Hour), time.Hour, false)})

	require.Len(t, got, 1)
	assert.Equal(t, "2025-06-08", got[0].Date)
	assert.Equal(t, time.Hour, got[0].Online)
}
