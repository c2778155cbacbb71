// Package analytics derives per-user metrics from reconstructed sessions.
// Nothing here is persisted; every call is a projection over its inputs.
package analytics

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

// Formula selects how the coefficient of variation becomes a score.
type Formula string

const (
	// FormulaInverse scores 1/(1+CV).
	FormulaInverse Formula = "inverse"
	// FormulaLinear scores 1-CV clamped to [0, 1].
	FormulaLinear Formula = "linear"
)

// Metric names reported in UserMetrics.InsufficientData.
const (
	MetricAverageDuration  = "average_duration"
	MetricConsistencyScore = "consistency_score"
)

// Config controls the engine.
type Config struct {
	MinObservedDays int
	Formula         Formula
	Location        *time.Location
}

// DefaultConfig returns three observed days, the inverse formula and UTC.
func DefaultConfig() Config {
	return Config{MinObservedDays: 3, Formula: FormulaInverse, Location: time.UTC}
}

// ParseFormula validates a configured formula name.
func ParseFormula(name string) (Formula, error) {
	switch Formula(name) {
	case FormulaInverse, FormulaLinear:
		return Formula(name), nil
	case "":
		return FormulaInverse, nil
	}
	return "", fmt.Errorf("unknown consistency formula %q", name)
}

// Input is what Compute works from.
type Input struct {
	Sessions []presence.Session
	// Timeline holds raw snapshot times; days with at least one are the
	// days the collector observed.
	Timeline []time.Time
	// Users lists extra users to report even without sessions.
	Users []string
}

// Engine computes UserMetrics.
type Engine struct {
	cfg Config
}

// New returns an Engine. A nil Location means UTC.
func New(cfg Config) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Formula == "" {
		cfg.Formula = FormulaInverse
	}
	return &Engine{cfg: cfg}
}

// Compute returns metrics for every user, ordered by rank.
func (e *Engine) Compute(in Input) []presence.UserMetrics {
	byUser := make(map[string][]presence.Session)
	for _, u := range in.Users {
		byUser[u] = byUser[u]
	}
	for _, s := range in.Sessions {
		byUser[s.UserID] = append(byUser[s.UserID], s)
	}

	observed := make(map[civilDay]struct{})
	for _, t := range in.Timeline {
		observed[dayOf(t, e.cfg.Location)] = struct{}{}
	}

	out := make([]presence.UserMetrics, 0, len(byUser))
	for user, ss := range byUser {
		out = append(out, e.user(user, ss, observed))
	}
	Rank(out)
	return out
}

// Filter returns the metrics of one user, or all of them when userID is
// empty. Ranks are those assigned over the whole population.
func Filter(all []presence.UserMetrics, userID string) []presence.UserMetrics {
	if userID == "" {
		return all
	}
	for _, m := range all {
		if m.UserID == userID {
			return []presence.UserMetrics{m}
		}
	}
	return []presence.UserMetrics{}
}

// Rank orders metrics by total online time desc, then session count desc,
// then user id asc, and assigns 1-based ranks with no ties.
func Rank(ms []presence.UserMetrics) {
	sort.Slice(ms, func(i, j int) bool {
		a, b := ms[i], ms[j]
		if a.TotalOnline != b.TotalOnline {
			return a.TotalOnline > b.TotalOnline
		}
		if a.TotalSessions != b.TotalSessions {
			return a.TotalSessions > b.TotalSessions
		}
		return a.UserID < b.UserID
	})
	for i := range ms {
		ms[i].Rank = i + 1
	}
}

func (e *Engine) user(user string, ss []presence.Session, observed map[civilDay]struct{}) presence.UserMetrics {
	loc := e.cfg.Location
	m := presence.UserMetrics{UserID: user, TotalSessions: len(ss)}

	var closedTotal time.Duration
	active := make(map[civilDay]struct{})
	daily := make(map[civilDay]time.Duration)
	var first civilDay

	for _, s := range ss {
		d := s.Duration()
		m.TotalOnline += d
		if d > m.MaxDuration {
			m.MaxDuration = d
		}
		if s.End.After(m.LastSeen) {
			m.LastSeen = s.End
		}
		if s.Incomplete {
			m.IncompleteSessions++
		} else {
			m.CompletedSessions++
			closedTotal += d
		}

		addHours(&m.PeakHourHistogram, s, loc)
		addWeekdays(&m.PeakWeekdayHistogram, s, loc)

		startDay := dayOf(s.Start, loc)
		if first.IsZero() || startDay.Before(first) {
			first = startDay
		}
		active[startDay] = struct{}{}
		eachDay(s, loc, func(day civilDay, part time.Duration) {
			active[day] = struct{}{}
			daily[day] += part
		})
	}
	m.DaysActive = len(active)

	if m.CompletedSessions > 0 {
		m.AverageDuration = closedTotal / time.Duration(m.CompletedSessions)
	} else {
		m.InsufficientData = append(m.InsufficientData, MetricAverageDuration)
	}

	if score, ok := e.consistency(first, daily, observed); ok {
		m.ConsistencyScore = &score
	} else {
		m.InsufficientData = append(m.InsufficientData, MetricConsistencyScore)
	}
	return m
}

// consistency scores how evenly online time is spread over the observed
// days from the user's first active day onward.
func (e *Engine) consistency(first civilDay, daily map[civilDay]time.Duration, observed map[civilDay]struct{}) (float64, bool) {
	if first.IsZero() {
		return 0, false
	}

	var totals []float64
	for day := range observed {
		if day.Before(first) {
			continue
		}
		totals = append(totals, daily[day].Seconds())
	}
	if len(totals) < e.cfg.MinObservedDays || len(totals) == 0 {
		return 0, false
	}

	var sum float64
	for _, v := range totals {
		sum += v
	}
	mean := sum / float64(len(totals))
	if mean == 0 {
		return 0, false
	}

	var sq float64
	for _, v := range totals {
		sq += (v - mean) * (v - mean)
	}
	cv := math.Sqrt(sq/float64(len(totals))) / mean

	var score float64
	switch e.cfg.Formula {
	case FormulaLinear:
		score = 1 - cv
	default:
		score = 1 / (1 + cv)
	}
	return math.Max(0, math.Min(1, score)), true
}
