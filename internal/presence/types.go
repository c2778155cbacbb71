// Package presence holds the domain types shared by the session engine:
// raw snapshots, reconstructed sessions, outages and per-user metrics.
package presence

import (
	"sort"
	"strings"
	"time"
)

// Snapshot is one timestamped observation of the users currently reported
// present. A nil ObservedUsers is malformed; an empty, non-nil slice means
// nobody was visible.
type Snapshot struct {
	Timestamp     time.Time
	ObservedUsers []string
}

// RawSnapshot is a committed row of the append-only raw log.
type RawSnapshot struct {
	Seq        int64 // arrival order, assigned by the store
	ID         string
	Timestamp  time.Time
	Users      []string // sorted, unique
	Duplicate  bool
	ReceivedAt time.Time
}

// Contains reports whether user is in the snapshot. Users must be sorted.
func (r RawSnapshot) Contains(user string) bool {
	i := sort.SearchStrings(r.Users, user)
	return i < len(r.Users) && r.Users[i] == user
}

// ClosedBy records why a session stopped.
type ClosedBy string

const (
	ClosedOpen    ClosedBy = ""
	ClosedAbsence ClosedBy = "absence"
	ClosedOutage  ClosedBy = "outage"
)

// Session is a reconstructed interval during which a user was considered
// continuously online. Sessions are keyed by (UserID, Start).
type Session struct {
	UserID      string
	Start       time.Time
	End         time.Time
	SampleCount int
	Incomplete  bool
	ClosedBy    ClosedBy
}

// Duration returns End - Start.
func (s Session) Duration() time.Duration {
	return s.End.Sub(s.Start)
}

// Overlaps reports whether the session intersects the closed range [from, to].
// A zero from or to leaves that side unbounded.
func (s Session) Overlaps(from, to time.Time) bool {
	if !to.IsZero() && s.Start.After(to) {
		return false
	}
	if !from.IsZero() && s.End.Before(from) {
		return false
	}
	return true
}

// Covers reports whether t falls inside [Start, End].
func (s Session) Covers(t time.Time) bool {
	return !t.Before(s.Start) && !t.After(s.End)
}

// Clip trims the session to the closed range [from, to]. A zero from or to
// leaves that side unbounded. The session must overlap the range.
func (s Session) Clip(from, to time.Time) Session {
	if !from.IsZero() && s.Start.Before(from) {
		s.Start = from
	}
	if !to.IsZero() && s.End.After(to) {
		s.End = to
	}
	return s
}

// Outage is a period where the raw feed itself was silent for longer than
// the sampling cadence tolerance.
type Outage struct {
	Start time.Time
	End   time.Time
}

// Duration returns End - Start.
func (o Outage) Duration() time.Duration {
	return o.End.Sub(o.Start)
}

// UserMetrics is a projection over a user's sessions. It is never stored.
type UserMetrics struct {
	UserID             string
	TotalSessions      int
	CompletedSessions  int
	IncompleteSessions int
	AverageDuration    time.Duration
	MaxDuration        time.Duration
	TotalOnline        time.Duration
	DaysActive         int
	LastSeen           time.Time

	// PeakHourHistogram holds online hours per hour-of-day bucket.
	PeakHourHistogram [24]float64
	// PeakWeekdayHistogram holds session weight per weekday, Sunday first.
	PeakWeekdayHistogram [7]float64

	// ConsistencyScore is nil when the user has too few observed days.
	ConsistencyScore *float64
	// InsufficientData names the metrics that could not be computed.
	InsufficientData []string

	Rank int
}

// DailyActivity is a user's online time on one calendar day. Date is the
// day in the analytics time zone, formatted 2006-01-02.
type DailyActivity struct {
	UserID string
	Date   string
	Online time.Duration
}

// NormalizeUsers trims, drops duplicates and sorts user identifiers. It
// reports false if any identifier is blank.
func NormalizeUsers(users []string) ([]string, bool) {
	out := make([]string, 0, len(users))
	seen := make(map[string]struct{}, len(users))
	for _, u := range users {
		u = strings.TrimSpace(u)
		if u == "" {
			return nil, false
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out, true
}

// SameUsers reports whether two sorted user sets are equal.
func SameUsers(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
