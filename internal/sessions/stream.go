package sessions

import (
	"sort"
	"time"

	"github.com/runnerr0/presence/internal/outage"
	"github.com/runnerr0/presence/internal/presence"
)

// Cursor is the stream-level position of a reconstruction run.
type Cursor struct {
	// LastAt is the latest effective sample time.
	LastAt time.Time
	// LastRawAt and LastUsers describe the immediately preceding raw row and
	// are used to spot duplicate deliveries.
	LastRawAt time.Time
	LastUsers []string
	Seen      bool
}

// Advance classifies a raw row against the cursor and returns the moved cursor.
func (c Cursor) Advance(d outage.Detector, row presence.RawSnapshot) (Cursor, Sample) {
	if c.Seen && row.Timestamp.Equal(c.LastRawAt) && presence.SameUsers(row.Users, c.LastUsers) {
		return c, Sample{At: c.LastAt, Duplicate: true}
	}

	s := Sample{At: row.Timestamp}
	if c.Seen {
		if o, ok := d.Between(c.LastAt, row.Timestamp); ok {
			s.Outage = &o
		}
		if s.At.Before(c.LastAt) {
			s.At = c.LastAt
		}
	}

	return Cursor{
		LastAt:    s.At,
		LastRawAt: row.Timestamp,
		LastUsers: row.Users,
		Seen:      true,
	}, s
}

// State is the reconstruction state of a whole stream. Only ONLINE users are
// kept in Users.
type State struct {
	Cursor Cursor
	Users  map[string]UserState
}

// NewState returns an empty state.
func NewState() *State {
	return &State{Users: make(map[string]UserState)}
}

// Seed positions the cursor on a raw row without applying its presence. It
// is used to start a replay in the middle of the log. latest is the latest
// timestamp committed up to that row; a row that arrived late was folded
// forward to it, so the cursor resumes there.
func (s *State) Seed(row presence.RawSnapshot, latest time.Time) {
	if latest.Before(row.Timestamp) {
		latest = row.Timestamp
	}
	s.Cursor = Cursor{
		LastAt:    latest,
		LastRawAt: row.Timestamp,
		LastUsers: row.Users,
		Seen:      true,
	}
}

// Open returns the open sessions, ordered by user.
func (s *State) Open() []presence.Session {
	out := make([]presence.Session, 0, len(s.Users))
	for user, st := range s.Users {
		out = append(out, st.Session(user))
	}
	sortSessions(out)
	return out
}

// Result is what a single raw row changed.
type Result struct {
	Sample Sample
	// Closed holds sessions closed by this row.
	Closed []presence.Session
	// Open holds sessions opened or extended by this row. A missed sample
	// alone does not change the stored session and is not reported.
	Open []presence.Session
}

// Touched returns every session the row changed, closed ones first.
func (r Result) Touched() []presence.Session {
	out := make([]presence.Session, 0, len(r.Closed)+len(r.Open))
	out = append(out, r.Closed...)
	out = append(out, r.Open...)
	return out
}

// Apply feeds one raw row to every affected user.
func Apply(cfg Config, s *State, row presence.RawSnapshot) Result {
	cursor, sample := s.Cursor.Advance(cfg.Detector(), row)
	s.Cursor = cursor

	res := Result{Sample: sample}
	if sample.Duplicate {
		return res
	}

	for _, user := range affected(s, row) {
		prev := s.Users[user]
		next, closed := Step(cfg, user, prev, row.Contains(user), sample)
		if closed != nil {
			res.Closed = append(res.Closed, *closed)
		}
		if next.Online {
			s.Users[user] = next
			if next.Samples != prev.Samples || !next.Start.Equal(prev.Start) {
				res.Open = append(res.Open, next.Session(user))
			}
		} else {
			delete(s.Users, user)
		}
	}
	return res
}

// affected returns, sorted, the users present in the row plus every online user.
func affected(s *State, row presence.RawSnapshot) []string {
	users := make([]string, 0, len(row.Users)+len(s.Users))
	users = append(users, row.Users...)
	for user := range s.Users {
		if !row.Contains(user) {
			users = append(users, user)
		}
	}
	sort.Strings(users)
	return users
}

// Replay reconstructs every user's sessions from raw rows in arrival order.
// Sessions still open at the end are returned with Incomplete set.
func Replay(cfg Config, rows []presence.RawSnapshot) []presence.Session {
	s := NewState()
	var out []presence.Session
	for _, row := range rows {
		out = append(out, Apply(cfg, s, row).Closed...)
	}
	out = append(out, s.Open()...)
	sortSessions(out)
	return out
}

// ReplayUser reconstructs a single user's sessions. For any user it returns
// exactly the sessions Replay returns for that user.
func ReplayUser(cfg Config, user string, rows []presence.RawSnapshot) []presence.Session {
	d := cfg.Detector()
	var (
		cursor Cursor
		st     UserState
		out    []presence.Session
	)
	for _, row := range rows {
		var sample Sample
		cursor, sample = cursor.Advance(d, row)
		if sample.Duplicate {
			continue
		}
		var closed *presence.Session
		st, closed = Step(cfg, user, st, row.Contains(user), sample)
		if closed != nil {
			out = append(out, *closed)
		}
	}
	if st.Online {
		out = append(out, st.Session(user))
	}
	return out
}

// Outages returns the outages the cursor logic sees in rows. It matches what
// Apply reports through Result.Sample.Outage.
func Outages(cfg Config, rows []presence.RawSnapshot) []presence.Outage {
	d := cfg.Detector()
	var (
		cursor Cursor
		out    []presence.Outage
	)
	for _, row := range rows {
		var sample Sample
		cursor, sample = cursor.Advance(d, row)
		if sample.Outage != nil {
			out = append(out, *sample.Outage)
		}
	}
	return out
}

func sortSessions(ss []presence.Session) {
	sort.Slice(ss, func(i, j int) bool {
		if ss[i].UserID != ss[j].UserID {
			return ss[i].UserID < ss[j].UserID
		}
		return ss[i].Start.Before(ss[j].Start)
	})
}
