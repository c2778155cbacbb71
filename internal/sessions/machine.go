// Package sessions reconstructs per-user presence sessions from the raw
// snapshot log.
//
// Everything here is a pure function of its inputs. Per-user state and the
// stream cursor are values owned by the caller, so replaying the same ordered
// raw rows with the same Config always yields the same sessions.
package sessions

import (
	"time"

	"github.com/runnerr0/presence/internal/outage"
	"github.com/runnerr0/presence/internal/presence"
)

// Config controls the state machine.
type Config struct {
	// Cadence is the expected interval between snapshots.
	Cadence time.Duration
	// MissedSampleGrace is how many consecutive absent samples a session
	// survives. Absence from Grace+1 samples closes it.
	MissedSampleGrace int
	// OutageToleranceFactor scales Cadence into the outage threshold.
	OutageToleranceFactor float64
	// BridgeOutageMax keeps a session open across outages no longer than
	// this when the user is present on both sides. Zero never bridges.
	BridgeOutageMax time.Duration
}

// DefaultConfig matches the defaults of the engine section of the config file.
func DefaultConfig() Config {
	return Config{
		Cadence:               5 * time.Second,
		MissedSampleGrace:     1,
		OutageToleranceFactor: 10,
	}
}

// Detector returns the outage detector implied by the config.
func (c Config) Detector() outage.Detector {
	return outage.Detector{Cadence: c.Cadence, ToleranceFactor: c.OutageToleranceFactor}
}

// UserState is the state machine for one user. The zero value is OFFLINE.
type UserState struct {
	Online   bool
	Start    time.Time
	LastSeen time.Time
	Samples  int
	Missed   int
}

// Session materializes the open session carried by an ONLINE state.
func (u UserState) Session(user string) presence.Session {
	return presence.Session{
		UserID:      user,
		Start:       u.Start,
		End:         u.LastSeen,
		SampleCount: u.Samples,
		Incomplete:  true,
	}
}

func (u UserState) closed(user string, by presence.ClosedBy) presence.Session {
	s := u.Session(user)
	s.Incomplete = false
	s.ClosedBy = by
	return s
}

// Sample is a raw row as seen by the state machine.
type Sample struct {
	// At is the effective time: late rows are folded into the latest instant.
	At        time.Time
	Duplicate bool
	// Outage is the gap that ended at this sample, if any.
	Outage *presence.Outage
}

// Step advances one user's state by one sample. It returns the next state
// and the session closed by this sample, if any.
func Step(cfg Config, user string, st UserState, present bool, s Sample) (UserState, *presence.Session) {
	var closed *presence.Session

	if st.Online && s.Outage != nil && !bridges(cfg, st, present, *s.Outage) {
		c := st.closed(user, presence.ClosedOutage)
		closed = &c
		st = UserState{}
	}

	if !st.Online {
		if present {
			st = UserState{Online: true, Start: s.At, LastSeen: s.At, Samples: 1}
		}
		return st, closed
	}

	if present {
		st.LastSeen = s.At
		st.Samples++
		st.Missed = 0
		return st, closed
	}

	st.Missed++
	if st.Missed > cfg.MissedSampleGrace {
		c := st.closed(user, presence.ClosedAbsence)
		return UserState{}, &c
	}
	return st, closed
}

func bridges(cfg Config, st UserState, present bool, o presence.Outage) bool {
	if cfg.BridgeOutageMax <= 0 || !present || st.Missed > 0 {
		return false
	}
	return o.Duration() <= cfg.BridgeOutageMax
}
