package ingest

import (
	"fmt"
	"strings"

	"github.com/runnerr0/presence/internal/presence"
)

// validate returns the normalized user set or a *presence.MalformedSnapshotError.
func (i *Ingestor) validate(snap presence.Snapshot) ([]string, error) {
	if snap.ObservedUsers == nil {
		return nil, malformed("observed_users missing")
	}
	if snap.Timestamp.IsZero() {
		return nil, malformed("timestamp missing")
	}

	kept := make([]string, 0, len(snap.ObservedUsers))
	for _, u := range snap.ObservedUsers {
		label := strings.TrimSpace(u)
		for _, p := range i.cfg.CollectorErrorPrefixes {
			if p != "" && strings.HasPrefix(label, p) {
				return nil, malformed(fmt.Sprintf("collector error %q", label))
			}
		}
		if _, skip := i.ignore[label]; skip && label != "" {
			continue
		}
		kept = append(kept, label)
	}

	users, ok := presence.NormalizeUsers(kept)
	if !ok {
		return nil, malformed("empty user identifier")
	}

	c := i.state.Cursor
	if c.Seen && c.LastAt.Sub(snap.Timestamp) > i.cfg.ClockSkewTolerance {
		return nil, malformed(fmt.Sprintf("timestamp %s is %s older than the last committed snapshot",
			snap.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
			c.LastAt.Sub(snap.Timestamp)))
	}

	return users, nil
}

func malformed(reason string) error {
	return &presence.MalformedSnapshotError{Reason: reason}
}

// rejectReason collapses a rejection reason into a low-cardinality label.
func rejectReason(reason string) string {
	switch {
	case strings.HasPrefix(reason, "observed_users"):
		return "missing_users"
	case strings.HasPrefix(reason, "timestamp missing"):
		return "missing_timestamp"
	case strings.HasPrefix(reason, "collector error"):
		return "collector_error"
	case strings.HasPrefix(reason, "empty user"):
		return "empty_user"
	case strings.HasPrefix(reason, "timestamp"):
		return "clock_skew"
	default:
		return "other"
	}
}
