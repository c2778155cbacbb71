package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/runnerr0/presence/internal/ingest"
	"github.com/runnerr0/presence/internal/presence"
)

// ingestResultJSON is the JSON output for one ingested snapshot.
type ingestResultJSON struct {
	ID             string                   `json:"id"`
	Seq            int64                    `json:"seq"`
	Timestamp      string                   `json:"timestamp"`
	Users          []string                 `json:"users"`
	Duplicate      bool                     `json:"duplicate"`
	ClosedSessions []presence.SessionRecord `json:"closed_sessions"`
	Outage         *presence.OutageRecord   `json:"outage,omitempty"`
	DerivedError   string                   `json:"derived_error,omitempty"`
}

func newIngestResultJSON(res ingest.Result) ingestResultJSON {
	out := ingestResultJSON{
		ID:             res.Raw.ID,
		Seq:            res.Raw.Seq,
		Timestamp:      res.Raw.Timestamp.Format(time.RFC3339Nano),
		Users:          res.Raw.Users,
		Duplicate:      res.Duplicate,
		ClosedSessions: make([]presence.SessionRecord, 0, len(res.Closed)),
	}
	for _, s := range res.Closed {
		out.ClosedSessions = append(out.ClosedSessions, s.Record())
	}
	if res.Outage != nil {
		rec := res.Outage.Record()
		out.Outage = &rec
	}
	if res.DerivedErr != nil {
		out.DerivedError = res.DerivedErr.Error()
	}
	return out
}

// Execute implements the go-flags Commander interface for AddCommand.
func (c *AddCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, time.Now())
}

// executeWithEnv ingests the snapshot against a provided env (for testing).
func (c *AddCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	at := now.UTC()
	if c.At != "" {
		t, err := parseTimeFlag(c.At, now)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		at = t
	}

	users := c.Users
	if users == nil {
		users = []string{}
	}

	res, err := e.ingestor().Ingest(ctx, presence.Snapshot{Timestamp: at, ObservedUsers: users})
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(newIngestResultJSON(res))
	}

	switch {
	case res.Duplicate:
		fmt.Printf("Duplicate snapshot %s (seq %d) recorded, sessions unchanged\n", res.Raw.ID, res.Raw.Seq)
	default:
		who := strings.Join(res.Raw.Users, ", ")
		if who == "" {
			who = "nobody"
		}
		fmt.Printf("Added snapshot %s (seq %d) at %s: %s\n", res.Raw.ID, res.Raw.Seq, formatTime(res.Raw.Timestamp), who)
	}
	if res.Outage != nil {
		fmt.Printf("Outage detected: %s to %s (%s)\n",
			formatTime(res.Outage.Start), formatTime(res.Outage.End), formatDurationHuman(res.Outage.Duration()))
	}
	for _, s := range res.Closed {
		fmt.Printf("Closed session: %s %s to %s (%s, %s)\n",
			s.UserID, formatTime(s.Start), formatTime(s.End), formatDurationHuman(s.Duration()), s.ClosedBy)
	}
	if res.DerivedErr != nil {
		fmt.Printf("Warning: sessions not updated, run 'presence rebuild': %v\n", res.DerivedErr)
	}
	return nil
}
