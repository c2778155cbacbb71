package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/query"
)

// sessionsJSON is the JSON output structure for the sessions command.
type sessionsJSON struct {
	From     string                   `json:"from,omitempty"`
	To       string                   `json:"to,omitempty"`
	Sessions []presence.SessionRecord `json:"sessions"`
	Outages  []presence.OutageRecord  `json:"outages"`
}

// Execute implements the go-flags Commander interface for SessionsCommand.
func (c *SessionsCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, time.Now())
}

// executeWithEnv lists sessions against a provided env (for testing).
func (c *SessionsCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	if c.Limit < 0 {
		return fmt.Errorf("--limit must not be negative")
	}
	from, to, err := parseRange(c.Since, c.Until, now)
	if err != nil {
		return err
	}

	q, err := e.queryService()
	if err != nil {
		return err
	}
	sessions, err := q.GetSessions(ctx, query.Filter{UserID: c.User, From: from, To: to, Limit: c.Limit})
	if err != nil {
		return err
	}
	outages, err := q.GetOutages(ctx, from, to)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		out := sessionsJSON{
			Sessions: make([]presence.SessionRecord, 0, len(sessions)),
			Outages:  make([]presence.OutageRecord, 0, len(outages)),
		}
		if !from.IsZero() {
			out.From = from.Format(time.RFC3339)
		}
		if !to.IsZero() {
			out.To = to.Format(time.RFC3339)
		}
		for _, s := range sessions {
			out.Sessions = append(out.Sessions, s.Record())
		}
		for _, o := range outages {
			out.Outages = append(out.Outages, o.Record())
		}
		return printJSON(out)
	}

	if len(sessions) == 0 {
		fmt.Println("No sessions found.")
	} else {
		fmt.Printf("%-20s %-19s  %-19s  %-12s %7s  %s\n", "USER", "START", "END", "DURATION", "SAMPLES", "STATE")
		for _, s := range sessions {
			state := string(s.ClosedBy)
			if s.Incomplete {
				state = "open"
			}
			fmt.Printf("%-20s %-19s  %-19s  %-12s %7d  %s\n",
				truncate(s.UserID, 20), formatTime(s.Start), formatTime(s.End),
				formatDurationHuman(s.Duration()), s.SampleCount, state)
		}
	}
	if len(outages) > 0 {
		fmt.Println()
		printOutagesHuman(outages)
	}
	return nil
}

// Execute implements the go-flags Commander interface for OutagesCommand.
func (c *OutagesCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, time.Now())
}

// executeWithEnv lists outages against a provided env (for testing).
func (c *OutagesCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	from, to, err := parseRange(c.Since, c.Until, now)
	if err != nil {
		return err
	}

	q, err := e.queryService()
	if err != nil {
		return err
	}
	outages, err := q.GetOutages(ctx, from, to)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		out := make([]presence.OutageRecord, 0, len(outages))
		for _, o := range outages {
			out = append(out, o.Record())
		}
		return printJSON(out)
	}

	if len(outages) == 0 {
		fmt.Println("No outages found.")
		return nil
	}
	printOutagesHuman(outages)
	return nil
}

func printOutagesHuman(outages []presence.Outage) {
	fmt.Println("Collection outages (presence unknown):")
	for _, o := range outages {
		fmt.Printf("  %s  to  %s  (%s)\n", formatTime(o.Start), formatTime(o.End), formatDurationHuman(o.Duration()))
	}
}

// truncate shortens s to max runes, ending with "..." when cut.
func truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 3 {
		return string(r[:max])
	}
	return string(r[:max-3]) + "..."
}
