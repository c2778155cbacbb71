package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

// dailyJSON is the JSON output structure for the daily command.
type dailyJSON struct {
	From string                 `json:"from,omitempty"`
	To   string                 `json:"to,omitempty"`
	Days []presence.DailyRecord `json:"days"`
}

// Execute implements the go-flags Commander interface for DailyCommand.
func (c *DailyCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, time.Now())
}

// executeWithEnv prints daily activity against a provided env (for testing).
func (c *DailyCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	from, to, err := parseRange(c.Since, c.Until, now)
	if err != nil {
		return err
	}

	q, err := e.queryService()
	if err != nil {
		return err
	}
	days, err := q.GetDaily(ctx, c.User, from, to)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		out := dailyJSON{Days: make([]presence.DailyRecord, 0, len(days))}
		if !from.IsZero() {
			out.From = from.Format(time.RFC3339)
		}
		if !to.IsZero() {
			out.To = to.Format(time.RFC3339)
		}
		for _, d := range days {
			out.Days = append(out.Days, d.Record())
		}
		return printJSON(out)
	}

	if len(days) == 0 {
		fmt.Println("No activity found.")
		return nil
	}
	fmt.Printf("%-20s %-10s  %-12s %8s\n", "USER", "DATE", "ONLINE", "MINUTES")
	for _, d := range days {
		fmt.Printf("%-20s %-10s  %-12s %8.1f\n",
			truncate(d.UserID, 20), d.Date, formatDurationHuman(d.Online), d.Online.Minutes())
	}
	return nil
}
