package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/query"
)

var weekdays = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Execute implements the go-flags Commander interface for SummaryCommand.
func (c *SummaryCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, time.Now())
}

// executeWithEnv prints metrics against a provided env (for testing).
func (c *SummaryCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	from, to, err := parseRange(c.Since, c.Until, now)
	if err != nil {
		return err
	}

	q, err := e.queryService()
	if err != nil {
		return err
	}
	metrics, err := q.Summary(ctx, query.SummaryQuery{UserID: c.User, From: from, To: to})
	if err != nil {
		return err
	}
	if c.User != "" && len(metrics) == 0 {
		return fmt.Errorf("no sessions recorded for user %q", c.User)
	}

	if c.globals != nil && c.globals.JSON {
		out := make([]presence.MetricsRecord, 0, len(metrics))
		for _, m := range metrics {
			out = append(out, m.Record())
		}
		return printJSON(out)
	}

	if len(metrics) == 0 {
		fmt.Println("No users observed yet.")
		return nil
	}
	if c.User != "" {
		printMetricsDetail(metrics[0])
		return nil
	}

	fmt.Printf("%4s  %-20s %8s  %-12s %-12s %-12s %5s  %s\n",
		"RANK", "USER", "SESSIONS", "TOTAL", "AVERAGE", "LONGEST", "DAYS", "CONSISTENCY")
	for _, m := range metrics {
		fmt.Printf("%4d  %-20s %8d  %-12s %-12s %-12s %5d  %s\n",
			m.Rank, truncate(m.UserID, 20), m.TotalSessions,
			formatDurationHuman(m.TotalOnline), averageText(m), formatDurationHuman(m.MaxDuration),
			m.DaysActive, consistencyText(m))
	}
	return nil
}

func printMetricsDetail(m presence.UserMetrics) {
	fmt.Printf("User:          %s (rank %d)\n", m.UserID, m.Rank)
	fmt.Printf("Sessions:      %d (%d completed, %d open)\n", m.TotalSessions, m.CompletedSessions, m.IncompleteSessions)
	fmt.Printf("Total online:  %s\n", formatDurationHuman(m.TotalOnline))
	fmt.Printf("Average:       %s\n", averageText(m))
	fmt.Printf("Longest:       %s\n", formatDurationHuman(m.MaxDuration))
	fmt.Printf("Days active:   %d\n", m.DaysActive)
	fmt.Printf("Last seen:     %s\n", formatTime(m.LastSeen))
	fmt.Printf("Consistency:   %s\n", consistencyText(m))

	fmt.Println()
	fmt.Println("Online time by hour of day:")
	for h, hours := range m.PeakHourHistogram {
		if hours > 0 {
			fmt.Printf("  %02d:00  %s\n", h, formatDurationHuman(time.Duration(hours*float64(time.Hour))))
		}
	}
	fmt.Println("Sessions by weekday:")
	for d, weight := range m.PeakWeekdayHistogram {
		if weight > 0 {
			fmt.Printf("  %s     %.1f\n", weekdays[d], weight)
		}
	}
	if err := m.Err(); err != nil {
		fmt.Println()
		fmt.Printf("Note: %v\n", err)
	}
}

func averageText(m presence.UserMetrics) string {
	if m.CompletedSessions == 0 {
		return "n/a"
	}
	return formatDurationHuman(m.AverageDuration)
}

func consistencyText(m presence.UserMetrics) string {
	if m.ConsistencyScore == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *m.ConsistencyScore)
}

// onlineJSON is the JSON output structure for the online command.
type onlineJSON struct {
	AsOf   string   `json:"as_of"`
	Online []string `json:"online"`
}

// Execute implements the go-flags Commander interface for OnlineCommand.
func (c *OnlineCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e, time.Now())
}

// executeWithEnv lists online users against a provided env (for testing).
func (c *OnlineCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	asOf := now.UTC()
	if c.At != "" {
		t, err := parseTimeFlag(c.At, now)
		if err != nil {
			return fmt.Errorf("--at: %w", err)
		}
		asOf = t
	}

	q, err := e.queryService()
	if err != nil {
		return err
	}
	st, err := q.GetCurrentStatus(ctx, asOf)
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(onlineJSON{AsOf: st.AsOf.Format(time.RFC3339Nano), Online: st.Online})
	}

	if len(st.Online) == 0 {
		fmt.Printf("Nobody online at %s\n", formatTime(st.AsOf))
		return nil
	}
	fmt.Printf("Online at %s (%d):\n", formatTime(st.AsOf), len(st.Online))
	for _, u := range st.Online {
		fmt.Printf("  %s\n", u)
	}
	return nil
}
