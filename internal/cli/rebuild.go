package cli

import (
	"context"
	"fmt"
	"time"

	"cdr.dev/slog/v3"

	"github.com/runnerr0/presence/internal/cache"
	"github.com/runnerr0/presence/internal/rebuild"
)

// rebuildJSON is the JSON output structure for the rebuild command.
type rebuildJSON struct {
	Users   []userRebuildJSON `json:"users"`
	Outages *int              `json:"outages,omitempty"`
}

type userRebuildJSON struct {
	UserID  string `json:"user_id"`
	Removed int64  `json:"removed"`
	Written int    `json:"written"`
}

// Execute implements the go-flags Commander interface for RebuildCommand.
func (c *RebuildCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	if err := c.executeWithEnv(ctx, e, time.Now()); err != nil {
		return err
	}
	invalidateSummaryCache(ctx, e)
	return nil
}

// executeWithEnv rebuilds against a provided env (for testing).
func (c *RebuildCommand) executeWithEnv(ctx context.Context, e *env, now time.Time) error {
	from, to, err := parseRange(c.Since, c.Until, now)
	if err != nil {
		return err
	}

	rb := e.rebuilder()
	var out rebuildJSON
	if c.User != "" {
		rep, err := rb.RebuildUser(ctx, c.User, from, to)
		if err != nil {
			return err
		}
		out.Users = []userRebuildJSON{reportJSON(rep)}
	} else {
		sum, err := rb.RebuildAll(ctx, from, to)
		if err != nil {
			return err
		}
		out.Users = make([]userRebuildJSON, 0, len(sum.Users))
		for _, rep := range sum.Users {
			out.Users = append(out.Users, reportJSON(rep))
		}
		out.Outages = &sum.Outages
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(out)
	}

	var removed int64
	var written int
	for _, u := range out.Users {
		removed += u.Removed
		written += u.Written
		if c.globals != nil && c.globals.Verbose {
			fmt.Printf("  %-20s removed %d, wrote %d\n", u.UserID, u.Removed, u.Written)
		}
	}
	fmt.Printf("Rebuilt %d users: removed %d sessions, wrote %d\n", len(out.Users), removed, written)
	if out.Outages != nil {
		fmt.Printf("Outages in range: %d\n", *out.Outages)
	}
	return nil
}

func reportJSON(rep rebuild.Report) userRebuildJSON {
	return userRebuildJSON{UserID: rep.UserID, Removed: rep.Removed, Written: rep.Written}
}

// invalidateSummaryCache drops the cached summary when a Redis cache is
// configured.
func invalidateSummaryCache(ctx context.Context, e *env) {
	addr := e.cfg.Cache.RedisAddr
	if addr == "" {
		return
	}
	rc, err := cache.NewRedisCache(ctx, cache.Options{Addr: addr, DB: e.cfg.Cache.RedisDB, TTL: e.cfg.CacheTTL()})
	if err != nil {
		e.log.Warn(ctx, "summary cache not invalidated", slog.Error(err))
		return
	}
	defer rc.Close()
	if err := rc.Invalidate(ctx); err != nil {
		e.log.Warn(ctx, "summary cache not invalidated", slog.Error(err))
	}
}
