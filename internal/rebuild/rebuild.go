// Package rebuild regenerates derived sessions and outages from the raw log.
package rebuild

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/sync/errgroup"

	"github.com/runnerr0/presence/internal/lock"
	"github.com/runnerr0/presence/internal/metrics"
	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/sessions"
	"github.com/runnerr0/presence/internal/storage"
)

// Store is what a rebuild reads and replaces.
type Store interface {
	View(ctx context.Context, fn func(r *storage.Reader) error) error
	ReplaceUserSessions(ctx context.Context, userID string, w storage.Window, sessions []presence.Session) (int64, error)
	ReplaceOutages(ctx context.Context, w storage.Window, outages []presence.Outage) error
}

// Report describes one user's rebuild.
type Report struct {
	UserID  string
	Removed int64
	Written int
}

// Summary describes a whole-population rebuild.
type Summary struct {
	Users   []Report
	Outages int
}

// Option configures a Rebuilder.
type Option func(*Rebuilder)

// WithWorkers sets how many users are rebuilt at once.
func WithWorkers(n int) Option {
	return func(r *Rebuilder) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithClock sets the clock used to time rebuilds.
func WithClock(c quartz.Clock) Option {
	return func(r *Rebuilder) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log slog.Logger) Option {
	return func(r *Rebuilder) { r.log = log }
}

// Rebuilder replays the raw log into the derived tables.
type Rebuilder struct {
	store   Store
	locks   *lock.RangeLocks
	cfg     sessions.Config
	workers int
	clock   quartz.Clock
	log     slog.Logger
}

// New returns a Rebuilder. locks must be the table shared with ingestion.
func New(store Store, locks *lock.RangeLocks, cfg sessions.Config, opts ...Option) *Rebuilder {
	r := &Rebuilder{
		store:   store,
		locks:   locks,
		cfg:     cfg,
		workers: 4,
		clock:   quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RebuildUser replaces the user's sessions overlapping [from, to] with the
// ones a replay of the raw log produces. A zero from or to leaves that side
// open. It fails with a *presence.RebuildConflictError when another rebuild
// holds an overlapping range.
func (r *Rebuilder) RebuildUser(ctx context.Context, user string, from, to time.Time) (Report, error) {
	if err := checkWindow(from, to); err != nil {
		return Report{UserID: user}, err
	}
	started := r.clock.Now()
	rep, err := r.rebuildUser(ctx, user, storage.Window{From: from, To: to}, nil)
	if err != nil {
		return rep, err
	}
	metrics.ObserveRebuild("user", started, r.clock.Now())
	return rep, nil
}

// RebuildAll recomputes outages in [from, to] and then rebuilds every known
// user over the same window. Users are rebuilt concurrently; cancelling ctx
// stops new users from starting, and users already finished stay committed.
func (r *Rebuilder) RebuildAll(ctx context.Context, from, to time.Time) (Summary, error) {
	var sum Summary
	if err := checkWindow(from, to); err != nil {
		return sum, err
	}
	started := r.clock.Now()
	w := storage.Window{From: from, To: to}

	var (
		users []string
		base  []presence.RawSnapshot
	)
	err := r.store.View(ctx, func(rd *storage.Reader) error {
		var err error
		if users, err = rd.KnownUsers(ctx); err != nil {
			return err
		}
		base, err = rd.ScanRaw(ctx, storage.RawQuery{})
		return err
	})
	if err != nil {
		return sum, fmt.Errorf("read raw log: %w", err)
	}

	var outages []presence.Outage
	for _, o := range sessions.Outages(r.cfg, base) {
		if outageOverlaps(o, from, to) {
			outages = append(outages, o)
		}
	}
	if err := r.store.ReplaceOutages(ctx, w, outages); err != nil {
		return sum, fmt.Errorf("replace outages: %w", err)
	}
	sum.Outages = len(outages)

	r.log.Info(ctx, "rebuilding users",
		slog.F("users", len(users)),
		slog.F("raw_snapshots", len(base)),
		slog.F("workers", r.workers),
	)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, user := range users {
		if gctx.Err() != nil {
			break
		}
		user := user
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rep, err := r.rebuildUser(gctx, user, w, base)
			if err != nil {
				return err
			}
			mu.Lock()
			sum.Users = append(sum.Users, rep)
			mu.Unlock()
			return nil
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	sort.Slice(sum.Users, func(i, j int) bool { return sum.Users[i].UserID < sum.Users[j].UserID })
	if err != nil {
		r.log.Warn(ctx, "rebuild stopped",
			slog.F("completed_users", len(sum.Users)),
			slog.Error(err),
		)
		return sum, err
	}
	metrics.ObserveRebuild("all", started, r.clock.Now())
	return sum, nil
}

// rebuildUser does the locked replay. base, when set, is a prefix of the raw
// log already read; only rows appended after it are read under the lock.
func (r *Rebuilder) rebuildUser(ctx context.Context, user string, w storage.Window, base []presence.RawSnapshot) (Report, error) {
	rep := Report{UserID: user}

	release, err := r.locks.Exclusive(ctx, lock.Range{UserID: user, From: w.From, To: w.To})
	if err != nil {
		if errors.Is(err, presence.ErrRebuildConflict) {
			metrics.RebuildConflicts.Inc()
		}
		return rep, err
	}
	defer release()

	rows, err := r.catchUp(ctx, base)
	if err != nil {
		return rep, fmt.Errorf("read raw log for %s: %w", user, err)
	}

	var keep []presence.Session
	for _, s := range sessions.ReplayUser(r.cfg, user, rows) {
		if s.Overlaps(w.From, w.To) {
			keep = append(keep, s)
		}
	}

	removed, err := r.store.ReplaceUserSessions(ctx, user, w, keep)
	if err != nil {
		return rep, fmt.Errorf("replace sessions for %s: %w", user, err)
	}
	rep.Removed = removed
	rep.Written = len(keep)

	r.log.Debug(ctx, "rebuilt user",
		slog.F("user_id", user),
		slog.F("removed", removed),
		slog.F("written", len(keep)),
	)
	return rep, nil
}

func (r *Rebuilder) catchUp(ctx context.Context, base []presence.RawSnapshot) ([]presence.RawSnapshot, error) {
	var after int64
	if n := len(base); n > 0 {
		after = base[n-1].Seq
	}
	var tail []presence.RawSnapshot
	err := r.store.View(ctx, func(rd *storage.Reader) error {
		var err error
		tail, err = rd.ScanRaw(ctx, storage.RawQuery{AfterSeq: after})
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(tail) == 0 {
		return base, nil
	}
	rows := make([]presence.RawSnapshot, 0, len(base)+len(tail))
	rows = append(rows, base...)
	return append(rows, tail...), nil
}

func outageOverlaps(o presence.Outage, from, to time.Time) bool {
	if !to.IsZero() && o.Start.After(to) {
		return false
	}
	return from.IsZero() || !o.End.Before(from)
}

func checkWindow(from, to time.Time) error {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return fmt.Errorf("invalid rebuild window: %s is before %s", to.Format(time.RFC3339), from.Format(time.RFC3339))
	}
	return nil
}
