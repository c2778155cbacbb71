// Package ingest is the single entry point for presence snapshots. It
// validates and normalizes each snapshot, appends it to the raw log, then
// feeds the session reconstructor and persists the sessions it touched.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
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

// Store is the persistence surface the ingestor needs.
type Store interface {
	AppendRaw(ctx context.Context, raw *presence.RawSnapshot) error
	ApplyDerived(ctx context.Context, sessions []presence.Session, outages []presence.Outage) error
	View(ctx context.Context, fn func(r *storage.Reader) error) error
}

// Config controls validation and reconstruction.
type Config struct {
	Engine             sessions.Config
	ClockSkewTolerance time.Duration
	// IgnoreLabels are dropped from every snapshot before anything else.
	IgnoreLabels []string
	// CollectorErrorPrefixes mark labels that report a failed scrape.
	CollectorErrorPrefixes []string
}

// DefaultConfig returns the engine defaults with a 2s skew tolerance.
func DefaultConfig() Config {
	return Config{
		Engine:             sessions.DefaultConfig(),
		ClockSkewTolerance: 2 * time.Second,
	}
}

// Result describes what one accepted snapshot did.
type Result struct {
	Raw       presence.RawSnapshot
	Duplicate bool
	Outage    *presence.Outage
	Closed    []presence.Session
	Open      []presence.Session
	// DerivedErr is set when the raw row was committed but the session
	// update was not. The sessions are repaired by a rebuild.
	DerivedErr error
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithClock sets the clock used for receipt timestamps.
func WithClock(c quartz.Clock) Option {
	return func(i *Ingestor) { i.clock = c }
}

// WithLogger sets the logger.
func WithLogger(log slog.Logger) Option {
	return func(i *Ingestor) { i.log = log }
}

// Ingestor serializes snapshot ingestion. It is safe for concurrent use;
// the raw log order is the order in which Ingest calls acquire the lock.
type Ingestor struct {
	cfg    Config
	store  Store
	locks  *lock.RangeLocks
	clock  quartz.Clock
	log    slog.Logger
	ignore map[string]struct{}

	mu        sync.Mutex
	state     *sessions.State
	recovered bool

	// tails holds, per user, the done channel of the last queued write.
	tails map[string]chan struct{}
}

// New returns an Ingestor. The reconstruction state is recovered from the
// store on first use, or explicitly through Recover.
func New(store Store, locks *lock.RangeLocks, cfg Config, opts ...Option) *Ingestor {
	i := &Ingestor{
		cfg:    cfg,
		store:  store,
		locks:  locks,
		clock:  quartz.NewReal(),
		ignore: make(map[string]struct{}, len(cfg.IgnoreLabels)),
		state:  sessions.NewState(),
		tails:  make(map[string]chan struct{}),
	}
	for _, l := range cfg.IgnoreLabels {
		i.ignore[strings.TrimSpace(l)] = struct{}{}
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.locks == nil {
		i.locks = lock.New()
	}
	return i
}

// Ingest validates, records and applies one snapshot.
//
// A malformed snapshot returns a *presence.MalformedSnapshotError and is
// not committed. A raw append failure is returned as is. Failures after the
// raw row is committed are reported in Result.DerivedErr.
//
// Session writes run after the ingest lock is released, in arrival order
// per user, so a rebuild of one user never holds up another.
func (i *Ingestor) Ingest(ctx context.Context, snap presence.Snapshot) (Result, error) {
	res, writes, outages, err := i.commit(ctx, snap)
	if err != nil || res.Duplicate {
		return res, err
	}

	if err := i.writeDerived(ctx, writes, outages); err != nil {
		res.DerivedErr = err
		metrics.DerivedWriteFailures.Inc()
		i.log.Error(ctx, "session update failed, rebuild required",
			slog.F("id", res.Raw.ID),
			slog.F("users", touchedUsers(res.touched())),
			slog.Error(err),
		)
	}
	return res, nil
}

// commit runs the serialized part of Ingest and queues the derived writes.
func (i *Ingestor) commit(ctx context.Context, snap presence.Snapshot) (Result, []*userWrite, []presence.Outage, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.recovered {
		if err := i.recoverLocked(ctx); err != nil {
			return Result{}, nil, nil, fmt.Errorf("recover state: %w", err)
		}
	}

	users, err := i.validate(snap)
	if err != nil {
		var me *presence.MalformedSnapshotError
		if errors.As(err, &me) {
			metrics.SnapshotsRejected.WithLabelValues(rejectReason(me.Reason)).Inc()
		}
		i.log.Warn(ctx, "snapshot rejected",
			slog.F("timestamp", snap.Timestamp),
			slog.Error(err),
		)
		return Result{}, nil, nil, err
	}

	cursor := i.state.Cursor
	raw := presence.RawSnapshot{
		Timestamp:  snap.Timestamp.UTC(),
		Users:      users,
		Duplicate:  cursor.Seen && snap.Timestamp.Equal(cursor.LastRawAt) && presence.SameUsers(users, cursor.LastUsers),
		ReceivedAt: i.clock.Now().UTC(),
	}
	if err := i.store.AppendRaw(ctx, &raw); err != nil {
		i.log.Error(ctx, "raw append failed", slog.F("timestamp", raw.Timestamp), slog.Error(err))
		return Result{}, nil, nil, fmt.Errorf("append raw snapshot: %w", err)
	}
	metrics.SnapshotsIngested.Inc()

	applied := sessions.Apply(i.cfg.Engine, i.state, raw)
	res := Result{
		Raw:       raw,
		Duplicate: applied.Sample.Duplicate,
		Outage:    applied.Sample.Outage,
		Closed:    applied.Closed,
		Open:      applied.Open,
	}
	if res.Duplicate {
		metrics.SnapshotsDuplicate.Inc()
		i.log.Debug(ctx, "duplicate snapshot", slog.F("id", raw.ID), slog.F("timestamp", raw.Timestamp))
		return res, nil, nil, nil
	}

	var outages []presence.Outage
	if res.Outage != nil {
		outages = append(outages, *res.Outage)
		metrics.OutagesDetected.Inc()
		i.log.Warn(ctx, "collection outage",
			slog.F("start", res.Outage.Start),
			slog.F("end", res.Outage.End),
			slog.F("duration", res.Outage.Duration()),
		)
	}
	for _, s := range res.Closed {
		metrics.SessionsClosed.WithLabelValues(string(s.ClosedBy)).Inc()
	}

	return res, i.queueWrites(applied.Touched()), outages, nil
}

func (r Result) touched() []presence.Session {
	out := make([]presence.Session, 0, len(r.Closed)+len(r.Open))
	out = append(out, r.Closed...)
	return append(out, r.Open...)
}

// userWrite is one user's share of a snapshot's session updates. It may
// start once prev, the user's previously queued write, has finished.
type userWrite struct {
	r        lock.Range
	sessions []presence.Session
	prev     <-chan struct{}
	done     chan struct{}
}

var noPrev = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// queueWrites appends one write per touched user to that user's queue.
// Callers hold i.mu.
func (i *Ingestor) queueWrites(touched []presence.Session) []*userWrite {
	byUser := make(map[string][]presence.Session)
	for _, s := range touched {
		byUser[s.UserID] = append(byUser[s.UserID], s)
	}

	writes := make([]*userWrite, 0, len(byUser))
	for _, r := range lockRanges(touched) {
		w := &userWrite{
			r:        r,
			sessions: byUser[r.UserID],
			prev:     noPrev,
			done:     make(chan struct{}),
		}
		if tail, ok := i.tails[r.UserID]; ok {
			w.prev = tail
		}
		i.tails[r.UserID] = w.done
		writes = append(writes, w)
	}
	return writes
}

// writeDerived persists a snapshot's outages and each touched user's
// sessions. Users are written independently.
func (i *Ingestor) writeDerived(ctx context.Context, writes []*userWrite, outages []presence.Outage) error {
	var g errgroup.Group
	if len(outages) > 0 {
		g.Go(func() error {
			return i.store.ApplyDerived(ctx, nil, outages)
		})
	}
	for _, w := range writes {
		w := w
		g.Go(func() error { return i.writeUser(ctx, w) })
	}
	return g.Wait()
}

// writeUser waits for the user's earlier writes, then writes under a shared
// range lock so a rebuild of the same range cannot interleave.
func (i *Ingestor) writeUser(ctx context.Context, w *userWrite) error {
	select {
	case <-w.prev:
	case <-ctx.Done():
		// The next write for this user still has to wait for prev.
		go func() {
			<-w.prev
			i.finish(w)
		}()
		return fmt.Errorf("wait for earlier %s writes: %w", w.r.UserID, ctx.Err())
	}
	defer i.finish(w)

	release, err := i.locks.Shared(ctx, w.r)
	if err != nil {
		return fmt.Errorf("wait for %s %s: %w", w.r.UserID, w.r, err)
	}
	defer release()

	return i.store.ApplyDerived(ctx, w.sessions, nil)
}

func (i *Ingestor) finish(w *userWrite) {
	close(w.done)
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.tails[w.r.UserID] == w.done {
		delete(i.tails, w.r.UserID)
	}
}

// lockRanges returns one range per user spanning all of that user's
// touched sessions, ordered by user.
func lockRanges(touched []presence.Session) []lock.Range {
	byUser := make(map[string]lock.Range)
	for _, s := range touched {
		r, ok := byUser[s.UserID]
		if !ok {
			r = lock.Range{UserID: s.UserID, From: s.Start, To: s.End}
		}
		if s.Start.Before(r.From) {
			r.From = s.Start
		}
		if s.End.After(r.To) {
			r.To = s.End
		}
		byUser[s.UserID] = r
	}

	out := make([]lock.Range, 0, len(byUser))
	for _, r := range byUser {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UserID < out[b].UserID })
	return out
}

func touchedUsers(touched []presence.Session) []string {
	var users []string
	for _, r := range lockRanges(touched) {
		users = append(users, r.UserID)
	}
	return users
}

// OpenSessions returns the sessions currently held open in memory.
func (i *Ingestor) OpenSessions() []presence.Session {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state.Open()
}
