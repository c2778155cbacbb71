// Package lock provides per-user time range locks that keep a rebuild and
// live ingestion from writing the same user's sessions at the same time.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/runnerr0/presence/internal/presence"
)

// Range is a closed time range of one user's sessions. A zero From or To
// leaves that side unbounded.
type Range struct {
	UserID string
	From   time.Time
	To     time.Time
}

// Overlaps reports whether two ranges of the same user intersect.
func (r Range) Overlaps(o Range) bool {
	if r.UserID != o.UserID {
		return false
	}
	if !r.To.IsZero() && !o.From.IsZero() && r.To.Before(o.From) {
		return false
	}
	if !o.To.IsZero() && !r.From.IsZero() && o.To.Before(r.From) {
		return false
	}
	return true
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s]", bound(r.From, "-inf"), bound(r.To, "+inf"))
}

func bound(t time.Time, open string) string {
	if t.IsZero() {
		return open
	}
	return t.UTC().Format(time.RFC3339)
}

type mode int

const (
	shared mode = iota
	exclusive
)

type holder struct {
	r    Range
	mode mode
}

// RangeLocks tracks held ranges. The zero value is not usable; call New.
type RangeLocks struct {
	mu      sync.Mutex
	next    uint64
	held    map[uint64]holder
	changed chan struct{}
}

// New returns an empty lock table.
func New() *RangeLocks {
	return &RangeLocks{
		held:    make(map[uint64]holder),
		changed: make(chan struct{}),
	}
}

// Exclusive takes an exclusive lock on r. It fails immediately with a
// *presence.RebuildConflictError if another exclusive lock overlaps r, and
// otherwise waits for overlapping shared holders to release.
func (l *RangeLocks) Exclusive(ctx context.Context, r Range) (func(), error) {
	l.mu.Lock()
	if l.conflicts(r, exclusive) {
		l.mu.Unlock()
		return nil, &presence.RebuildConflictError{UserID: r.UserID, Range: r.String()}
	}
	id := l.add(r, exclusive)
	l.mu.Unlock()

	// The lock is registered, so new shared requests already queue behind it.
	if err := l.waitFor(ctx, func() bool { return !l.conflictsExcept(id, r, shared) }); err != nil {
		l.release(id)
		return nil, err
	}
	return l.releaser(id), nil
}

// Shared waits until no exclusive lock overlaps r and then takes a shared
// lock on it. Shared locks never block each other.
func (l *RangeLocks) Shared(ctx context.Context, r Range) (func(), error) {
	var id uint64
	err := l.waitFor(ctx, func() bool {
		if l.conflicts(r, exclusive) {
			return false
		}
		id = l.add(r, shared)
		return true
	})
	if err != nil {
		return nil, err
	}
	return l.releaser(id), nil
}

// Held returns the number of locks currently held or pending.
func (l *RangeLocks) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.held)
}

// waitFor evaluates ready under the mutex until it returns true or ctx is done.
func (l *RangeLocks) waitFor(ctx context.Context, ready func() bool) error {
	for {
		l.mu.Lock()
		if ready() {
			l.mu.Unlock()
			return nil
		}
		ch := l.changed
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (l *RangeLocks) conflicts(r Range, m mode) bool {
	return l.conflictsExcept(0, r, m)
}

func (l *RangeLocks) conflictsExcept(skip uint64, r Range, m mode) bool {
	for id, h := range l.held {
		if id != skip && h.mode == m && h.r.Overlaps(r) {
			return true
		}
	}
	return false
}

func (l *RangeLocks) add(r Range, m mode) uint64 {
	l.next++
	l.held[l.next] = holder{r: r, mode: m}
	return l.next
}

func (l *RangeLocks) releaser(id uint64) func() {
	var once sync.Once
	return func() { once.Do(func() { l.release(id) }) }
}

func (l *RangeLocks) release(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, id)
	close(l.changed)
	l.changed = make(chan struct{})
}
