package ingest

import (
	"context"
	"errors"
	"fmt"

	"cdr.dev/slog/v3"

	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/sessions"
	"github.com/runnerr0/presence/internal/storage"
)

// Recover rebuilds the in-memory reconstruction state from the store. It
// replays the raw log from the start of the earliest incomplete session and
// writes nothing.
func (i *Ingestor) Recover(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.recoverLocked(ctx)
}

func (i *Ingestor) recoverLocked(ctx context.Context) error {
	state := sessions.NewState()
	var (
		stored   []presence.Session
		replayed int
	)

	err := i.store.View(ctx, func(r *storage.Reader) error {
		last, err := r.LastRaw(ctx)
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}

		if stored, err = r.OpenSessions(ctx); err != nil {
			return err
		}
		if len(stored) == 0 {
			latest, err := r.LatestAt(ctx, last.Seq)
			if err != nil {
				return err
			}
			state.Seed(*last, latest)
			return nil
		}

		anchor := stored[0].Start
		for _, s := range stored[1:] {
			if s.Start.Before(anchor) {
				anchor = s.Start
			}
		}

		seq, err := r.SeqAt(ctx, anchor)
		if err != nil {
			return fmt.Errorf("locate session start %s: %w", anchor, err)
		}
		prev, err := r.RawBefore(ctx, seq)
		switch {
		case err == nil:
			latest, err := r.LatestAt(ctx, prev.Seq)
			if err != nil {
				return err
			}
			state.Seed(*prev, latest)
		case !errors.Is(err, storage.ErrNotFound):
			return err
		}

		return r.EachRaw(ctx, storage.RawQuery{FromSeq: seq}, func(row presence.RawSnapshot) error {
			sessions.Apply(i.cfg.Engine, state, row)
			replayed++
			return nil
		})
	})
	if err != nil {
		return err
	}

	i.state = state
	i.recovered = true

	open := state.Open()
	i.log.Info(ctx, "reconstruction state recovered",
		slog.F("open_sessions", len(open)),
		slog.F("replayed_rows", replayed),
	)
	if !sameKeys(stored, open) {
		i.log.Warn(ctx, "stored open sessions differ from the raw log, rebuild recommended",
			slog.F("stored", len(stored)),
			slog.F("replayed", len(open)),
		)
	}
	return nil
}

func sameKeys(a, b []presence.Session) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]struct{}, len(a))
	for _, s := range a {
		keys[s.UserID+"\x00"+s.Start.String()] = struct{}{}
	}
	for _, s := range b {
		if _, ok := keys[s.UserID+"\x00"+s.Start.String()]; !ok {
			return false
		}
	}
	return true
}
