package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/runnerr0/presence/internal/presence"
	"github.com/runnerr0/presence/internal/storage"
)

// snapshotJSON is the JSON output structure for the snapshot command.
type snapshotJSON struct {
	Seq        int64    `json:"seq"`
	ID         string   `json:"id"`
	Timestamp  string   `json:"timestamp"`
	Users      []string `json:"users"`
	Duplicate  bool     `json:"duplicate"`
	ReceivedAt string   `json:"received_at"`
}

// Execute implements the go-flags Commander interface for SnapshotCommand.
func (c *SnapshotCommand) Execute(args []string) error {
	ctx := context.Background()
	e, err := openEnv(ctx, c.globals)
	if err != nil {
		return err
	}
	defer e.Close()

	return c.executeWithEnv(ctx, e)
}

// executeWithEnv prints the selected raw row from a provided env (for testing).
func (c *SnapshotCommand) executeWithEnv(ctx context.Context, e *env) error {
	if (c.ID == "") == !c.Last {
		return fmt.Errorf("specify exactly one of --id or --last")
	}

	var raw *presence.RawSnapshot
	err := e.store.View(ctx, func(r *storage.Reader) error {
		var err error
		if c.Last {
			raw, err = r.LastRaw(ctx)
		} else {
			raw, err = r.GetRaw(ctx, c.ID)
		}
		return err
	})
	if errors.Is(err, storage.ErrNotFound) {
		if c.Last {
			return fmt.Errorf("no snapshots recorded yet")
		}
		return fmt.Errorf("snapshot %q not found", c.ID)
	}
	if err != nil {
		return err
	}

	if c.globals != nil && c.globals.JSON {
		return printJSON(snapshotJSON{
			Seq:        raw.Seq,
			ID:         raw.ID,
			Timestamp:  raw.Timestamp.Format(time.RFC3339Nano),
			Users:      raw.Users,
			Duplicate:  raw.Duplicate,
			ReceivedAt: raw.ReceivedAt.Format(time.RFC3339Nano),
		})
	}

	who := strings.Join(raw.Users, ", ")
	if who == "" {
		who = "(nobody)"
	}
	fmt.Printf("ID:         %s\n", raw.ID)
	fmt.Printf("Seq:        %d\n", raw.Seq)
	fmt.Printf("Timestamp:  %s\n", raw.Timestamp.Format(time.RFC3339Nano))
	fmt.Printf("Received:   %s\n", raw.ReceivedAt.Format(time.RFC3339Nano))
	fmt.Printf("Users:      %s\n", who)
	if raw.Duplicate {
		fmt.Println("Duplicate:  yes")
	}
	return nil
}
