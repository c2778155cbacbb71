package storage

import (
	"context"
	"database/sql"
)

// migrateV001 creates the append-only raw snapshot log and the registry of
// every user label ever observed.
func migrateV001(ctx context.Context, tx *sql.Tx) error {
	return execAll(ctx, tx, []string{
		`CREATE TABLE IF NOT EXISTS raw_snapshots (
			seq         INTEGER PRIMARY KEY AUTOINCREMENT,
			id          TEXT NOT NULL UNIQUE,
			ts          TEXT NOT NULL,
			users       TEXT NOT NULL,
			user_count  INTEGER NOT NULL DEFAULT 0,
			duplicate   BOOLEAN NOT NULL DEFAULT 0,
			received_at TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS known_users (
			user_id    TEXT PRIMARY KEY,
			first_seen TEXT NOT NULL,
			last_seen  TEXT NOT NULL
		)`,

		// The raw log is never rewritten.
		`CREATE TRIGGER IF NOT EXISTS raw_snapshots_no_update
			BEFORE UPDATE ON raw_snapshots
			BEGIN SELECT RAISE(ABORT, 'raw_snapshots is append-only'); END`,
		`CREATE TRIGGER IF NOT EXISTS raw_snapshots_no_delete
			BEFORE DELETE ON raw_snapshots
			BEGIN SELECT RAISE(ABORT, 'raw_snapshots is append-only'); END`,

		`CREATE INDEX IF NOT EXISTS idx_raw_snapshots_ts ON raw_snapshots(ts)`,
	})
}
