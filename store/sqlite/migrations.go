package sqlite

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the pqueue sqlite store.
var Migrations = migrate.NewGroup("pqueue")

func init() {
	Migrations.MustRegister(
		// 001: Create the jobs table and its eligibility/claim indexes.
		&migrate.Migration{
			Name:    "create_jobs_table",
			Version: "20240101120000",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
					CREATE TABLE IF NOT EXISTS pqueue_jobs (
						id                TEXT PRIMARY KEY,
						name              TEXT NOT NULL,
						payload           BLOB NOT NULL,
						data              TEXT NOT NULL DEFAULT '{}',
						priority          INTEGER NOT NULL DEFAULT 0,
						active            INTEGER NOT NULL DEFAULT 0,
						timeout           INTEGER NOT NULL DEFAULT 0,
						created           TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
						failed            TEXT,
						next_valid_time   TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
						retry_delay       INTEGER NOT NULL DEFAULT 0
					)`)
				if err != nil {
					return err
				}

				// The claim transaction's eligibility predicate
				// (active = 0, failed IS NULL, next_valid_time <= now)
				// followed by an ORDER BY priority DESC, created ASC is
				// exactly what this index serves.
				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_pqueue_jobs_claim
						ON pqueue_jobs (active, next_valid_time, priority DESC, created ASC)
						WHERE active = 0 AND failed IS NULL`)
				if err != nil {
					return err
				}

				_, err = exec.Exec(ctx, `
					CREATE INDEX IF NOT EXISTS idx_pqueue_jobs_name
						ON pqueue_jobs (name)`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS pqueue_jobs`)
				return err
			},
		},
	)
}
