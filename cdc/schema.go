package cdc

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s3refgc/s3refgc/errtag"
)

// EnsureOutboxSchema creates the outbox tables in the application database
// if they don't already exist. Unlike the registry and vault's own
// databases, this schema lives inside a database the application owns, so
// it is idempotent `CREATE TABLE IF NOT EXISTS` rather than a goose
// migration chain — running it twice against an existing table is a no-op.
func EnsureOutboxSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS s3gc_changes (
			id         BIGSERIAL PRIMARY KEY,
			table_name TEXT NOT NULL,
			column_name TEXT NOT NULL,
			operation  TEXT NOT NULL,
			s3_key     TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`)
	if err != nil {
		return errtag.CDCf("ensure_schema_changes", err, nil)
	}

	_, err = pool.Exec(ctx, `
		CREATE INDEX IF NOT EXISTS idx_s3gc_changes_id ON s3gc_changes (id)
	`)
	if err != nil {
		return errtag.CDCf("ensure_schema_changes_index", err, nil)
	}

	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS processed_outbox_ids (
			checkpoint_id TEXT PRIMARY KEY,
			first_id      BIGINT NOT NULL,
			last_id       BIGINT NOT NULL,
			row_count     INTEGER NOT NULL,
			processed_at  TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return errtag.CDCf("ensure_schema_checkpoint", err, nil)
	}

	return nil
}
