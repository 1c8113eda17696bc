package vault

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s3refgc/s3refgc/errtag"
)

// ReplicationStats summarizes one replication pass, mirroring the
// original's replicate_to_postgres stats dict.
type ReplicationStats struct {
	OperationsSynced int
	DeletionsSynced  int
	Errors           []string
}

// ReplicateToPostgres mirrors local operations/deletions rows into a remote
// Postgres database. Replication is one-way, idempotent, and catch-up: each
// run pages through every local operation, batchSize at a time, and upserts
// by primary key, so re-running after a partial failure is always safe.
func ReplicateToPostgres(ctx context.Context, v *Vault, pool *pgxpool.Pool, batchSize int) (ReplicationStats, error) {
	var stats ReplicationStats

	var ops []Operation

	for offset := 0; ; offset += batchSize {
		page, err := v.ListOperations(ctx, batchSize, offset, "")
		if err != nil {
			return stats, errtag.Vaultf("replicate_list_operations", err, nil)
		}

		ops = append(ops, page...)

		if batchSize <= 0 || len(page) < batchSize {
			break
		}
	}

	for _, op := range ops {
		statsJSON, err := json.Marshal(op.Stats)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())

			continue
		}

		_, err = pool.Exec(ctx, `
			INSERT INTO s3gc_operations (id, started_at, mode, stats, completed_at, error)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO UPDATE SET
				stats = excluded.stats,
				completed_at = excluded.completed_at,
				error = excluded.error
		`, op.ID, op.StartedAt, op.Mode, string(statsJSON), op.CompletedAt, op.Error)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())
			slog.Error("replicate operation failed", "operation_id", op.ID, "error", err)

			continue
		}

		stats.OperationsSynced++

		deletions, err := v.DeletionsByOperation(ctx, op.ID, true)
		if err != nil {
			stats.Errors = append(stats.Errors, err.Error())

			continue
		}

		for _, d := range deletions {
			_, err = pool.Exec(ctx, `
				INSERT INTO s3gc_deletions (id, operation_id, s3_key, backup_path, original_size, compressed_size, content_hash, preprocessed, deleted_at, restored_at, restore_operation_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
				ON CONFLICT (id) DO UPDATE SET
					restored_at = excluded.restored_at,
					restore_operation_id = excluded.restore_operation_id
			`, d.ID, d.OperationID, d.S3Key, d.BackupPath, d.OriginalSize, d.CompressedSize, d.ContentHash, d.Preprocessed, d.DeletedAt, d.RestoredAt, d.RestoreOperationID)
			if err != nil {
				stats.Errors = append(stats.Errors, err.Error())
				slog.Error("replicate deletion failed", "deletion_id", d.ID, "error", err)

				continue
			}

			stats.DeletionsSynced++
		}
	}

	return stats, nil
}
