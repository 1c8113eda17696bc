// Package vault implements the append-only audit Vault: an operations log
// and a deletions log, backed by a local SQLite database. After a row is
// written, an operation row is updated only by CompleteOperation (completed
// time, final stats, error), and a deletion row only by marking it restored.
package vault

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/s3refgc/s3refgc/errtag"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

type Vault struct {
	db *sql.DB
}

// Open opens (creating if absent) the vault database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Vault, error) {
	slog.Debug("opening vault database", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errtag.Vaultf("open", err, map[string]any{"path": path})
	}

	db.SetMaxOpenConns(1)

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, errtag.Vaultf("set_dialect", err, nil)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return nil, errtag.Vaultf("migrate", err, map[string]any{"path": path})
	}

	return &Vault{db: db}, nil
}

func (v *Vault) Close() error {
	return v.db.Close()
}

// Operation mirrors one row of the operations table.
type Operation struct {
	ID          string
	StartedAt   time.Time
	Mode        string
	Stats       map[string]any
	CompletedAt *time.Time
	Error       *string
}

// DeletionRecord mirrors one row of the deletions table.
type DeletionRecord struct {
	ID                  int64
	OperationID         string
	S3Key               string
	BackupPath          string
	OriginalSize        int64
	CompressedSize      int64
	ContentHash         string
	Preprocessed        bool
	DeletedAt           time.Time
	RestoredAt          *time.Time
	RestoreOperationID  *string
}

// RecordOperation inserts a new, immutable operation row. id, startedAt,
// and mode never change after this call.
func (v *Vault) RecordOperation(ctx context.Context, id string, startedAt time.Time, mode string, stats map[string]any) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return errtag.Vaultf("record_operation_marshal", err, map[string]any{"operation_id": id})
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO operations (id, started_at, mode, stats) VALUES (?, ?, ?, ?)
	`, id, startedAt.UTC().Format(time.RFC3339Nano), mode, string(statsJSON))
	if err != nil {
		return errtag.Vaultf("record_operation", err, map[string]any{"operation_id": id})
	}

	return nil
}

// CompleteOperation stamps completed_at and the final stats/error on an
// existing operation row.
func (v *Vault) CompleteOperation(ctx context.Context, id string, stats map[string]any, opErr error) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return errtag.Vaultf("complete_operation_marshal", err, map[string]any{"operation_id": id})
	}

	var errStr sql.NullString
	if opErr != nil {
		errStr = sql.NullString{String: opErr.Error(), Valid: true}
	}

	_, err = v.db.ExecContext(ctx, `
		UPDATE operations SET completed_at = ?, stats = ?, error = ? WHERE id = ?
	`, time.Now().UTC().Format(time.RFC3339Nano), string(statsJSON), errStr, id)
	if err != nil {
		return errtag.Vaultf("complete_operation", err, map[string]any{"operation_id": id})
	}

	return nil
}

// RecordDeletion inserts a new deletion row and returns its auto-assigned
// ID. backup_path uniqueness is enforced at the schema level (Open Question
// 4): a sanitized-name collision surfaces as a VaultError rather than
// silently overwriting a prior blob's record.
func (v *Vault) RecordDeletion(ctx context.Context, d DeletionRecord) (int64, error) {
	res, err := v.db.ExecContext(ctx, `
		INSERT INTO deletions (operation_id, s3_key, backup_path, original_size, compressed_size, content_hash, preprocessed, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, d.OperationID, d.S3Key, d.BackupPath, d.OriginalSize, d.CompressedSize, d.ContentHash, boolToInt(d.Preprocessed), d.DeletedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, errtag.Vaultf("record_deletion", err, map[string]any{"s3_key": d.S3Key, "backup_path": d.BackupPath})
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, errtag.Vaultf("record_deletion_last_insert_id", err, nil)
	}

	return id, nil
}

// MarkRestored sets restored_at/restore_operation_id on the most recent
// unrestored deletion for key, and reports whether a row was updated.
// restored_at moves monotonically from null to a timestamp exactly once.
func (v *Vault) MarkRestored(ctx context.Context, key string, restoreOperationID string) (bool, error) {
	res, err := v.db.ExecContext(ctx, `
		UPDATE deletions SET restored_at = ?, restore_operation_id = ?
		WHERE id = (
			SELECT id FROM deletions WHERE s3_key = ? AND restored_at IS NULL ORDER BY deleted_at DESC LIMIT 1
		)
	`, time.Now().UTC().Format(time.RFC3339Nano), restoreOperationID, key)
	if err != nil {
		return false, errtag.Vaultf("mark_restored", err, map[string]any{"s3_key": key})
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errtag.Vaultf("mark_restored_rows_affected", err, nil)
	}

	return n > 0, nil
}

// GetDeletion returns the most recent deletion record for key.
func (v *Vault) GetDeletion(ctx context.Context, key string) (*DeletionRecord, error) {
	row := v.db.QueryRowContext(ctx, `
		SELECT id, operation_id, s3_key, backup_path, original_size, compressed_size,
		       COALESCE(content_hash, ''), preprocessed, deleted_at, restored_at, restore_operation_id
		FROM deletions WHERE s3_key = ? ORDER BY deleted_at DESC LIMIT 1
	`, key)

	d, err := scanDeletionRows(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, errtag.Vaultf("get_deletion", err, map[string]any{"s3_key": key})
	}

	return d, nil
}

// DeletionsByOperation returns deletion rows for opID, optionally including
// already-restored rows.
func (v *Vault) DeletionsByOperation(ctx context.Context, opID string, includeRestored bool) ([]DeletionRecord, error) {
	query := `
		SELECT id, operation_id, s3_key, backup_path, original_size, compressed_size,
		       COALESCE(content_hash, ''), preprocessed, deleted_at, restored_at, restore_operation_id
		FROM deletions WHERE operation_id = ?
	`
	if !includeRestored {
		query += " AND restored_at IS NULL"
	}

	query += " ORDER BY deleted_at ASC"

	rows, err := v.db.QueryContext(ctx, query, opID)
	if err != nil {
		return nil, errtag.Vaultf("deletions_by_operation", err, map[string]any{"operation_id": opID})
	}
	defer rows.Close()

	var out []DeletionRecord

	for rows.Next() {
		d, err := scanDeletionRows(rows)
		if err != nil {
			return nil, errtag.Vaultf("deletions_by_operation_scan", err, map[string]any{"operation_id": opID})
		}

		out = append(out, *d)
	}

	return out, rows.Err()
}

// ListOperations lists operations newest-first, optionally filtered by mode.
func (v *Vault) ListOperations(ctx context.Context, limit, offset int, mode string) ([]Operation, error) {
	query := `SELECT id, started_at, mode, stats, completed_at, error FROM operations`

	args := []any{}
	if mode != "" {
		query += " WHERE mode = ?"
		args = append(args, mode)
	}

	query += " ORDER BY started_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errtag.Vaultf("list_operations", err, nil)
	}
	defer rows.Close()

	var out []Operation

	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, errtag.Vaultf("list_operations_scan", err, nil)
		}

		out = append(out, *op)
	}

	return out, rows.Err()
}

// SearchDeletions finds deletions whose s3_key matches a SQL LIKE pattern.
// This is an operator-facing search tool, distinct from the Verifier's L2
// probe (which never uses unbounded LIKE against application data).
func (v *Vault) SearchDeletions(ctx context.Context, pattern string, limit int) ([]DeletionRecord, error) {
	rows, err := v.db.QueryContext(ctx, `
		SELECT id, operation_id, s3_key, backup_path, original_size, compressed_size,
		       COALESCE(content_hash, ''), preprocessed, deleted_at, restored_at, restore_operation_id
		FROM deletions WHERE s3_key LIKE ? ORDER BY deleted_at DESC LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, errtag.Vaultf("search_deletions", err, nil)
	}
	defer rows.Close()

	var out []DeletionRecord

	for rows.Next() {
		d, err := scanDeletionRows(rows)
		if err != nil {
			return nil, errtag.Vaultf("search_deletions_scan", err, nil)
		}

		out = append(out, *d)
	}

	return out, rows.Err()
}

// UnrestoredDeletions lists deletions not yet restored, optionally bounded
// by age.
func (v *Vault) UnrestoredDeletions(ctx context.Context, olderThan time.Duration, limit int) ([]DeletionRecord, error) {
	query := `
		SELECT id, operation_id, s3_key, backup_path, original_size, compressed_size,
		       COALESCE(content_hash, ''), preprocessed, deleted_at, restored_at, restore_operation_id
		FROM deletions WHERE restored_at IS NULL
	`

	args := []any{}
	if olderThan > 0 {
		query += " AND deleted_at < ?"
		args = append(args, time.Now().Add(-olderThan).UTC().Format(time.RFC3339Nano))
	}

	query += " ORDER BY deleted_at ASC LIMIT ?"
	args = append(args, limit)

	rows, err := v.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errtag.Vaultf("unrestored_deletions", err, nil)
	}
	defer rows.Close()

	var out []DeletionRecord

	for rows.Next() {
		d, err := scanDeletionRows(rows)
		if err != nil {
			return nil, errtag.Vaultf("unrestored_deletions_scan", err, nil)
		}

		out = append(out, *d)
	}

	return out, rows.Err()
}

// Stats summarizes vault contents, mirroring the original's
// get_vault_stats.
type Stats struct {
	TotalOperations       int64
	TotalDeletions        int64
	RestoredDeletions     int64
	TotalOriginalBytes    int64
	TotalCompressedBytes  int64
}

func (v *Vault) GetStats(ctx context.Context) (Stats, error) {
	var s Stats

	err := v.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM operations`).Scan(&s.TotalOperations)
	if err != nil {
		return Stats{}, errtag.Vaultf("get_stats_operations", err, nil)
	}

	err = v.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN restored_at IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(original_size), 0),
			COALESCE(SUM(compressed_size), 0)
		FROM deletions
	`).Scan(&s.TotalDeletions, &s.RestoredDeletions, &s.TotalOriginalBytes, &s.TotalCompressedBytes)
	if err != nil {
		return Stats{}, errtag.Vaultf("get_stats_deletions", err, nil)
	}

	return s, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeletionRows(row rowScanner) (*DeletionRecord, error) {
	var (
		d            DeletionRecord
		deletedAt    string
		restoredAt   sql.NullString
		restoreOpID  sql.NullString
		preprocessed int
	)

	if err := row.Scan(
		&d.ID, &d.OperationID, &d.S3Key, &d.BackupPath, &d.OriginalSize, &d.CompressedSize,
		&d.ContentHash, &preprocessed, &deletedAt, &restoredAt, &restoreOpID,
	); err != nil {
		return nil, err
	}

	d.Preprocessed = preprocessed != 0

	if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
		d.DeletedAt = t
	}

	if restoredAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, restoredAt.String); err == nil {
			d.RestoredAt = &t
		}
	}

	if restoreOpID.Valid {
		d.RestoreOperationID = &restoreOpID.String
	}

	return &d, nil
}

func scanOperation(row rowScanner) (*Operation, error) {
	var (
		op          Operation
		startedAt   string
		statsJSON   string
		completedAt sql.NullString
		errStr      sql.NullString
	)

	if err := row.Scan(&op.ID, &startedAt, &op.Mode, &statsJSON, &completedAt, &errStr); err != nil {
		return nil, err
	}

	if t, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
		op.StartedAt = t
	}

	_ = json.Unmarshal([]byte(statsJSON), &op.Stats)

	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAt.String); err == nil {
			op.CompletedAt = &t
		}
	}

	if errStr.Valid {
		op.Error = &errStr.String
	}

	return &op, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}

	return 0
}
