// Package registry implements the durable Reference Registry: a key-value
// store mapping a storage key to its reference count, backed by a local
// SQLite database.
package registry

import (
	"context"
	"database/sql"
	"embed"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/s3refgc/s3refgc/errtag"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Registry is the durable reference-count store. It is safe for concurrent
// use; writes are serialized by SQLite, matching the teacher's pg package's
// reliance on the underlying storage for write serialization.
type Registry struct {
	db *sql.DB
}

// Open opens (creating if absent) the registry database at path and applies
// pending migrations.
func Open(ctx context.Context, path string) (*Registry, error) {
	slog.Debug("opening registry database", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errtag.Registryf("open", err, map[string]any{"path": path})
	}

	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway; avoid SQLITE_BUSY churn

	goose.SetBaseFS(embedMigrations)

	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, errtag.Registryf("set_dialect", err, nil)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return nil, errtag.Registryf("migrate", err, map[string]any{"path": path})
	}

	return &Registry{db: db}, nil
}

func (r *Registry) Close() error {
	return r.db.Close()
}

// Increment performs an atomic upsert: insert with ref_count=1 or add 1 to
// an existing row, updating last_seen.
func (r *Registry) Increment(ctx context.Context, key string) error {
	now := nowString()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refs (s3_key, ref_count, first_seen, last_seen)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(s3_key) DO UPDATE SET
			ref_count = ref_count + 1,
			last_seen = excluded.last_seen
	`, key, now, now)
	if err != nil {
		return errtag.Registryf("increment", err, map[string]any{"key": key})
	}

	return nil
}

// Decrement clamps at zero and updates last_seen. Decrementing an unknown
// key is a no-op (there is nothing to clamp).
func (r *Registry) Decrement(ctx context.Context, key string) error {
	now := nowString()

	_, err := r.db.ExecContext(ctx, `
		UPDATE refs SET ref_count = MAX(0, ref_count - 1), last_seen = ?
		WHERE s3_key = ?
	`, now, key)
	if err != nil {
		return errtag.Registryf("decrement", err, map[string]any{"key": key})
	}

	return nil
}

// BulkIncrement increments every key in keys within a single transaction.
func (r *Registry) BulkIncrement(ctx context.Context, keys []string) error {
	return r.bulkApply(ctx, keys, `
		INSERT INTO refs (s3_key, ref_count, first_seen, last_seen)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(s3_key) DO UPDATE SET
			ref_count = ref_count + 1,
			last_seen = excluded.last_seen
	`, true)
}

// BulkDecrement decrements every key in keys within a single transaction.
func (r *Registry) BulkDecrement(ctx context.Context, keys []string) error {
	return r.bulkApply(ctx, keys, `
		UPDATE refs SET ref_count = MAX(0, ref_count - 1), last_seen = ?
		WHERE s3_key = ?
	`, false)
}

func (r *Registry) bulkApply(ctx context.Context, keys []string, query string, increment bool) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errtag.Registryf("bulk_apply_begin", err, nil)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return errtag.Registryf("bulk_apply_prepare", err, nil)
	}
	defer stmt.Close()

	now := nowString()

	for _, key := range keys {
		if increment {
			_, err = stmt.ExecContext(ctx, key, now, now)
		} else {
			_, err = stmt.ExecContext(ctx, now, key)
		}

		if err != nil {
			return errtag.Registryf("bulk_apply_exec", err, map[string]any{"key": key})
		}
	}

	if err := tx.Commit(); err != nil {
		return errtag.Registryf("bulk_apply_commit", err, nil)
	}

	return nil
}

// Set overrides the ref_count absolutely. Used only by repair paths.
func (r *Registry) Set(ctx context.Context, key string, n int64) error {
	now := nowString()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO refs (s3_key, ref_count, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(s3_key) DO UPDATE SET ref_count = excluded.ref_count, last_seen = excluded.last_seen
	`, key, n, now, now)
	if err != nil {
		return errtag.Registryf("set", err, map[string]any{"key": key})
	}

	return nil
}

// GetCount returns the current ref_count, or 0 if key is absent.
func (r *Registry) GetCount(ctx context.Context, key string) (int64, error) {
	var count int64

	err := r.db.QueryRowContext(ctx, `SELECT ref_count FROM refs WHERE s3_key = ?`, key).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}

	if err != nil {
		return 0, errtag.Registryf("get_count", err, map[string]any{"key": key})
	}

	return count, nil
}

// OrphanCandidates returns every key in keys that is not present with
// ref_count > 0 — the set difference keys \ {k : ref_count(k) > 0}.
func (r *Registry) OrphanCandidates(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	referenced := make(map[string]bool, len(keys))

	const chunkSize = 500
	for start := 0; start < len(keys); start += chunkSize {
		end := start + chunkSize
		if end > len(keys) {
			end = len(keys)
		}

		chunk := keys[start:end]

		placeholders := make([]any, 0, len(chunk))
		query := "SELECT s3_key FROM refs WHERE ref_count > 0 AND s3_key IN (" + placeholdersSQL(len(chunk)) + ")"

		for _, k := range chunk {
			placeholders = append(placeholders, k)
		}

		rows, err := r.db.QueryContext(ctx, query, placeholders...)
		if err != nil {
			return nil, errtag.Registryf("orphan_candidates", err, nil)
		}

		for rows.Next() {
			var key string
			if err := rows.Scan(&key); err != nil {
				rows.Close()

				return nil, errtag.Registryf("orphan_candidates_scan", err, nil)
			}

			referenced[key] = true
		}

		if err := rows.Err(); err != nil {
			rows.Close()

			return nil, errtag.Registryf("orphan_candidates_rows", err, nil)
		}

		rows.Close()
	}

	candidates := make([]string, 0, len(keys))

	for _, k := range keys {
		if !referenced[k] {
			candidates = append(candidates, k)
		}
	}

	return candidates, nil
}

// PruneZeroRefs removes rows with ref_count = 0 whose last_seen is older
// than ageHorizon, and returns the number of rows removed.
func (r *Registry) PruneZeroRefs(ctx context.Context, ageHorizon time.Duration) (int64, error) {
	cutoff := time.Now().Add(-ageHorizon).UTC().Format(time.RFC3339)

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM refs WHERE ref_count = 0 AND last_seen < ?
	`, cutoff)
	if err != nil {
		return 0, errtag.Registryf("prune_zero_refs", err, nil)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, errtag.Registryf("prune_zero_refs_rows_affected", err, nil)
	}

	return n, nil
}

// Stats summarizes registry contents, mirroring the original's
// get_registry_stats.
type Stats struct {
	TotalKeys       int64
	ReferencedKeys  int64
	OrphanedKeys    int64
	TotalReferences int64
}

func (r *Registry) GetStats(ctx context.Context) (Stats, error) {
	var s Stats

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN ref_count > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN ref_count = 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(ref_count), 0)
		FROM refs
	`).Scan(&s.TotalKeys, &s.ReferencedKeys, &s.OrphanedKeys, &s.TotalReferences)
	if err != nil {
		return Stats{}, errtag.Registryf("get_stats", err, nil)
	}

	return s, nil
}

func placeholdersSQL(n int) string {
	s := ""

	for i := 0; i < n; i++ {
		if i > 0 {
			s += ","
		}

		s += "?"
	}

	return s
}

func nowString() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
