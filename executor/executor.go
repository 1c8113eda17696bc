// Package executor implements the Backup/Delete Executor: the strict,
// ordered per-key pipeline that must record a recoverable backup before an
// object is ever removed from the store.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/s3refgc/s3refgc/backupstore"
	"github.com/s3refgc/s3refgc/compress"
	"github.com/s3refgc/s3refgc/errtag"
	"github.com/s3refgc/s3refgc/objectstore"
	"github.com/s3refgc/s3refgc/vault"
)

// VaultRecorder is the subset of the Vault the Executor needs.
type VaultRecorder interface {
	RecordDeletion(ctx context.Context, d vault.DeletionRecord) (int64, error)
}

// Executor performs the five-step backup-then-delete sequence for a single
// key: download, compress, write the blob, record the deletion, delete
// from the store. A failure at any step aborts that key's pipeline without
// touching the store — step 5 only runs once step 4 has committed.
type Executor struct {
	Store           objectstore.Store
	Vault           VaultRecorder
	Backups         *backupstore.Store
	CompressBackups bool

	// BackupBeforeDelete gates step 3 (the blob write). It must be true in
	// production; false is permitted for tests only, where losing the
	// backup blob on a simulated delete is an accepted tradeoff.
	BackupBeforeDelete bool
}

// Result describes one key's outcome.
type Result struct {
	Key            string
	BackupPath     string
	OriginalSize   int64
	CompressedSize int64
	Err            error
}

// BackupAndDelete runs the five-step pipeline for a single key under the
// given operation.
func (e *Executor) BackupAndDelete(ctx context.Context, operationID, key string) Result {
	res := Result{Key: key}

	// Step 1: download.
	body, err := e.download(ctx, key)
	if err != nil {
		res.Err = errtag.Backupf("download", err, map[string]any{"key": key})

		return res
	}

	res.OriginalSize = int64(len(body))

	// Step 2: compress.
	compressed := body
	preprocessed := false

	if e.CompressBackups {
		result, err := compress.CompressForBackup(key, body)
		if err != nil {
			res.Err = errtag.Backupf("compress", err, map[string]any{"key": key})

			return res
		}

		compressed = result.Compressed
		preprocessed = result.Preprocessed
	}

	res.CompressedSize = int64(len(compressed))

	// Step 3: write the blob. Gated on BackupBeforeDelete; the path itself
	// is always computed so the deletion row below keeps a stable, unique
	// backup_path even when the write is skipped.
	ext := filepath.Ext(key)
	blobPath := e.Backups.BlobPath(operationID, key, ext)

	if e.BackupBeforeDelete {
		if err := e.Backups.Write(blobPath, compressed); err != nil {
			res.Err = err

			return res
		}
	}

	res.BackupPath = blobPath

	sum := sha256.Sum256(compressed)
	contentHash := hex.EncodeToString(sum[:])

	// Step 4: record the deletion. This must commit before step 5 runs —
	// once recorded, the blob is the only copy and must exist first.
	if _, err := e.Vault.RecordDeletion(ctx, vault.DeletionRecord{
		OperationID:    operationID,
		S3Key:          key,
		BackupPath:     blobPath,
		OriginalSize:   res.OriginalSize,
		CompressedSize: res.CompressedSize,
		ContentHash:    contentHash,
		Preprocessed:   preprocessed,
		DeletedAt:      time.Now().UTC(),
	}); err != nil {
		res.Err = err

		return res
	}

	// Step 5: delete from the store, only after the backup is durably
	// recorded.
	if err := e.Store.Delete(ctx, key); err != nil {
		res.Err = errtag.ObjectStoref("delete", err, map[string]any{"key": key})

		return res
	}

	slog.Info("object backed up and deleted", "key", key, "backup_path", blobPath, "original_size", res.OriginalSize, "compressed_size", res.CompressedSize)

	return res
}

func (e *Executor) download(ctx context.Context, key string) ([]byte, error) {
	r, err := e.Store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return io.ReadAll(r)
}
