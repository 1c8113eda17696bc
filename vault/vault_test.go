package vault_test

import (
	"strings"
	"testing"
	"time"

	"github.com/s3refgc/s3refgc/errtag"
	"github.com/s3refgc/s3refgc/vault"
)

func openTestVault(t *testing.T) *vault.Vault {
	t.Helper()

	v, err := vault.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { v.Close() })

	return v
}

func TestRecordAndCompleteOperation(t *testing.T) {
	t.Parallel()

	v := openTestVault(t)
	ctx := t.Context()

	start := time.Now().UTC().Truncate(time.Second)

	if err := v.RecordOperation(ctx, "op1", start, "execute", map[string]any{"scanned": 10}); err != nil {
		t.Fatalf("RecordOperation: %v", err)
	}

	if err := v.CompleteOperation(ctx, "op1", map[string]any{"scanned": 10, "deleted": 3}, nil); err != nil {
		t.Fatalf("CompleteOperation: %v", err)
	}

	ops, err := v.ListOperations(ctx, 10, 0, "")
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}

	if len(ops) != 1 {
		t.Fatalf("len(ops) = %d, want 1", len(ops))
	}

	if ops[0].CompletedAt == nil {
		t.Fatal("expected CompletedAt to be set")
	}

	if ops[0].Mode != "execute" {
		t.Fatalf("Mode = %q, want execute", ops[0].Mode)
	}
}

func TestRecordDeletionAndMarkRestoredOnce(t *testing.T) {
	t.Parallel()

	v := openTestVault(t)
	ctx := t.Context()

	if err := v.RecordOperation(ctx, "op1", time.Now(), "execute", map[string]any{}); err != nil {
		t.Fatalf("RecordOperation: %v", err)
	}

	id, err := v.RecordDeletion(ctx, vault.DeletionRecord{
		OperationID:    "op1",
		S3Key:          "old/x.bin",
		BackupPath:     "/vault/backups/op1/old_x.bin.zst",
		OriginalSize:   100,
		CompressedSize: 40,
		DeletedAt:      time.Now(),
	})
	if err != nil {
		t.Fatalf("RecordDeletion: %v", err)
	}

	if id == 0 {
		t.Fatal("expected a non-zero deletion id")
	}

	restored, err := v.MarkRestored(ctx, "old/x.bin", "restore-op-1")
	if err != nil {
		t.Fatalf("MarkRestored: %v", err)
	}

	if !restored {
		t.Fatal("expected MarkRestored to report success on first call")
	}

	// spec.md scenario 6: a second restore call reports nothing left to restore.
	restored, err = v.MarkRestored(ctx, "old/x.bin", "restore-op-2")
	if err != nil {
		t.Fatalf("MarkRestored (second call): %v", err)
	}

	if restored {
		t.Fatal("expected the second MarkRestored call to be a no-op (restored_at is monotonic)")
	}

	rec, err := v.GetDeletion(ctx, "old/x.bin")
	if err != nil {
		t.Fatalf("GetDeletion: %v", err)
	}

	if rec == nil || rec.RestoredAt == nil {
		t.Fatal("expected a restored deletion record")
	}
}

func TestRecordDeletionRejectsBackupPathCollision(t *testing.T) {
	t.Parallel()

	v := openTestVault(t)
	ctx := t.Context()

	_ = v.RecordOperation(ctx, "op1", time.Now(), "execute", map[string]any{})

	dup := vault.DeletionRecord{
		OperationID:    "op1",
		S3Key:          "a",
		BackupPath:     "/vault/backups/op1/same.zst",
		OriginalSize:   1,
		CompressedSize: 1,
		DeletedAt:      time.Now(),
	}

	if _, err := v.RecordDeletion(ctx, dup); err != nil {
		t.Fatalf("first RecordDeletion: %v", err)
	}

	dup.S3Key = "b" // distinct key, colliding sanitized backup path

	_, err := v.RecordDeletion(ctx, dup)
	if err == nil {
		t.Fatal("expected a backup_path collision to be rejected")
	}

	if !errtag.Is(err, errtag.Vault) {
		t.Fatalf("expected a VaultError, got %v", err)
	}
}

func TestDeletionsByOperationExcludesRestoredByDefault(t *testing.T) {
	t.Parallel()

	v := openTestVault(t)
	ctx := t.Context()

	_ = v.RecordOperation(ctx, "op1", time.Now(), "execute", map[string]any{})

	_, _ = v.RecordDeletion(ctx, vault.DeletionRecord{
		OperationID: "op1", S3Key: "a", BackupPath: "/a.zst", DeletedAt: time.Now(),
	})
	_, _ = v.RecordDeletion(ctx, vault.DeletionRecord{
		OperationID: "op1", S3Key: "b", BackupPath: "/b.zst", DeletedAt: time.Now(),
	})

	_, _ = v.MarkRestored(ctx, "a", "r1")

	unrestored, err := v.DeletionsByOperation(ctx, "op1", false)
	if err != nil {
		t.Fatalf("DeletionsByOperation: %v", err)
	}

	if len(unrestored) != 1 || unrestored[0].S3Key != "b" {
		t.Fatalf("unrestored = %+v, want just key b", unrestored)
	}

	all, err := v.DeletionsByOperation(ctx, "op1", true)
	if err != nil {
		t.Fatalf("DeletionsByOperation(includeRestored): %v", err)
	}

	if len(all) != 2 {
		t.Fatalf("all = %+v, want 2 rows", all)
	}
}

func TestSearchDeletions(t *testing.T) {
	t.Parallel()

	v := openTestVault(t)
	ctx := t.Context()

	_ = v.RecordOperation(ctx, "op1", time.Now(), "execute", map[string]any{})
	_, _ = v.RecordDeletion(ctx, vault.DeletionRecord{
		OperationID: "op1", S3Key: "avatars/user-1.jpg", BackupPath: "/p1.zst", DeletedAt: time.Now(),
	})
	_, _ = v.RecordDeletion(ctx, vault.DeletionRecord{
		OperationID: "op1", S3Key: "documents/report.pdf", BackupPath: "/p2.zst", DeletedAt: time.Now(),
	})

	results, err := v.SearchDeletions(ctx, "avatars/%", 10)
	if err != nil {
		t.Fatalf("SearchDeletions: %v", err)
	}

	if len(results) != 1 || !strings.HasPrefix(results[0].S3Key, "avatars/") {
		t.Fatalf("results = %+v, want one avatars/ match", results)
	}
}
