package gc_test

import (
	"context"
	"testing"
	"time"

	"github.com/s3refgc/s3refgc/backupstore"
	"github.com/s3refgc/s3refgc/config"
	"github.com/s3refgc/s3refgc/executor"
	"github.com/s3refgc/s3refgc/gc"
	"github.com/s3refgc/s3refgc/objectstore"
	"github.com/s3refgc/s3refgc/registry"
	"github.com/s3refgc/s3refgc/vault"
)

func newDeps(t *testing.T) (gc.Deps, *objectstore.Fake) {
	t.Helper()

	reg, err := registry.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("registry.Open: %v", err)
	}

	t.Cleanup(func() { reg.Close() })

	v, err := vault.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("vault.Open: %v", err)
	}

	t.Cleanup(func() { v.Close() })

	store := objectstore.NewFake()

	ex := &executor.Executor{
		Store:              store,
		Vault:              v,
		Backups:            backupstore.New(t.TempDir()),
		CompressBackups:    true,
		BackupBeforeDelete: true,
	}

	return gc.Deps{Store: store, Registry: reg, Vault: v, Executor: ex}, store
}

func TestRunCycleDryRunFindsButDoesNotDelete(t *testing.T) {
	t.Parallel()

	deps, store := newDeps(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	store.Seed("orphan.txt", []byte("data"), old)

	if err := deps.Registry.Increment(context.Background(), "referenced.txt"); err != nil {
		t.Fatalf("Increment: %v", err)
	}

	store.Seed("referenced.txt", []byte("data"), old)

	cfg, err := config.New("test-bucket-1", config.WithMode(config.DryRun), config.WithRetentionDays(0))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	res, err := gc.RunCycle(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if res.TotalScanned != 2 {
		t.Fatalf("expected 2 scanned, got %d", res.TotalScanned)
	}

	if res.VerifiedOrphans != 1 {
		t.Fatalf("expected 1 verified orphan, got %d", res.VerifiedOrphans)
	}

	if res.DeletedCount != 0 {
		t.Fatal("dry run must never delete")
	}

	if len(res.DeletedKeys) != 1 || res.DeletedKeys[0] != "orphan.txt" {
		t.Fatalf("dry run must report the verified orphan in deleted_keys, got %v", res.DeletedKeys)
	}

	if _, err := store.Head(context.Background(), "orphan.txt"); err != nil {
		t.Fatal("dry run must leave the orphan object in place")
	}

	d, err := deps.Vault.GetDeletion(context.Background(), "orphan.txt")
	if err != nil {
		t.Fatalf("GetDeletion: %v", err)
	}

	if d != nil {
		t.Fatal("dry run must not write any vault rows")
	}
}

func TestRunCycleExecuteDeletesVerifiedOrphans(t *testing.T) {
	t.Parallel()

	deps, store := newDeps(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	store.Seed("orphan.txt", []byte("data"), old)

	cfg, err := config.New("test-bucket-2", config.WithMode(config.Execute), config.WithRetentionDays(0))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	res, err := gc.RunCycle(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if res.DeletedCount != 1 || res.BackedUpCount != 1 {
		t.Fatalf("expected 1 deleted and backed up, got deleted=%d backed_up=%d", res.DeletedCount, res.BackedUpCount)
	}

	if _, err := store.Head(context.Background(), "orphan.txt"); err == nil {
		t.Fatal("expected the orphan to be removed from the store after execute mode")
	}

	deletion, err := deps.Vault.GetDeletion(context.Background(), "orphan.txt")
	if err != nil {
		t.Fatalf("GetDeletion: %v", err)
	}

	if deletion == nil {
		t.Fatal("expected a deletion record to exist after execute mode")
	}
}

func TestRunCycleAuditOnlyRecordsWithoutDeleting(t *testing.T) {
	t.Parallel()

	deps, store := newDeps(t)

	old := time.Now().Add(-30 * 24 * time.Hour)
	store.Seed("orphan.txt", []byte("data"), old)

	cfg, err := config.New("test-bucket-3", config.WithMode(config.AuditOnly), config.WithRetentionDays(0))
	if err != nil {
		t.Fatalf("config.New: %v", err)
	}

	res, err := gc.RunCycle(context.Background(), cfg, deps)
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if res.DeletedCount != 0 {
		t.Fatal("audit_only must never delete")
	}

	if _, err := store.Head(context.Background(), "orphan.txt"); err != nil {
		t.Fatal("audit_only must leave the orphan object in place")
	}

	ops, err := deps.Vault.ListOperations(context.Background(), 10, 0, "")
	if err != nil {
		t.Fatalf("ListOperations: %v", err)
	}

	if len(ops) != 1 || ops[0].Mode != "audit_only" {
		t.Fatalf("expected one audit_only operation recorded, got %v", ops)
	}
}
