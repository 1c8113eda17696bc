package executor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/s3refgc/s3refgc/backupstore"
	"github.com/s3refgc/s3refgc/executor"
	"github.com/s3refgc/s3refgc/objectstore"
	"github.com/s3refgc/s3refgc/vault"
)

type fakeVault struct {
	recorded []vault.DeletionRecord
	failWith error
}

func (f *fakeVault) RecordDeletion(_ context.Context, d vault.DeletionRecord) (int64, error) {
	if f.failWith != nil {
		return 0, f.failWith
	}

	f.recorded = append(f.recorded, d)

	return int64(len(f.recorded)), nil
}

func TestBackupAndDeleteHappyPath(t *testing.T) {
	t.Parallel()

	store := objectstore.NewFake()
	store.Seed("reports/r.txt", []byte("hello world"), time.Now())

	v := &fakeVault{}
	ex := &executor.Executor{
		Store:              store,
		Vault:              v,
		Backups:            backupstore.New(t.TempDir()),
		CompressBackups:    true,
		BackupBeforeDelete: true,
	}

	res := ex.BackupAndDelete(context.Background(), "op-1", "reports/r.txt")
	if res.Err != nil {
		t.Fatalf("BackupAndDelete: %v", res.Err)
	}

	if res.BackupPath == "" {
		t.Fatal("expected a backup path to be recorded")
	}

	if len(v.recorded) != 1 || v.recorded[0].S3Key != "reports/r.txt" {
		t.Fatalf("expected exactly one deletion record, got %v", v.recorded)
	}

	if _, err := store.Head(context.Background(), "reports/r.txt"); err == nil {
		t.Fatal("expected the key to be deleted from the store after a successful pipeline")
	}
}

func TestBackupAndDeleteAbortsBeforeDeleteOnVaultFailure(t *testing.T) {
	t.Parallel()

	store := objectstore.NewFake()
	store.Seed("reports/r.txt", []byte("hello world"), time.Now())

	v := &fakeVault{failWith: errors.New("disk full")}
	ex := &executor.Executor{
		Store:              store,
		Vault:              v,
		Backups:            backupstore.New(t.TempDir()),
		CompressBackups:    true,
		BackupBeforeDelete: true,
	}

	res := ex.BackupAndDelete(context.Background(), "op-1", "reports/r.txt")
	if res.Err == nil {
		t.Fatal("expected an error when the vault record fails")
	}

	if _, err := store.Head(context.Background(), "reports/r.txt"); err != nil {
		t.Fatal("the object must survive in the store when step 4 fails before step 5 runs")
	}
}

func TestBackupAndDeleteSkipsBlobWriteWhenBackupBeforeDeleteIsFalse(t *testing.T) {
	t.Parallel()

	store := objectstore.NewFake()
	store.Seed("reports/r.txt", []byte("hello world"), time.Now())

	v := &fakeVault{}
	backups := backupstore.New(t.TempDir())
	ex := &executor.Executor{
		Store:              store,
		Vault:              v,
		Backups:            backups,
		CompressBackups:    true,
		BackupBeforeDelete: false,
	}

	res := ex.BackupAndDelete(context.Background(), "op-1", "reports/r.txt")
	if res.Err != nil {
		t.Fatalf("BackupAndDelete: %v", res.Err)
	}

	if res.BackupPath == "" {
		t.Fatal("expected a backup path to still be computed for the deletion row")
	}

	if _, err := backups.Read(res.BackupPath); err == nil {
		t.Fatal("expected no blob to be written when BackupBeforeDelete is false")
	}

	if len(v.recorded) != 1 {
		t.Fatalf("expected the deletion to still be recorded, got %v", v.recorded)
	}
}

func TestBackupAndDeleteFailsOnMissingKey(t *testing.T) {
	t.Parallel()

	store := objectstore.NewFake()
	v := &fakeVault{}
	ex := &executor.Executor{
		Store:              store,
		Vault:              v,
		Backups:            backupstore.New(t.TempDir()),
		CompressBackups:    true,
		BackupBeforeDelete: true,
	}

	res := ex.BackupAndDelete(context.Background(), "op-1", "missing.txt")
	if res.Err == nil {
		t.Fatal("expected an error downloading a key absent from the store")
	}

	if len(v.recorded) != 0 {
		t.Fatal("expected no deletion to be recorded when download fails")
	}
}
