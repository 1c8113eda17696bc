// Package gc implements the GC Cycle Orchestrator: the top-level
// list → candidate-set → verify → dispatch sequence run once per cycle.
package gc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/s3refgc/s3refgc/config"
	"github.com/s3refgc/s3refgc/executor"
	"github.com/s3refgc/s3refgc/ids"
	"github.com/s3refgc/s3refgc/metrics"
	"github.com/s3refgc/s3refgc/objectstore"
	"github.com/s3refgc/s3refgc/registry"
	"github.com/s3refgc/s3refgc/vault"
	"github.com/s3refgc/s3refgc/verifier"
)

// Result mirrors the original's GCResult: a complete account of one cycle.
type Result struct {
	OperationID     string
	Mode            config.Mode
	TotalScanned    int
	CandidatesFound int
	VerifiedOrphans int
	DeletedCount    int
	BackedUpCount   int
	Errors          []string
	Duration        time.Duration
	DeletedKeys     []string
	SkippedKeys     []string
}

// Deps bundles every collaborator a cycle needs.
type Deps struct {
	Store    objectstore.Store
	Registry *registry.Registry
	Vault    *vault.Vault
	Database verifier.DatabaseChecker // nil if no tracked tables are configured
	Executor *executor.Executor
}

// RunCycle executes one complete GC cycle: list every object, compute
// orphan candidates against the registry, verify each candidate through
// the four-layer Verifier, then dispatch per cfg.Mode.
func RunCycle(ctx context.Context, cfg *config.Config, deps Deps) (Result, error) {
	operationID := ids.NewOperationID()
	start := time.Now()

	res := Result{OperationID: operationID, Mode: cfg.Mode}

	// Step 1: list every object.
	keys, err := listAllKeys(ctx, deps.Store, cfg.S3ListBatchSize)
	if err != nil {
		return res, err
	}

	res.TotalScanned = len(keys)

	// Step 2: orphan candidates from the registry.
	candidates, err := deps.Registry.OrphanCandidates(ctx, keys)
	if err != nil {
		return res, err
	}

	res.CandidatesFound = len(candidates)

	// Step 3: bounded-concurrency verification.
	verifiedOrphans, skipped, err := verifyCandidates(ctx, cfg, deps, candidates)
	if err != nil {
		return res, err
	}

	res.VerifiedOrphans = len(verifiedOrphans)
	res.SkippedKeys = skipped

	// Step 4: mode dispatch.
	switch cfg.Mode {
	case config.Execute:
		if err := deps.Vault.RecordOperation(ctx, operationID, start, string(cfg.Mode), map[string]any{
			"candidates": len(candidates),
			"verified":   len(verifiedOrphans),
		}); err != nil {
			return res, err
		}

		deletedKeys, backedUpCount, execErrors := executeOrphans(ctx, cfg, deps, operationID, verifiedOrphans)
		res.DeletedKeys = deletedKeys
		res.DeletedCount = len(deletedKeys)
		res.BackedUpCount = backedUpCount
		res.Errors = execErrors

		if err := deps.Vault.CompleteOperation(ctx, operationID, map[string]any{
			"deleted":    res.DeletedCount,
			"backed_up":  res.BackedUpCount,
			"error_count": len(execErrors),
		}, nil); err != nil {
			return res, err
		}

	case config.AuditOnly:
		if err := deps.Vault.RecordOperation(ctx, operationID, start, string(cfg.Mode), map[string]any{
			"candidates":    len(candidates),
			"verified":      len(verifiedOrphans),
			"would_delete":  verifiedOrphans,
		}); err != nil {
			return res, err
		}

	case config.DryRun:
		// No vault record: dry runs leave no trace, per spec. The verified
		// orphan set is still reported back as what would have been deleted.
		res.DeletedKeys = verifiedOrphans
	}

	res.Duration = time.Since(start)

	metrics.TotalRuns.Inc()
	metrics.TotalDeleted.Add(float64(res.DeletedCount))
	metrics.TotalBackedUp.Add(float64(res.BackedUpCount))
	metrics.TotalErrors.Add(float64(len(res.Errors)))
	metrics.CycleDuration.Observe(res.Duration.Seconds())
	metrics.CandidatesFound.Set(float64(res.CandidatesFound))
	metrics.VerifiedOrphans.Set(float64(res.VerifiedOrphans))

	return res, nil
}

func listAllKeys(ctx context.Context, store objectstore.Store, batchSize int) ([]string, error) {
	out, errCh := store.List(ctx, batchSize)

	var keys []string

	for info := range out {
		keys = append(keys, info.Key)
	}

	if err := <-errCh; err != nil {
		return nil, err
	}

	return keys, nil
}

func verifyCandidates(ctx context.Context, cfg *config.Config, deps Deps, candidates []string) ([]string, []string, error) {
	var (
		mu       sync.Mutex
		verified []string
		skipped  []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentOps)

	vdeps := verifier.Deps{Registry: deps.Registry, Database: deps.Database, Store: deps.Store}

	for _, key := range candidates {
		g.Go(func() error {
			isOrphan, _, err := verifier.Verify(gctx, cfg, vdeps, key)
			if err != nil {
				return err
			}

			mu.Lock()
			defer mu.Unlock()

			if isOrphan {
				verified = append(verified, key)
			} else {
				skipped = append(skipped, key)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return verified, skipped, nil
}

func executeOrphans(ctx context.Context, cfg *config.Config, deps Deps, operationID string, keys []string) ([]string, int, []string) {
	var (
		mu          sync.Mutex
		deletedKeys []string
		backedUp    int
		errs        []string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxConcurrentOps)

	for _, key := range keys {
		g.Go(func() error {
			result := deps.Executor.BackupAndDelete(gctx, operationID, key)

			mu.Lock()
			defer mu.Unlock()

			if result.Err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, result.Err))

				return nil
			}

			deletedKeys = append(deletedKeys, key)
			backedUp++

			return nil
		})
	}

	_ = g.Wait() // per-key errors are collected, not propagated; the group never returns an error

	return deletedKeys, backedUp, errs
}
