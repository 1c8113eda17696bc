// Package verifier implements the Orphan Verifier: the multi-layer check
// that stands between "no registry reference" and "safe to delete."
package verifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/s3refgc/s3refgc/config"
	"github.com/s3refgc/s3refgc/objectstore"
)

// Reason names why a key failed verification (or why it passed), matching
// the original's plain-string rejection shapes so operators reading logs
// across both implementations recognize the same vocabulary.
type Reason string

const (
	ReasonVerifiedOrphan Reason = "verified_orphan"
	ReasonAgeCheckFailed Reason = "age_check_failed"
)

func reasonRefCount(n int64) Reason {
	return Reason(fmt.Sprintf("registry_ref_count=%d", n))
}

func reasonFoundInDatabase() Reason {
	return Reason("found_in_database")
}

func reasonTooRecent(ageDays int) Reason {
	return Reason(fmt.Sprintf("too_recent_age=%dd", ageDays))
}

func reasonExcludedPrefix(prefix string) Reason {
	return Reason(fmt.Sprintf("excluded_prefix=%s", prefix))
}

// RegistryChecker is the subset of the Reference Registry the Verifier
// needs for Layer 1, and to repair undercounts found by Layer 2.
type RegistryChecker interface {
	GetCount(ctx context.Context, key string) (int64, error)
	Increment(ctx context.Context, key string) error
}

// DatabaseChecker is Layer 2: an exact-match, bound-parameter lookup across
// every tracked table/column pair. Unlike the original's `LIKE '%key%'`
// scan — which both false-positives on substring collisions and cannot use
// an index — this takes the exact key as a bound parameter.
type DatabaseChecker interface {
	// ColumnHasExactKey reports whether any row in table.column equals key
	// exactly.
	ColumnHasExactKey(ctx context.Context, table, column, key string) (bool, error)
	// ColumnArrayContainsKey reports whether any row's table.column — a
	// JSON array column — contains key as an element.
	ColumnArrayContainsKey(ctx context.Context, table, column, key string) (bool, error)
}

// Deps bundles the Verifier's collaborators. Database is allowed to be nil:
// a nil DatabaseChecker skips Layer 2 (no CDC tables configured), matching
// the original's `if config.tables:` guard. Registry and Store are required;
// Layer 1 and Layer 3 always call them.
type Deps struct {
	Registry RegistryChecker
	Database DatabaseChecker
	Store    objectstore.Store
}

// Verify runs all four layers in order against key and returns as soon as
// one layer rejects it (first false wins). A nil error alongside
// isOrphan=false means a layer rejected the key; that includes
// age_check_failed, where the Layer 3 head request itself failed. A non-nil
// error means a Layer 1 or Layer 2 lookup (or the Layer 2 registry repair)
// could not complete; isOrphan is then false.
func Verify(ctx context.Context, cfg *config.Config, deps Deps, key string) (bool, Reason, error) {
	// Layer 1: registry.
	count, err := deps.Registry.GetCount(ctx, key)
	if err != nil {
		return false, "", err
	}

	if count > 0 {
		return false, reasonRefCount(count), nil
	}

	// Layer 2: live database re-check, only if enabled and tables are
	// configured. Each column is checked both as an exact scalar match and
	// as a JSON array containing key as an element, since a tracked column
	// may hold either shape.
	if cfg.VerifyBeforeDelete && deps.Database != nil && len(cfg.Tables) > 0 {
		for table, columns := range cfg.Tables {
			for _, column := range columns {
				exact, err := deps.Database.ColumnHasExactKey(ctx, table, column, key)
				if err != nil {
					return false, "", err
				}

				inArray := false
				if !exact {
					inArray, err = deps.Database.ColumnArrayContainsKey(ctx, table, column, key)
					if err != nil {
						return false, "", err
					}
				}

				if exact || inArray {
					// The registry undercounted this key; repair it so the
					// next cycle short-circuits at Layer 1 instead of
					// paying for a Layer 2 scan again.
					if err := deps.Registry.Increment(ctx, key); err != nil {
						return false, "", err
					}

					return false, reasonFoundInDatabase(), nil
				}
			}
		}
	}

	// Layer 3: retention gating via live object age. Any error here — the
	// object may have just been deleted by a concurrent cycle, or the
	// store may be unreachable — is treated as "do not delete."
	info, err := deps.Store.Head(ctx, key)
	if err != nil {
		return false, ReasonAgeCheckFailed, nil //nolint:nilerr // fail-closed by design, not an error to propagate
	}

	ageDays := int(time.Since(info.LastModified).Hours() / 24)
	if ageDays < cfg.RetentionDays {
		return false, reasonTooRecent(ageDays), nil
	}

	// Layer 4: exclusion prefixes.
	for _, prefix := range cfg.ExcludePrefixes {
		if strings.HasPrefix(key, prefix) {
			return false, reasonExcludedPrefix(prefix), nil
		}
	}

	return true, ReasonVerifiedOrphan, nil
}
