// Package cdc implements the CDC Ingestor: a transport-agnostic core that
// decomposes database row changes into ordered Reference Registry
// increment/decrement calls.
package cdc

import (
	"context"
	"log/slog"

	"github.com/s3refgc/s3refgc/errtag"
	"github.com/s3refgc/s3refgc/keyextract"
)

// Op names the row-level operation a RawChange describes.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// RawChange is one row-level change as reported by a Transport, before key
// extraction. OldValue is only meaningful for OpUpdate.
type RawChange struct {
	Table    string
	Column   string
	Op       Op
	OldValue string
	NewValue string
}

// Transport is the contract any CDC source satisfies: a channel of raw
// changes, closed when the source is exhausted or stopped. Concrete
// transports (ExternalFeed, Outbox) own their own connection lifecycle;
// Events must not block indefinitely on setup — any connection error should
// surface through the returned error from the transport's constructor, not
// by never sending on the channel.
type Transport interface {
	Events() <-chan RawChange
	Close() error
}

// RegistryUpdater is the subset of the Reference Registry the Ingestor
// needs, kept narrow so tests can supply a fake.
type RegistryUpdater interface {
	Increment(ctx context.Context, key string) error
	Decrement(ctx context.Context, key string) error
}

// Ingestor drives a Transport, extracting storage keys from each RawChange
// and applying them to a RegistryUpdater. An update is decomposed into an
// ordered decrement(old) then increment(new) — never the reverse. A key that
// appears in both old and new values with a count of 1 therefore reads 0
// between the two calls; the net change after both is zero.
type Ingestor struct {
	transport Transport
	registry  RegistryUpdater
}

func New(transport Transport, registry RegistryUpdater) *Ingestor {
	return &Ingestor{transport: transport, registry: registry}
}

// Run processes events from the transport until its channel closes or ctx
// is canceled. A per-event apply failure is logged and skipped rather than
// aborting the whole run — one bad row must not stall the ingestor.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case change, ok := <-i.transport.Events():
			if !ok {
				return nil
			}

			if err := i.apply(ctx, change); err != nil {
				slog.Error("cdc apply failed", "table", change.Table, "column", change.Column, "op", change.Op, "error", err)
			}
		}
	}
}

func (i *Ingestor) apply(ctx context.Context, change RawChange) error {
	switch change.Op {
	case OpInsert:
		return i.applyKeys(ctx, keyextract.Extract(change.NewValue), i.registry.Increment)
	case OpDelete:
		return i.applyKeys(ctx, keyextract.Extract(change.OldValue), i.registry.Decrement)
	case OpUpdate:
		if err := i.applyKeys(ctx, keyextract.Extract(change.OldValue), i.registry.Decrement); err != nil {
			return err
		}

		return i.applyKeys(ctx, keyextract.Extract(change.NewValue), i.registry.Increment)
	default:
		return errtag.CDCf("apply", nil, map[string]any{"op": string(change.Op)})
	}
}

func (i *Ingestor) applyKeys(ctx context.Context, keys []string, fn func(context.Context, string) error) error {
	for _, key := range keys {
		if err := fn(ctx, key); err != nil {
			return errtag.CDCf("apply_key", err, map[string]any{"key": key})
		}
	}

	return nil
}
