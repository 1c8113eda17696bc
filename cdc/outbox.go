package cdc

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/s3refgc/s3refgc/errtag"
)

// Outbox is a polling Transport backed by an application-database table:
//
//	s3gc_changes(id BIGSERIAL, table_name, column_name, operation, s3_key, created_at)
//
// populated by row triggers on the tracked tables (one row per changed
// column). A row-level update is expected to arrive as two separate rows —
// a 'delete' of the old value followed by an 'insert' of the new one — so
// FIFO-by-id delivery alone preserves the decrement-before-increment
// ordering the Ingestor requires; Outbox never synthesizes OpUpdate.
type Outbox struct {
	pool         *pgxpool.Pool
	pollInterval time.Duration
	batchSize    int
	events       chan RawChange
	stop         chan struct{}
	done         chan struct{}
}

func NewOutbox(pool *pgxpool.Pool, pollInterval time.Duration, batchSize int) *Outbox {
	return &Outbox{
		pool:         pool,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		events:       make(chan RawChange, batchSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

func (o *Outbox) Events() <-chan RawChange {
	return o.events
}

// Close stops the poll loop and waits for it to exit, then closes the
// events channel.
func (o *Outbox) Close() error {
	close(o.stop)
	<-o.done
	close(o.events)

	return nil
}

// Run polls until ctx is canceled or Close is called. Call it in its own
// goroutine.
func (o *Outbox) Run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stop:
			return
		case <-ticker.C:
			if err := o.pollOnce(ctx); err != nil {
				slog.Error("cdc outbox poll failed", "error", err)
			}
		}
	}
}

type outboxRow struct {
	id        int64
	operation string
	s3Key     string
}

// pollOnce selects up to batchSize pending rows in id order, dispatches
// them to the events channel, then — in the same transaction as the
// dispatch decision — deletes those rows and records a checkpoint. Because
// the checkpoint commit happens before the caller is guaranteed to have
// drained the channel, a crash between commit and drain can lose events;
// callers that need stronger delivery guarantees should keep pollInterval
// short and batchSize small to bound the window.
func (o *Outbox) pollOnce(ctx context.Context) error {
	tx, err := o.pool.Begin(ctx)
	if err != nil {
		return errtag.CDCf("outbox_begin", err, nil)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `
		SELECT id, operation, s3_key FROM s3gc_changes
		ORDER BY id ASC LIMIT $1
	`, o.batchSize)
	if err != nil {
		return errtag.CDCf("outbox_select", err, nil)
	}

	var batch []outboxRow

	for rows.Next() {
		var r outboxRow
		if err := rows.Scan(&r.id, &r.operation, &r.s3Key); err != nil {
			rows.Close()

			return errtag.CDCf("outbox_scan", err, nil)
		}

		batch = append(batch, r)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return errtag.CDCf("outbox_rows", err, nil)
	}

	if len(batch) == 0 {
		return nil
	}

	ids := make([]int64, len(batch))
	for i, r := range batch {
		ids[i] = r.id
	}

	if _, err := tx.Exec(ctx, `DELETE FROM s3gc_changes WHERE id = ANY($1)`, ids); err != nil {
		return errtag.CDCf("outbox_delete", err, nil)
	}

	checkpointID := uuid.New().String()

	if _, err := tx.Exec(ctx, `
		INSERT INTO processed_outbox_ids (checkpoint_id, first_id, last_id, row_count, processed_at)
		VALUES ($1, $2, $3, $4, now())
	`, checkpointID, ids[0], ids[len(ids)-1], len(ids)); err != nil {
		return errtag.CDCf("outbox_checkpoint", err, nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return errtag.CDCf("outbox_commit", err, nil)
	}

	for _, r := range batch {
		op := OpInsert
		if r.operation == "delete" {
			op = OpDelete
		}

		change := RawChange{Table: "s3gc_changes", Op: op}
		if op == OpInsert {
			change.NewValue = r.s3Key
		} else {
			change.OldValue = r.s3Key
		}

		select {
		case o.events <- change:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}
