package cdc_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/s3refgc/s3refgc/cdc"
)

type fakeRegistry struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeRegistry) Increment(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "inc:"+key)

	return nil
}

func (f *fakeRegistry) Decrement(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "dec:"+key)

	return nil
}

func (f *fakeRegistry) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, len(f.calls))
	copy(out, f.calls)

	return out
}

func TestIngestorInsertIncrementsExtractedKeys(t *testing.T) {
	t.Parallel()

	feed := cdc.NewExternalFeed(4)
	registry := &fakeRegistry{}
	ing := cdc.New(feed, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	feed.Push(cdc.RawChange{Table: "users", Column: "avatar", Op: cdc.OpInsert, NewValue: "avatars/a.jpg"})
	feed.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after feed closed")
	}

	if got := registry.snapshot(); len(got) != 1 || got[0] != "inc:avatars/a.jpg" {
		t.Fatalf("got %v", got)
	}
}

func TestIngestorUpdateDecrementsOldBeforeIncrementingNew(t *testing.T) {
	t.Parallel()

	feed := cdc.NewExternalFeed(4)
	registry := &fakeRegistry{}
	ing := cdc.New(feed, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	feed.Push(cdc.RawChange{
		Table: "users", Column: "avatar", Op: cdc.OpUpdate,
		OldValue: "avatars/old.jpg", NewValue: "avatars/new.jpg",
	})
	feed.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after feed closed")
	}

	got := registry.snapshot()
	if len(got) != 2 || got[0] != "dec:avatars/old.jpg" || got[1] != "inc:avatars/new.jpg" {
		t.Fatalf("expected ordered [dec:old, inc:new], got %v", got)
	}
}

func TestIngestorDeleteDecrementsExtractedKeys(t *testing.T) {
	t.Parallel()

	feed := cdc.NewExternalFeed(4)
	registry := &fakeRegistry{}
	ing := cdc.New(feed, registry)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	feed.Push(cdc.RawChange{Table: "users", Column: "avatar", Op: cdc.OpDelete, OldValue: "avatars/gone.jpg"})
	feed.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after feed closed")
	}

	if got := registry.snapshot(); len(got) != 1 || got[0] != "dec:avatars/gone.jpg" {
		t.Fatalf("got %v", got)
	}
}

func TestIngestorStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	feed := cdc.NewExternalFeed(1)
	registry := &fakeRegistry{}
	ing := cdc.New(feed, registry)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- ing.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected a context-cancellation error")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after context cancel")
	}
}
