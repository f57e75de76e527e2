package cleanup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/domiq-ai/domiq/internal/akool"
	"github.com/domiq-ai/domiq/internal/registry"
)

type fakeCloser struct {
	mu          sync.Mutex
	closed      []string
	forced      int
	closeErr    error
	softOutcome bool
	block       chan struct{}
}

func (f *fakeCloser) CloseSession(_ context.Context, id string) (akool.CloseOutcome, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	if f.closeErr != nil {
		return akool.CloseOutcome{}, f.closeErr
	}
	if f.softOutcome {
		return akool.CloseOutcome{Soft: true, Warning: "server_unavailable"}, nil
	}
	return akool.CloseOutcome{}, nil
}

func (f *fakeCloser) ForceCloseAll(context.Context, string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forced++
}

func (f *fakeCloser) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.closed)
}

func (f *fakeCloser) forceCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

func TestSweepClosesTrackedSessionAndClearsRegistry(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	_ = store.Write(ctx, "sess-1", time.Now())

	closer := &fakeCloser{}
	c := New(closer, store, "avatar-1", time.Minute, 0)

	res := c.Sweep(ctx)
	if res.AlreadyRunning {
		t.Fatalf("first sweep should not report AlreadyRunning")
	}
	if res.TrackedID != "sess-1" {
		t.Fatalf("TrackedID = %q, want %q", res.TrackedID, "sess-1")
	}
	if closer.closeCount() != 1 || closer.forceCount() != 1 {
		t.Fatalf("closes = %d forced = %d, want 1 and 1", closer.closeCount(), closer.forceCount())
	}
	if _, ok, _ := store.Read(ctx); ok {
		t.Fatalf("registry should be empty after sweep")
	}
}

func TestSweepProceedsPastVendorFailure(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	_ = store.Write(ctx, "sess-1", time.Now())

	closer := &fakeCloser{closeErr: errors.New("vendor exploded")}
	c := New(closer, store, "avatar-1", time.Minute, 0)

	res := c.Sweep(ctx)
	if res.TrackedError == "" {
		t.Fatalf("TrackedError should record the vendor failure")
	}
	if closer.forceCount() != 1 {
		t.Fatalf("force close must run even when the tracked close fails")
	}
	if _, ok, _ := store.Read(ctx); ok {
		t.Fatalf("registry must be cleared even when the vendor close fails")
	}
}

func TestSweepMutualExclusion(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	_ = store.Write(ctx, "sess-1", time.Now())

	closer := &fakeCloser{block: make(chan struct{})}
	c := New(closer, store, "avatar-1", time.Minute, 0)

	firstDone := make(chan Result, 1)
	go func() { firstDone <- c.Sweep(ctx) }()

	// Wait for the first sweep to reach the blocking vendor call.
	waitStart := time.Now()
	for {
		c.mu.Lock()
		running := c.inflight != nil
		c.mu.Unlock()
		if running {
			break
		}
		if time.Since(waitStart) > 2*time.Second {
			t.Fatalf("first sweep never started")
		}
		time.Sleep(time.Millisecond)
	}

	second := c.Sweep(ctx)
	if !second.AlreadyRunning {
		t.Fatalf("second trigger should report AlreadyRunning")
	}
	if second.Done == nil {
		t.Fatalf("second trigger should receive the in-flight run's done channel")
	}

	close(closer.block)
	select {
	case <-second.Done:
	case <-time.After(2 * time.Second):
		t.Fatalf("done channel never closed")
	}
	<-firstDone

	if closer.closeCount() != 1 {
		t.Fatalf("vendor close calls = %d, want exactly 1", closer.closeCount())
	}
	if closer.forceCount() != 1 {
		t.Fatalf("force close calls = %d, want exactly 1", closer.forceCount())
	}
}

func TestSweepIfNeededCorruptionSelfHeal(t *testing.T) {
	ctx := context.Background()
	store := registry.NewMemoryStore()
	store.Seed(registry.Record{LastSessionID: "abc"})

	closer := &fakeCloser{}
	c := New(closer, store, "avatar-1", time.Hour, 0)

	_, swept := c.SweepIfNeeded(ctx)
	if !swept {
		t.Fatalf("corrupted record must trigger a sweep regardless of age")
	}
	if _, ok, _ := store.Read(ctx); ok {
		t.Fatalf("registry should end empty after corruption self-heal")
	}
}

func TestSweepIfNeededStalenessBoundary(t *testing.T) {
	ctx := context.Background()
	closer := &fakeCloser{}

	stale := registry.NewMemoryStore()
	stale.Seed(registry.Record{LastSessionID: "abc", LastSessionTimestamp: time.Now().Add(-301 * time.Second)})
	if _, swept := New(closer, stale, "", 5*time.Minute, 0).SweepIfNeeded(ctx); !swept {
		t.Fatalf("record aged 301s must sweep at a 5m threshold")
	}

	fresh := registry.NewMemoryStore()
	fresh.Seed(registry.Record{LastSessionID: "abc", LastSessionTimestamp: time.Now().Add(-299 * time.Second)})
	if _, swept := New(closer, fresh, "", 5*time.Minute, 0).SweepIfNeeded(ctx); swept {
		t.Fatalf("record aged 299s must not sweep at a 5m threshold")
	}
}

func TestCreateDelayDebounceWindow(t *testing.T) {
	ctx := context.Background()
	c := New(&fakeCloser{}, registry.NewMemoryStore(), "", time.Minute, 80*time.Millisecond)

	if d := c.CreateDelay(); d != 0 {
		t.Fatalf("CreateDelay() before any sweep = %v, want 0", d)
	}

	c.Sweep(ctx)
	d := c.CreateDelay()
	if d <= 0 || d > 80*time.Millisecond {
		t.Fatalf("CreateDelay() right after sweep = %v, want in (0, 80ms]", d)
	}

	time.Sleep(100 * time.Millisecond)
	if d := c.CreateDelay(); d != 0 {
		t.Fatalf("CreateDelay() after window elapsed = %v, want 0", d)
	}
}

func TestDoneHookInvoked(t *testing.T) {
	ctx := context.Background()
	var hookCalls atomic.Int64
	c := New(&fakeCloser{}, registry.NewMemoryStore(), "", time.Minute, 0)
	c.SetDoneHook(func(Result) { hookCalls.Add(1) })

	c.Sweep(ctx)
	if hookCalls.Load() != 1 {
		t.Fatalf("done hook calls = %d, want 1", hookCalls.Load())
	}
}
