package cleanup

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/domiq-ai/domiq/internal/akool"
	"github.com/domiq-ai/domiq/internal/registry"
)

// VendorCloser is the slice of the vendor client a sweep needs.
type VendorCloser interface {
	CloseSession(ctx context.Context, id string) (akool.CloseOutcome, error)
	ForceCloseAll(ctx context.Context, lastID, avatarID string)
}

// Result describes how a sweep invocation resolved.
type Result struct {
	// AlreadyRunning is set when another sweep was in flight. Done is then
	// the in-flight run's completion channel, so the second caller can
	// await it instead of being dropped silently.
	AlreadyRunning bool
	Done           <-chan struct{}

	TrackedID    string
	TrackedSoft  bool
	TrackedError string
}

// Coordinator owns the best-effort orphan-session sweep. At most one sweep
// runs at a time; vendor failures never abort a sweep, and the registry is
// cleared unconditionally so local state can never wedge on vendor errors.
type Coordinator struct {
	closer   VendorCloser
	store    registry.Store
	avatarID string

	staleAfter time.Duration
	debounce   time.Duration

	onDone func(Result)

	mu        sync.Mutex
	inflight  chan struct{}
	lastSweep time.Time
}

func New(closer VendorCloser, store registry.Store, avatarID string, staleAfter, debounce time.Duration) *Coordinator {
	if staleAfter <= 0 {
		staleAfter = 5 * time.Minute
	}
	if debounce < 0 {
		debounce = 0
	}
	return &Coordinator{
		closer:     closer,
		store:      store,
		avatarID:   avatarID,
		staleAfter: staleAfter,
		debounce:   debounce,
	}
}

// SetDoneHook installs a callback invoked after each completed sweep.
func (c *Coordinator) SetDoneHook(hook func(Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = hook
}

// Sweep runs a full cleanup: close the tracked session if any, fire the
// generic force-close, clear the registry. A concurrent invocation returns
// immediately with AlreadyRunning set rather than queuing a second sweep.
func (c *Coordinator) Sweep(ctx context.Context) Result {
	c.mu.Lock()
	if c.inflight != nil {
		done := c.inflight
		c.mu.Unlock()
		return Result{AlreadyRunning: true, Done: done}
	}
	done := make(chan struct{})
	c.inflight = done
	hook := c.onDone
	c.mu.Unlock()

	var res Result

	record, ok, err := c.store.Read(ctx)
	if err != nil {
		log.Printf("cleanup: registry read failed, proceeding with blind sweep: %v", err)
	}
	if ok && record.LastSessionID != "" {
		res.TrackedID = record.LastSessionID
		outcome, err := c.closer.CloseSession(ctx, record.LastSessionID)
		switch {
		case err != nil:
			// Best-effort: a hard vendor failure is recorded and absorbed.
			res.TrackedError = err.Error()
			log.Printf("cleanup: close of tracked session %s failed: %v", record.LastSessionID, err)
		case outcome.Soft:
			res.TrackedSoft = true
			log.Printf("cleanup: tracked session %s soft-closed (%s)", record.LastSessionID, outcome.Warning)
		}
	}

	c.closer.ForceCloseAll(ctx, res.TrackedID, c.avatarID)

	if err := c.store.Clear(ctx); err != nil {
		log.Printf("cleanup: registry clear failed: %v", err)
	}

	c.mu.Lock()
	c.inflight = nil
	c.lastSweep = time.Now()
	c.mu.Unlock()
	close(done)

	if hook != nil {
		hook(res)
	}
	return res
}

// SweepIfNeeded sweeps only when the registry record demands it: a
// corrupted record (id without timestamp) always, a stale record past the
// staleness threshold. Returns whether a sweep ran.
func (c *Coordinator) SweepIfNeeded(ctx context.Context) (Result, bool) {
	record, ok, err := c.store.Read(ctx)
	if err != nil {
		log.Printf("cleanup: registry read failed, forcing sweep: %v", err)
		return c.Sweep(ctx), true
	}
	if !ok {
		return Result{}, false
	}
	if record.Corrupted() {
		log.Printf("cleanup: corrupted registry record (id %s without timestamp), sweeping", record.LastSessionID)
		return c.Sweep(ctx), true
	}
	if record.StaleAfter(time.Now(), c.staleAfter) {
		log.Printf("cleanup: stale session %s, sweeping", record.LastSessionID)
		return c.Sweep(ctx), true
	}
	return Result{}, false
}

// CreateDelay reports how long callers should still wait before asking the
// vendor for a new session. Zero once the post-sweep grace window has
// passed or when no sweep has run yet.
func (c *Coordinator) CreateDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastSweep.IsZero() {
		return 0
	}
	remaining := c.debounce - time.Since(c.lastSweep)
	if remaining < 0 {
		return 0
	}
	return remaining
}
