package registry

import (
	"context"
	"time"
)

// NoopStore is the capability-absent registry: every operation succeeds
// and nothing is retained. It is supplied when no durable backend is
// configured, so callers never need an "is storage available" branch.
type NoopStore struct{}

func NewNoopStore() *NoopStore { return &NoopStore{} }

func (*NoopStore) Read(context.Context) (Record, bool, error) { return Record{}, false, nil }

func (*NoopStore) Write(context.Context, string, time.Time) error { return nil }

func (*NoopStore) Clear(context.Context) error { return nil }

func (*NoopStore) Close() error { return nil }
