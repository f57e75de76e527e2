package registry

import (
	"context"
	"time"
)

// Record is the durable shadow of the last known avatar session. It only
// ever tracks one session per profile; a new write replaces the old one.
type Record struct {
	LastSessionID        string    `json:"last_session_id"`
	LastSessionTimestamp time.Time `json:"last_session_timestamp"`
}

// Corrupted reports whether the record carries a session id without a
// timestamp. A corrupted record always triggers a forced cleanup,
// regardless of age.
func (r Record) Corrupted() bool {
	return r.LastSessionID != "" && r.LastSessionTimestamp.IsZero()
}

// StaleAfter reports whether the tracked session is older than threshold.
func (r Record) StaleAfter(now time.Time, threshold time.Duration) bool {
	if r.LastSessionID == "" || r.LastSessionTimestamp.IsZero() {
		return false
	}
	return now.Sub(r.LastSessionTimestamp) > threshold
}

// Store persists the last-session record. Implementations must degrade to
// no-ops rather than failing hard when their backend is unavailable: the
// registry exists to make cleanup possible, and cleanup must never be
// blocked by the bookkeeping layer itself.
type Store interface {
	Read(ctx context.Context) (Record, bool, error)
	Write(ctx context.Context, sessionID string, ts time.Time) error
	Clear(ctx context.Context) error
	Close() error
}
