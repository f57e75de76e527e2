package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/domiq-ai/domiq/internal/akool"
	"github.com/domiq-ai/domiq/internal/cleanup"
	"github.com/domiq-ai/domiq/internal/registry"
	"github.com/domiq-ai/domiq/internal/stream"
)

type Status string

const (
	StatusIdle       Status = "idle"
	StatusRequesting Status = "requesting"
	StatusLive       Status = "live"
	StatusClosing    Status = "closing"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

var (
	ErrNotFound = errors.New("session not found")
	// ErrSessionActive enforces the one-live-session-per-instance rule.
	ErrSessionActive = errors.New("a session is already live or requesting for this instance")
)

// Session is the manager's view of one embedded page's avatar session.
type Session struct {
	InstanceID     string            `json:"instance_id"`
	VendorID       string            `json:"session_id"`
	Status         Status            `json:"status"`
	Error          string            `json:"error,omitempty"`
	Credentials    akool.Credentials `json:"credentials"`
	StartedAt      time.Time         `json:"started_at"`
	LastActivityAt time.Time         `json:"last_activity_at"`
}

// VendorAPI is the slice of the vendor client the manager drives.
type VendorAPI interface {
	CreateSession(ctx context.Context, avatarID string) (akool.Session, error)
	CloseSession(ctx context.Context, id string) (akool.CloseOutcome, error)
}

// TransportFactory builds a fresh streaming transport per session.
type TransportFactory func() stream.Transport

// Manager orchestrates the avatar session state machine:
// idle -> requesting -> live -> closing -> closed, with error reachable
// from requesting and live. Every create is preceded by a full cleanup
// sweep, and the registry is cleared on close no matter what the vendor
// says; local consistency outranks close confirmation.
type Manager struct {
	vendor       VendorAPI
	cleaner      *cleanup.Coordinator
	store        registry.Store
	newTransport TransportFactory

	avatarID string
	voiceID  string
	language string

	inactivityTimeout time.Duration

	mu         sync.RWMutex
	sessions   map[string]*Session
	transports map[string]stream.Transport
	onExpire   func(*Session)
}

func NewManager(vendor VendorAPI, cleaner *cleanup.Coordinator, store registry.Store, newTransport TransportFactory, avatarID, voiceID, language string, inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		vendor:            vendor,
		cleaner:           cleaner,
		store:             store,
		newTransport:      newTransport,
		avatarID:          avatarID,
		voiceID:           voiceID,
		language:          language,
		inactivityTimeout: inactivityTimeout,
		sessions:          make(map[string]*Session),
		transports:        make(map[string]stream.Transport),
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Start runs the full create path for an embedded page instance: cleanup
// sweep (awaiting any sweep already in flight), debounce wait, vendor
// create, registry write, transport attach. Create failures surface to
// the caller; the session is left in the error state for inspection.
func (m *Manager) Start(ctx context.Context, instanceID, avatarID string) (*Session, error) {
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	if avatarID == "" {
		avatarID = m.avatarID
	}

	now := time.Now().UTC()
	s := &Session{
		InstanceID:     instanceID,
		Status:         StatusRequesting,
		StartedAt:      now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	if existing, ok := m.sessions[instanceID]; ok {
		if existing.Status == StatusLive || existing.Status == StatusRequesting {
			m.mu.Unlock()
			return nil, ErrSessionActive
		}
	}
	m.sessions[instanceID] = s
	m.mu.Unlock()

	// Sweep before every create so an orphaned session cannot hold the
	// vendor's per-avatar slot. A sweep already in flight is awaited, not
	// duplicated.
	res := m.cleaner.Sweep(ctx)
	if res.AlreadyRunning {
		select {
		case <-res.Done:
		case <-ctx.Done():
			m.fail(instanceID, ctx.Err().Error())
			return nil, ctx.Err()
		}
	}

	if delay := m.cleaner.CreateDelay(); delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			m.fail(instanceID, ctx.Err().Error())
			return nil, ctx.Err()
		}
	}

	vendorSess, err := m.vendor.CreateSession(ctx, avatarID)
	if err != nil {
		m.fail(instanceID, err.Error())
		return nil, fmt.Errorf("create avatar session: %w", err)
	}

	if err := m.store.Write(ctx, vendorSess.ID, vendorSess.CreatedAt); err != nil {
		// The session is live vendor-side; losing the registry write only
		// costs us a tracked id for the next sweep.
		log.Printf("session: registry write failed for %s: %v", vendorSess.ID, err)
	}

	transport := m.newTransport()
	if err := transport.Attach(ctx, vendorSess.Credentials); err != nil {
		m.fail(instanceID, err.Error())
		_ = transport.Close()
		m.abandonVendorSession(vendorSess.ID)
		return nil, fmt.Errorf("attach avatar stream: %w", err)
	}
	if err := transport.SetParams(ctx, m.voiceID, m.language, 1); err != nil {
		log.Printf("session: dialogue mode setup failed for %s, avatar may echo: %v", vendorSess.ID, err)
	}

	m.mu.Lock()
	s.VendorID = vendorSess.ID
	s.Credentials = vendorSess.Credentials
	s.Status = StatusLive
	s.LastActivityAt = time.Now().UTC()
	m.transports[instanceID] = transport
	out := clone(s)
	m.mu.Unlock()
	return out, nil
}

// Close walks live -> closing -> closed. Vendor close failures are logged
// and absorbed; the registry is cleared and the local state reaches
// closed regardless, because a UI stuck in "closing" is worse than a
// vendor-side orphan the next sweep will catch.
func (m *Manager) Close(ctx context.Context, instanceID string) (*Session, error) {
	m.mu.Lock()
	s, ok := m.sessions[instanceID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	s.Status = StatusClosing
	vendorID := s.VendorID
	transport := m.transports[instanceID]
	delete(m.transports, instanceID)
	m.mu.Unlock()

	if transport != nil {
		_ = transport.Close()
	}

	if vendorID != "" {
		outcome, err := m.vendor.CloseSession(ctx, vendorID)
		switch {
		case err != nil:
			log.Printf("session: vendor close of %s failed, next sweep will retry: %v", vendorID, err)
		case outcome.Soft:
			log.Printf("session: vendor close of %s soft-succeeded (%s)", vendorID, outcome.Warning)
		}
	}

	if err := m.store.Clear(ctx); err != nil {
		log.Printf("session: registry clear failed: %v", err)
	}

	m.mu.Lock()
	s.Status = StatusClosed
	s.LastActivityAt = time.Now().UTC()
	out := clone(s)
	m.mu.Unlock()
	return out, nil
}

func (m *Manager) Get(instanceID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Touch records activity (a visibility signal, a chat turn) so the
// janitor does not reap a session that is merely quiet.
func (m *Manager) Touch(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[instanceID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Transport returns the streaming transport of a live session.
func (m *Manager) Transport(instanceID string) (stream.Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.transports[instanceID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusLive || s.Status == StatusRequesting {
			count++
		}
	}
	return count
}

// StartJanitor reaps sessions whose page has gone quiet for longer than
// the inactivity timeout, the tab-hidden-for-too-long case.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive(ctx)
			}
		}
	}()
}

func (m *Manager) expireInactive(ctx context.Context) {
	now := time.Now().UTC()
	var expired []string

	m.mu.RLock()
	for id, s := range m.sessions {
		if s.Status != StatusLive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		expired = append(expired, id)
	}
	hook := m.onExpire
	m.mu.RUnlock()

	for _, id := range expired {
		s, err := m.Close(ctx, id)
		if err != nil {
			continue
		}
		log.Printf("session: reaped inactive session %s (instance %s)", s.VendorID, id)
		if hook != nil {
			hook(s)
		}
	}
}

// fail moves a session into the error state.
func (m *Manager) fail(instanceID, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[instanceID]; ok {
		s.Status = StatusError
		s.Error = detail
		s.LastActivityAt = time.Now().UTC()
	}
}

// abandonVendorSession best-effort-closes a vendor session that never
// reached live locally, so it does not linger until the staleness sweep.
func (m *Manager) abandonVendorSession(vendorID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.vendor.CloseSession(ctx, vendorID); err != nil {
		log.Printf("session: abandon close of %s failed: %v", vendorID, err)
	}
	if err := m.store.Clear(ctx); err != nil {
		log.Printf("session: registry clear failed during abandon: %v", err)
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
