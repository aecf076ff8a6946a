// Copyright 2026 Mandala Network
//
// Session manager.
// Sessions are created unverified and promoted by a single signature over the
// session nonce, with anti-replay timing checks against the server clock.
// Unverified sessions grant no authority anywhere in the gateway.

package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

var (
	// ErrUnknown is returned for a session id with no record.
	ErrUnknown = errors.New("session unknown")

	// ErrExpired is returned when the session's expiry has passed.
	ErrExpired = errors.New("session expired")

	// ErrTimingAnomaly is returned when the presented client timestamp
	// diverges from the server clock beyond the configured threshold.
	ErrTimingAnomaly = errors.New("timing anomaly")

	// ErrStaleTimestamp is returned when the client timestamp falls outside
	// the replay window.
	ErrStaleTimestamp = errors.New("timestamp outside replay window")

	// ErrBadSignature is returned when the nonce signature does not verify
	// under the session's user key.
	ErrBadSignature = errors.New("nonce signature invalid")

	// ErrNotVerified is returned when an operation requires a verified
	// session.
	ErrNotVerified = errors.New("session not verified")
)

// Session is a server-side record binding a user key to a nonce and expiry.
type Session struct {
	ID             string         `json:"id"`
	UserKey        suite.Identity `json:"user_key"`
	Nonce          []byte         `json:"nonce"` // 32 random bytes
	CreatedAt      time.Time      `json:"created_at"`
	ExpiresAt      time.Time      `json:"expires_at"`
	Verified       bool           `json:"verified"`
	LastActivityAt time.Time      `json:"last_activity_at"`

	// MessageCount assigns per-interaction message indexes.
	MessageCount uint64 `json:"message_count"`
}

// Config tunes the manager.
type Config struct {
	MaxDuration            time.Duration
	TimingAnomalyThreshold time.Duration
	ReplayWindow           time.Duration
	Logger                 *log.Logger
}

// Manager owns the session table.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[suite.Identity][]string

	// seen maps consumed envelope key identifiers to their session, so the
	// anti-replay set shrinks with session purges.
	seen map[string]string

	cfg    Config
	logger *log.Logger
	now    func() time.Time // swappable for tests
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 30 * time.Minute
	}
	if cfg.TimingAnomalyThreshold <= 0 {
		cfg.TimingAnomalyThreshold = 500 * time.Millisecond
	}
	if cfg.ReplayWindow <= 0 {
		cfg.ReplayWindow = 5 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Session] ", log.LstdFlags)
	}
	return &Manager{
		sessions: make(map[string]*Session),
		byUser:   make(map[suite.Identity][]string),
		seen:     make(map[string]string),
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// Create opens a new unverified session for userKey.
func (m *Manager) Create(userKey suite.Identity) (*Session, error) {
	if _, err := suite.ParseIdentity(userKey); err != nil {
		return nil, fmt.Errorf("user key: %w", err)
	}
	nonce := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		UserKey:        userKey,
		Nonce:          nonce,
		CreatedAt:      now,
		ExpiresAt:      now.Add(m.cfg.MaxDuration),
		LastActivityAt: now,
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.byUser[userKey] = append(m.byUser[userKey], s.ID)
	m.mu.Unlock()
	return m.snapshot(s), nil
}

// Get returns a read-only snapshot of a session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknown
	}
	return m.snapshot(s), nil
}

// VerifiedFor returns a verified, unexpired session for userKey if one
// exists.
func (m *Manager) VerifiedFor(userKey suite.Identity) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	for _, id := range m.byUser[userKey] {
		if s, ok := m.sessions[id]; ok && s.Verified && now.Before(s.ExpiresAt) {
			return m.snapshot(s), true
		}
	}
	return nil, false
}

// Verify promotes a session using a signature over its nonce.
//
// Checks, in order: session known and unexpired; |clientTimestamp - server|
// within the timing threshold; client timestamp not in the future beyond the
// threshold; client timestamp inside the replay window; signature valid
// under the session's user key.
func (m *Manager) Verify(id string, signature []byte, clientTimestampMs int64) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknown
	}
	now := m.now()
	if !now.Before(s.ExpiresAt) {
		return nil, ErrExpired
	}

	client := time.UnixMilli(clientTimestampMs)
	skew := now.Sub(client)
	if skew < 0 {
		skew = -skew
	}
	if skew > m.cfg.TimingAnomalyThreshold {
		return nil, fmt.Errorf("%w: skew %s exceeds %s", ErrTimingAnomaly, skew, m.cfg.TimingAnomalyThreshold)
	}
	if client.After(now.Add(m.cfg.TimingAnomalyThreshold)) {
		return nil, fmt.Errorf("%w: client timestamp in the future", ErrTimingAnomaly)
	}
	if client.Before(now.Add(-m.cfg.ReplayWindow)) {
		return nil, fmt.Errorf("%w: older than %s", ErrStaleTimestamp, m.cfg.ReplayWindow)
	}

	if err := suite.VerifyIdentity(s.UserKey, s.Nonce, signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	s.Verified = true
	s.LastActivityAt = now
	m.logger.Printf("session %s verified for %s", s.ID, s.UserKey)
	return m.snapshot(s), nil
}

// Refresh extends a verified, unexpired session by the configured maximum
// duration from now.
func (m *Manager) Refresh(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrUnknown
	}
	now := m.now()
	if !now.Before(s.ExpiresAt) {
		return nil, ErrExpired
	}
	if !s.Verified {
		return nil, ErrNotVerified
	}
	s.ExpiresAt = now.Add(m.cfg.MaxDuration)
	s.LastActivityAt = now
	return m.snapshot(s), nil
}

// Touch records activity and returns the next message index.
func (m *Manager) Touch(id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return 0, ErrUnknown
	}
	s.LastActivityAt = m.now()
	idx := s.MessageCount
	s.MessageCount++
	return idx, nil
}

// Invalidate removes a session immediately.
func (m *Manager) Invalidate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.remove(id)
}

// InvalidateAllForUser removes every session bound to userKey.
func (m *Manager) InvalidateAllForUser(userKey suite.Identity) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := append([]string(nil), m.byUser[userKey]...)
	for _, id := range ids {
		m.remove(id)
	}
	return len(ids)
}

// HasSeen reports whether an envelope key identifier was already consumed.
func (m *Manager) HasSeen(keyID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.seen[keyID]
	return ok
}

// MarkSeen records a consumed key identifier against its session.
func (m *Manager) MarkSeen(sessionID, keyID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen[keyID] = sessionID
}

// Cleanup purges expired sessions and their seen sets; returns the count.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var purged int
	for id, s := range m.sessions {
		if !now.Before(s.ExpiresAt) {
			m.remove(id)
			purged++
		}
	}
	return purged
}

// StartCleanup runs Cleanup at the given interval until the returned stop
// function is called.
func (m *Manager) StartCleanup(interval time.Duration) (stop func()) {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := m.Cleanup(); n > 0 {
					m.logger.Printf("purged %d expired sessions", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}

// remove must run under the write lock.
func (m *Manager) remove(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	delete(m.sessions, id)
	ids := m.byUser[s.UserKey]
	for i, sid := range ids {
		if sid == id {
			m.byUser[s.UserKey] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(m.byUser[s.UserKey]) == 0 {
		delete(m.byUser, s.UserKey)
	}
	for keyID, sid := range m.seen {
		if sid == id {
			delete(m.seen, keyID)
		}
	}
}

// snapshot copies a session for return outside the lock.
func (m *Manager) snapshot(s *Session) *Session {
	c := *s
	c.Nonce = append([]byte(nil), s.Nonce...)
	return &c
}
