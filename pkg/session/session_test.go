// Copyright 2026 Mandala Network
//
// Session manager tests.

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

func newTestManager() (*Manager, *suite.KeyPair) {
	m := NewManager(Config{
		MaxDuration:            30 * time.Minute,
		TimingAnomalyThreshold: 100 * time.Millisecond,
		ReplayWindow:           5 * time.Minute,
	})
	return m, suite.NewKeyPair()
}

func verifyNow(t *testing.T, m *Manager, s *Session, kp *suite.KeyPair) *Session {
	t.Helper()
	sig, err := suite.Sign(kp.Private, s.Nonce)
	if err != nil {
		t.Fatalf("sign nonce: %v", err)
	}
	verified, err := m.Verify(s.ID, sig, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	return verified
}

func TestCreateAndVerify(t *testing.T) {
	m, kp := newTestManager()
	s, err := m.Create(kp.Identity())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Verified {
		t.Error("new session already verified")
	}
	if len(s.Nonce) != 32 {
		t.Errorf("nonce length %d, want 32", len(s.Nonce))
	}

	verified := verifyNow(t, m, s, kp)
	if !verified.Verified {
		t.Error("session not verified after nonce signature")
	}

	got, ok := m.VerifiedFor(kp.Identity())
	if !ok || got.ID != s.ID {
		t.Error("VerifiedFor did not find the session")
	}
}

func TestVerify_TimingAnomaly(t *testing.T) {
	m, kp := newTestManager()
	s, err := m.Create(kp.Identity())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	sig, err := suite.Sign(kp.Private, s.Nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	// Client clock 500ms behind with a 100ms threshold.
	if _, err := m.Verify(s.ID, sig, time.Now().Add(-500*time.Millisecond).UnixMilli()); !errors.Is(err, ErrTimingAnomaly) {
		t.Errorf("past skew: got %v, want ErrTimingAnomaly", err)
	}
	// Client clock in the future.
	if _, err := m.Verify(s.ID, sig, time.Now().Add(400*time.Millisecond).UnixMilli()); !errors.Is(err, ErrTimingAnomaly) {
		t.Errorf("future skew: got %v, want ErrTimingAnomaly", err)
	}
}

func TestVerify_BadSignature(t *testing.T) {
	m, kp := newTestManager()
	s, err := m.Create(kp.Identity())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	other := suite.NewKeyPair()
	sig, err := suite.Sign(other.Private, s.Nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := m.Verify(s.ID, sig, time.Now().UnixMilli()); !errors.Is(err, ErrBadSignature) {
		t.Errorf("got %v, want ErrBadSignature", err)
	}
}

func TestVerify_UnknownSession(t *testing.T) {
	m, _ := newTestManager()
	if _, err := m.Verify("nope", nil, time.Now().UnixMilli()); !errors.Is(err, ErrUnknown) {
		t.Errorf("got %v, want ErrUnknown", err)
	}
}

func TestRefreshRules(t *testing.T) {
	m, kp := newTestManager()
	s, err := m.Create(kp.Identity())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Unverified sessions cannot be refreshed.
	if _, err := m.Refresh(s.ID); !errors.Is(err, ErrNotVerified) {
		t.Errorf("unverified refresh: got %v, want ErrNotVerified", err)
	}

	verified := verifyNow(t, m, s, kp)
	refreshed, err := m.Refresh(s.ID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if !refreshed.ExpiresAt.After(verified.ExpiresAt) && !refreshed.ExpiresAt.Equal(verified.ExpiresAt) {
		t.Error("refresh did not extend expiry")
	}

	// Expired sessions cannot be refreshed.
	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	if _, err := m.Refresh(s.ID); !errors.Is(err, ErrExpired) {
		t.Errorf("expired refresh: got %v, want ErrExpired", err)
	}
}

func TestInvalidate(t *testing.T) {
	m, kp := newTestManager()
	s1, _ := m.Create(kp.Identity())
	s2, _ := m.Create(kp.Identity())

	m.Invalidate(s1.ID)
	if _, err := m.Get(s1.ID); !errors.Is(err, ErrUnknown) {
		t.Error("invalidated session still present")
	}
	if n := m.InvalidateAllForUser(kp.Identity()); n != 1 {
		t.Errorf("invalidated %d sessions, want 1", n)
	}
	if _, err := m.Get(s2.ID); !errors.Is(err, ErrUnknown) {
		t.Error("session survived InvalidateAllForUser")
	}
}

func TestCleanupPurgesSeenSet(t *testing.T) {
	m, kp := newTestManager()
	s, _ := m.Create(kp.Identity())
	m.MarkSeen(s.ID, "key-1")
	if !m.HasSeen("key-1") {
		t.Fatal("seen key not recorded")
	}

	m.now = func() time.Time { return time.Now().Add(time.Hour) }
	if n := m.Cleanup(); n != 1 {
		t.Fatalf("purged %d, want 1", n)
	}
	if m.HasSeen("key-1") {
		t.Error("seen set survived session purge")
	}
}

func TestTouchAssignsMessageIndexes(t *testing.T) {
	m, kp := newTestManager()
	s, _ := m.Create(kp.Identity())
	for want := uint64(0); want < 3; want++ {
		got, err := m.Touch(s.ID)
		if err != nil {
			t.Fatalf("touch: %v", err)
		}
		if got != want {
			t.Errorf("message index %d, want %d", got, want)
		}
	}
}
