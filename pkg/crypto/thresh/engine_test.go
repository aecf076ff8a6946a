// Copyright 2026 Mandala Network
//
// Threshold engine tests over the loopback transport.

package thresh

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// offlineCosigner simulates an unreachable peer.
type offlineCosigner struct {
	inner   Cosigner
	offline bool
}

func (o *offlineCosigner) err() error { return fmt.Errorf("connection refused") }

func (o *offlineCosigner) Hello(ctx context.Context, req HelloRequest) (*HelloResponse, error) {
	if o.offline {
		return nil, o.err()
	}
	return o.inner.Hello(ctx, req)
}

func (o *offlineCosigner) MakeDeals(ctx context.Context, req MakeDealsRequest) (*DealSet, error) {
	if o.offline {
		return nil, o.err()
	}
	return o.inner.MakeDeals(ctx, req)
}

func (o *offlineCosigner) AcceptDeals(ctx context.Context, req AcceptDealsRequest) (*AcceptResult, error) {
	if o.offline {
		return nil, o.err()
	}
	return o.inner.AcceptDeals(ctx, req)
}

func (o *offlineCosigner) SignCommit(ctx context.Context, req SignCommitRequest) (*SignCommitResponse, error) {
	if o.offline {
		return nil, o.err()
	}
	return o.inner.SignCommit(ctx, req)
}

func (o *offlineCosigner) SignFinalize(ctx context.Context, req SignFinalizeRequest) (*SignFinalizeResponse, error) {
	if o.offline {
		return nil, o.err()
	}
	return o.inner.SignFinalize(ctx, req)
}

func (o *offlineCosigner) PartialDH(ctx context.Context, req DHRequest) (*DHResponse, error) {
	if o.offline {
		return nil, o.err()
	}
	return o.inner.PartialDH(ctx, req)
}

// newGroup builds a 2-of-3 group with the local party persisted under dir.
func newGroup(t *testing.T, dir string) (*Engine, []*offlineCosigner) {
	t.Helper()

	localStore := &ShareStore{Path: filepath.Join(dir, "share.sealed"), Passphrase: "test-passphrase"}
	local := NewParty(0, suite.NewKeyPair(), localStore, nil)

	cosigners := make([]Cosigner, 2)
	wrapped := make([]*offlineCosigner, 2)
	for i := 0; i < 2; i++ {
		p := NewParty(i+1, suite.NewKeyPair(), nil, nil)
		wrapped[i] = &offlineCosigner{inner: &Loopback{Party: p}}
		cosigners[i] = wrapped[i]
	}
	return NewEngine(local, cosigners, EngineConfig{Threshold: 2}), wrapped
}

func TestDKGAndRestore(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	eng, _ := newGroup(t, dir)
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if eng.StateOf() != StateReady {
		t.Fatalf("state: got %s, want ready", eng.StateOf())
	}
	collective := eng.Identity()
	if collective == "" {
		t.Fatal("no collective key after DKG")
	}

	// Restart: a fresh engine over the same share file reports the same key
	// without touching the cosigners.
	localStore := &ShareStore{Path: filepath.Join(dir, "share.sealed"), Passphrase: "test-passphrase"}
	local2 := NewParty(0, suite.NewKeyPair(), localStore, nil)
	eng2 := NewEngine(local2, nil, EngineConfig{Threshold: 2})
	if err := eng2.Bootstrap(ctx); err != nil {
		t.Fatalf("restore bootstrap: %v", err)
	}
	if eng2.Identity() != collective {
		t.Errorf("restored collective %s, want %s", eng2.Identity(), collective)
	}
}

func TestThresholdSigning(t *testing.T) {
	ctx := context.Background()
	eng, wrapped := newGroup(t, t.TempDir())
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	msgHash := suite.Hash([]byte("x"))
	zero := suite.S().Scalar().Zero()

	sig, err := eng.Sign(ctx, msgHash, zero)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(eng.Collective(), msgHash, sig); err != nil {
		t.Errorf("signature invalid: %v", err)
	}

	// One-bit mutation of the signed hash must fail verification.
	bad := append([]byte(nil), msgHash...)
	bad[0] ^= 1
	if err := VerifySignature(eng.Collective(), bad, sig); err == nil {
		t.Error("mutated hash verified")
	}

	// Deterministic for a fixed participant set.
	sig2, err := eng.Sign(ctx, msgHash, zero)
	if err != nil {
		t.Fatalf("second sign: %v", err)
	}
	if string(sig) != string(sig2) {
		t.Error("signing the same message twice produced different signatures")
	}

	// One cosigner offline: 2-of-3 still succeeds.
	wrapped[0].offline = true
	sig3, err := eng.Sign(ctx, msgHash, zero)
	if err != nil {
		t.Fatalf("sign with one cosigner offline: %v", err)
	}
	if err := VerifySignature(eng.Collective(), msgHash, sig3); err != nil {
		t.Errorf("degraded-set signature invalid: %v", err)
	}

	// Two offline: below threshold.
	wrapped[1].offline = true
	if _, err := eng.Sign(ctx, suite.Hash([]byte("y")), zero); !errors.Is(err, ErrThresholdUnavailable) {
		t.Errorf("got %v, want ErrThresholdUnavailable", err)
	}
	if eng.StateOf() != StateDegraded {
		t.Errorf("state after failed round: got %s, want degraded", eng.StateOf())
	}

	// Recovery: cosigners back online.
	wrapped[0].offline = false
	wrapped[1].offline = false
	if _, err := eng.Sign(ctx, msgHash, zero); err != nil {
		t.Fatalf("sign after recovery: %v", err)
	}
	if eng.StateOf() != StateReady {
		t.Errorf("state after recovery: got %s, want ready", eng.StateOf())
	}
}

func TestTweakedSigning(t *testing.T) {
	ctx := context.Background()
	eng, _ := newGroup(t, t.TempDir())
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	g := suite.S()
	tweak, err := suite.DeriveScalar([]byte("secret"), "2-protocol-key")
	if err != nil {
		t.Fatalf("derive tweak: %v", err)
	}
	derivedPub := g.Point().Add(eng.Collective(), g.Point().Mul(tweak, nil))

	msgHash := suite.Hash([]byte("derived-key signing"))
	sig, err := eng.Sign(ctx, msgHash, tweak)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := VerifySignature(derivedPub, msgHash, sig); err != nil {
		t.Errorf("derived-key signature invalid: %v", err)
	}
	if err := VerifySignature(eng.Collective(), msgHash, sig); err == nil {
		t.Error("derived-key signature verified under the master key")
	}
}

func TestThresholdDH(t *testing.T) {
	ctx := context.Background()
	eng, wrapped := newGroup(t, t.TempDir())
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	peer := suite.NewKeyPair()
	got, err := eng.DH(ctx, peer.Public)
	if err != nil {
		t.Fatalf("dh: %v", err)
	}
	// The counterparty computes the same point locally.
	want := suite.SharedPoint(peer.Private, eng.Collective())
	if !got.Equal(want) {
		t.Error("threshold DH disagrees with counterparty DH")
	}

	// Works with one cosigner down, fails below threshold.
	wrapped[0].offline = true
	if _, err := eng.DH(ctx, peer.Public); err != nil {
		t.Fatalf("dh with one offline: %v", err)
	}
	wrapped[1].offline = true
	if _, err := eng.DH(ctx, peer.Public); !errors.Is(err, ErrThresholdUnavailable) {
		t.Errorf("got %v, want ErrThresholdUnavailable", err)
	}
}

func TestBootstrap_ShareMismatch(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	// First group completes DKG; its cosigners keep their shares.
	eng, wrapped := newGroup(t, dir)
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// A new local node (lost share) against cosigners that already hold
	// shares must fail, not silently re-run DKG.
	local := NewParty(0, suite.NewKeyPair(), &ShareStore{
		Path:       filepath.Join(t.TempDir(), "share.sealed"),
		Passphrase: "other",
	}, nil)
	eng2 := NewEngine(local, []Cosigner{wrapped[0], wrapped[1]}, EngineConfig{Threshold: 2})
	if err := eng2.Bootstrap(ctx); !errors.Is(err, ErrShareMismatch) {
		t.Errorf("got %v, want ErrShareMismatch", err)
	}
}

func TestSign_CancelledContext(t *testing.T) {
	eng, _ := newGroup(t, t.TempDir())
	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := eng.Sign(ctx, suite.Hash([]byte("m")), suite.S().Scalar().Zero()); !errors.Is(err, ErrCancelled) {
		t.Errorf("got %v, want ErrCancelled", err)
	}
	// The signing lock must be free afterwards.
	if _, err := eng.Sign(context.Background(), suite.Hash([]byte("m")), suite.S().Scalar().Zero()); err != nil {
		t.Errorf("lock not released after cancellation: %v", err)
	}
}
