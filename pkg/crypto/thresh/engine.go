// Copyright 2026 Mandala Network
//
// Threshold engine.
// Owns the local party, drives the DKG/restore lifecycle and coordinates
// signing and Diffie-Hellman rounds with the cosigner group. All operations
// that require a threshold round run under a single global signing lock;
// parallel rounds for the same key would collide at protocol level.

package thresh

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// State is the wallet lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateBootstrapping State = "bootstrapping"
	StateParticipating State = "participating"
	StateReady         State = "ready"
	StateDegraded      State = "degraded"
)

// EngineConfig configures the threshold engine.
type EngineConfig struct {
	Threshold     int
	SuspectWindow time.Duration
	Logger        *log.Logger
}

// Engine coordinates the threshold group from the gateway side.
type Engine struct {
	mu    sync.Mutex
	state State

	local     *Party
	cosigners []Cosigner // group index i+1
	threshold int
	total     int

	// signingSem is the global exclusive signing lock. A channel is used so
	// acquisition can be abandoned on context cancellation.
	signingSem chan struct{}

	suspects      map[int]time.Time
	suspectWindow time.Duration

	logger *log.Logger
}

// NewEngine creates an engine over the local party and remote cosigners.
// Cosigner i speaks for group index i+1; the local party is index 0.
func NewEngine(local *Party, cosigners []Cosigner, cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Thresh] ", log.LstdFlags)
	}
	window := cfg.SuspectWindow
	if window <= 0 {
		window = 2 * time.Minute
	}
	e := &Engine{
		state:         StateUninitialized,
		local:         local,
		cosigners:     cosigners,
		threshold:     cfg.Threshold,
		total:         len(cosigners) + 1,
		signingSem:    make(chan struct{}, 1),
		suspects:      make(map[int]time.Time),
		suspectWindow: window,
		logger:        logger,
	}
	e.signingSem <- struct{}{}
	return e
}

// StateOf returns the current lifecycle state.
func (e *Engine) StateOf() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Collective returns the collective public key, or nil before Ready.
func (e *Engine) Collective() kyber.Point {
	s := e.local.Share()
	if s == nil {
		return nil
	}
	return s.Collective
}

// Identity returns the collective public key as an identity string.
func (e *Engine) Identity() suite.Identity {
	p := e.Collective()
	if p == nil {
		return ""
	}
	return suite.IdentityOf(p)
}

// Threshold returns t of the t-of-n group.
func (e *Engine) Threshold() int { return e.threshold }

// Bootstrap restores the local share or runs the distributed key generation.
func (e *Engine) Bootstrap(ctx context.Context) error {
	if st := e.StateOf(); st != StateUninitialized && st != StateDegraded {
		return nil
	}

	// Restore path: a decryptable local share short-circuits DKG entirely.
	if sh := e.local.Share(); sh != nil || e.restoreLocal() {
		if err := e.checkGroupAgreement(ctx); err != nil {
			return err
		}
		e.setState(StateReady)
		e.logger.Printf("restored share, collective key %s", e.Identity())
		return nil
	}

	e.setState(StateBootstrapping)
	sessionID := uuid.NewString()

	// Round 0: discovery. DKG needs every party reachable; any party already
	// holding a share means an existing group this node has lost its share
	// for, which must not be silently overwritten.
	hello := HelloRequest{SessionID: sessionID}
	localHello, err := e.local.Hello(hello)
	if err != nil {
		return fmt.Errorf("local hello: %w", err)
	}
	participants := make([]string, e.total)
	participants[0] = localHello.LongTermPub

	for i, cs := range e.cosigners {
		resp, err := cs.Hello(ctx, hello)
		if err != nil {
			e.setState(StateUninitialized)
			return fmt.Errorf("%w: cosigner %d unreachable during DKG: %v", ErrThresholdUnavailable, i+1, err)
		}
		if resp.HasShare {
			e.setState(StateUninitialized)
			return fmt.Errorf("%w: cosigner %d already holds a share for %s", ErrShareMismatch, i+1, resp.Collective)
		}
		if resp.PartyIndex != i+1 {
			e.setState(StateUninitialized)
			return fmt.Errorf("%w: cosigner %d reports index %d", ErrProtocolDeviation, i+1, resp.PartyIndex)
		}
		participants[i+1] = resp.LongTermPub
	}

	e.setState(StateParticipating)

	// Round 1: every party deals.
	dealReq := MakeDealsRequest{SessionID: sessionID, Threshold: e.threshold, Participants: participants}
	deals := make([]DealSet, 0, e.total)
	localDeals, err := e.local.MakeDeals(dealReq)
	if err != nil {
		e.setState(StateUninitialized)
		return fmt.Errorf("local deals: %w", err)
	}
	deals = append(deals, *localDeals)
	for i, cs := range e.cosigners {
		ds, err := cs.MakeDeals(ctx, dealReq)
		if err != nil {
			e.setState(StateUninitialized)
			return fmt.Errorf("cosigner %d deals: %w", i+1, err)
		}
		deals = append(deals, *ds)
	}

	// Round 2: relay the full deal matrix; every party verifies and sums.
	acceptReq := AcceptDealsRequest{
		SessionID:    sessionID,
		Threshold:    e.threshold,
		Participants: participants,
		Deals:        deals,
	}
	localResult, err := e.local.AcceptDeals(acceptReq)
	if err != nil {
		e.setState(StateUninitialized)
		return fmt.Errorf("local accept: %w", err)
	}
	for i, cs := range e.cosigners {
		res, err := cs.AcceptDeals(ctx, acceptReq)
		if err != nil {
			e.setState(StateUninitialized)
			return fmt.Errorf("cosigner %d accept: %w", i+1, err)
		}
		if res.Collective != localResult.Collective {
			e.setState(StateUninitialized)
			return fmt.Errorf("%w: cosigner %d computed collective %s, local %s",
				ErrProtocolDeviation, i+1, res.Collective, localResult.Collective)
		}
	}

	e.setState(StateReady)
	e.logger.Printf("DKG complete with %d parties, threshold %d, collective key %s",
		e.total, e.threshold, localResult.Collective)
	return nil
}

// restoreLocal loads a persisted share into the local party if one exists.
func (e *Engine) restoreLocal() bool {
	if _, err := e.local.Hello(HelloRequest{}); err != nil {
		return false
	}
	return e.local.Share() != nil
}

// checkGroupAgreement verifies that reachable cosigners hold shares for the
// same collective key. Unreachable cosigners are tolerated here; they only
// matter once a threshold round is attempted.
func (e *Engine) checkGroupAgreement(ctx context.Context) error {
	ours := string(e.local.Share().CollectiveIdentity())
	for i, cs := range e.cosigners {
		resp, err := cs.Hello(ctx, HelloRequest{})
		if err != nil {
			continue
		}
		if !resp.HasShare || resp.Collective != ours {
			return fmt.Errorf("%w: cosigner %d holds %q, local %q", ErrShareMismatch, i+1, resp.Collective, ours)
		}
	}
	return nil
}

// acquireSigningLock takes the global signing lock, abandoning on ctx cancel.
func (e *Engine) acquireSigningLock(ctx context.Context) error {
	select {
	case <-e.signingSem:
		return nil
	case <-ctx.Done():
		return ErrCancelled
	}
}

func (e *Engine) releaseSigningLock() {
	e.signingSem <- struct{}{}
}

// Sign produces a threshold Schnorr signature over msgHash under the
// collective key tweaked by offset (use a zero scalar for the master key).
func (e *Engine) Sign(ctx context.Context, msgHash []byte, tweak kyber.Scalar) ([]byte, error) {
	sh := e.local.Share()
	if sh == nil {
		return nil, ErrNotReady
	}
	if err := e.acquireSigningLock(ctx); err != nil {
		return nil, err
	}
	defer e.releaseSigningLock()

	g := suite.S()
	derivedPub := g.Point().Add(sh.Collective, g.Point().Mul(tweak, nil))
	msgHashB64, tweakB64, err := encodeSignInputs(msgHash, tweak)
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		participants, remotes, err := e.pickParticipants(excluded)
		if err != nil {
			e.setState(StateDegraded)
			return nil, err
		}

		sig, retryIdx, err := e.signWith(ctx, sh, participants, remotes, derivedPub, msgHash, msgHashB64, tweakB64, tweak)
		if err == nil {
			e.setState(StateReady)
			return sig, nil
		}
		if retryIdx < 0 {
			return nil, err
		}
		// That cosigner failed this round; re-pick the set without it.
		excluded[retryIdx] = true
	}
}

// signWith runs one commit/finalize attempt against a fixed participant set.
// On a per-cosigner failure it returns the failing index so the caller can
// re-pick; protocol deviations abort with retryIdx = -1.
func (e *Engine) signWith(
	ctx context.Context,
	sh *Share,
	participants []int,
	remotes map[int]Cosigner,
	derivedPub kyber.Point,
	msgHash []byte,
	msgHashB64, tweakB64 string,
	tweak kyber.Scalar,
) ([]byte, int, error) {
	g := suite.S()
	opID := uuid.NewString()

	commitReq := SignCommitRequest{OpID: opID, MsgHash: msgHashB64, Tweak: tweakB64, Participants: participants}
	commitments := make(map[int]kyber.Point, len(participants))

	localCommit, err := e.local.SignCommit(commitReq)
	if err != nil {
		return nil, -1, fmt.Errorf("local commit: %w", err)
	}
	R0, err := decodePoint(localCommit.Commitment)
	if err != nil {
		return nil, -1, err
	}
	commitments[0] = R0

	for idx, cs := range remotes {
		resp, err := cs.SignCommit(ctx, commitReq)
		if err != nil {
			if errors.Is(err, ErrProtocolDeviation) {
				e.markSuspect(idx)
				return nil, -1, err
			}
			if ctx.Err() != nil {
				return nil, -1, ErrCancelled
			}
			e.logger.Printf("cosigner %d commit failed: %v", idx, err)
			return nil, idx, err
		}
		Rj, err := decodePoint(resp.Commitment)
		if err != nil {
			e.markSuspect(idx)
			return nil, -1, fmt.Errorf("%w: cosigner %d commitment: %v", ErrProtocolDeviation, idx, err)
		}
		commitments[idx] = Rj
	}

	// Joint nonce commitment and challenge.
	R := g.Point().Null()
	for _, Rj := range commitments {
		R = g.Point().Add(R, Rj)
	}
	c, err := challenge(R, derivedPub, msgHash)
	if err != nil {
		return nil, -1, err
	}
	cb, err := c.MarshalBinary()
	if err != nil {
		return nil, -1, err
	}

	finReq := SignFinalizeRequest{
		OpID:         opID,
		MsgHash:      msgHashB64,
		Tweak:        tweakB64,
		Participants: participants,
		Challenge:    encodeB64(cb),
	}

	z := g.Scalar().Zero()
	localFin, err := e.local.SignFinalize(finReq)
	if err != nil {
		return nil, -1, fmt.Errorf("local finalize: %w", err)
	}
	z0, err := decodeScalar(localFin.Partial)
	if err != nil {
		return nil, -1, err
	}
	z = g.Scalar().Add(z, z0)

	pubPoly := share.NewPubPoly(g, nil, sh.Commits)
	for idx, cs := range remotes {
		resp, err := cs.SignFinalize(ctx, finReq)
		if err != nil {
			if errors.Is(err, ErrProtocolDeviation) {
				e.markSuspect(idx)
				return nil, -1, err
			}
			if ctx.Err() != nil {
				return nil, -1, ErrCancelled
			}
			return nil, idx, err
		}
		zj, err := decodeScalar(resp.Partial)
		if err != nil {
			e.markSuspect(idx)
			return nil, -1, fmt.Errorf("%w: cosigner %d partial: %v", ErrProtocolDeviation, idx, err)
		}

		// Partial verification: z_j·G == R_j + c·λ_j·S_j.
		lambda, err := lagrangeWeight(idx, participants)
		if err != nil {
			return nil, -1, err
		}
		weighted := g.Point().Mul(g.Scalar().Mul(c, lambda), pubPoly.Eval(idx).V)
		if !g.Point().Mul(zj, nil).Equal(g.Point().Add(commitments[idx], weighted)) {
			e.markSuspect(idx)
			return nil, -1, fmt.Errorf("%w: cosigner %d partial signature fails verification", ErrProtocolDeviation, idx)
		}
		z = g.Scalar().Add(z, zj)
	}

	// The coordinator contributes the derivation offset once.
	z = g.Scalar().Add(z, g.Scalar().Mul(c, tweak))

	sig, err := encodeSignature(R, z)
	if err != nil {
		return nil, -1, err
	}
	if err := VerifySignature(derivedPub, msgHash, sig); err != nil {
		return nil, -1, fmt.Errorf("combined signature invalid: %w", err)
	}
	return sig, -1, nil
}

// DH computes peer^x for the collective secret x via one partial round.
func (e *Engine) DH(ctx context.Context, peer kyber.Point) (kyber.Point, error) {
	sh := e.local.Share()
	if sh == nil {
		return nil, ErrNotReady
	}
	if err := e.acquireSigningLock(ctx); err != nil {
		return nil, err
	}
	defer e.releaseSigningLock()

	g := suite.S()
	pb, err := peer.MarshalBinary()
	if err != nil {
		return nil, err
	}

	excluded := make(map[int]bool)
	for {
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		participants, remotes, err := e.pickParticipants(excluded)
		if err != nil {
			e.setState(StateDegraded)
			return nil, err
		}
		req := DHRequest{PeerPub: encodeB64(pb), Participants: participants}

		localResp, err := e.local.PartialDH(req)
		if err != nil {
			return nil, err
		}
		sum, err := decodePoint(localResp.Partial)
		if err != nil {
			return nil, err
		}

		ok := true
		var failed int
		for idx, cs := range remotes {
			resp, err := cs.PartialDH(ctx, req)
			if err != nil {
				if errors.Is(err, ErrProtocolDeviation) {
					e.markSuspect(idx)
					return nil, err
				}
				if ctx.Err() != nil {
					return nil, ErrCancelled
				}
				ok, failed = false, idx
				break
			}
			part, err := decodePoint(resp.Partial)
			if err != nil {
				e.markSuspect(idx)
				return nil, fmt.Errorf("%w: cosigner %d DH partial: %v", ErrProtocolDeviation, idx, err)
			}
			sum = g.Point().Add(sum, part)
		}
		if ok {
			e.setState(StateReady)
			return sum, nil
		}
		excluded[failed] = true
	}
}

// pickParticipants selects the local party plus t-1 reachable, non-suspect
// cosigners. Fewer than t available fails with ErrThresholdUnavailable.
func (e *Engine) pickParticipants(excluded map[int]bool) ([]int, map[int]Cosigner, error) {
	participants := []int{0}
	remotes := make(map[int]Cosigner)
	for i, cs := range e.cosigners {
		idx := i + 1
		if excluded[idx] || e.isSuspect(idx) {
			continue
		}
		participants = append(participants, idx)
		remotes[idx] = cs
		if len(participants) == e.threshold {
			break
		}
	}
	if len(participants) < e.threshold {
		return nil, nil, fmt.Errorf("%w: %d of %d required parties reachable",
			ErrThresholdUnavailable, len(participants), e.threshold)
	}
	return participants, remotes, nil
}

func (e *Engine) markSuspect(idx int) {
	e.mu.Lock()
	e.suspects[idx] = time.Now().Add(e.suspectWindow)
	e.mu.Unlock()
	e.logger.Printf("cosigner %d marked suspect for %s", idx, e.suspectWindow)
}

func (e *Engine) isSuspect(idx int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	until, ok := e.suspects[idx]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(e.suspects, idx)
		return false
	}
	return true
}
