// Copyright 2026 Mandala Network
//
// Threshold party.
// One participant in the cosigner group: deals and accepts DKG shares, and
// answers commit/finalize signing rounds and partial Diffie-Hellman requests.
// The gateway's local party and every remote cosigner run this same logic.

package thresh

import (
	"encoding/base64"
	"fmt"
	"log"
	"sync"

	"go.dedis.ch/kyber/v3"
	"go.dedis.ch/kyber/v3/share"
	"go.dedis.ch/kyber/v3/util/random"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// HelloRequest opens round 0 of the lifecycle: share discovery.
type HelloRequest struct {
	SessionID string `json:"session_id"`
}

// HelloResponse reports whether this party already holds a share and for
// which collective key.
type HelloResponse struct {
	PartyIndex  int    `json:"party_index"`
	LongTermPub string `json:"long_term_pub"`
	HasShare    bool   `json:"has_share"`
	Collective  string `json:"collective,omitempty"`
}

// MakeDealsRequest asks a party to deal DKG shares to the group.
type MakeDealsRequest struct {
	SessionID    string   `json:"session_id"`
	Threshold    int      `json:"threshold"`
	Participants []string `json:"participants"` // long-term pubs, ordered by index
}

// DealSet is one dealer's output: polynomial commitments plus one encrypted
// share per recipient, signed by the dealer's long-term key.
type DealSet struct {
	Dealer    int               `json:"dealer"`
	Commits   []string          `json:"commits"`    // base64 points, len t
	EncShares map[string]string `json:"enc_shares"` // recipient index -> base64 sealed scalar
	Signature string            `json:"signature"`  // over session || commits
}

// AcceptDealsRequest delivers every dealer's commits and this party's
// encrypted shares.
type AcceptDealsRequest struct {
	SessionID    string    `json:"session_id"`
	Threshold    int       `json:"threshold"`
	Participants []string  `json:"participants"`
	Deals        []DealSet `json:"deals"`
}

// AcceptResult closes the DKG: the party reports the collective key it
// computed, which every party must agree on.
type AcceptResult struct {
	PartyIndex int    `json:"party_index"`
	Collective string `json:"collective"`
}

// SignCommitRequest opens a signing operation.
type SignCommitRequest struct {
	OpID         string `json:"op_id"`
	MsgHash      string `json:"msg_hash"` // base64 32 bytes
	Tweak        string `json:"tweak"`    // base64 scalar
	Participants []int  `json:"participants"`
}

// SignCommitResponse carries the party's nonce commitment R_j.
type SignCommitResponse struct {
	PartyIndex int    `json:"party_index"`
	Commitment string `json:"commitment"` // base64 point
}

// SignFinalizeRequest carries the joint challenge back to the party.
type SignFinalizeRequest struct {
	OpID         string `json:"op_id"`
	MsgHash      string `json:"msg_hash"`
	Tweak        string `json:"tweak"`
	Participants []int  `json:"participants"`
	Challenge    string `json:"challenge"` // base64 scalar
}

// SignFinalizeResponse carries the party's partial response z_j.
type SignFinalizeResponse struct {
	PartyIndex int    `json:"party_index"`
	Partial    string `json:"partial"` // base64 scalar
}

// DHRequest asks for a Lagrange-weighted partial Diffie-Hellman point.
type DHRequest struct {
	PeerPub      string `json:"peer_pub"` // base64 point
	Participants []int  `json:"participants"`
}

// DHResponse carries λ_j·s_j·Peer.
type DHResponse struct {
	PartyIndex int    `json:"party_index"`
	Partial    string `json:"partial"` // base64 point
}

// dealerState holds a dealer's polynomial between MakeDeals and AcceptDeals.
type dealerState struct {
	poly         *share.PriPoly
	participants []kyber.Point
	threshold    int
}

// Party is one member of the threshold group.
type Party struct {
	mu sync.Mutex

	index    int
	longTerm *suite.KeyPair
	store    *ShareStore // nil for purely in-memory parties (tests)
	share    *Share

	pending map[string]*dealerState // DKG session id -> dealt polynomial
	logger  *log.Logger
}

// NewParty creates a party at the given group index.
func NewParty(index int, longTerm *suite.KeyPair, store *ShareStore, logger *log.Logger) *Party {
	if logger == nil {
		logger = log.New(log.Writer(), fmt.Sprintf("[Party %d] ", index), log.LstdFlags)
	}
	return &Party{
		index:    index,
		longTerm: longTerm,
		store:    store,
		pending:  make(map[string]*dealerState),
		logger:   logger,
	}
}

// Index returns the party's group index.
func (p *Party) Index() int { return p.index }

// LongTermPub returns the party's long-term public identity.
func (p *Party) LongTermPub() suite.Identity { return p.longTerm.Identity() }

// Share returns the party's current share, or nil.
func (p *Party) Share() *Share {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.share
}

// SetShare installs a share directly (restore path).
func (p *Party) SetShare(s *Share) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.share = s
}

// Hello answers round 0.
func (p *Party) Hello(req HelloRequest) (*HelloResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.share == nil && p.store != nil && p.store.Exists() {
		s, err := p.store.Load()
		if err != nil {
			return nil, fmt.Errorf("load share: %w", err)
		}
		p.share = s
	}
	resp := &HelloResponse{
		PartyIndex:  p.index,
		LongTermPub: string(p.longTerm.Identity()),
		HasShare:    p.share != nil,
	}
	if p.share != nil {
		resp.Collective = string(p.share.CollectiveIdentity())
	}
	return resp, nil
}

// MakeDeals runs the dealing half of the joint-Feldman DKG: pick a random
// polynomial of degree t-1, commit to its coefficients, and seal one
// evaluation per recipient under the pairwise long-term DH key.
func (p *Party) MakeDeals(req MakeDealsRequest) (*DealSet, error) {
	if req.Threshold < 1 || req.Threshold > len(req.Participants) {
		return nil, fmt.Errorf("threshold %d out of range for %d participants", req.Threshold, len(req.Participants))
	}
	participants, err := parseParticipants(req.Participants)
	if err != nil {
		return nil, err
	}
	if p.index >= len(participants) {
		return nil, fmt.Errorf("%w: %d participants but this party has index %d", ErrProtocolDeviation, len(participants), p.index)
	}
	if !participants[p.index].Equal(p.longTerm.Public) {
		return nil, fmt.Errorf("%w: participant list does not place this party at index %d", ErrProtocolDeviation, p.index)
	}

	g := suite.S()
	poly := share.NewPriPoly(g, req.Threshold, nil, random.New())
	pub := poly.Commit(nil)
	_, commits := pub.Info()

	ds := &DealSet{
		Dealer:    p.index,
		EncShares: make(map[string]string, len(participants)),
	}
	var commitBytes []byte
	for _, c := range commits {
		b, err := c.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal commit: %w", err)
		}
		ds.Commits = append(ds.Commits, base64.StdEncoding.EncodeToString(b))
		commitBytes = append(commitBytes, b...)
	}

	shares := poly.Shares(len(participants))
	for j, sh := range shares {
		sb, err := sh.V.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal dealt share: %w", err)
		}
		key, err := p.pairwiseKey(participants[j], req.SessionID)
		if err != nil {
			suite.Zero(sb)
			return nil, err
		}
		sealed, err := suite.Seal(key, sb, nil)
		suite.Zero(sb)
		suite.Zero(key)
		if err != nil {
			return nil, fmt.Errorf("seal dealt share: %w", err)
		}
		ds.EncShares[fmt.Sprintf("%d", j)] = base64.StdEncoding.EncodeToString(sealed)
	}

	sig, err := suite.Sign(p.longTerm.Private, suite.Hash([]byte(req.SessionID), commitBytes))
	if err != nil {
		return nil, fmt.Errorf("sign deal set: %w", err)
	}
	ds.Signature = base64.StdEncoding.EncodeToString(sig)

	p.mu.Lock()
	p.pending[req.SessionID] = &dealerState{poly: poly, participants: participants, threshold: req.Threshold}
	p.mu.Unlock()

	return ds, nil
}

// AcceptDeals verifies every dealer's share against its commitments, sums the
// shares into this party's secret, and persists the resulting share.
func (p *Party) AcceptDeals(req AcceptDealsRequest) (*AcceptResult, error) {
	participants, err := parseParticipants(req.Participants)
	if err != nil {
		return nil, err
	}
	if len(req.Deals) != len(participants) {
		return nil, fmt.Errorf("%w: %d deal sets for %d participants", ErrProtocolDeviation, len(req.Deals), len(participants))
	}

	g := suite.S()
	secret := g.Scalar().Zero()
	var combined *share.PubPoly

	for _, ds := range req.Deals {
		if ds.Dealer < 0 || ds.Dealer >= len(participants) {
			return nil, fmt.Errorf("%w: dealer index %d", ErrProtocolDeviation, ds.Dealer)
		}
		commits, commitBytes, err := decodeCommits(ds.Commits, req.Threshold)
		if err != nil {
			return nil, err
		}

		// Dealer authenticity.
		sig, err := base64.StdEncoding.DecodeString(ds.Signature)
		if err != nil {
			return nil, fmt.Errorf("decode deal signature: %w", err)
		}
		if err := suite.Verify(participants[ds.Dealer], suite.Hash([]byte(req.SessionID), commitBytes), sig); err != nil {
			return nil, fmt.Errorf("%w: dealer %d signature: %v", ErrProtocolDeviation, ds.Dealer, err)
		}

		// Decrypt this party's evaluation.
		enc, ok := ds.EncShares[fmt.Sprintf("%d", p.index)]
		if !ok {
			return nil, fmt.Errorf("%w: dealer %d sent no share for party %d", ErrProtocolDeviation, ds.Dealer, p.index)
		}
		sealed, err := base64.StdEncoding.DecodeString(enc)
		if err != nil {
			return nil, fmt.Errorf("decode dealt share: %w", err)
		}
		key, err := p.pairwiseKey(participants[ds.Dealer], req.SessionID)
		if err != nil {
			return nil, err
		}
		sb, err := suite.Open(key, sealed, nil)
		suite.Zero(key)
		if err != nil {
			return nil, fmt.Errorf("%w: dealer %d share does not decrypt", ErrProtocolDeviation, ds.Dealer)
		}
		sv := g.Scalar()
		if err := sv.UnmarshalBinary(sb); err != nil {
			suite.Zero(sb)
			return nil, fmt.Errorf("%w: dealer %d share malformed", ErrProtocolDeviation, ds.Dealer)
		}
		suite.Zero(sb)

		// Verify against the dealer's commitments.
		pubPoly := share.NewPubPoly(g, nil, commits)
		expected := pubPoly.Eval(p.index).V
		if !g.Point().Mul(sv, nil).Equal(expected) {
			return nil, fmt.Errorf("%w: dealer %d share fails commitment check", ErrProtocolDeviation, ds.Dealer)
		}

		secret = g.Scalar().Add(secret, sv)
		if combined == nil {
			combined = pubPoly
		} else {
			combined, err = combined.Add(pubPoly)
			if err != nil {
				return nil, fmt.Errorf("combine commitments: %w", err)
			}
		}
	}

	_, commits := combined.Info()
	s := &Share{
		PartyIndex:   p.index,
		Threshold:    req.Threshold,
		TotalParties: len(participants),
		Collective:   combined.Commit(),
		Commits:      commits,
		Secret:       secret,
	}

	p.mu.Lock()
	p.share = s
	delete(p.pending, req.SessionID)
	p.mu.Unlock()

	if p.store != nil {
		if err := p.store.Save(s); err != nil {
			return nil, fmt.Errorf("persist share: %w", err)
		}
	}
	p.logger.Printf("DKG complete: collective key %s", s.CollectiveIdentity())

	return &AcceptResult{PartyIndex: p.index, Collective: string(s.CollectiveIdentity())}, nil
}

// SignCommit answers the first signing round with R_j = k_j·G.
func (p *Party) SignCommit(req SignCommitRequest) (*SignCommitResponse, error) {
	s, err := p.readyShare()
	if err != nil {
		return nil, err
	}
	msgHash, tweak, err := decodeSignInputs(req.MsgHash, req.Tweak)
	if err != nil {
		return nil, err
	}
	k, err := nonceShare(s.Secret, msgHash, tweak, req.Participants)
	if err != nil {
		return nil, err
	}
	R := suite.S().Point().Mul(k, nil)
	rb, err := R.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignCommitResponse{PartyIndex: p.index, Commitment: base64.StdEncoding.EncodeToString(rb)}, nil
}

// SignFinalize answers the second signing round with
// z_j = k_j + c·λ_j·s_j. The nonce is recomputed deterministically, so the
// party keeps no state between rounds.
func (p *Party) SignFinalize(req SignFinalizeRequest) (*SignFinalizeResponse, error) {
	s, err := p.readyShare()
	if err != nil {
		return nil, err
	}
	msgHash, tweak, err := decodeSignInputs(req.MsgHash, req.Tweak)
	if err != nil {
		return nil, err
	}
	cb, err := base64.StdEncoding.DecodeString(req.Challenge)
	if err != nil {
		return nil, fmt.Errorf("decode challenge: %w", err)
	}
	g := suite.S()
	c := g.Scalar()
	if err := c.UnmarshalBinary(cb); err != nil {
		return nil, fmt.Errorf("unmarshal challenge: %w", err)
	}

	k, err := nonceShare(s.Secret, msgHash, tweak, req.Participants)
	if err != nil {
		return nil, err
	}
	lambda, err := lagrangeWeight(p.index, req.Participants)
	if err != nil {
		return nil, err
	}
	w := g.Scalar().Mul(lambda, s.Secret)
	z := g.Scalar().Add(k, g.Scalar().Mul(c, w))
	zb, err := z.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &SignFinalizeResponse{PartyIndex: p.index, Partial: base64.StdEncoding.EncodeToString(zb)}, nil
}

// PartialDH answers a threshold Diffie-Hellman round with λ_j·s_j·Peer.
func (p *Party) PartialDH(req DHRequest) (*DHResponse, error) {
	s, err := p.readyShare()
	if err != nil {
		return nil, err
	}
	pb, err := base64.StdEncoding.DecodeString(req.PeerPub)
	if err != nil {
		return nil, fmt.Errorf("decode peer pub: %w", err)
	}
	g := suite.S()
	peer := g.Point()
	if err := peer.UnmarshalBinary(pb); err != nil {
		return nil, fmt.Errorf("unmarshal peer pub: %w", err)
	}
	lambda, err := lagrangeWeight(p.index, req.Participants)
	if err != nil {
		return nil, err
	}
	partial := g.Point().Mul(g.Scalar().Mul(lambda, s.Secret), peer)
	ob, err := partial.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return &DHResponse{PartyIndex: p.index, Partial: base64.StdEncoding.EncodeToString(ob)}, nil
}

func (p *Party) readyShare() (*Share, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.share == nil {
		return nil, ErrNotReady
	}
	return p.share, nil
}

// pairwiseKey derives the symmetric key protecting dealt shares between this
// party and the peer, bound to the DKG session.
func (p *Party) pairwiseKey(peer kyber.Point, sessionID string) ([]byte, error) {
	dh := suite.SharedPoint(p.longTerm.Private, peer)
	return suite.SecretFromPoint(dh, "dkg-deal-"+sessionID)
}

func parseParticipants(ids []string) ([]kyber.Point, error) {
	out := make([]kyber.Point, len(ids))
	for i, id := range ids {
		p, err := suite.ParseIdentity(suite.Identity(id))
		if err != nil {
			return nil, fmt.Errorf("participant %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

func decodeCommits(enc []string, threshold int) ([]kyber.Point, []byte, error) {
	if len(enc) != threshold {
		return nil, nil, fmt.Errorf("%w: %d commitments, want %d", ErrProtocolDeviation, len(enc), threshold)
	}
	g := suite.S()
	commits := make([]kyber.Point, len(enc))
	var all []byte
	for i, e := range enc {
		b, err := base64.StdEncoding.DecodeString(e)
		if err != nil {
			return nil, nil, fmt.Errorf("decode commit %d: %w", i, err)
		}
		pt := g.Point()
		if err := pt.UnmarshalBinary(b); err != nil {
			return nil, nil, fmt.Errorf("%w: commit %d malformed", ErrProtocolDeviation, i)
		}
		commits[i] = pt
		all = append(all, b...)
	}
	return commits, all, nil
}

func decodeSignInputs(msgHashB64, tweakB64 string) ([]byte, kyber.Scalar, error) {
	msgHash, err := base64.StdEncoding.DecodeString(msgHashB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode msg hash: %w", err)
	}
	tb, err := base64.StdEncoding.DecodeString(tweakB64)
	if err != nil {
		return nil, nil, fmt.Errorf("decode tweak: %w", err)
	}
	tweak := suite.S().Scalar()
	if err := tweak.UnmarshalBinary(tb); err != nil {
		return nil, nil, fmt.Errorf("unmarshal tweak: %w", err)
	}
	return msgHash, tweak, nil
}
