// Copyright 2026 Mandala Network
//
// Threshold wallet implementation.
// Derivation offsets, symmetric keys and MAC keys all flow from a threshold
// Diffie-Hellman against the counterparty key, expanded per invoice string,
// so a derived key is a pure function of (securityLevel, protocol, keyID,
// counterparty) for a fixed master share set.

package wallet

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"go.dedis.ch/kyber/v3"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/ledger"
)

// Threshold is the wallet over a threshold engine and a spendables ledger.
type Threshold struct {
	engine *thresh.Engine
	store  *ledger.Store
	logger *log.Logger

	// dhCache holds threshold-DH secrets per counterparty. The DH result is
	// deterministic, so caching only saves cosigner round trips.
	dhMu    sync.RWMutex
	dhCache map[suite.Identity][]byte
}

// NewThreshold creates the wallet.
func NewThreshold(engine *thresh.Engine, store *ledger.Store, logger *log.Logger) *Threshold {
	if logger == nil {
		logger = log.New(log.Writer(), "[Wallet] ", log.LstdFlags)
	}
	return &Threshold{
		engine:  engine,
		store:   store,
		logger:  logger,
		dhCache: make(map[suite.Identity][]byte),
	}
}

// Identity returns the wallet's collective identity key.
func (w *Threshold) Identity() suite.Identity {
	return w.engine.Identity()
}

// Invoice renders derivation args canonically. Counterparties reproduce the
// same invoice on their side of the pairwise derivation.
func Invoice(args DerivationArgs) string {
	return fmt.Sprintf("%d-%s-%s", args.ProtocolID.SecurityLevel, args.ProtocolID.Protocol, args.KeyID)
}

func invoice(args DerivationArgs) string { return Invoice(args) }

// counterpartyPoint resolves the counterparty the derivation binds.
func (w *Threshold) counterpartyPoint(args DerivationArgs) (kyber.Point, error) {
	if args.ProtocolID.SecurityLevel == SecurityLevelSilent {
		// Level 0 does not bind the counterparty.
		return suite.AnyonePoint(), nil
	}
	switch args.Counterparty {
	case suite.Self, "":
		return w.engine.Collective(), nil
	case suite.Anyone:
		return suite.AnyonePoint(), nil
	default:
		p, err := suite.ParseIdentity(args.Counterparty)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
		}
		return p, nil
	}
}

// masterSecret runs (or replays from cache) the threshold DH with peer.
func (w *Threshold) masterSecret(ctx context.Context, peer kyber.Point) ([]byte, error) {
	id := suite.IdentityOf(peer)
	w.dhMu.RLock()
	cached, ok := w.dhCache[id]
	w.dhMu.RUnlock()
	if ok {
		return cached, nil
	}

	var point kyber.Point
	if peer.Equal(suite.AnyonePoint()) {
		// x·G is the collective key itself; no round needed.
		point = w.engine.Collective()
	} else {
		var err error
		point, err = w.engine.DH(ctx, peer)
		if err != nil {
			return nil, err
		}
	}
	secret, err := suite.SecretFromPoint(point, "wallet-derivation")
	if err != nil {
		return nil, err
	}
	w.dhMu.Lock()
	w.dhCache[id] = secret
	w.dhMu.Unlock()
	return secret, nil
}

// derive computes the offset scalar and derived public key for args.
func (w *Threshold) derive(ctx context.Context, args DerivationArgs) (kyber.Scalar, kyber.Point, []byte, error) {
	peer, err := w.counterpartyPoint(args)
	if err != nil {
		return nil, nil, nil, err
	}
	secret, err := w.masterSecret(ctx, peer)
	if err != nil {
		return nil, nil, nil, err
	}
	inv := invoice(args)
	offset, err := suite.DeriveScalar(secret, "offset-"+inv)
	if err != nil {
		return nil, nil, nil, err
	}
	g := suite.S()
	pub := g.Point().Add(w.engine.Collective(), g.Point().Mul(offset, nil))
	return offset, pub, secret, nil
}

// GetPublicKey returns the identity key or a derived public key.
func (w *Threshold) GetPublicKey(ctx context.Context, args GetPublicKeyArgs) (*GetPublicKeyResult, error) {
	if args.IdentityKey {
		return &GetPublicKeyResult{PublicKey: w.engine.Identity()}, nil
	}
	_, pub, _, err := w.derive(ctx, args.DerivationArgs)
	if err != nil {
		return nil, err
	}
	return &GetPublicKeyResult{PublicKey: suite.IdentityOf(pub)}, nil
}

// DeriveSharedSecret derives a 32-byte pairwise secret with counterparty,
// bound to purpose. Used for group-header wrapping.
func (w *Threshold) DeriveSharedSecret(ctx context.Context, counterparty suite.Identity, purpose string) ([]byte, error) {
	peer, err := suite.ParseIdentity(counterparty)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}
	secret, err := w.masterSecret(ctx, peer)
	if err != nil {
		return nil, err
	}
	return suite.Expand(secret, "shared-"+purpose, 32)
}

// symKey derives the AEAD key for args.
func (w *Threshold) symKey(ctx context.Context, args DerivationArgs) ([]byte, error) {
	_, _, secret, err := w.derive(ctx, args)
	if err != nil {
		return nil, err
	}
	return suite.Expand(secret, "sym-"+invoice(args), 32)
}

// Encrypt seals plaintext under the derived symmetric key.
func (w *Threshold) Encrypt(ctx context.Context, args EncryptArgs) (*EncryptResult, error) {
	key, err := w.symKey(ctx, args.DerivationArgs)
	if err != nil {
		return nil, err
	}
	defer suite.Zero(key)
	ct, err := suite.Seal(key, args.Plaintext, nil)
	if err != nil {
		return nil, err
	}
	return &EncryptResult{Ciphertext: ct}, nil
}

// Decrypt opens ciphertext under the derived symmetric key. Any ciphertext
// modification fails.
func (w *Threshold) Decrypt(ctx context.Context, args DecryptArgs) (*DecryptResult, error) {
	key, err := w.symKey(ctx, args.DerivationArgs)
	if err != nil {
		return nil, err
	}
	defer suite.Zero(key)
	plain, err := suite.Open(key, args.Ciphertext, nil)
	if err != nil {
		return nil, err
	}
	return &DecryptResult{Plaintext: plain}, nil
}

// CreateSignature signs data (or a caller-supplied hash) with the derived key
// via a threshold round. Deterministic for fixed args and data.
func (w *Threshold) CreateSignature(ctx context.Context, args CreateSignatureArgs) (*CreateSignatureResult, error) {
	msgHash, err := signHash(args.Data, args.HashToSign)
	if err != nil {
		return nil, err
	}
	offset, _, _, err := w.derive(ctx, args.DerivationArgs)
	if err != nil {
		return nil, err
	}
	sig, err := w.engine.Sign(ctx, msgHash, offset)
	if err != nil {
		if errors.Is(err, thresh.ErrThresholdUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
		}
		return nil, err
	}
	return &CreateSignatureResult{Signature: sig}, nil
}

// VerifySignature checks a signature. ForSelf verifies under the wallet's own
// derived key; otherwise the signature is checked under the counterparty's
// identity key.
func (w *Threshold) VerifySignature(ctx context.Context, args VerifySignatureArgs) (*VerifySignatureResult, error) {
	msgHash, err := signHash(args.Data, args.HashToVerify)
	if err != nil {
		return nil, err
	}
	if args.ForSelf {
		_, pub, _, err := w.derive(ctx, args.DerivationArgs)
		if err != nil {
			return nil, err
		}
		if err := thresh.VerifySignature(pub, msgHash, args.Signature); err != nil {
			return &VerifySignatureResult{Valid: false}, nil
		}
		return &VerifySignatureResult{Valid: true}, nil
	}
	if err := suite.VerifyIdentity(args.Counterparty, msgHash, args.Signature); err != nil {
		return &VerifySignatureResult{Valid: false}, nil
	}
	return &VerifySignatureResult{Valid: true}, nil
}

// CreateHMAC authenticates data under a derived MAC key.
func (w *Threshold) CreateHMAC(ctx context.Context, args CreateHMACArgs) (*CreateHMACResult, error) {
	key, err := w.macKey(ctx, args.DerivationArgs)
	if err != nil {
		return nil, err
	}
	defer suite.Zero(key)
	return &CreateHMACResult{HMAC: suite.MAC(key, args.Data)}, nil
}

// VerifyHMAC checks a MAC produced by CreateHMAC.
func (w *Threshold) VerifyHMAC(ctx context.Context, args VerifyHMACArgs) (*VerifyHMACResult, error) {
	key, err := w.macKey(ctx, args.DerivationArgs)
	if err != nil {
		return nil, err
	}
	defer suite.Zero(key)
	return &VerifyHMACResult{Valid: suite.VerifyMAC(key, args.Data, args.HMAC)}, nil
}

func (w *Threshold) macKey(ctx context.Context, args DerivationArgs) ([]byte, error) {
	_, _, secret, err := w.derive(ctx, args)
	if err != nil {
		return nil, err
	}
	return suite.Expand(secret, "mac-"+invoice(args), 32)
}

func signHash(data, hash []byte) ([]byte, error) {
	switch {
	case len(hash) == 32:
		return hash, nil
	case len(hash) != 0:
		return nil, fmt.Errorf("%w: hash must be 32 bytes", ErrInvalidArgs)
	case len(data) != 0:
		return suite.Hash(data), nil
	default:
		return nil, fmt.Errorf("%w: nothing to sign", ErrInvalidArgs)
	}
}
