// Copyright 2026 Mandala Network
//
// Keyrings for the envelope engine.
// The agent side runs over the threshold wallet; counterparties (and tests)
// run over a plain local keypair. Both derive identical symmetric keys from
// their half of the pairwise Diffie-Hellman.

package envelope

import (
	"context"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

// Keyring is the key material surface the engine needs.
type Keyring interface {
	Identity() suite.Identity
	// SymmetricKey derives the AEAD key for (protocol, keyID, counterparty).
	SymmetricKey(ctx context.Context, protocolID wallet.Protocol, keyID string, counterparty suite.Identity) ([]byte, error)
	// SignDigest signs a 32-byte digest under the identity key.
	SignDigest(ctx context.Context, digest []byte) ([]byte, error)
}

// VerifyFrom checks a digest signature under a sender identity, accepting
// both threshold wallet signatures and plain identity signatures.
func VerifyFrom(sender suite.Identity, digest, sig []byte) error {
	p, err := suite.ParseIdentity(sender)
	if err != nil {
		return err
	}
	if thresh.VerifySignature(p, digest, sig) == nil {
		return nil
	}
	return suite.Verify(p, digest, sig)
}

// Local is a keyring over an in-memory keypair: the counterparty side of the
// protocol, also used throughout the tests.
type Local struct {
	Key *suite.KeyPair
}

// NewLocal wraps a keypair.
func NewLocal(kp *suite.KeyPair) *Local {
	return &Local{Key: kp}
}

func (l *Local) Identity() suite.Identity {
	return l.Key.Identity()
}

// SymmetricKey mirrors the wallet derivation exactly: DH secret, then
// HKDF-expanded per invoice.
func (l *Local) SymmetricKey(ctx context.Context, protocolID wallet.Protocol, keyID string, counterparty suite.Identity) ([]byte, error) {
	peer, err := suite.ParseIdentity(counterparty)
	if err != nil {
		return nil, err
	}
	secret, err := suite.SecretFromPoint(suite.SharedPoint(l.Key.Private, peer), "wallet-derivation")
	if err != nil {
		return nil, err
	}
	invoice := walletInvoice(protocolID, keyID)
	return suite.Expand(secret, "sym-"+invoice, 32)
}

func (l *Local) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	return suite.Sign(l.Key.Private, digest)
}

func walletInvoice(p wallet.Protocol, keyID string) string {
	return wallet.Invoice(wallet.DerivationArgs{ProtocolID: p, KeyID: keyID})
}
