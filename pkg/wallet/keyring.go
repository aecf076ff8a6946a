// Copyright 2026 Mandala Network
//
// Identity-level operations used by the envelope engine.

package wallet

import (
	"context"
	"fmt"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// SignDigest signs a 32-byte digest under the wallet's identity key via a
// threshold round.
func (w *Threshold) SignDigest(ctx context.Context, digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("%w: digest must be 32 bytes", ErrInvalidArgs)
	}
	return w.engine.Sign(ctx, digest, suite.S().Scalar().Zero())
}

// SymmetricKey exposes the derived AEAD key for a protocol, key identifier
// and counterparty. The counterparty derives the identical key from its side
// of the Diffie-Hellman pair.
func (w *Threshold) SymmetricKey(ctx context.Context, protocolID Protocol, keyID string, counterparty suite.Identity) ([]byte, error) {
	return w.symKey(ctx, DerivationArgs{
		ProtocolID:   protocolID,
		KeyID:        keyID,
		Counterparty: counterparty,
	})
}
