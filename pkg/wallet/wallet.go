// Copyright 2026 Mandala Network
//
// Wallet capability surface.
// Every operation that needs the private key names a protocol (security level
// plus protocol string), a key identifier and a counterparty; the derived key
// is a pure function of that triple. The gateway, the envelope engine, the
// identity authority and the vault all act through this interface and never
// see key material.

package wallet

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// SecurityLevel controls how much of the derivation context binds the key.
// Level 0 ignores the counterparty; level 2 binds it.
type SecurityLevel int

const (
	SecurityLevelSilent       SecurityLevel = 0
	SecurityLevelApp          SecurityLevel = 1
	SecurityLevelCounterparty SecurityLevel = 2
)

// Protocol tags a key derivation.
type Protocol struct {
	SecurityLevel SecurityLevel `json:"security_level"`
	Protocol      string        `json:"protocol"`
}

// DerivationArgs select one derived key.
type DerivationArgs struct {
	ProtocolID   Protocol       `json:"protocol_id"`
	KeyID        string         `json:"key_id"`
	Counterparty suite.Identity `json:"counterparty"` // identity, Self or Anyone
}

// GetPublicKeyArgs requests the identity key or a derived key.
type GetPublicKeyArgs struct {
	DerivationArgs
	IdentityKey bool `json:"identity_key"` // true: return the collective key itself
}

// GetPublicKeyResult carries a public key.
type GetPublicKeyResult struct {
	PublicKey suite.Identity `json:"public_key"`
}

// EncryptArgs encrypt plaintext under a derived symmetric key.
type EncryptArgs struct {
	DerivationArgs
	Plaintext []byte `json:"plaintext"`
}

// EncryptResult carries nonce-prefixed AEAD ciphertext.
type EncryptResult struct {
	Ciphertext []byte `json:"ciphertext"`
}

// DecryptArgs reverse EncryptArgs.
type DecryptArgs struct {
	DerivationArgs
	Ciphertext []byte `json:"ciphertext"`
}

// DecryptResult carries recovered plaintext.
type DecryptResult struct {
	Plaintext []byte `json:"plaintext"`
}

// CreateSignatureArgs sign data (or a precomputed 32-byte hash) under a
// derived key.
type CreateSignatureArgs struct {
	DerivationArgs
	Data       []byte `json:"data,omitempty"`
	HashToSign []byte `json:"hash_to_sign,omitempty"`
}

// CreateSignatureResult carries the signature.
type CreateSignatureResult struct {
	Signature []byte `json:"signature"`
}

// VerifySignatureArgs verify a signature produced by CreateSignature.
type VerifySignatureArgs struct {
	DerivationArgs
	Data         []byte `json:"data,omitempty"`
	HashToVerify []byte `json:"hash_to_verify,omitempty"`
	Signature    []byte `json:"signature"`
	// ForSelf verifies a signature the wallet itself produced; otherwise the
	// signature is checked under the counterparty's identity key.
	ForSelf bool `json:"for_self"`
}

// VerifySignatureResult reports validity.
type VerifySignatureResult struct {
	Valid bool `json:"valid"`
}

// CreateHMACArgs authenticate data under a derived MAC key.
type CreateHMACArgs struct {
	DerivationArgs
	Data []byte `json:"data"`
}

// CreateHMACResult carries the MAC.
type CreateHMACResult struct {
	HMAC []byte `json:"hmac"`
}

// VerifyHMACArgs check a MAC.
type VerifyHMACArgs struct {
	DerivationArgs
	Data []byte `json:"data"`
	HMAC []byte `json:"hmac"`
}

// VerifyHMACResult reports validity.
type VerifyHMACResult struct {
	Valid bool `json:"valid"`
}

// ActionOutput is one output of a constructed transaction.
type ActionOutput struct {
	Amount      uint64         `json:"amount"`
	To          suite.Identity `json:"to"`
	Description string         `json:"description,omitempty"`
}

// CreateActionArgs construct a spendable action.
type CreateActionArgs struct {
	Description string         `json:"description"`
	Outputs     []ActionOutput `json:"outputs"`
	Data        [][]byte       `json:"data,omitempty"`
}

// CreateActionResult carries the transaction id and raw bytes.
type CreateActionResult struct {
	TxID common.Hash `json:"tx_id"`
	Raw  []byte      `json:"raw"`
}

// InternalizeActionArgs ingest an external serialized transaction.
type InternalizeActionArgs struct {
	Tx          []byte `json:"tx"`
	OutputIndex *int   `json:"output_index,omitempty"` // nil: scan all outputs
	Description string `json:"description,omitempty"`
}

// InternalizeActionResult reports how much became spendable.
type InternalizeActionResult struct {
	Accepted       bool   `json:"accepted"`
	AmountAccepted uint64 `json:"amount_accepted"`
}

// Interface is the wallet capability set.
type Interface interface {
	GetPublicKey(ctx context.Context, args GetPublicKeyArgs) (*GetPublicKeyResult, error)
	DeriveSharedSecret(ctx context.Context, counterparty suite.Identity, purpose string) ([]byte, error)
	Encrypt(ctx context.Context, args EncryptArgs) (*EncryptResult, error)
	Decrypt(ctx context.Context, args DecryptArgs) (*DecryptResult, error)
	CreateSignature(ctx context.Context, args CreateSignatureArgs) (*CreateSignatureResult, error)
	VerifySignature(ctx context.Context, args VerifySignatureArgs) (*VerifySignatureResult, error)
	CreateHMAC(ctx context.Context, args CreateHMACArgs) (*CreateHMACResult, error)
	VerifyHMAC(ctx context.Context, args VerifyHMACArgs) (*VerifyHMACResult, error)
	CreateAction(ctx context.Context, args CreateActionArgs) (*CreateActionResult, error)
	InternalizeAction(ctx context.Context, args InternalizeActionArgs) (*InternalizeActionResult, error)
}
