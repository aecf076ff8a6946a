// Copyright 2026 Mandala Network
//
// Per-interaction encryption engine.
// Each message travels in an envelope: AEAD ciphertext under a key that
// exists for exactly one interaction context, plus a signed body binding the
// ciphertext hash, the key identifier, the protocol tag and both principals.
// Compromise of one message key reveals nothing about sibling messages.

package envelope

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/Mandala-Network/AGiD-sub000/pkg/commitment"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

// Envelope is the wire form of one encrypted message.
type Envelope struct {
	Ciphertext   []byte          `json:"ciphertext"`
	KeyID        string          `json:"key_id"`
	ProtocolTag  wallet.Protocol `json:"protocol_tag"`
	SenderKey    suite.Identity  `json:"sender_key"`
	RecipientKey suite.Identity  `json:"recipient_key"`
	Signature    []byte          `json:"signature"`
	SignedBody   []byte          `json:"signed_body"`
	Timestamp    int64           `json:"timestamp"` // unix milliseconds
}

// signedBody is the canonically serialized structure the sender signs.
type signedBody struct {
	CiphertextHash string          `json:"ciphertext_hash"`
	KeyID          string          `json:"key_id"`
	ProtocolTag    wallet.Protocol `json:"protocol_tag"`
	Sender         suite.Identity  `json:"sender"`
	Recipient      suite.Identity  `json:"recipient"`
	Timestamp      int64           `json:"timestamp"`
}

// SeenFunc reports whether a key identifier was already consumed inbound.
// The consumer owns the seen set; the engine only asks.
type SeenFunc func(keyID string) bool

// Engine creates and opens envelopes for one keyring.
type Engine struct {
	keyring Keyring
	seen    SeenFunc
}

// MessagingProtocol is the protocol tag for per-interaction messaging keys.
var MessagingProtocol = wallet.Protocol{
	SecurityLevel: wallet.SecurityLevelCounterparty,
	Protocol:      "agent messaging",
}

// StorageProtocol is the protocol tag for data-at-rest keys.
var StorageProtocol = wallet.Protocol{
	SecurityLevel: wallet.SecurityLevelApp,
	Protocol:      "agent storage",
}

// New creates an engine. seen may be nil when replay protection is handled
// elsewhere (outbound-only use).
func New(keyring Keyring, seen SeenFunc) *Engine {
	return &Engine{keyring: keyring, seen: seen}
}

// Create encrypts plaintext to recipient for the given interaction context
// and signs the envelope body.
func (e *Engine) Create(ctx context.Context, recipient suite.Identity, plaintext []byte, ictx InteractionContext) (*Envelope, error) {
	keyID := ictx.KeyID()
	key, err := e.keyring.SymmetricKey(ctx, MessagingProtocol, keyID, recipient)
	if err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	defer suite.Zero(key)

	ciphertext, err := suite.Seal(key, plaintext, []byte(keyID))
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}

	body := signedBody{
		CiphertextHash: commitment.HashHex(ciphertext),
		KeyID:          keyID,
		ProtocolTag:    MessagingProtocol,
		Sender:         e.keyring.Identity(),
		Recipient:      recipient,
		Timestamp:      ictx.Timestamp,
	}
	bodyBytes, err := commitment.Canonical(body)
	if err != nil {
		return nil, err
	}
	sig, err := e.keyring.SignDigest(ctx, suite.Hash(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("sign envelope: %w", err)
	}

	return &Envelope{
		Ciphertext:   ciphertext,
		KeyID:        keyID,
		ProtocolTag:  MessagingProtocol,
		SenderKey:    e.keyring.Identity(),
		RecipientKey: recipient,
		Signature:    sig,
		SignedBody:   bodyBytes,
		Timestamp:    ictx.Timestamp,
	}, nil
}

// VerifyAndOpen authenticates and decrypts an envelope from sender.
// Failure order: signature, ciphertext hash, decryption, replay.
func (e *Engine) VerifyAndOpen(ctx context.Context, sender suite.Identity, env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrBadSignature)
	}
	if env.SenderKey != sender {
		return nil, fmt.Errorf("%w: claimed sender mismatch", ErrBadSignature)
	}
	if err := VerifyFrom(sender, suite.Hash(env.SignedBody), env.Signature); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	// The signed body must describe this exact ciphertext and context.
	var body signedBody
	if err := unmarshalCanonical(env.SignedBody, &body); err != nil {
		return nil, fmt.Errorf("%w: unreadable signed body", ErrBadSignature)
	}
	if body.Sender != sender || body.Recipient != e.keyring.Identity() ||
		body.KeyID != env.KeyID || body.ProtocolTag != env.ProtocolTag {
		return nil, fmt.Errorf("%w: signed body does not match envelope", ErrBadSignature)
	}
	if body.CiphertextHash != commitment.HashHex(env.Ciphertext) {
		return nil, ErrCiphertextTampered
	}

	key, err := e.keyring.SymmetricKey(ctx, env.ProtocolTag, env.KeyID, sender)
	if err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	defer suite.Zero(key)

	plaintext, err := suite.Open(key, env.Ciphertext, []byte(env.KeyID))
	if err != nil {
		return nil, ErrDecryption
	}

	if e.seen != nil && e.seen(env.KeyID) {
		return nil, ErrReplay
	}
	return plaintext, nil
}

// EncryptForStorage reuses the engine for data at rest: the key is derived
// from the owner's identity key and the purpose string.
func (e *Engine) EncryptForStorage(ctx context.Context, owner suite.Identity, purpose string, plaintext []byte) (keyID string, ciphertext []byte, err error) {
	keyID = StorageKeyID(purpose)
	key, err := e.keyring.SymmetricKey(ctx, StorageProtocol, keyID, owner)
	if err != nil {
		return "", nil, fmt.Errorf("derive storage key: %w", err)
	}
	defer suite.Zero(key)
	ciphertext, err = suite.Seal(key, plaintext, []byte(keyID))
	if err != nil {
		return "", nil, err
	}
	return keyID, ciphertext, nil
}

// DecryptFromStorage reverses EncryptForStorage given the stored keyID.
func (e *Engine) DecryptFromStorage(ctx context.Context, owner suite.Identity, keyID string, ciphertext []byte) ([]byte, error) {
	key, err := e.keyring.SymmetricKey(ctx, StorageProtocol, keyID, owner)
	if err != nil {
		return nil, fmt.Errorf("derive storage key: %w", err)
	}
	defer suite.Zero(key)
	plain, err := suite.Open(key, ciphertext, []byte(keyID))
	if err != nil {
		return nil, ErrDecryption
	}
	return plain, nil
}

func unmarshalCanonical(data []byte, v interface{}) error {
	canonical, err := commitment.CanonicalizeJSON(data)
	if err != nil {
		return err
	}
	if !bytes.Equal(canonical, data) {
		return fmt.Errorf("body not canonical")
	}
	return json.Unmarshal(data, v)
}
