// Copyright 2026 Mandala Network
//
// Wire payloads.
// A messaging payload carries the interaction context the sender derived its
// key identifier from, the envelope itself, and optionally a certificate.
// Inside the envelope, requests are small JSON commands.

package gateway

import (
	"github.com/Mandala-Network/AGiD-sub000/pkg/envelope"
	"github.com/Mandala-Network/AGiD-sub000/pkg/identity"
)

// Payload is the outer, unencrypted frame of one message.
type Payload struct {
	Context     envelope.InteractionContext `json:"context"`
	Envelope    *envelope.Envelope          `json:"envelope"`
	Certificate *identity.Certificate       `json:"certificate,omitempty"`
}

// RequestKind selects the request handler.
type RequestKind string

const (
	// KindSessionCreate opens an unverified session; no authority granted.
	KindSessionCreate RequestKind = "session.create"
	// KindSessionVerify promotes a session with a nonce signature.
	KindSessionVerify RequestKind = "session.verify"
	// KindSessionRefresh extends a verified session.
	KindSessionRefresh RequestKind = "session.refresh"
	// KindPrompt feeds a prompt to the agent loop.
	KindPrompt RequestKind = "prompt"
)

// Request is the decrypted message body.
type Request struct {
	Kind RequestKind `json:"kind"`

	// session.verify
	SessionID       string `json:"session_id,omitempty"`
	NonceSignature  []byte `json:"nonce_signature,omitempty"`
	ClientTimestamp int64  `json:"client_timestamp,omitempty"` // unix ms

	// prompt
	Prompt string `json:"prompt,omitempty"`
}

// Reply is the encrypted response body.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	// ReferenceID indexes the audit log for opaque internal errors.
	ReferenceID string `json:"reference_id,omitempty"`

	// session.create
	SessionID string `json:"session_id,omitempty"`
	Nonce     []byte `json:"nonce,omitempty"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix ms

	// prompt
	Answer string `json:"answer,omitempty"`
}
