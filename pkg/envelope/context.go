// Copyright 2026 Mandala Network
//
// Interaction contexts and key identifiers.
// The deterministic mapping from an interaction context to a key identifier
// is the sole source of forward-secrecy uniqueness: every message and every
// stored object encrypts under a key that exists for that context only.

package envelope

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// Direction of a message within a session.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// InteractionContext identifies one message within a session.
type InteractionContext struct {
	SessionID    string    `json:"session_id"`
	MessageIndex uint64    `json:"message_index"`
	Timestamp    int64     `json:"timestamp"` // unix milliseconds
	Direction    Direction `json:"direction"`
}

// KeyID derives the opaque key identifier for this context:
// hex(SHA-256(sessionID || messageIndex || timestamp || direction)).
func (c InteractionContext) KeyID() string {
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], c.MessageIndex)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.Timestamp))
	sum := suite.Hash([]byte(c.SessionID), idx[:], ts[:], []byte(c.Direction))
	return hex.EncodeToString(sum)
}

// StorageKeyID derives a key identifier for data at rest, keyed by purpose
// instead of an interaction context.
func StorageKeyID(purpose string) string {
	return hex.EncodeToString(suite.Hash([]byte("storage:"), []byte(purpose)))
}
