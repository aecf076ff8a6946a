// Copyright 2026 Mandala Network
//
// Audit entries.
// Raw user keys, inputs and outputs never enter the chain; only their hashes
// do. Every entry commits to its predecessor by hash and is signed by the
// agent's wallet.

package audit

import (
	"encoding/hex"

	"github.com/Mandala-Network/AGiD-sub000/pkg/commitment"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// Entry is one record in the signed audit chain.
type Entry struct {
	Index             uint64            `json:"index"`
	Timestamp         int64             `json:"timestamp"` // unix milliseconds
	Action            string            `json:"action"`
	UserKeyHash       string            `json:"user_key_hash"`
	AgentKey          suite.Identity    `json:"agent_key"`
	InputHash         string            `json:"input_hash"`
	OutputHash        string            `json:"output_hash"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	PreviousEntryHash string            `json:"previous_entry_hash"`
	EntrySignature    []byte            `json:"entry_signature"`
}

// entryBody is the signed portion.
type entryBody struct {
	Index             uint64            `json:"index"`
	Timestamp         int64             `json:"timestamp"`
	Action            string            `json:"action"`
	UserKeyHash       string            `json:"user_key_hash"`
	AgentKey          suite.Identity    `json:"agent_key"`
	InputHash         string            `json:"input_hash"`
	OutputHash        string            `json:"output_hash"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	PreviousEntryHash string            `json:"previous_entry_hash"`
}

// SigningBytes returns the canonical serialization the agent signs.
func (e *Entry) SigningBytes() ([]byte, error) {
	return commitment.Canonical(entryBody{
		Index:             e.Index,
		Timestamp:         e.Timestamp,
		Action:            e.Action,
		UserKeyHash:       e.UserKeyHash,
		AgentKey:          e.AgentKey,
		InputHash:         e.InputHash,
		OutputHash:        e.OutputHash,
		Metadata:          e.Metadata,
		PreviousEntryHash: e.PreviousEntryHash,
	})
}

// Hash returns the 32-byte hash committing to the whole entry, signature
// included. Successor entries link through this value.
func (e *Entry) Hash() ([]byte, error) {
	b, err := commitment.Canonical(e)
	if err != nil {
		return nil, err
	}
	return suite.Hash(b), nil
}

// GenesisPreviousHash is the predecessor hash of entry zero.
func GenesisPreviousHash() string {
	return hex.EncodeToString(commitment.ZeroHash)
}

// HashValue hex-hashes an arbitrary value for inclusion in an entry. Empty
// input hashes to the hash of nothing, which keeps entries comparable.
func HashValue(v []byte) string {
	return hex.EncodeToString(suite.Hash(v))
}

// HashValueRaw hex-encodes an already-computed hash.
func HashValueRaw(h []byte) string {
	return hex.EncodeToString(h)
}
