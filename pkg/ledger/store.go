// Copyright 2026 Mandala Network
//
// Wallet ledger store.
// Tracks spendable outputs detected by transaction ingest and the actions the
// wallet has constructed, over a pluggable KV store.

package ledger

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// KV defines the key-value store interface the ledger persists through.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Output is a spendable transaction output addressed to this wallet.
type Output struct {
	TxID      common.Hash `json:"tx_id"`
	Vout      uint32      `json:"vout"`
	Amount    uint64      `json:"amount"`
	Script    []byte      `json:"script,omitempty"`
	Spent     bool        `json:"spent"`
	CreatedAt time.Time   `json:"created_at"`
}

// Outpoint names an output uniquely.
func (o *Output) Outpoint() string {
	return fmt.Sprintf("%s:%d", o.TxID.Hex(), o.Vout)
}

// ActionRecord is a transaction the wallet has constructed.
type ActionRecord struct {
	TxID        common.Hash `json:"tx_id"`
	Raw         []byte      `json:"raw"`
	Description string      `json:"description,omitempty"`
	TotalOut    uint64      `json:"total_out"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Store provides high-level access to wallet ledger data.
//
// CONCURRENCY: Store serializes all access internally; wallet action
// construction and ingest may run from concurrent request tasks.
type Store struct {
	mu sync.Mutex
	kv KV
}

// NewStore creates a ledger store over the given KV.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// ====== KV key layout ======

var (
	keyOutputPrefix = []byte("wallet:output:") // + outpoint -> Output
	keyActionPrefix = []byte("wallet:action:") // + txid -> ActionRecord
	keyOutputIndex  = []byte("wallet:outputs") // -> []string outpoints
)

func outputKey(outpoint string) []byte {
	return append(append([]byte{}, keyOutputPrefix...), []byte(outpoint)...)
}

func actionKey(txid common.Hash) []byte {
	return append(append([]byte{}, keyActionPrefix...), txid.Bytes()...)
}

// ====== Outputs ======

// SaveOutput records a spendable output, maintaining the outpoint index.
func (s *Store) SaveOutput(o *Output) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	op := o.Outpoint()
	found := false
	for _, existing := range index {
		if existing == op {
			found = true
			break
		}
	}
	if !found {
		index = append(index, op)
		if err := s.saveIndex(index); err != nil {
			return err
		}
	}
	return s.put(outputKey(op), o)
}

// GetOutput loads one output by outpoint.
func (s *Store) GetOutput(outpoint string) (*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getOutput(outpoint)
}

func (s *Store) getOutput(outpoint string) (*Output, error) {
	data, err := s.kv.Get(outputKey(outpoint))
	if err != nil {
		return nil, fmt.Errorf("get output: %w", err)
	}
	if data == nil {
		return nil, ErrOutputNotFound
	}
	var o Output
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parse output: %w", err)
	}
	return &o, nil
}

// ListSpendable returns all unspent outputs.
func (s *Store) ListSpendable() ([]*Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	var out []*Output
	for _, op := range index {
		o, err := s.getOutput(op)
		if err != nil {
			if err == ErrOutputNotFound {
				continue
			}
			return nil, err
		}
		if !o.Spent {
			out = append(out, o)
		}
	}
	return out, nil
}

// TotalSpendable sums the unspent output amounts.
func (s *Store) TotalSpendable() (uint64, error) {
	outs, err := s.ListSpendable()
	if err != nil {
		return 0, err
	}
	var total uint64
	for _, o := range outs {
		total += o.Amount
	}
	return total, nil
}

// MarkSpent consumes an output. Spending twice fails.
func (s *Store) MarkSpent(outpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOutput(outpoint)
	if err != nil {
		return err
	}
	if o.Spent {
		return ErrAlreadySpent
	}
	o.Spent = true
	return s.put(outputKey(outpoint), o)
}

// ====== Actions ======

// SaveAction records a constructed transaction.
func (s *Store) SaveAction(a *ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(actionKey(a.TxID), a)
}

// GetAction loads a constructed transaction by id.
func (s *Store) GetAction(txid common.Hash) (*ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := s.kv.Get(actionKey(txid))
	if err != nil {
		return nil, fmt.Errorf("get action: %w", err)
	}
	if data == nil {
		return nil, ErrActionNotFound
	}
	var a ActionRecord
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse action: %w", err)
	}
	return &a, nil
}

// ====== helpers ======

func (s *Store) put(key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return s.kv.Set(key, data)
}

func (s *Store) loadIndex() ([]string, error) {
	data, err := s.kv.Get(keyOutputIndex)
	if err != nil {
		return nil, fmt.Errorf("get output index: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("parse output index: %w", err)
	}
	return index, nil
}

func (s *Store) saveIndex(index []string) error {
	data, err := json.Marshal(index)
	if err != nil {
		return fmt.Errorf("marshal output index: %w", err)
	}
	return s.kv.Set(keyOutputIndex, data)
}

// Uint64Key encodes a uint64 big-endian for ordered KV keys.
func Uint64Key(prefix []byte, v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return append(append([]byte{}, prefix...), b...)
}
