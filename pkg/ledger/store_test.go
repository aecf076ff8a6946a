// Copyright 2026 Mandala Network
//
// Ledger store tests.

package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Mandala-Network/AGiD-sub000/pkg/kvdb"
)

func newStore() *Store {
	return NewStore(kvdb.OpenMemory())
}

func output(seed string, vout uint32, amount uint64) *Output {
	return &Output{
		TxID:      crypto.Keccak256Hash([]byte(seed)),
		Vout:      vout,
		Amount:    amount,
		CreatedAt: time.Now().UTC(),
	}
}

func TestSaveAndListSpendable(t *testing.T) {
	s := newStore()
	if err := s.SaveOutput(output("a", 0, 100)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.SaveOutput(output("a", 1, 50)); err != nil {
		t.Fatalf("save: %v", err)
	}

	outs, err := s.ListSpendable()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(outs) != 2 {
		t.Fatalf("spendable: %d, want 2", len(outs))
	}
	total, err := s.TotalSpendable()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 150 {
		t.Errorf("total %d, want 150", total)
	}
}

func TestMarkSpent(t *testing.T) {
	s := newStore()
	o := output("a", 0, 100)
	if err := s.SaveOutput(o); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := s.MarkSpent(o.Outpoint()); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if err := s.MarkSpent(o.Outpoint()); !errors.Is(err, ErrAlreadySpent) {
		t.Errorf("double spend: got %v, want ErrAlreadySpent", err)
	}
	total, err := s.TotalSpendable()
	if err != nil {
		t.Fatalf("total: %v", err)
	}
	if total != 0 {
		t.Errorf("total after spend %d, want 0", total)
	}
}

func TestMarkSpent_Unknown(t *testing.T) {
	s := newStore()
	if err := s.MarkSpent("0xdead:0"); !errors.Is(err, ErrOutputNotFound) {
		t.Errorf("got %v, want ErrOutputNotFound", err)
	}
}

func TestSaveOutputIdempotent(t *testing.T) {
	s := newStore()
	o := output("a", 0, 100)
	for i := 0; i < 3; i++ {
		if err := s.SaveOutput(o); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}
	outs, err := s.ListSpendable()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(outs) != 1 {
		t.Errorf("duplicate index entries: %d outputs", len(outs))
	}
}

func TestActions(t *testing.T) {
	s := newStore()
	txid := crypto.Keccak256Hash([]byte("tx"))
	if _, err := s.GetAction(txid); !errors.Is(err, ErrActionNotFound) {
		t.Errorf("got %v, want ErrActionNotFound", err)
	}

	rec := &ActionRecord{TxID: txid, Raw: []byte("{}"), TotalOut: 9, CreatedAt: time.Now().UTC()}
	if err := s.SaveAction(rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetAction(txid)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.TotalOut != 9 {
		t.Errorf("total out %d, want 9", got.TotalOut)
	}
}
