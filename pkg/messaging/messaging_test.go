// Copyright 2026 Mandala Network
//
// Messaging adapter and conversation manager tests.

package messaging

import (
	"context"
	"sync"
	"testing"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

func newAdapter(t *testing.T, bus *Bus) (*Memory, suite.Identity) {
	t.Helper()
	a := NewMemory(bus)
	id := suite.NewKeyPair().Identity()
	if err := a.Init(context.Background(), id); err != nil {
		t.Fatalf("init: %v", err)
	}
	return a, id
}

func TestSendBeforeInitFails(t *testing.T) {
	a := NewMemory(NewBus())
	if _, err := a.Send(context.Background(), suite.NewKeyPair().Identity(), DefaultBox, []byte("x")); err != ErrNotInitialized {
		t.Errorf("got %v, want ErrNotInitialized", err)
	}
}

func TestPendingAndAcknowledge(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sender, _ := newAdapter(t, bus)
	receiver, receiverID := newAdapter(t, bus)

	id1, err := sender.Send(ctx, receiverID, DefaultBox, []byte("one"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := sender.Send(ctx, receiverID, DefaultBox, []byte("two")); err != nil {
		t.Fatalf("send: %v", err)
	}

	pending, err := receiver.ListPending(ctx, DefaultBox, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending: %d, want 2", len(pending))
	}

	if err := receiver.Acknowledge(ctx, []string{id1}); err != nil {
		t.Fatalf("ack: %v", err)
	}
	pending, err = receiver.ListPending(ctx, DefaultBox, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 || string(pending[0].Payload) != "two" {
		t.Fatalf("pending after ack: %+v", pending)
	}
}

func TestListPending_PaymentFilter(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sender, _ := newAdapter(t, bus)
	receiver, receiverID := newAdapter(t, bus)

	if _, err := sender.SendPayment(ctx, receiverID, DefaultBox, []byte("paid"), &Payment{Amount: 5}); err != nil {
		t.Fatalf("send payment: %v", err)
	}

	without, err := receiver.ListPending(ctx, DefaultBox, ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(without) != 0 {
		t.Error("payment message listed without AcceptPayments")
	}
	with, err := receiver.ListPending(ctx, DefaultBox, ListOptions{AcceptPayments: true})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(with) != 1 {
		t.Error("payment message missing with AcceptPayments")
	}
}

func TestSubscribeDrainsQueue(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sender, _ := newAdapter(t, bus)
	receiver, receiverID := newAdapter(t, bus)

	if _, err := sender.Send(ctx, receiverID, DefaultBox, []byte("queued")); err != nil {
		t.Fatalf("send: %v", err)
	}

	var mu sync.Mutex
	var got []string
	sub, err := receiver.Subscribe(ctx, DefaultBox, func(msg *Message) {
		mu.Lock()
		got = append(got, string(msg.Payload))
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if _, err := sender.Send(ctx, receiverID, DefaultBox, []byte("live")); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "queued" || got[1] != "live" {
		t.Errorf("delivered: %v", got)
	}
}

func TestAnointHost(t *testing.T) {
	bus := NewBus()
	a, _ := newAdapter(t, bus)
	ref, err := a.AnointHost(context.Background(), "https://box.example")
	if err != nil {
		t.Fatalf("anoint: %v", err)
	}
	if ref == "" {
		t.Error("empty commitment ref")
	}
}

// ingestRecorder implements just enough of wallet.Interface for the
// conversation manager.
type ingestRecorder struct {
	wallet.Interface
	ingested int
}

func (r *ingestRecorder) InternalizeAction(_ context.Context, args wallet.InternalizeActionArgs) (*wallet.InternalizeActionResult, error) {
	r.ingested++
	return &wallet.InternalizeActionResult{Accepted: true, AmountAccepted: 7}, nil
}

func TestConversations_PaymentIngestAndOrdering(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()
	sender, _ := newAdapter(t, bus)
	agentAdapter, agentID := newAdapter(t, bus)

	rec := &ingestRecorder{}
	var mu sync.Mutex
	var handled []string
	conv := NewConversations(agentAdapter, rec, func(_ context.Context, msg *Message) error {
		mu.Lock()
		handled = append(handled, string(msg.Payload))
		mu.Unlock()
		return nil
	}, nil)

	sub, err := conv.Start(ctx)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer sub.Close()

	if _, err := sender.SendPayment(ctx, agentID, DefaultBox, []byte("m1"), &Payment{Amount: 7, SerializedTx: []byte("{}")}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := sender.Send(ctx, agentID, DefaultBox, []byte("m2")); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if rec.ingested != 1 {
		t.Errorf("ingested %d payments, want 1", rec.ingested)
	}
	if len(handled) != 2 || handled[0] != "m1" || handled[1] != "m2" {
		t.Errorf("handled: %v", handled)
	}
}
