// Copyright 2026 Mandala Network
//
// Store-and-forward messaging adapter.
// The gateway consumes this interface; payloads are opaque envelope bytes.
// Memory routes messages between identities in-process for tests and
// single-host deployments.

package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

var (
	// ErrNotInitialized is returned when an adapter is used before Init.
	ErrNotInitialized = errors.New("messaging adapter not initialized")

	// ErrMessagingIO is returned when transport to the message box fails.
	ErrMessagingIO = errors.New("messaging io failure")
)

// DefaultBox is the conventional inbox name for agent traffic.
const DefaultBox = "agent-inbox"

// Payment accompanies a message carrying funds for the agent wallet.
type Payment struct {
	SerializedTx    []byte            `json:"serialized_tx"`
	OutputIndex     int               `json:"output_index"`
	DerivationHints map[string]string `json:"derivation_hints,omitempty"`
	Amount          uint64            `json:"amount"`
}

// Message is one store-and-forward item.
type Message struct {
	ID      string         `json:"id"`
	Sender  suite.Identity `json:"sender"`
	Box     string         `json:"box"`
	Payload []byte         `json:"payload"`
	Payment *Payment       `json:"payment,omitempty"`
	SentAt  time.Time      `json:"sent_at"`
}

// ListOptions filter ListPending.
type ListOptions struct {
	AcceptPayments bool
}

// Subscription is a live message feed; Close stops delivery.
type Subscription interface {
	Close() error
}

// Adapter is the interface the gateway consumes.
type Adapter interface {
	Init(ctx context.Context, agentIdentity suite.Identity) error
	Send(ctx context.Context, recipient suite.Identity, box string, payload []byte) (string, error)
	SendPayment(ctx context.Context, recipient suite.Identity, box string, payload []byte, payment *Payment) (string, error)
	Subscribe(ctx context.Context, box string, handler func(msg *Message)) (Subscription, error)
	ListPending(ctx context.Context, box string, opts ListOptions) ([]*Message, error)
	Acknowledge(ctx context.Context, ids []string) error
	AnointHost(ctx context.Context, host string) (string, error)
}

// ====== In-memory bus ======

type boxKey struct {
	identity suite.Identity
	box      string
}

// Bus routes messages between in-process adapters.
type Bus struct {
	mu      sync.Mutex
	pending map[boxKey][]*Message
	subs    map[boxKey]map[string]func(msg *Message)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		pending: make(map[boxKey][]*Message),
		subs:    make(map[boxKey]map[string]func(msg *Message)),
	}
}

// Memory is an adapter bound to one identity on a shared bus.
type Memory struct {
	bus      *Bus
	identity suite.Identity

	mu        sync.Mutex
	anointed  string
	anointRef string
}

// NewMemory creates an adapter on the bus.
func NewMemory(bus *Bus) *Memory {
	return &Memory{bus: bus}
}

// Init binds the adapter to the agent identity.
func (m *Memory) Init(_ context.Context, agentIdentity suite.Identity) error {
	if _, err := suite.ParseIdentity(agentIdentity); err != nil {
		return fmt.Errorf("agent identity: %w", err)
	}
	m.mu.Lock()
	m.identity = agentIdentity
	m.mu.Unlock()
	return nil
}

func (m *Memory) self() (suite.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.identity == "" {
		return "", ErrNotInitialized
	}
	return m.identity, nil
}

// Send delivers payload to the recipient's box.
func (m *Memory) Send(ctx context.Context, recipient suite.Identity, box string, payload []byte) (string, error) {
	return m.SendPayment(ctx, recipient, box, payload, nil)
}

// SendPayment delivers payload with an attached payment.
func (m *Memory) SendPayment(_ context.Context, recipient suite.Identity, box string, payload []byte, payment *Payment) (string, error) {
	sender, err := m.self()
	if err != nil {
		return "", err
	}
	msg := &Message{
		ID:      uuid.NewString(),
		Sender:  sender,
		Box:     box,
		Payload: append([]byte(nil), payload...),
		Payment: payment,
		SentAt:  time.Now(),
	}
	key := boxKey{identity: recipient, box: box}

	m.bus.mu.Lock()
	var handlers []func(msg *Message)
	for _, h := range m.bus.subs[key] {
		handlers = append(handlers, h)
	}
	if len(handlers) == 0 {
		m.bus.pending[key] = append(m.bus.pending[key], msg)
	}
	m.bus.mu.Unlock()

	for _, h := range handlers {
		h(msg)
	}
	return msg.ID, nil
}

type memSubscription struct {
	bus *Bus
	key boxKey
	id  string
}

func (s *memSubscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.key], s.id)
	return nil
}

// Subscribe registers a live handler; queued messages are delivered first.
func (m *Memory) Subscribe(_ context.Context, box string, handler func(msg *Message)) (Subscription, error) {
	self, err := m.self()
	if err != nil {
		return nil, err
	}
	key := boxKey{identity: self, box: box}
	id := uuid.NewString()

	m.bus.mu.Lock()
	queued := m.bus.pending[key]
	delete(m.bus.pending, key)
	if m.bus.subs[key] == nil {
		m.bus.subs[key] = make(map[string]func(msg *Message))
	}
	m.bus.subs[key][id] = handler
	m.bus.mu.Unlock()

	for _, msg := range queued {
		handler(msg)
	}
	return &memSubscription{bus: m.bus, key: key, id: id}, nil
}

// ListPending returns undelivered messages for a box.
func (m *Memory) ListPending(_ context.Context, box string, opts ListOptions) ([]*Message, error) {
	self, err := m.self()
	if err != nil {
		return nil, err
	}
	key := boxKey{identity: self, box: box}

	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	var out []*Message
	for _, msg := range m.bus.pending[key] {
		if msg.Payment != nil && !opts.AcceptPayments {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// Acknowledge removes delivered messages from the pending queue.
func (m *Memory) Acknowledge(_ context.Context, ids []string) error {
	self, err := m.self()
	if err != nil {
		return err
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}

	m.bus.mu.Lock()
	defer m.bus.mu.Unlock()
	for key, msgs := range m.bus.pending {
		if key.identity != self {
			continue
		}
		var kept []*Message
		for _, msg := range msgs {
			if !acked[msg.ID] {
				kept = append(kept, msg)
			}
		}
		m.bus.pending[key] = kept
	}
	return nil
}

// AnointHost records the message box host this agent advertises.
func (m *Memory) AnointHost(_ context.Context, host string) (string, error) {
	if _, err := m.self(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.anointed = host
	m.anointRef = uuid.NewString()
	return m.anointRef, nil
}
