// Copyright 2026 Mandala Network
//
// Conversation manager.
// Subscribes to the agent inbox, keeps per-peer delivery ordered, hands
// payment messages to the wallet for ingest, and acknowledges messages only
// after the handler finishes.

package messaging

import (
	"context"
	"log"
	"sync"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

// Handler processes one decoded message; returning an error leaves the
// message unacknowledged for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Conversations drives inbox consumption for the gateway.
type Conversations struct {
	adapter Adapter
	wallet  wallet.Interface
	handler Handler
	box     string

	// peer serializes handling per sender so a peer's messages stay ordered
	// while different peers proceed concurrently.
	mu    sync.Mutex
	peers map[suite.Identity]*sync.Mutex

	logger *log.Logger
}

// NewConversations creates a manager over the adapter.
func NewConversations(adapter Adapter, w wallet.Interface, handler Handler, logger *log.Logger) *Conversations {
	if logger == nil {
		logger = log.New(log.Writer(), "[Conversations] ", log.LstdFlags)
	}
	return &Conversations{
		adapter: adapter,
		wallet:  w,
		handler: handler,
		box:     DefaultBox,
		peers:   make(map[suite.Identity]*sync.Mutex),
		logger:  logger,
	}
}

// Start drains pending messages and subscribes for live delivery until ctx
// is cancelled.
func (c *Conversations) Start(ctx context.Context) (Subscription, error) {
	pending, err := c.adapter.ListPending(ctx, c.box, ListOptions{AcceptPayments: true})
	if err != nil {
		return nil, err
	}
	for _, msg := range pending {
		c.dispatch(ctx, msg)
	}

	return c.adapter.Subscribe(ctx, c.box, func(msg *Message) {
		c.dispatch(ctx, msg)
	})
}

func (c *Conversations) dispatch(ctx context.Context, msg *Message) {
	lock := c.peerLock(msg.Sender)
	lock.Lock()
	defer lock.Unlock()

	if msg.Payment != nil {
		res, err := c.wallet.InternalizeAction(ctx, wallet.InternalizeActionArgs{
			Tx:          msg.Payment.SerializedTx,
			OutputIndex: &msg.Payment.OutputIndex,
			Description: "message payment",
		})
		if err != nil {
			c.logger.Printf("payment ingest from %s failed: %v", msg.Sender, err)
		} else if res.Accepted {
			c.logger.Printf("ingested payment of %d from %s", res.AmountAccepted, msg.Sender)
		}
	}

	if len(msg.Payload) > 0 && c.handler != nil {
		if err := c.handler(ctx, msg); err != nil {
			c.logger.Printf("message %s from %s not acknowledged: %v", msg.ID, msg.Sender, err)
			return
		}
	}
	if err := c.adapter.Acknowledge(ctx, []string{msg.ID}); err != nil {
		c.logger.Printf("acknowledge %s: %v", msg.ID, err)
	}
}

func (c *Conversations) peerLock(peer suite.Identity) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.peers[peer]
	if !ok {
		lock = &sync.Mutex{}
		c.peers[peer] = lock
	}
	return lock
}
