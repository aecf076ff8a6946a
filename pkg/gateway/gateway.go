// Copyright 2026 Mandala Network
//
// Gateway orchestration.
// Binds the wallet, envelope engine, identity gate, session manager, audit
// chain, vault and agent loop into the per-message pipeline: receive,
// decrypt, authenticate, run the agent, sign and seal, send, audit.

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Mandala-Network/AGiD-sub000/pkg/agent"
	"github.com/Mandala-Network/AGiD-sub000/pkg/audit"
	"github.com/Mandala-Network/AGiD-sub000/pkg/auditdb"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/envelope"
	"github.com/Mandala-Network/AGiD-sub000/pkg/identity"
	"github.com/Mandala-Network/AGiD-sub000/pkg/messaging"
	"github.com/Mandala-Network/AGiD-sub000/pkg/session"
	"github.com/Mandala-Network/AGiD-sub000/pkg/vault"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

// Stable user-visible error strings (spec'd mapping; everything else is an
// opaque internal error with a reference id).
const (
	msgIdentityNotVerified = "identity not verified"
	msgAccessRevoked       = "access revoked"
	msgWalletUnavailable   = "wallet unavailable, retry"
	msgInternalError       = "internal error"
)

// Config wires the gateway's collaborators.
type Config struct {
	Wallet   *wallet.Threshold
	Verifier *identity.Verifier
	Sessions *session.Manager
	Chain    *audit.Chain
	Anchors  *audit.AnchorManager
	Vault    *vault.Vault
	Loop     *agent.Loop
	Adapter  messaging.Adapter
	Archive  *auditdb.Repository // optional
	Metrics  *Metrics            // optional

	RatePerSecond float64
	RateBurst     int

	// Memory augmentation bounds.
	MemoryTopK        int
	MemoryTokenBudget int

	Logger *log.Logger
}

// Gateway is the per-request orchestrator.
type Gateway struct {
	cfg Config

	engine *envelope.Engine
	conv   *messaging.Conversations

	limMu    sync.Mutex
	limiters map[suite.Identity]*rate.Limiter

	logger *log.Logger
}

// New creates a gateway.
func New(cfg Config) (*Gateway, error) {
	if cfg.Wallet == nil || cfg.Sessions == nil || cfg.Chain == nil || cfg.Adapter == nil {
		return nil, fmt.Errorf("gateway requires wallet, sessions, chain and adapter")
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}
	if cfg.MemoryTopK <= 0 {
		cfg.MemoryTopK = 3
	}
	if cfg.MemoryTokenBudget <= 0 {
		cfg.MemoryTokenBudget = 2000
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Gateway] ", log.LstdFlags)
	}

	g := &Gateway{
		cfg:      cfg,
		limiters: make(map[suite.Identity]*rate.Limiter),
		logger:   logger,
	}
	g.engine = envelope.New(cfg.Wallet, cfg.Sessions.HasSeen)
	g.conv = messaging.NewConversations(cfg.Adapter, cfg.Wallet, g.handle, logger)
	return g, nil
}

// Start initializes the adapter and begins consuming the inbox.
func (g *Gateway) Start(ctx context.Context) (messaging.Subscription, error) {
	if err := g.cfg.Adapter.Init(ctx, g.cfg.Wallet.Identity()); err != nil {
		return nil, fmt.Errorf("init messaging: %w", err)
	}
	g.logger.Printf("gateway listening as %s", g.cfg.Wallet.Identity())
	return g.conv.Start(ctx)
}

// handle runs the inbound pipeline for one message.
func (g *Gateway) handle(ctx context.Context, msg *messaging.Message) error {
	if !g.limiter(msg.Sender).Allow() {
		g.drop(ctx, msg.Sender, "rate_limited", nil)
		return nil
	}

	var p Payload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		g.drop(ctx, msg.Sender, "malformed_payload", nil)
		return nil
	}

	plaintext, err := g.engine.VerifyAndOpen(ctx, msg.Sender, p.Envelope)
	if err != nil {
		// Undecryptable or replayed messages are dropped with an audit
		// entry; there is no authenticated channel to reply on.
		switch {
		case errors.Is(err, envelope.ErrReplay):
			g.drop(ctx, msg.Sender, "replay", msg.Payload)
		case errors.Is(err, envelope.ErrBadSignature):
			g.drop(ctx, msg.Sender, "bad_signature", msg.Payload)
		case errors.Is(err, envelope.ErrCiphertextTampered):
			g.drop(ctx, msg.Sender, "ciphertext_tampered", msg.Payload)
		default:
			g.drop(ctx, msg.Sender, "decryption", msg.Payload)
		}
		return nil
	}
	g.cfg.Sessions.MarkSeen(p.Context.SessionID, p.Context.KeyID())

	var req Request
	if err := json.Unmarshal(plaintext, &req); err != nil {
		g.drop(ctx, msg.Sender, "malformed_request", nil)
		return nil
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RequestsTotal.WithLabelValues(string(req.Kind)).Inc()
	}

	reply := g.dispatch(ctx, msg.Sender, p.Certificate, &req, plaintext)
	return g.send(ctx, msg.Sender, p.Context.SessionID, reply)
}

// dispatch routes a decrypted request and folds failures into the stable
// user-visible mapping.
func (g *Gateway) dispatch(ctx context.Context, sender suite.Identity, cert *identity.Certificate, req *Request, rawInput []byte) *Reply {
	reply, err := g.route(ctx, sender, cert, req)
	if err == nil {
		g.observe("ok")
		return reply
	}
	g.observe("error")

	userMsg, opaque := mapError(err)
	out := &Reply{OK: false, Error: userMsg}
	if opaque {
		out.ReferenceID = uuid.NewString()
	}
	entry, aerr := g.record(ctx, audit.CreateEntryArgs{
		Action:  "request.failed",
		UserKey: sender,
		Input:   rawInput,
		Output:  []byte(err.Error()),
		Metadata: map[string]string{
			"kind":         string(req.Kind),
			"reference_id": out.ReferenceID,
		},
	})
	if aerr == nil && entry != nil {
		g.logger.Printf("request failed (ref %s, audit %d): %v", out.ReferenceID, entry.Index, err)
	} else {
		g.logger.Printf("request failed (ref %s): %v", out.ReferenceID, err)
	}
	return out
}

func (g *Gateway) route(ctx context.Context, sender suite.Identity, cert *identity.Certificate, req *Request) (*Reply, error) {
	switch req.Kind {
	case KindSessionCreate:
		s, err := g.cfg.Sessions.Create(sender)
		if err != nil {
			return nil, err
		}
		g.record(ctx, audit.CreateEntryArgs{Action: "session.create", UserKey: sender, Input: []byte(s.ID)})
		return &Reply{OK: true, SessionID: s.ID, Nonce: s.Nonce, ExpiresAt: s.ExpiresAt.UnixMilli()}, nil

	case KindSessionVerify:
		s, err := g.cfg.Sessions.Verify(req.SessionID, req.NonceSignature, req.ClientTimestamp)
		if err != nil {
			g.record(ctx, audit.CreateEntryArgs{
				Action: "session.verify.failed", UserKey: sender, Input: []byte(req.SessionID),
				Output: []byte(err.Error()),
			})
			return nil, err
		}
		g.record(ctx, audit.CreateEntryArgs{Action: "session.verified", UserKey: sender, Input: []byte(s.ID)})
		return &Reply{OK: true, SessionID: s.ID, ExpiresAt: s.ExpiresAt.UnixMilli()}, nil

	case KindSessionRefresh:
		s, err := g.cfg.Sessions.Refresh(req.SessionID)
		if err != nil {
			return nil, err
		}
		g.record(ctx, audit.CreateEntryArgs{Action: "session.refreshed", UserKey: sender, Input: []byte(s.ID)})
		return &Reply{OK: true, SessionID: s.ID, ExpiresAt: s.ExpiresAt.UnixMilli()}, nil

	case KindPrompt:
		return g.handlePrompt(ctx, sender, cert, req)

	default:
		return nil, fmt.Errorf("unknown request kind %q", req.Kind)
	}
}

// handlePrompt authenticates the caller and runs the agent loop.
func (g *Gateway) handlePrompt(ctx context.Context, sender suite.Identity, cert *identity.Certificate, req *Request) (*Reply, error) {
	sc := agent.SessionContext{UserKey: sender}

	// Certificate, when presented, must verify through the gate.
	if cert != nil && g.cfg.Verifier != nil {
		res, err := g.cfg.Verifier.VerifyIdentity(ctx, cert, time.Now())
		if err != nil {
			return nil, err
		}
		if res.Subject != sender {
			return nil, fmt.Errorf("%w: certificate subject is not the sender", identity.ErrInvalidCertificate)
		}
		sc.CertType = string(res.Type)
	}

	// A verified session is required; reuse one when present.
	s, ok := g.cfg.Sessions.VerifiedFor(sender)
	if !ok {
		return nil, session.ErrNotVerified
	}
	if req.SessionID != "" && req.SessionID != s.ID {
		if specific, err := g.cfg.Sessions.Get(req.SessionID); err == nil && specific.Verified {
			s = specific
		} else {
			return nil, session.ErrNotVerified
		}
	}
	sc.SessionID = s.ID
	sc.Verified = true
	g.cfg.Sessions.Touch(s.ID)

	preamble := g.memoryPreamble(ctx, sender, req.Prompt)

	result, err := g.cfg.Loop.Run(ctx, sc, preamble, req.Prompt)
	if err != nil {
		return nil, err
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.AgentIterations.Observe(float64(result.Iterations))
	}

	g.record(ctx, audit.CreateEntryArgs{
		Action:  "prompt.completed",
		UserKey: sender,
		Input:   []byte(req.Prompt),
		Output:  []byte(result.Reply),
		Metadata: map[string]string{
			"session":    s.ID,
			"iterations": fmt.Sprintf("%d", result.Iterations),
			"tool_calls": fmt.Sprintf("%d", result.ToolCalls),
		},
	})
	return &Reply{OK: true, SessionID: s.ID, Answer: result.Reply}, nil
}

// memoryPreamble pulls top-k relevant vault entries into the prompt context
// within the configured budget.
func (g *Gateway) memoryPreamble(ctx context.Context, owner suite.Identity, prompt string) string {
	if g.cfg.Vault == nil || strings.TrimSpace(prompt) == "" {
		return ""
	}
	results, err := g.cfg.Vault.Search(ctx, owner, prompt, g.cfg.MemoryTopK)
	if err != nil || len(results) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant stored context:\n")
	budget := g.cfg.MemoryTokenBudget * 4 // rough bytes-per-token bound
	for _, r := range results {
		content, _, err := g.cfg.Vault.ReadDocument(ctx, owner, r.Path)
		if err != nil {
			continue
		}
		section := fmt.Sprintf("--- %s ---\n%s\n", r.Path, content)
		if b.Len()+len(section) > budget {
			break
		}
		b.WriteString(section)
	}
	return b.String()
}

// send seals and transmits the reply.
func (g *Gateway) send(ctx context.Context, recipient suite.Identity, sessionID string, reply *Reply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshal reply: %w", err)
	}

	index := uint64(time.Now().UnixNano())
	if sessionID != "" {
		if i, err := g.cfg.Sessions.Touch(sessionID); err == nil {
			index = i
		}
	}
	octx := envelope.InteractionContext{
		SessionID:    sessionID,
		MessageIndex: index,
		Timestamp:    time.Now().UnixMilli(),
		Direction:    envelope.Outbound,
	}
	env, err := g.engine.Create(ctx, recipient, body, octx)
	if err != nil {
		return fmt.Errorf("seal reply: %w", err)
	}
	out, err := json.Marshal(Payload{Context: octx, Envelope: env})
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if _, err := g.cfg.Adapter.Send(ctx, recipient, messaging.DefaultBox, out); err != nil {
		return fmt.Errorf("%w: %v", messaging.ErrMessagingIO, err)
	}
	return nil
}

// drop records a message rejected before any reply could be produced.
func (g *Gateway) drop(ctx context.Context, sender suite.Identity, reason string, input []byte) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.DroppedTotal.WithLabelValues(reason).Inc()
	}
	g.record(ctx, audit.CreateEntryArgs{
		Action:   "message.dropped",
		UserKey:  sender,
		Input:    input,
		Metadata: map[string]string{"reason": reason},
	})
	g.logger.Printf("dropped message from %s: %s", sender, reason)
}

// record appends an audit entry and mirrors it to the archive best-effort.
func (g *Gateway) record(ctx context.Context, args audit.CreateEntryArgs) (*audit.Entry, error) {
	entry, err := g.cfg.Chain.CreateEntry(ctx, args)
	if err != nil {
		g.logger.Printf("audit append failed: %v", err)
		return nil, err
	}
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.AuditAppends.Inc()
	}
	if g.cfg.Archive != nil {
		if aerr := g.cfg.Archive.Insert(ctx, entry); aerr != nil {
			g.logger.Printf("audit archive insert failed: %v", aerr)
		}
	}
	return entry, nil
}

// Record implements vault.Auditor for the vault services.
func (g *Gateway) Record(ctx context.Context, args audit.CreateEntryArgs) (*audit.Entry, error) {
	return g.record(ctx, args)
}

func (g *Gateway) observe(outcome string) {
	if g.cfg.Metrics != nil {
		g.cfg.Metrics.RepliesTotal.WithLabelValues(outcome).Inc()
	}
}

func (g *Gateway) limiter(sender suite.Identity) *rate.Limiter {
	g.limMu.Lock()
	defer g.limMu.Unlock()
	lim, ok := g.limiters[sender]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(g.cfg.RatePerSecond), g.cfg.RateBurst)
		g.limiters[sender] = lim
	}
	return lim
}

// mapError folds internal failures into the stable user-visible strings.
// The second return reports whether an opaque reference id is needed.
func mapError(err error) (string, bool) {
	switch {
	case errors.Is(err, identity.ErrRevoked):
		return msgAccessRevoked, false
	case errors.Is(err, identity.ErrInvalidCertificate),
		errors.Is(err, identity.ErrUntrustedIssuer),
		errors.Is(err, identity.ErrCertificateExpired),
		errors.Is(err, identity.ErrRevocationUnknown),
		errors.Is(err, session.ErrUnknown),
		errors.Is(err, session.ErrExpired),
		errors.Is(err, session.ErrNotVerified),
		errors.Is(err, session.ErrTimingAnomaly),
		errors.Is(err, session.ErrStaleTimestamp),
		errors.Is(err, session.ErrBadSignature):
		return msgIdentityNotVerified, false
	case errors.Is(err, thresh.ErrThresholdUnavailable),
		errors.Is(err, wallet.ErrNotAuthorized):
		return msgWalletUnavailable, false
	default:
		return msgInternalError, true
	}
}
