// Copyright 2026 Mandala Network
//
// Gateway pipeline tests over the in-memory bus.

package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/Mandala-Network/AGiD-sub000/pkg/agent"
	"github.com/Mandala-Network/AGiD-sub000/pkg/audit"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/thresh"
	"github.com/Mandala-Network/AGiD-sub000/pkg/envelope"
	"github.com/Mandala-Network/AGiD-sub000/pkg/identity"
	"github.com/Mandala-Network/AGiD-sub000/pkg/kvdb"
	"github.com/Mandala-Network/AGiD-sub000/pkg/ledger"
	"github.com/Mandala-Network/AGiD-sub000/pkg/messaging"
	"github.com/Mandala-Network/AGiD-sub000/pkg/session"
	"github.com/Mandala-Network/AGiD-sub000/pkg/storage"
	"github.com/Mandala-Network/AGiD-sub000/pkg/vault"
	"github.com/Mandala-Network/AGiD-sub000/pkg/wallet"
)

// echoModel replies with a fixed answer on its first call.
type echoModel struct{ answer string }

func (m *echoModel) Complete(_ context.Context, req agent.Request) (*agent.Response, error) {
	return &agent.Response{FinalReply: m.answer, TokensUsed: 5}, nil
}

type fixture struct {
	bus      *messaging.Bus
	gw       *Gateway
	chain    *audit.Chain
	auth     *identity.Authority
	sessions *session.Manager
	agentID  suite.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	local := thresh.NewParty(0, suite.NewKeyPair(), nil, nil)
	eng := thresh.NewEngine(local, nil, thresh.EngineConfig{Threshold: 1})
	if err := eng.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	w := wallet.NewThreshold(eng, ledger.NewStore(kvdb.OpenMemory()), nil)

	certifier := suite.NewKeyPair()
	auth := identity.NewAuthority(&plainSigner{kp: certifier}, nil, nil)
	verifier := identity.NewVerifier([]suite.Identity{certifier.Identity()}, auth.Revocations())

	sessions := session.NewManager(session.Config{
		TimingAnomalyThreshold: 100 * time.Millisecond,
	})
	chain, err := audit.Open("", w, nil)
	if err != nil {
		t.Fatalf("chain: %v", err)
	}
	v, err := vault.New(w, storage.NewMemory(), nil, nil, nil)
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	loop := agent.NewLoop(agent.NewRegistry(), &echoModel{answer: "hello from agent"}, agent.Config{})

	bus := messaging.NewBus()
	gw, err := New(Config{
		Wallet:   w,
		Verifier: verifier,
		Sessions: sessions,
		Chain:    chain,
		Vault:    v,
		Loop:     loop,
		Adapter:  messaging.NewMemory(bus),
	})
	if err != nil {
		t.Fatalf("gateway: %v", err)
	}
	if _, err := gw.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	return &fixture{bus: bus, gw: gw, chain: chain, auth: auth, sessions: sessions, agentID: w.Identity()}
}

type plainSigner struct{ kp *suite.KeyPair }

func (s *plainSigner) Identity() suite.Identity { return s.kp.Identity() }
func (s *plainSigner) SignDigest(_ context.Context, digest []byte) ([]byte, error) {
	return suite.Sign(s.kp.Private, digest)
}

// client drives the gateway like a remote principal.
type client struct {
	t       *testing.T
	kp      *suite.KeyPair
	eng     *envelope.Engine
	adapter *messaging.Memory
	replies chan *messaging.Message
	agentID suite.Identity
	index   uint64
}

func newClient(t *testing.T, f *fixture) *client {
	t.Helper()
	kp := suite.NewKeyPair()
	c := &client{
		t:       t,
		kp:      kp,
		eng:     envelope.New(envelope.NewLocal(kp), nil),
		adapter: messaging.NewMemory(f.bus),
		replies: make(chan *messaging.Message, 16),
		agentID: f.agentID,
	}
	ctx := context.Background()
	if err := c.adapter.Init(ctx, kp.Identity()); err != nil {
		t.Fatalf("client init: %v", err)
	}
	if _, err := c.adapter.Subscribe(ctx, messaging.DefaultBox, func(msg *messaging.Message) {
		c.replies <- msg
	}); err != nil {
		t.Fatalf("client subscribe: %v", err)
	}
	return c
}

// send seals a request to the agent and returns the decrypted reply.
func (c *client) send(sessionID string, req *Request, cert *identity.Certificate) *Reply {
	c.t.Helper()
	ctx := context.Background()

	body, err := json.Marshal(req)
	if err != nil {
		c.t.Fatalf("marshal request: %v", err)
	}
	if sessionID == "" {
		sessionID = "bootstrap-" + string(c.kp.Identity()[:8])
	}
	ictx := envelope.InteractionContext{
		SessionID:    sessionID,
		MessageIndex: c.index,
		Timestamp:    time.Now().UnixMilli(),
		Direction:    envelope.Inbound,
	}
	c.index++

	env, err := c.eng.Create(ctx, c.agentID, body, ictx)
	if err != nil {
		c.t.Fatalf("seal request: %v", err)
	}
	payload, err := json.Marshal(Payload{Context: ictx, Envelope: env, Certificate: cert})
	if err != nil {
		c.t.Fatalf("marshal payload: %v", err)
	}
	if _, err := c.adapter.Send(ctx, c.agentID, messaging.DefaultBox, payload); err != nil {
		c.t.Fatalf("send: %v", err)
	}

	select {
	case msg := <-c.replies:
		var p Payload
		if err := json.Unmarshal(msg.Payload, &p); err != nil {
			c.t.Fatalf("parse reply payload: %v", err)
		}
		plain, err := c.eng.VerifyAndOpen(ctx, c.agentID, p.Envelope)
		if err != nil {
			c.t.Fatalf("open reply: %v", err)
		}
		var reply Reply
		if err := json.Unmarshal(plain, &reply); err != nil {
			c.t.Fatalf("parse reply: %v", err)
		}
		return &reply
	case <-time.After(5 * time.Second):
		c.t.Fatal("no reply within deadline")
		return nil
	}
}

// handshake creates and verifies a session, returning its id.
func (c *client) handshake() string {
	c.t.Helper()
	created := c.send("", &Request{Kind: KindSessionCreate}, nil)
	if !created.OK || created.SessionID == "" || len(created.Nonce) != 32 {
		c.t.Fatalf("session create reply: %+v", created)
	}
	sig, err := suite.Sign(c.kp.Private, created.Nonce)
	if err != nil {
		c.t.Fatalf("sign nonce: %v", err)
	}
	verified := c.send(created.SessionID, &Request{
		Kind:            KindSessionVerify,
		SessionID:       created.SessionID,
		NonceSignature:  sig,
		ClientTimestamp: time.Now().UnixMilli(),
	}, nil)
	if !verified.OK {
		c.t.Fatalf("session verify reply: %+v", verified)
	}
	return created.SessionID
}

func TestEndToEndPrompt(t *testing.T) {
	f := newFixture(t)
	c := newClient(t, f)
	ctx := context.Background()

	cert, _, err := f.auth.Issue(ctx, c.kp.Identity(), identity.TypeEmployee, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue cert: %v", err)
	}

	sessionID := c.handshake()
	reply := c.send(sessionID, &Request{Kind: KindPrompt, SessionID: sessionID, Prompt: "hi"}, cert)
	if !reply.OK || reply.Answer != "hello from agent" {
		t.Fatalf("prompt reply: %+v", reply)
	}

	// The pipeline audited the request.
	if entries := f.chain.QueryByAction("prompt.completed"); len(entries) != 1 {
		t.Errorf("prompt.completed entries: %d, want 1", len(entries))
	}
	if report := f.chain.VerifyChain(); !report.Valid {
		t.Errorf("audit chain invalid: %+v", report.Errors)
	}
}

func TestPromptWithoutVerifiedSession(t *testing.T) {
	f := newFixture(t)
	c := newClient(t, f)

	reply := c.send("", &Request{Kind: KindPrompt, Prompt: "hi"}, nil)
	if reply.OK {
		t.Fatal("prompt accepted without a verified session")
	}
	if reply.Error != msgIdentityNotVerified {
		t.Errorf("error %q, want %q", reply.Error, msgIdentityNotVerified)
	}
}

func TestRevokedCertificateRejected(t *testing.T) {
	f := newFixture(t)
	c := newClient(t, f)
	ctx := context.Background()

	cert, _, err := f.auth.Issue(ctx, c.kp.Identity(), identity.TypeEmployee, nil, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sessionID := c.handshake()

	if _, err := f.auth.Revoke(ctx, cert.Serial, "offboarded"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	reply := c.send(sessionID, &Request{Kind: KindPrompt, SessionID: sessionID, Prompt: "hi"}, cert)
	if reply.OK {
		t.Fatal("revoked certificate accepted")
	}
	if reply.Error != msgAccessRevoked {
		t.Errorf("error %q, want %q", reply.Error, msgAccessRevoked)
	}
	if reply.ReferenceID != "" {
		t.Error("mapped failure carried an opaque reference id")
	}
}

func TestTimingAnomalyMapping(t *testing.T) {
	f := newFixture(t)
	c := newClient(t, f)

	created := c.send("", &Request{Kind: KindSessionCreate}, nil)
	sig, err := suite.Sign(c.kp.Private, created.Nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Client clock 500ms behind the 100ms threshold.
	reply := c.send(created.SessionID, &Request{
		Kind:            KindSessionVerify,
		SessionID:       created.SessionID,
		NonceSignature:  sig,
		ClientTimestamp: time.Now().Add(-500 * time.Millisecond).UnixMilli(),
	}, nil)
	if reply.OK {
		t.Fatal("anomalous timestamp accepted")
	}
	if reply.Error != msgIdentityNotVerified {
		t.Errorf("error %q, want %q", reply.Error, msgIdentityNotVerified)
	}
}

func TestReplayDropped(t *testing.T) {
	f := newFixture(t)
	c := newClient(t, f)
	ctx := context.Background()

	// Capture a legitimate payload, then replay the same bytes.
	body, _ := json.Marshal(&Request{Kind: KindSessionCreate})
	ictx := envelope.InteractionContext{
		SessionID:    "replay-session",
		MessageIndex: 0,
		Timestamp:    time.Now().UnixMilli(),
		Direction:    envelope.Inbound,
	}
	env, err := c.eng.Create(ctx, c.agentID, body, ictx)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	payload, _ := json.Marshal(Payload{Context: ictx, Envelope: env})

	if _, err := c.adapter.Send(ctx, c.agentID, messaging.DefaultBox, payload); err != nil {
		t.Fatalf("send: %v", err)
	}
	<-c.replies // first copy answered

	if _, err := c.adapter.Send(ctx, c.agentID, messaging.DefaultBox, payload); err != nil {
		t.Fatalf("resend: %v", err)
	}
	select {
	case <-c.replies:
		t.Fatal("replayed message was answered")
	case <-time.After(300 * time.Millisecond):
	}
	if entries := f.chain.QueryByAction("message.dropped"); len(entries) != 1 {
		t.Errorf("message.dropped entries: %d, want 1", len(entries))
	}
}
