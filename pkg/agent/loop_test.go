// Copyright 2026 Mandala Network
//
// Agent loop tests with a scripted model.

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

// scriptedModel replays a fixed sequence of responses.
type scriptedModel struct {
	responses []*Response
	calls     int
	requests  []Request
}

func (m *scriptedModel) Complete(_ context.Context, req Request) (*Response, error) {
	m.requests = append(m.requests, req)
	if m.calls >= len(m.responses) {
		return nil, fmt.Errorf("script exhausted")
	}
	resp := m.responses[m.calls]
	m.calls++
	return resp, nil
}

func testContext() SessionContext {
	return SessionContext{
		SessionID: "sess",
		UserKey:   suite.NewKeyPair().Identity(),
		CertType:  "employee",
		Verified:  true,
	}
}

func TestLoop_FinalReplyImmediately(t *testing.T) {
	model := &scriptedModel{responses: []*Response{{FinalReply: "done", TokensUsed: 10}}}
	loop := NewLoop(NewRegistry(), model, Config{})

	res, err := loop.Run(context.Background(), testContext(), "", "hi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reply != "done" || res.Iterations != 1 || res.TokensUsed != 10 {
		t.Errorf("result: %+v", res)
	}
}

func TestLoop_ToolRoundTrip(t *testing.T) {
	reg := NewRegistry()
	var executed atomic.Int32
	if err := reg.Register(&Tool{
		Name:     "vault_search",
		Domain:   "vault",
		ReadOnly: true,
		Handler: func(_ context.Context, sc SessionContext, params map[string]interface{}) (interface{}, error) {
			executed.Add(1)
			return map[string]string{"hit": params["q"].(string)}, nil
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	model := &scriptedModel{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "vault_search", Params: map[string]interface{}{"q": "fox"}}}, TokensUsed: 5},
		{FinalReply: "found it", TokensUsed: 5},
	}}
	loop := NewLoop(reg, model, Config{})

	res, err := loop.Run(context.Background(), testContext(), "", "find fox")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reply != "found it" || res.ToolCalls != 1 || executed.Load() != 1 {
		t.Errorf("result: %+v, executed=%d", res, executed.Load())
	}
	// The tool output reached the model on the second request.
	last := model.requests[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "fox") {
		t.Error("tool result not fed back to the model")
	}
}

func TestLoop_ToolFailureReportedToModel(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(&Tool{
		Name: "sign",
		RequiresWallet: true,
		Handler: func(context.Context, SessionContext, map[string]interface{}) (interface{}, error) {
			return nil, fmt.Errorf("wallet unavailable")
		},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	model := &scriptedModel{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "sign"}}},
		{FinalReply: "could not sign"},
	}}
	loop := NewLoop(reg, model, Config{})

	res, err := loop.Run(context.Background(), testContext(), "", "sign this")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Reply != "could not sign" {
		t.Errorf("reply: %q", res.Reply)
	}
	last := model.requests[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "error: wallet unavailable") {
		t.Error("tool failure not reported to the model")
	}
}

func TestLoop_UnknownToolRejected(t *testing.T) {
	model := &scriptedModel{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "rm_rf"}}},
		{FinalReply: "ok"},
	}}
	loop := NewLoop(NewRegistry(), model, Config{})

	if _, err := loop.Run(context.Background(), testContext(), "", "x"); err != nil {
		t.Fatalf("run: %v", err)
	}
	last := model.requests[1].Messages
	if !strings.Contains(last[len(last)-1].Content, "unknown tool") {
		t.Error("unknown tool not reported to the model")
	}
}

func TestLoop_IterationBound(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Tool{
		Name:     "noop",
		ReadOnly: true,
		Handler: func(context.Context, SessionContext, map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	})
	// The model never produces a final reply.
	var responses []*Response
	for i := 0; i < 10; i++ {
		responses = append(responses, &Response{ToolCalls: []ToolCall{{ID: "1", Name: "noop"}}})
	}
	model := &scriptedModel{responses: responses}
	loop := NewLoop(reg, model, Config{MaxIterations: 3})

	if _, err := loop.Run(context.Background(), testContext(), "", "x"); err == nil {
		t.Error("loop terminated without error despite no final reply")
	}
	if model.calls != 3 {
		t.Errorf("model called %d times, want 3", model.calls)
	}
}

func TestLoop_TokenBudget(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&Tool{
		Name:     "noop",
		ReadOnly: true,
		Handler: func(context.Context, SessionContext, map[string]interface{}) (interface{}, error) {
			return "ok", nil
		},
	})
	model := &scriptedModel{responses: []*Response{
		{ToolCalls: []ToolCall{{ID: "1", Name: "noop"}}, TokensUsed: 600},
		{FinalReply: "late"},
	}}
	loop := NewLoop(reg, model, Config{MaxTokens: 500})

	if _, err := loop.Run(context.Background(), testContext(), "", "x"); !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("got %v, want ErrBudgetExceeded", err)
	}
}

func TestLoop_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	model := &scriptedModel{responses: []*Response{{FinalReply: "x"}}}
	loop := NewLoop(NewRegistry(), model, Config{})
	if _, err := loop.Run(ctx, testContext(), "", "x"); err == nil {
		t.Error("cancelled run returned no error")
	}
}
