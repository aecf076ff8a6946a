// Copyright 2026 Mandala Network
//
// Tool-using model loop.
// Each iteration the model returns either a final reply or tool calls. Calls
// partition into read-only (run in parallel) and wallet-bound (serialized);
// results feed back as messages. The loop stops on a final reply, the
// iteration bound, or the token budget.

package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ErrBudgetExceeded is returned when the loop exhausts its token budget
// without a final reply.
var ErrBudgetExceeded = errors.New("agent budget exceeded")

// Role of a chat message.
type Role string

const (
	RoleSystem Role = "system"
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleTool   Role = "tool"
)

// ChatMessage is one turn of the conversation fed to the model.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ToolCall is one call the model requested.
type ToolCall struct {
	ID     string                 `json:"id"`
	Name   string                 `json:"name"`
	Params map[string]interface{} `json:"params,omitempty"`
}

// Request is one model invocation.
type Request struct {
	Messages  []ChatMessage `json:"messages"`
	Tools     []*Tool       `json:"tools"`
	MaxTokens int           `json:"max_tokens"`
}

// Response is the model's output for one iteration.
type Response struct {
	FinalReply string     `json:"final_reply,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	TokensUsed int        `json:"tokens_used"`
}

// Model is the external LLM provider.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Config bounds the loop.
type Config struct {
	MaxIterations int
	MaxTokens     int
	Logger        *log.Logger
}

// Result is the loop outcome.
type Result struct {
	Reply      string `json:"reply"`
	Iterations int    `json:"iterations"`
	ToolCalls  int    `json:"tool_calls"`
	TokensUsed int    `json:"tokens_used"`
}

// Loop drives the model against the tool registry.
type Loop struct {
	registry *Registry
	model    Model
	cfg      Config
	logger   *log.Logger

	// walletMu serializes wallet-bound tool calls within and across
	// iterations of one request.
	walletMu sync.Mutex
}

// NewLoop creates a loop.
func NewLoop(registry *Registry, model Model, cfg Config) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 8
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 8192
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(log.Writer(), "[Agent] ", log.LstdFlags)
	}
	return &Loop{registry: registry, model: model, cfg: cfg, logger: logger}
}

// Run feeds the prompt (with an optional preamble of injected context) to
// the model and executes tool calls until a termination condition.
func (l *Loop) Run(ctx context.Context, sc SessionContext, preamble, prompt string) (*Result, error) {
	messages := []ChatMessage{{Role: RoleSystem, Content: systemPrompt(sc)}}
	if preamble != "" {
		messages = append(messages, ChatMessage{Role: RoleSystem, Content: preamble})
	}
	messages = append(messages, ChatMessage{Role: RoleUser, Content: prompt})

	result := &Result{}
	tools := l.registry.List()

	for iter := 0; iter < l.cfg.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.Iterations = iter + 1

		resp, err := l.model.Complete(ctx, Request{
			Messages:  messages,
			Tools:     tools,
			MaxTokens: l.cfg.MaxTokens - result.TokensUsed,
		})
		if err != nil {
			return nil, fmt.Errorf("model: %w", err)
		}
		result.TokensUsed += resp.TokensUsed

		if resp.FinalReply != "" {
			result.Reply = resp.FinalReply
			return result, nil
		}
		if len(resp.ToolCalls) == 0 {
			// Neither a reply nor work: treat as an empty final reply.
			return result, nil
		}
		if result.TokensUsed >= l.cfg.MaxTokens {
			return nil, ErrBudgetExceeded
		}

		outputs, err := l.execute(ctx, sc, resp.ToolCalls)
		if err != nil {
			return nil, err
		}
		result.ToolCalls += len(resp.ToolCalls)
		messages = append(messages, outputs...)
	}

	return nil, fmt.Errorf("no final reply within %d iterations", l.cfg.MaxIterations)
}

// execute runs one iteration's calls: read-only in parallel, the rest in
// order under the wallet serialization lock.
func (l *Loop) execute(ctx context.Context, sc SessionContext, calls []ToolCall) ([]ChatMessage, error) {
	outputs := make([]ChatMessage, len(calls))
	var parallel []int
	var serial []int

	for i, call := range calls {
		tool, err := l.registry.Get(call.Name)
		if err != nil {
			// Unknown names are reported to the model, not executed.
			outputs[i] = toolError(call, err)
			continue
		}
		if tool.ReadOnly && !tool.RequiresWallet {
			parallel = append(parallel, i)
		} else {
			serial = append(serial, i)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, i := range parallel {
		i := i
		g.Go(func() error {
			outputs[i] = l.runOne(gctx, sc, calls[i])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, i := range serial {
		if err := ctx.Err(); err != nil {
			// A cancelled iteration finalizes what already ran but issues no
			// further calls.
			return outputs[:i], err
		}
		l.walletMu.Lock()
		outputs[i] = l.runOne(ctx, sc, calls[i])
		l.walletMu.Unlock()
	}
	return outputs, nil
}

func (l *Loop) runOne(ctx context.Context, sc SessionContext, call ToolCall) ChatMessage {
	tool, err := l.registry.Get(call.Name)
	if err != nil {
		return toolError(call, err)
	}
	out, err := tool.Handler(ctx, sc, call.Params)
	if err != nil {
		l.logger.Printf("tool %s failed: %v", call.Name, err)
		return toolError(call, err)
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return toolError(call, fmt.Errorf("encode result: %w", err))
	}
	return ChatMessage{
		Role:    RoleTool,
		Content: fmt.Sprintf("%s(%s) -> %s", call.Name, call.ID, encoded),
	}
}

func toolError(call ToolCall, err error) ChatMessage {
	return ChatMessage{
		Role:    RoleTool,
		Content: fmt.Sprintf("%s(%s) -> error: %v", call.Name, call.ID, err),
	}
}

func systemPrompt(sc SessionContext) string {
	return fmt.Sprintf(
		"You are an autonomous agent acting for verified identity %s (certificate type %q, session %s). "+
			"Use the provided tools; never reveal key material.",
		sc.UserKey, sc.CertType, sc.SessionID)
}
