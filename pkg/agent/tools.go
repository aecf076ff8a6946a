// Copyright 2026 Mandala Network
//
// Tool registry.
// Tools are declared as data and dispatched by name; the registry rejects
// unknown names. Handlers receive the verified session context and may fail;
// failures are reported back to the model, never to the client.

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/Mandala-Network/AGiD-sub000/pkg/crypto/suite"
)

var (
	// ErrUnknownTool is returned when a call names an unregistered tool.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// SessionContext is the verified identity a tool execution runs under.
type SessionContext struct {
	SessionID string         `json:"session_id"`
	UserKey   suite.Identity `json:"user_key"`
	CertType  string         `json:"cert_type,omitempty"`
	Verified  bool           `json:"verified"`
}

// Handler executes one tool call.
type Handler func(ctx context.Context, sc SessionContext, params map[string]interface{}) (interface{}, error)

// Tool declares one capability offered to the model.
type Tool struct {
	Name            string                 `json:"name"`
	Domain          string                 `json:"domain"`
	Description     string                 `json:"description"`
	ParameterSchema map[string]interface{} `json:"parameter_schema,omitempty"`
	RequiresWallet  bool                   `json:"requires_wallet"`
	ReadOnly        bool                   `json:"read_only"`
	Handler         Handler                `json:"-"`
}

// Registry is the keyed tool table.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("tool needs a name and a handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return t, nil
}

// List returns all tools.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	return out
}
