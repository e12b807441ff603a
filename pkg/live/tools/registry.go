// Package tools routes agent-initiated function calls to local handlers.
package tools

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shengliangsong-ai/AIVoiceCast-sub000/pkg/core/types"
)

// Handler executes one tool. A returned error becomes an error-shaped result.
type Handler interface {
	Declaration() types.ToolDeclaration
	Handle(ctx context.Context, inv types.ToolInvocation) (map[string]any, error)
}

// Func adapts a function to Handler.
type Func struct {
	Decl types.ToolDeclaration
	Fn   func(ctx context.Context, inv types.ToolInvocation) (map[string]any, error)
}

func (f Func) Declaration() types.ToolDeclaration { return f.Decl }

func (f Func) Handle(ctx context.Context, inv types.ToolInvocation) (map[string]any, error) {
	return f.Fn(ctx, inv)
}

type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	name := strings.TrimSpace(h.Declaration().Name)
	if name == "" {
		return fmt.Errorf("tools: handler must declare a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("tools: %q already registered", name)
	}
	r.handlers[name] = h
	r.order = append(r.order, name)
	return nil
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Declarations lists registered tools in registration order.
func (r *Registry) Declarations() []types.ToolDeclaration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolDeclaration, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name].Declaration())
	}
	return out
}

// Filter returns a registry holding only the named tools. An empty allow
// list keeps everything.
func (r *Registry) Filter(allow []string) *Registry {
	if len(allow) == 0 {
		return r
	}
	keep := make(map[string]bool, len(allow))
	for _, name := range allow {
		keep[strings.TrimSpace(name)] = true
	}
	out := NewRegistry()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if keep[name] {
			_ = out.Register(r.handlers[name])
		}
	}
	return out
}
