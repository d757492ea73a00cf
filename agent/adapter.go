// Package agent defines the boundary to the LLM-agent runtime: a typed,
// fallible call contract plus a closed registry of side-effecting tools the
// agent may invoke. Calls are treated as at-least-once; nothing here
// assumes idempotence of the underlying runtime.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/paperforge/paperforge/types"
)

// Tool is one callable operation exposed to the agent. Arguments arrive as
// raw JSON and are validated by the tool itself; results must be
// JSON-serializable.
type Tool interface {
	Name() string
	Description() string
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

type funcTool struct {
	name string
	desc string
	fn   func(ctx context.Context, args json.RawMessage) (any, error)
}

func (t *funcTool) Name() string        { return t.name }
func (t *funcTool) Description() string { return t.desc }
func (t *funcTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	return t.fn(ctx, args)
}

// NewTool wraps a function as a Tool.
func NewTool(name, desc string, fn func(ctx context.Context, args json.RawMessage) (any, error)) Tool {
	return &funcTool{name: name, desc: desc, fn: fn}
}

// decodeArgs unmarshals raw tool arguments into a typed struct, surfacing a
// validation error the dispatch layer reports back to the agent.
func decodeArgs[T any](args json.RawMessage) (T, error) {
	var v T
	if len(args) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return v, types.NewError(types.ErrValidation, "invalid tool arguments").WithCause(err)
	}
	return v, nil
}

// Registry is a closed set of tools dispatched by name. Tools are
// registered once at startup; the agent cannot add operations at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is a programming
// error and is rejected.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// MustRegister registers a tool and panics on duplicates. Used at startup.
func (r *Registry) MustRegister(t Tool) {
	if err := r.Register(t); err != nil {
		panic(err)
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch executes the named tool with the given arguments.
func (r *Registry) Dispatch(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, types.NewError(types.ErrToolNotFound, fmt.Sprintf("unknown tool %q", name))
	}
	out, err := t.Execute(ctx, args)
	if err != nil {
		if _, typed := err.(*types.Error); typed {
			return nil, err
		}
		return nil, types.NewError(types.ErrToolFailed, fmt.Sprintf("tool %q failed", name)).WithCause(err)
	}
	return out, nil
}

// Request describes one agent invocation.
type Request struct {
	// Input is the free-form context handed to the agent.
	Input string
	// Tools names the registry subset the agent may call. Empty exposes
	// no tools.
	Tools []string
	// MaxTurns overrides the caller's turn limit when positive.
	MaxTurns int
}

// Caller invokes the agent once and decodes its single typed result into
// out, which must be a pointer to the caller-declared schema struct.
type Caller interface {
	Call(ctx context.Context, req Request, out any) error
}
