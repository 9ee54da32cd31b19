// Package tools is the registry of callable tools: deterministic Go
// functions exposed to LLM cells and usable directly as deterministic
// cell bodies. Routing and sub-cascade tools are declared here but
// intercepted by the runner, which owns control flow.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rvbbit/windlass/internal/agent"
)

// Request carries one tool invocation.
type Request struct {
	SessionID string
	CellName  string
	Args      map[string]any
	Raw       json.RawMessage
}

// Handler executes a deterministic tool. The returned value is
// JSON-marshaled into the observation message.
type Handler func(ctx context.Context, req Request) (any, error)

// Tool pairs a definition with its handler. Control-flow tools
// (route_to, run_cascade) have a nil handler; the runner intercepts them
// before dispatch.
type Tool struct {
	Def     agent.ToolDef
	Handler Handler
}

// Registry holds the tools available to a runtime instance.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns a registry pre-loaded with the control-flow tools.
func NewRegistry() *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	r.Register(Tool{Def: RouteToDef})
	r.Register(Tool{Def: RunCascadeDef})
	return r
}

// Register adds or replaces a tool by name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Def.Name] = t
}

// RegisterFunc is the common case: a named deterministic function with a
// JSON schema.
func (r *Registry) RegisterFunc(name, description string, schema json.RawMessage, fn Handler) {
	r.Register(Tool{
		Def:     agent.ToolDef{Name: name, Description: description, InputSchema: schema},
		Handler: fn,
	})
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Defs returns the definitions for the allowed tool names, in stable
// order. Unknown names are an error so a typo in tools_allowed fails
// loudly instead of silently shrinking the tool set.
func (r *Registry) Defs(allowed []string) ([]agent.ToolDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := allowed
	if names == nil {
		names = make([]string, 0, len(r.tools))
		for n := range r.tools {
			names = append(names, n)
		}
		sort.Strings(names)
	}

	defs := make([]agent.ToolDef, 0, len(names))
	for _, n := range names {
		t, ok := r.tools[n]
		if !ok {
			return nil, fmt.Errorf("unknown tool %q", n)
		}
		defs = append(defs, t.Def)
	}
	return defs, nil
}

// Call dispatches one deterministic tool invocation.
func (r *Registry) Call(ctx context.Context, name string, req Request) (any, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if t.Handler == nil {
		return nil, fmt.Errorf("tool %q is control-flow only", name)
	}
	if req.Args == nil && len(req.Raw) > 0 {
		if err := json.Unmarshal(req.Raw, &req.Args); err != nil {
			return nil, fmt.Errorf("tool %q arguments: %w", name, err)
		}
	}
	return t.Handler(ctx, req)
}

// RouteToDef declares the handoff tool. When the model calls it the
// runner ends the current cell and jumps to the named cell.
var RouteToDef = agent.ToolDef{
	Name:        "route_to",
	Description: "Hand off execution to another cell in this cascade. Ends the current cell.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"cell": {"type": "string", "description": "Target cell name"},
			"reason": {"type": "string"}
		},
		"required": ["cell"]
	}`),
}

// RunCascadeDef declares the sub-cascade tool. The runner launches the
// child session and returns its final output as the observation.
var RunCascadeDef = agent.ToolDef{
	Name:        "run_cascade",
	Description: "Run another cascade as a child session and return its final output.",
	InputSchema: json.RawMessage(`{
		"type": "object",
		"properties": {
			"cascade_id": {"type": "string"},
			"input": {"type": "object"}
		},
		"required": ["cascade_id"]
	}`),
}

// RouteTarget extracts the target cell from a route_to call's arguments.
func RouteTarget(raw string) (cell, reason string, err error) {
	var args struct {
		Cell   string `json:"cell"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return "", "", fmt.Errorf("route_to arguments: %w", err)
	}
	if args.Cell == "" {
		return "", "", fmt.Errorf("route_to arguments: missing cell")
	}
	return args.Cell, args.Reason, nil
}
