package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sentinel-ai/llm"
	"sentinel-ai/logger"

	"golang.org/x/sync/errgroup"
)

// ErrUnknownTool is returned when the model requests a tool that is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// CallError reports which tool call failed to resolve.
type CallError struct {
	Name string
	Err  error
}

func (e *CallError) Error() string {
	if errors.Is(e.Err, ErrUnknownTool) {
		return fmt.Sprintf("%v: %q", ErrUnknownTool, e.Name)
	}
	return fmt.Sprintf("tool %s: %v", e.Name, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// NoParameters is the JSON schema of a tool that takes no arguments.
var NoParameters = json.RawMessage(`{"type":"object","properties":{}}`)

// Tool is a capability the model may request during an investigation.
type Tool interface {
	Name() string
	Description() string
	Parameters() json.RawMessage
	Execute(ctx context.Context) (string, error)
}

// Invocation is the record of one resolved tool call.
type Invocation struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result"`
	Ignored   bool            `json:"ignored,omitempty"` // unexpected arguments, tool not run
	Duration  time.Duration   `json:"duration_ns"`
}

// Registry maps tool names to capabilities. It is safe for concurrent use
// once registration is finished.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	log   logger.Logger
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(log logger.Logger, tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools)), log: log}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds a tool, replacing any tool with the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Lookup returns the tool registered under name.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the model-facing declarations, sorted by name.
func (r *Registry) Definitions() []llm.ToolDef {
	names := r.Names()
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]llm.ToolDef, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		params := t.Parameters()
		if len(params) == 0 {
			params = NoParameters
		}
		defs = append(defs, llm.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  params,
		})
	}
	return defs
}

// Resolve runs a single tool call. Calls carrying arguments for a
// zero-argument tool are ignored and produce an empty result.
func (r *Registry) Resolve(ctx context.Context, call llm.ToolCall) (Invocation, error) {
	inv := Invocation{CallID: call.ID, Name: call.Name}
	if strings.TrimSpace(call.Arguments) != "" {
		inv.Arguments = json.RawMessage(call.Arguments)
	}

	t, ok := r.Lookup(call.Name)
	if !ok {
		return inv, &CallError{Name: call.Name, Err: ErrUnknownTool}
	}

	if !emptyArguments(call.Arguments) {
		r.log.Warn("tool.unexpected_arguments",
			logger.String("tool", call.Name),
			logger.String("arguments", truncate(call.Arguments, 200)),
		)
		inv.Ignored = true
		return inv, nil
	}

	start := time.Now()
	out, err := t.Execute(ctx)
	inv.Duration = time.Since(start)
	if err != nil {
		return inv, &CallError{Name: call.Name, Err: err}
	}
	inv.Result = out
	return inv, nil
}

// ResolveAll resolves every call of one model round. Results keep the order
// of calls. With parallel set the calls run concurrently; the first failure
// cancels the rest.
func (r *Registry) ResolveAll(ctx context.Context, calls []llm.ToolCall, parallel bool) ([]Invocation, error) {
	out := make([]Invocation, len(calls))
	if !parallel || len(calls) < 2 {
		for i, call := range calls {
			inv, err := r.Resolve(ctx, call)
			out[i] = inv
			if err != nil {
				return out[:i+1], err
			}
		}
		return out, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			inv, err := r.Resolve(gctx, call)
			out[i] = inv
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// emptyArguments reports whether raw carries no arguments. Models encode an
// empty call as "", "{}" or "null".
func emptyArguments(raw string) bool {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return true
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return false
	}
	return len(m) == 0
}

func truncate(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes]) + "..."
}
