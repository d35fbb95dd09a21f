package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// RejectionPolicy is what the loop does when the user rejects a dangerous
// tool call.
type RejectionPolicy string

const (
	// RejectRollbackAndStop restores the pre-turn snapshot and ends.
	RejectRollbackAndStop RejectionPolicy = "rollback_and_stop"

	// RejectStop ends the turn without touching files.
	RejectStop RejectionPolicy = "stop"

	// RejectAskRollback asks the user whether to restore the snapshot.
	RejectAskRollback RejectionPolicy = "ask_rollback"
)

// ToolHandler executes a validated tool call.
type ToolHandler func(ctx context.Context, input map[string]any) (string, error)

// Tool is one registered capability the model may call.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema for the call input.
	InputSchema json.RawMessage

	// Dangerous routes the call through human approval.
	Dangerous bool

	// OnRejection applies when a dangerous call is declined
	// (default stop).
	OnRejection RejectionPolicy

	// Group is the intent-routing skill group, if any.
	Group string

	Handler ToolHandler

	compiled *jsonschema.Schema
}

// ErrToolNotFound is wrapped into executor errors for unknown tools.
var ErrToolNotFound = fmt.Errorf("tool not found")

// Registry holds the tool catalogue. Registration compiles the input schema
// so malformed schemas fail at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register adds a tool, compiling its schema. Re-registering a name replaces
// the previous tool.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %s: handler is required", t.Name)
	}
	if t.OnRejection == "" {
		t.OnRejection = RejectStop
	}
	if len(t.InputSchema) > 0 {
		compiler := jsonschema.NewCompiler()
		url := "inline://" + t.Name + ".json"
		if err := compiler.AddResource(url, strings.NewReader(string(t.InputSchema))); err != nil {
			return fmt.Errorf("tool %s: add schema: %w", t.Name, err)
		}
		schema, err := compiler.Compile(url)
		if err != nil {
			return fmt.Errorf("tool %s: compile schema: %w", t.Name, err)
		}
		t.compiled = schema
	}

	r.mu.Lock()
	r.tools[t.Name] = t
	r.mu.Unlock()
	return nil
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Specs renders the model-facing catalogue, excluding named tools. The
// exclusion set implements TOOL_REPLACE: a failed tool disappears from the
// candidates for the rest of the step.
func (r *Registry) Specs(exclude map[string]struct{}) []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]ToolSpec, 0, len(r.tools))
	for name, t := range r.tools {
		if _, skip := exclude[name]; skip {
			continue
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		specs = append(specs, ToolSpec{Name: name, Description: t.Description, InputSchema: schema})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// Groups returns the distinct skill groups across registered tools, sorted.
// The intent router selects over this set.
func (r *Registry) Groups() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := make(map[string]struct{})
	for _, t := range r.tools {
		if t.Group != "" {
			set[t.Group] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for g := range set {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// Execute validates the call input against the tool's schema and invokes the
// handler. Validation failures surface as parameter errors so the backtrack
// controller classifies them correctly.
func (r *Registry) Execute(ctx context.Context, call *ToolCall) (string, error) {
	t, ok := r.Get(call.Name)
	if !ok {
		return "", fmt.Errorf("%w: no such tool %q", ErrToolNotFound, call.Name)
	}
	if t.compiled != nil {
		if err := t.compiled.Validate(anyInput(call.Input)); err != nil {
			return "", fmt.Errorf("invalid parameter for %s: %w", call.Name, err)
		}
	}
	return t.Handler(ctx, call.Input)
}

// anyInput converts a nil map to an empty object for schema validation.
func anyInput(in map[string]any) any {
	if in == nil {
		return map[string]any{}
	}
	return in
}
