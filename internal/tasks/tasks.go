// Package tasks runs background work around the chat turn: stream-dependent
// tasks that must finish before the SSE stream closes, fire-and-forget
// learning tasks, and scheduled jobs driven by cron expressions.
package tasks

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zenflux/zenflux/internal/store"
	"github.com/zenflux/zenflux/pkg/models"
)

// Func is one registered background task.
type Func func(ctx context.Context, tc *Context) error

// Completer is the single-shot LLM path tasks use for generation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// Publisher pushes an event produced by a task. Stream-dependent tasks reach
// the still-open session stream; learning tasks reach the persistent
// notification channel.
type Publisher interface {
	Publish(tc *Context, t models.EventType, data map[string]any)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(tc *Context, t models.EventType, data map[string]any)

func (f PublisherFunc) Publish(tc *Context, t models.EventType, data map[string]any) {
	f(tc, t, data)
}

// Context carries everything a task can see about the finished turn.
type Context struct {
	SessionID         string
	ConversationID    string
	UserID            string
	MessageID         string
	UserMessage       string
	AssistantResponse string
	IsNewConversation bool

	Store     *store.Store
	Completer Completer
	Publisher Publisher

	// Params carries scheduler-provided arguments for scheduled runs.
	Params map[string]any

	Metadata map[string]any
}

// Publish is a nil-safe helper over the context publisher.
func (tc *Context) Publish(t models.EventType, data map[string]any) {
	if tc.Publisher != nil {
		tc.Publisher.Publish(tc, t, data)
	}
}

// Registry maps task names to functions.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]Func
}

// NewRegistry creates an empty task registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]Func)}
}

// Register adds a named task, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return fmt.Errorf("task name is required")
	}
	if fn == nil {
		return fmt.Errorf("task %s: func is required", name)
	}
	r.mu.Lock()
	r.tasks[name] = fn
	r.mu.Unlock()
	return nil
}

// Get returns the task by name.
func (r *Registry) Get(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}

// Names enumerates registered tasks, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tasks))
	for name := range r.tasks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
