package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const defaultStreamTimeout = 10 * time.Second

// Built-in task names.
const (
	TaskTitleGeneration      = "title_generation"
	TaskRecommendedQuestions = "recommended_questions"
	TaskMemoryFlush          = "memory_flush"
	TaskPlaybookExtraction   = "playbook_extraction"
)

// streamDependent names the tasks that must complete before the event stream
// closes. Everything else is fire-and-forget.
var streamDependent = map[string]struct{}{
	TaskTitleGeneration: {},
}

// Dispatcher fans a finished turn out to its background tasks.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger

	// streamTimeout bounds the wait for stream-dependent tasks.
	streamTimeout time.Duration

	wg sync.WaitGroup
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	StreamTimeout time.Duration
	Logger        *slog.Logger
}

// NewDispatcher creates a dispatcher over the registry.
func NewDispatcher(registry *Registry, opts DispatcherOptions) *Dispatcher {
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		registry:      registry,
		logger:        opts.Logger,
		streamTimeout: opts.StreamTimeout,
	}
}

// Dispatch runs the named tasks for the turn. Stream-dependent tasks are
// awaited (bounded by the stream timeout) so their events reach the open
// stream; the rest run detached and log their completion. Dispatch returns
// once every stream-dependent task has finished or timed out.
func (d *Dispatcher) Dispatch(ctx context.Context, names []string, tc *Context) {
	var await sync.WaitGroup
	for _, name := range names {
		fn, ok := d.registry.Get(name)
		if !ok {
			d.logger.Warn("unknown background task", "task", name)
			continue
		}

		if _, dep := streamDependent[name]; dep {
			await.Add(1)
			d.wg.Add(1)
			go func(name string, fn Func) {
				defer await.Done()
				defer d.wg.Done()
				runCtx, cancel := context.WithTimeout(ctx, d.streamTimeout)
				defer cancel()
				d.run(runCtx, name, fn, tc)
			}(name, fn)
			continue
		}

		d.wg.Add(1)
		go func(name string, fn Func) {
			defer d.wg.Done()
			// Detached from the request: the stream may already be
			// closed when this finishes.
			d.run(context.Background(), name, fn, tc)
		}(name, fn)
	}

	done := make(chan struct{})
	go func() {
		await.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.streamTimeout):
		d.logger.Warn("stream-dependent tasks exceeded timeout", "timeout", d.streamTimeout)
	}
}

// Drain waits for every in-flight task, bounded by grace.
func (d *Dispatcher) Drain(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		d.logger.Warn("background tasks still running at drain deadline")
	}
}

func (d *Dispatcher) run(ctx context.Context, name string, fn Func, tc *Context) {
	started := time.Now()
	if err := fn(ctx, tc); err != nil {
		d.logger.Warn("background task failed", "task", name, "error", err, "duration", time.Since(started))
		return
	}
	d.logger.Debug("background task completed", "task", name, "duration", time.Since(started))
}
