package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zenflux/zenflux/internal/observability"
	"github.com/zenflux/zenflux/internal/retry"
)

// WriteTask is one queued mutation.
type WriteTask struct {
	// Name labels the task for logs.
	Name string

	// Op performs the write. Transient errors are retried; errors marked
	// retry.Permanent fail immediately.
	Op func(ctx context.Context) error
}

// AsyncWriter applies mutations behind a bounded queue. Enqueue never
// blocks: when the queue is at capacity it fails synchronously with
// ErrQueueFull. Each dequeued task gets bounded retries with exponential
// backoff before being marked failed.
type AsyncWriter struct {
	queue   chan WriteTask
	retries int
	warnAt  int

	logger  *slog.Logger
	metrics *observability.Metrics

	warned atomic.Bool
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// AsyncWriterOptions configures an AsyncWriter.
type AsyncWriterOptions struct {
	// QueueSize bounds the pending queue (default 10000).
	QueueSize int

	// BackpressureRatio is the fill ratio at which enqueues start logging
	// a warning (default 0.8).
	BackpressureRatio float64

	// Retries bounds attempts per task (default 3).
	Retries int

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// NewAsyncWriter creates and starts the writer goroutine.
func NewAsyncWriter(opts AsyncWriterOptions) *AsyncWriter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 10000
	}
	if opts.BackpressureRatio <= 0 || opts.BackpressureRatio > 1 {
		opts.BackpressureRatio = 0.8
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &AsyncWriter{
		queue:   make(chan WriteTask, opts.QueueSize),
		retries: opts.Retries,
		warnAt:  int(float64(opts.QueueSize) * opts.BackpressureRatio),
		logger:  opts.Logger,
		metrics: opts.Metrics,
		cancel:  cancel,
	}
	w.wg.Add(1)
	go w.run(ctx)
	return w
}

// Enqueue queues a write task. Returns ErrQueueFull when the queue is at
// capacity; callers must treat that as a hard error for message persistence
// and as degradable for best-effort writes.
func (w *AsyncWriter) Enqueue(task WriteTask) error {
	depth := len(w.queue)
	if depth >= w.warnAt {
		// Log the backpressure transition once per episode, not per enqueue.
		if w.warned.CompareAndSwap(false, true) {
			w.logger.Warn("write queue backpressure",
				"depth", depth, "capacity", cap(w.queue), "task", task.Name)
		}
	} else {
		w.warned.Store(false)
	}

	select {
	case w.queue <- task:
		if w.metrics != nil {
			w.metrics.StorageQueueDepth.Set(float64(len(w.queue)))
		}
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the current queue depth.
func (w *AsyncWriter) Depth() int {
	return len(w.queue)
}

// Close drains the queue and stops the writer.
func (w *AsyncWriter) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *AsyncWriter) run(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case task := <-w.queue:
			w.apply(ctx, task)
		case <-ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case task := <-w.queue:
					w.apply(context.Background(), task)
				default:
					return
				}
			}
		}
	}
}

func (w *AsyncWriter) apply(ctx context.Context, task WriteTask) {
	cfg := retry.Config{
		MaxAttempts:  w.retries,
		InitialDelay: 50 * time.Millisecond,
		Factor:       2.0,
	}
	result := retry.Do(ctx, cfg, func() error {
		err := task.Op(ctx)
		if err != nil && isSchemaError(err) && !retry.IsPermanent(err) {
			// Schema and constraint errors do not heal with retries.
			return retry.Permanent(err)
		}
		return err
	})
	if w.metrics != nil {
		w.metrics.StorageQueueDepth.Set(float64(len(w.queue)))
	}
	if result.Err != nil {
		if w.metrics != nil {
			w.metrics.StorageWriteFailures.Inc()
		}
		w.logger.Error("write task failed",
			"task", task.Name, "attempts", result.Attempts, "error", result.Err)
	}
}
