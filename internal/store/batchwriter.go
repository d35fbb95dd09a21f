package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// BatchFlushFunc commits one batch of items. A returned error causes items
// with remaining retry budget to be reinserted.
type BatchFlushFunc func(ctx context.Context, items []any) error

// BatchPolicy configures a named batch operation.
type BatchPolicy struct {
	// MaxBatchSize triggers an immediate flush when reached.
	MaxBatchSize int

	// MaxWait flushes once the oldest buffered item is this old, provided
	// MinBatchSize is met.
	MaxWait time.Duration

	// MinBatchSize is the minimum buffer size for an age-based flush.
	MinBatchSize int
}

const batchMaxRetries = 3

type batchItem struct {
	value    any
	queuedAt time.Time
	retries  int
}

type batchOp struct {
	name   string
	policy BatchPolicy
	flush  BatchFlushFunc

	mu     sync.Mutex
	buffer []batchItem
}

// BatchWriter accumulates items per named operation and flushes them when a
// batch fills or ages out. On flush failure, items that have been retried
// fewer than three times are reinserted; the rest are dropped with a
// structured log.
type BatchWriter struct {
	mu  sync.RWMutex
	ops map[string]*batchOp

	interval time.Duration
	logger   *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatchWriter creates and starts the batch writer. checkInterval controls
// how often age-based flushes are evaluated.
func NewBatchWriter(checkInterval time.Duration, logger *slog.Logger) *BatchWriter {
	if checkInterval <= 0 {
		checkInterval = 200 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &BatchWriter{
		ops:      make(map[string]*batchOp),
		interval: checkInterval,
		logger:   logger,
		cancel:   cancel,
	}
	w.wg.Add(1)
	go w.run(ctx)
	return w
}

// Register adds a named batch operation.
func (w *BatchWriter) Register(name string, policy BatchPolicy, flush BatchFlushFunc) {
	if policy.MaxBatchSize <= 0 {
		policy.MaxBatchSize = 100
	}
	if policy.MaxWait <= 0 {
		policy.MaxWait = time.Second
	}
	if policy.MinBatchSize <= 0 {
		policy.MinBatchSize = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ops[name] = &batchOp{name: name, policy: policy, flush: flush}
}

// Add buffers one item for the named operation. Unknown names are dropped
// with a log so that callers stay decoupled from registration order.
func (w *BatchWriter) Add(ctx context.Context, name string, item any) {
	w.mu.RLock()
	op := w.ops[name]
	w.mu.RUnlock()
	if op == nil {
		w.logger.Warn("unknown batch operation", "name", name)
		return
	}

	var due []batchItem
	op.mu.Lock()
	op.buffer = append(op.buffer, batchItem{value: item, queuedAt: time.Now()})
	if len(op.buffer) >= op.policy.MaxBatchSize {
		due = op.buffer
		op.buffer = nil
	}
	op.mu.Unlock()

	if due != nil {
		w.commit(ctx, op, due)
	}
}

// Flush forces every operation's buffer out, regardless of policy.
func (w *BatchWriter) Flush(ctx context.Context) {
	w.mu.RLock()
	ops := make([]*batchOp, 0, len(w.ops))
	for _, op := range w.ops {
		ops = append(ops, op)
	}
	w.mu.RUnlock()

	for _, op := range ops {
		op.mu.Lock()
		due := op.buffer
		op.buffer = nil
		op.mu.Unlock()
		if len(due) > 0 {
			w.commit(ctx, op, due)
		}
	}
}

// Close flushes all buffers and stops the writer.
func (w *BatchWriter) Close() {
	w.cancel()
	w.wg.Wait()
	w.Flush(context.Background())
}

func (w *BatchWriter) run(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.flushAged(ctx)
		}
	}
}

func (w *BatchWriter) flushAged(ctx context.Context) {
	w.mu.RLock()
	ops := make([]*batchOp, 0, len(w.ops))
	for _, op := range w.ops {
		ops = append(ops, op)
	}
	w.mu.RUnlock()

	now := time.Now()
	for _, op := range ops {
		op.mu.Lock()
		var due []batchItem
		if len(op.buffer) >= op.policy.MinBatchSize &&
			len(op.buffer) > 0 &&
			now.Sub(op.buffer[0].queuedAt) >= op.policy.MaxWait {
			due = op.buffer
			op.buffer = nil
		}
		op.mu.Unlock()
		if due != nil {
			w.commit(ctx, op, due)
		}
	}
}

func (w *BatchWriter) commit(ctx context.Context, op *batchOp, items []batchItem) {
	values := make([]any, len(items))
	for i, it := range items {
		values[i] = it.value
	}
	err := op.flush(ctx, values)
	if err == nil {
		return
	}

	var requeue []batchItem
	dropped := 0
	for _, it := range items {
		it.retries++
		if it.retries < batchMaxRetries {
			requeue = append(requeue, it)
		} else {
			dropped++
		}
	}
	if dropped > 0 {
		w.logger.Error("batch items dropped after retries",
			"operation", op.name, "dropped", dropped, "error", err)
	}
	if len(requeue) > 0 {
		op.mu.Lock()
		op.buffer = append(requeue, op.buffer...)
		op.mu.Unlock()
	}
}
