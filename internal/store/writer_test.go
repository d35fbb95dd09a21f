package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAsyncWriterAppliesTasks(t *testing.T) {
	w := NewAsyncWriter(AsyncWriterOptions{QueueSize: 8})
	defer w.Close()

	var applied atomic.Int32
	for i := 0; i < 5; i++ {
		err := w.Enqueue(WriteTask{Name: "test", Op: func(ctx context.Context) error {
			applied.Add(1)
			return nil
		}})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	deadline := time.After(2 * time.Second)
	for applied.Load() < 5 {
		select {
		case <-deadline:
			t.Fatalf("applied = %d, want 5", applied.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestAsyncWriterFullQueueFailsSynchronously(t *testing.T) {
	block := make(chan struct{})
	w := NewAsyncWriter(AsyncWriterOptions{QueueSize: 2})
	defer w.Close()
	defer close(block)

	// First task occupies the worker; the rest fill the queue.
	_ = w.Enqueue(WriteTask{Name: "blocker", Op: func(ctx context.Context) error {
		<-block
		return nil
	}})
	var full bool
	for i := 0; i < 10; i++ {
		if err := w.Enqueue(WriteTask{Name: "filler", Op: func(ctx context.Context) error { return nil }}); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	if !full {
		t.Error("expected ErrQueueFull once the queue filled")
	}
}

func TestAsyncWriterRetriesTransientErrors(t *testing.T) {
	w := NewAsyncWriter(AsyncWriterOptions{QueueSize: 4, Retries: 3})
	defer w.Close()

	var attempts atomic.Int32
	done := make(chan struct{})
	_ = w.Enqueue(WriteTask{Name: "flaky", Op: func(ctx context.Context) error {
		if attempts.Add(1) < 3 {
			return errors.New("database is locked")
		}
		close(done)
		return nil
	}})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("task did not succeed after retries, attempts=%d", attempts.Load())
	}
}

func TestBatchWriterFlushesOnSize(t *testing.T) {
	w := NewBatchWriter(10*time.Millisecond, nil)
	defer w.Close()

	var mu sync.Mutex
	var batches [][]any
	w.Register("fragments", BatchPolicy{MaxBatchSize: 3, MaxWait: time.Hour, MinBatchSize: 3},
		func(ctx context.Context, items []any) error {
			mu.Lock()
			defer mu.Unlock()
			batches = append(batches, items)
			return nil
		})

	for i := 0; i < 3; i++ {
		w.Add(context.Background(), "fragments", i)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(batches) != 1 || len(batches[0]) != 3 {
		t.Errorf("batches = %+v, want one batch of 3", batches)
	}
}

func TestBatchWriterFlushesOnAge(t *testing.T) {
	w := NewBatchWriter(5*time.Millisecond, nil)
	defer w.Close()

	flushed := make(chan int, 1)
	w.Register("titles", BatchPolicy{MaxBatchSize: 100, MaxWait: 10 * time.Millisecond, MinBatchSize: 1},
		func(ctx context.Context, items []any) error {
			flushed <- len(items)
			return nil
		})

	w.Add(context.Background(), "titles", "t1")

	select {
	case n := <-flushed:
		if n != 1 {
			t.Errorf("flushed %d items, want 1", n)
		}
	case <-time.After(time.Second):
		t.Fatal("age-based flush never happened")
	}
}

func TestBatchWriterReinsertsFailedItems(t *testing.T) {
	w := NewBatchWriter(time.Hour, nil) // no background flushes
	defer w.cancel()

	var calls atomic.Int32
	w.Register("sync", BatchPolicy{MaxBatchSize: 1, MaxWait: time.Hour, MinBatchSize: 1},
		func(ctx context.Context, items []any) error {
			if calls.Add(1) == 1 {
				return errors.New("flush failed")
			}
			return nil
		})

	w.Add(context.Background(), "sync", "item")
	// The failed item is back in the buffer; a manual flush retries it.
	w.Flush(context.Background())

	if calls.Load() != 2 {
		t.Errorf("flush calls = %d, want 2 (initial failure plus retry)", calls.Load())
	}
}
