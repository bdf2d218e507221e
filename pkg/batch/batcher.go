package batch

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrStopped = errors.New("batcher stopped")

// Processor handles one batch. Items keep the order they were added in.
type Processor[T any] func(ctx context.Context, items []T) error

// Batcher collects items and hands them to the processor once batchSize is
// reached or every batchInterval, whichever comes first. Batches are
// processed one at a time.
type Batcher[T any] struct {
	batchSize     int
	batchInterval time.Duration
	processor     Processor[T]

	mu       sync.Mutex
	pending  []T
	inflight []T
	stopped  bool

	flushMu   sync.Mutex
	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

func NewBatcher[T any](batchSize int, batchInterval time.Duration, processor Processor[T]) *Batcher[T] {
	if batchSize < 1 {
		batchSize = 1
	}
	b := &Batcher[T]{
		batchSize:     batchSize,
		batchInterval: batchInterval,
		processor:     processor,
		pending:       make([]T, 0, batchSize),
		flushChan:     make(chan struct{}, 1),
		stopChan:      make(chan struct{}),
		done:          make(chan struct{}),
	}

	go b.run()

	return b
}

// Add queues an item.
func (b *Batcher[T]) Add(item T) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrStopped
	}
	b.pending = append(b.pending, item)
	shouldFlush := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if shouldFlush {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	return nil
}

// Remove drops queued items matching fn and returns how many went.
func (b *Batcher[T]) Remove(fn func(T) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.pending[:0]
	for _, item := range b.pending {
		if !fn(item) {
			kept = append(kept, item)
		}
	}
	removed := len(b.pending) - len(kept)
	var zero T
	for i := len(kept); i < len(b.pending); i++ {
		b.pending[i] = zero
	}
	b.pending = kept
	return removed
}

// Last returns the most recently added item matching fn that is queued or
// still being processed.
func (b *Batcher[T]) Last(fn func(T) bool) (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, items := range [][]T{b.pending, b.inflight} {
		for i := len(items) - 1; i >= 0; i-- {
			if fn(items[i]) {
				return items[i], true
			}
		}
	}
	var zero T
	return zero, false
}

// Wait blocks until the batch being processed, if any, is done.
func (b *Batcher[T]) Wait() {
	b.flushMu.Lock()
	b.flushMu.Unlock()
}

// Flush immediately processes all pending items
func (b *Batcher[T]) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make([]T, 0, b.batchSize)
	b.inflight = items
	b.mu.Unlock()

	err := b.processor(ctx, items)

	b.mu.Lock()
	b.inflight = nil
	b.mu.Unlock()
	return err
}

func (b *Batcher[T]) run() {
	defer close(b.done)

	var tick <-chan time.Time
	if b.batchInterval > 0 {
		ticker := time.NewTicker(b.batchInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			_ = b.Flush(context.Background())
		case <-b.flushChan:
			_ = b.Flush(context.Background())
		case <-b.stopChan:
			return
		}
	}
}

// Stop rejects further items, processes what is queued and waits for the
// background loop to exit.
func (b *Batcher[T]) Stop(ctx context.Context) error {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.stopped = true
		b.mu.Unlock()
		close(b.stopChan)
	})
	<-b.done
	return b.Flush(ctx)
}

// Pending returns a copy of the items not yet processed, the batch in
// progress first.
func (b *Batcher[T]) Pending() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]T, 0, len(b.inflight)+len(b.pending))
	out = append(out, b.inflight...)
	return append(out, b.pending...)
}

// PendingCount returns the number of queued items
func (b *Batcher[T]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
