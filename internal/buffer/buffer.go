// Package buffer provides a thread-safe FIFO ring buffer.
//
// A Buffer doubles its backing array when it reaches 70% full. A bounded
// buffer stops accepting items once it holds its limit; an unbounded one
// grows without limit. Items always leave in the order they were sent.
package buffer

import (
	"errors"
	"sync"
)

// Errors
var (
	ErrFull   = errors.New("buffer full")
	ErrClosed = errors.New("buffer closed")
)

// Buffer is a thread-safe FIFO that grows its capacity on demand.
type Buffer[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	buf      []T
	head     int // read position
	tail     int // write position
	count    int
	capacity int
	limit    int // 0 = unbounded
	closed   bool

	// Stats
	totalReceived int64
	totalSent     int64
	rejected      int64
	resizeCount   int
}

// New creates an unbounded buffer with the given initial capacity.
func New[T any](initialCapacity int) *Buffer[T] {
	return NewBounded[T](initialCapacity, 0)
}

// NewBounded creates a buffer that holds at most limit items.
// A limit of 0 or less means unbounded.
func NewBounded[T any](initialCapacity, limit int) *Buffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if limit < 0 {
		limit = 0
	}
	if limit > 0 && initialCapacity > limit {
		initialCapacity = limit
	}
	b := &Buffer[T]{
		buf:      make([]T, initialCapacity),
		capacity: initialCapacity,
		limit:    limit,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Push appends an item. Returns ErrFull when a bounded buffer is at its
// limit and ErrClosed after Close.
func (b *Buffer[T]) Push(item T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}
	if b.limit > 0 && b.count >= b.limit {
		b.rejected++
		return ErrFull
	}

	// Grow at 70% (or when completely full for tiny bounded buffers)
	threshold := (b.capacity * 70) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold || b.count == b.capacity {
		b.grow()
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	// Signal waiting receivers
	b.cond.Signal()
	return nil
}

// Send adds an item and reports whether it was accepted.
func (b *Buffer[T]) Send(item T) bool {
	return b.Push(item) == nil
}

// Receive removes and returns the oldest item.
// Blocks until an item is available or the buffer is closed.
// Returns the zero value and false once closed and empty.
func (b *Buffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// TryReceive removes the oldest item without blocking.
func (b *Buffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// Peek returns the oldest item without removing it.
func (b *Buffer[T]) Peek() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.buf[b.head], true
}

// Discard removes the oldest item. It is the second half of a
// Peek-then-Discard pair used when an item may only leave after it was
// successfully handed off.
func (b *Buffer[T]) Discard() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return false
	}
	b.pop()
	return true
}

// Flush hands items to fn in FIFO order, removing each only after fn
// returns nil. It stops at the first error and leaves the failed item and
// everything after it in the buffer. Returns the number of items flushed.
func (b *Buffer[T]) Flush(fn func(T) error) (int, error) {
	n := 0
	for {
		item, ok := b.Peek()
		if !ok {
			return n, nil
		}
		if err := fn(item); err != nil {
			return n, err
		}
		b.Discard()
		n++
	}
}

// Close closes the buffer. After closing, Push returns ErrClosed.
// Receivers get the remaining items and then the closed signal.
func (b *Buffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast() // Wake all waiters
}

// Reset drops every buffered item.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	var zero T
	for i := range b.buf {
		b.buf[i] = zero
	}
	b.head, b.tail, b.count = 0, 0, 0
}

// Len returns the current number of items in the buffer.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current capacity of the backing array.
func (b *Buffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Limit returns the maximum number of items, or 0 if unbounded.
func (b *Buffer[T]) Limit() int {
	return b.limit
}

// Stats returns buffer statistics.
func (b *Buffer[T]) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Count:         b.count,
		Capacity:      b.capacity,
		Limit:         b.limit,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Rejected:      b.rejected,
		ResizeCount:   b.resizeCount,
	}
}

// Stats contains buffer statistics.
type Stats struct {
	Count         int
	Capacity      int
	Limit         int
	TotalReceived int64
	TotalSent     int64
	Rejected      int64
	ResizeCount   int
}

// DrainTo removes up to max items (all when max <= 0) and returns them.
func (b *Buffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := 0; i < n; i++ {
		result[i] = b.pop()
	}
	return result
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *Buffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

// grow doubles the capacity, never past the limit. Must be called with lock held.
func (b *Buffer[T]) grow() {
	newCapacity := b.capacity * 2
	if b.limit > 0 && newCapacity > b.limit {
		newCapacity = b.limit
	}
	if newCapacity <= b.capacity {
		return
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			// Contiguous: [head...tail)
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
