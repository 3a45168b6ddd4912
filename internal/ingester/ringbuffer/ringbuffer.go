package ringbuffer

import (
	"math/bits"
	"sync/atomic"
)

// RingBuffer is a wait-free bounded queue for exactly one producer goroutine
// and exactly one consumer goroutine.  Capacity is rounded up to a power of
// two so that cursor arithmetic reduces to a mask.  One slot is always kept
// free to distinguish full from empty, so at most Cap()-1 items are queued.
//
// The producer publishes a slot write with a store to head; the consumer
// observes it with a load of head.  Go's atomic operations give the required
// release/acquire pairing, so a slot written before the head store is visible
// to the consumer after its head load.  The same applies symmetrically to
// tail.  head and tail are padded onto separate cache lines so the two sides
// do not false-share.
type RingBuffer[T any] struct {
	capacity uint64
	mask     uint64
	buf      []T

	_    [64]byte
	head atomic.Uint64
	_    [56]byte
	tail atomic.Uint64
	_    [56]byte
}

// New creates a ring buffer holding at least capacity items, rounded up to
// the next power of two.
func New[T any](capacity int) *RingBuffer[T] {
	c := nextPowerOfTwo(uint64(capacity))
	return &RingBuffer[T]{
		capacity: c,
		mask:     c - 1,
		buf:      make([]T, c),
	}
}

// TryPush installs item at the head.  It returns false iff the buffer is
// full.  It never blocks and never allocates.  Producer side only.
func (b *RingBuffer[T]) TryPush(item T) bool {
	head := b.head.Load()
	next := (head + 1) & b.mask
	if next == b.tail.Load() {
		return false
	}
	b.buf[head] = item
	b.head.Store(next)
	return true
}

// TryPop moves one item out of the tail.  The second return is false iff the
// buffer is empty.  Consumer side only.
func (b *RingBuffer[T]) TryPop() (T, bool) {
	var zero T
	tail := b.tail.Load()
	if tail == b.head.Load() {
		return zero, false
	}
	item := b.buf[tail]
	b.buf[tail] = zero
	b.tail.Store((tail + 1) & b.mask)
	return item, true
}

// PopBatch appends up to max items to out in FIFO order and returns the
// extended slice together with the number of items transferred.  The head is
// observed once and the tail is published with a single store, so the cost of
// the cursor synchronization is amortized over the whole batch.  Consumer
// side only.
func (b *RingBuffer[T]) PopBatch(out []T, max int) ([]T, int) {
	if max <= 0 {
		return out, 0
	}
	var zero T
	tail := b.tail.Load()
	head := b.head.Load()
	if tail == head {
		return out, 0
	}

	available := (head - tail) & b.mask
	n := uint64(max)
	if available < n {
		n = available
	}

	cur := tail
	for i := uint64(0); i < n; i++ {
		out = append(out, b.buf[cur])
		b.buf[cur] = zero
		cur = (cur + 1) & b.mask
	}
	b.tail.Store(cur)
	return out, int(n)
}

// Size returns the current occupancy.  Safe from any goroutine; the value is
// advisory since either cursor may move concurrently.
func (b *RingBuffer[T]) Size() int {
	head := b.head.Load()
	tail := b.tail.Load()
	return int((head - tail) & b.mask)
}

// Empty reports whether the buffer currently holds no items.  Advisory.
func (b *RingBuffer[T]) Empty() bool {
	return b.head.Load() == b.tail.Load()
}

// Cap returns the rounded-up capacity.
func (b *RingBuffer[T]) Cap() int {
	return int(b.capacity)
}

func nextPowerOfTwo(n uint64) uint64 {
	if n < 2 {
		return 2
	}
	if n&(n-1) == 0 {
		return n
	}
	return 1 << bits.Len64(n)
}
