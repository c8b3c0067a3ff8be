// ============================================================================
// LOCK-FREE SPSC RING
// ============================================================================
//
// Single-producer/single-consumer queue between the feed goroutine and one
// analysis worker.
//
// Architecture overview:
//   - Head and tail cursors on separate cache lines
//   - Per-slot sequence numbers signal availability, no RMW atomics
//   - Power-of-2 sizing with bit masking
//
// Safety model:
//   - Exactly one goroutine may Push and exactly one may Pop
//   - Push returns false when full; the caller decides what to drop

package ring

import "sync/atomic"

// slot pairs a payload with its sequence stamp.
//
// Sequence semantics:
//   - Producer may write when seq == position
//   - Consumer may read when seq == position + 1
//   - Consumer hands the slot back with seq = position + size
type slot[T any] struct {
	seq atomic.Uint64
	val T
}

// Ring is a fixed-capacity circular buffer for one producer and one consumer.
type Ring[T any] struct {
	_    [64]byte
	head uint64 // consumer cursor

	_    [56]byte
	tail uint64 // producer cursor

	_ [56]byte

	mask uint64
	step uint64
	buf  []slot[T]
}

// New creates a ring. Size must be a positive power of two.
func New[T any](size int) *Ring[T] {
	if size <= 0 || size&(size-1) != 0 {
		panic("ring: size must be >0 and power of two")
	}
	r := &Ring[T]{
		mask: uint64(size - 1),
		step: uint64(size),
		buf:  make([]slot[T], size),
	}
	for i := range r.buf {
		r.buf[i].seq.Store(uint64(i))
	}
	return r
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Push enqueues v. Returns false when the ring is full.
// Producer side only.
func (r *Ring[T]) Push(v T) bool {
	t := r.tail
	s := &r.buf[t&r.mask]
	if s.seq.Load() != t {
		return false
	}
	s.val = v
	s.seq.Store(t + 1)
	r.tail = t + 1
	return true
}

// Pop dequeues the next value. Consumer side only.
func (r *Ring[T]) Pop() (T, bool) {
	var zero T
	h := r.head
	s := &r.buf[h&r.mask]
	if s.seq.Load() != h+1 {
		return zero, false
	}
	v := s.val
	s.val = zero // drop the reference so the GC can reclaim payloads
	s.seq.Store(h + r.step)
	r.head = h + 1
	return v, true
}
