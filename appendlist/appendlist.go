// Package appendlist implements a growable vector that supports a
// single appending writer concurrent with many readers.
//
// After Append(v) returns, subsequent reads of the new index observe v.
// Readers racing a resize observe either the pre-resize backing array
// (if their index falls within the old length) or the new backing
// array (if their index is within the new length) — never a torn or
// uninitialized read. Concurrent mutation of the same index through
// the pointer returned by At is the caller's responsibility; the list
// only guarantees that reads do not tear.
package appendlist

import "sync/atomic"

// List is a single-writer, multi-reader growable vector of T.
//
// The zero value is ready to use. T should be small and trivially
// copyable (the spec's use case is a one-word latch per block).
type List[T any] struct {
	backing atomic.Pointer[[]T]
	count   atomic.Uint64
}

// Append grows the list by one element, publishing v at the new index.
//
// Only one goroutine may call Append at a time (single-writer); this is
// the caller's responsibility to enforce, typically via an external
// mutex already held for other reasons (e.g. FileWriter's write mutex).
func (l *List[T]) Append(v T) int {
	cur := l.backing.Load()

	oldLen := 0
	if cur != nil {
		oldLen = len(*cur)
	}

	newBacking := make([]T, oldLen+1)
	if cur != nil {
		copy(newBacking, *cur)
	}

	newBacking[oldLen] = v

	// Publish the new backing array before publishing the new count, so
	// that a reader which observes the incremented count is guaranteed
	// to see a backing array at least as large.
	l.backing.Store(&newBacking)
	l.count.Store(uint64(oldLen + 1))

	return oldLen
}

// Len returns the number of elements currently appended.
func (l *List[T]) Len() int {
	return int(l.count.Load())
}

// At returns a pointer to the element at idx.
//
// idx must be < the Len() observed by the caller; it is the caller's
// responsibility to only dereference indices it knows (via the program
// order established by whoever returned the index, e.g. the value
// returned by Append, or by comparing against Len()) have been
// published. Concurrent mutation of the same index by multiple
// goroutines through the returned pointer is the caller's
// responsibility to serialize — the list itself only guarantees that
// reads of any single backing array do not tear and do not observe
// uninitialized memory.
func (l *List[T]) At(idx int) *T {
	cur := l.backing.Load()

	return &(*cur)[idx]
}

// Get returns a copy of the element at idx — a convenience wrapper
// around At for callers that only need to read the value.
func (l *List[T]) Get(idx int) T {
	return *l.At(idx)
}
