package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrRingFull is returned by Push on a full ring.
	ErrRingFull = errors.New("ring buffer full")
	// ErrRingEmpty is returned by Pop on an empty ring.
	ErrRingEmpty = errors.New("ring buffer empty")
	// ErrRingIndex is returned by At for an index outside [0, Len).
	ErrRingIndex = errors.New("ring index out of range")
)

// Ring is a fixed-capacity FIFO. It is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	head  int
	size  int
}

// NewRing creates a ring holding at most capacity items.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends v, failing with ErrRingFull when the ring is full.
func (r *Ring[T]) Push(v T) error {
	if r.size == len(r.items) {
		return ErrRingFull
	}
	r.items[(r.head+r.size)%len(r.items)] = v
	r.size++
	return nil
}

// PushEvict appends v. When the ring is full the oldest item is dropped and
// returned with evicted set.
func (r *Ring[T]) PushEvict(v T) (old T, evicted bool) {
	if r.size == len(r.items) {
		old, _ = r.Pop()
		evicted = true
	}
	_ = r.Push(v)
	return old, evicted
}

// Pop removes and returns the oldest item.
func (r *Ring[T]) Pop() (T, error) {
	var zero T
	if r.size == 0 {
		return zero, ErrRingEmpty
	}
	v := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return v, nil
}

// At returns the i-th oldest item.
func (r *Ring[T]) At(i int) (T, error) {
	var zero T
	if i < 0 || i >= r.size {
		return zero, fmt.Errorf("index %d, len %d: %w", i, r.size, ErrRingIndex)
	}
	return r.items[(r.head+i)%len(r.items)], nil
}

// Drain removes and returns every item, oldest first.
func (r *Ring[T]) Drain() []T {
	out := make([]T, 0, r.size)
	for r.size > 0 {
		v, _ := r.Pop()
		out = append(out, v)
	}
	return out
}

// Len returns the number of items held.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the capacity.
func (r *Ring[T]) Cap() int { return len(r.items) }

// Full reports whether Push would fail.
func (r *Ring[T]) Full() bool { return r.size == len(r.items) }
