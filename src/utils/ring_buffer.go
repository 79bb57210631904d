package utils

// -----------------------------------------------------------------------------
// Ring is a FIFO circular buffer that doubles when full.
// Not safe for concurrent use; owners guard it with their own lock.
// -----------------------------------------------------------------------------

type Ring[T any] struct {
	data  []T
	index int // Next read position
	size  int // Current number of elements
}

// -----------------------------------------------------------------------------

// NewRing creates a ring with the given initial capacity
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 8
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// -----------------------------------------------------------------------------

// Len returns the number of queued elements
func (r *Ring[T]) Len() int {
	return r.size
}

// -----------------------------------------------------------------------------

// PushBack appends v at the tail
func (r *Ring[T]) PushBack(v T) {
	if r.size == len(r.data) {
		r.grow()
	}
	r.data[(r.index+r.size)%len(r.data)] = v
	r.size++
}

// -----------------------------------------------------------------------------

// PeekFront returns the oldest element without removing it
func (r *Ring[T]) PeekFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.data[r.index], true
}

// -----------------------------------------------------------------------------

// PopFront removes and returns the oldest element
func (r *Ring[T]) PopFront() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.data[r.index]
	r.data[r.index] = zero
	r.index = (r.index + 1) % len(r.data)
	r.size--
	return v, true
}

// -----------------------------------------------------------------------------

// PopN removes up to n elements in FIFO order
func (r *Ring[T]) PopN(n int) []T {
	if n > r.size {
		n = r.size
	}
	if n <= 0 {
		return nil
	}
	out := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, _ := r.PopFront()
		out = append(out, v)
	}
	return out
}

// -----------------------------------------------------------------------------

// Each visits elements oldest first until fn returns false
func (r *Ring[T]) Each(fn func(T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.data[(r.index+i)%len(r.data)]) {
			return
		}
	}
}

// -----------------------------------------------------------------------------

// Clear drops every element and returns how many were dropped
func (r *Ring[T]) Clear() int {
	n := r.size
	var zero T
	for i := 0; i < r.size; i++ {
		r.data[(r.index+i)%len(r.data)] = zero
	}
	r.index = 0
	r.size = 0
	return n
}

// -----------------------------------------------------------------------------

func (r *Ring[T]) grow() {
	next := make([]T, len(r.data)*2)
	for i := 0; i < r.size; i++ {
		next[i] = r.data[(r.index+i)%len(r.data)]
	}
	r.data = next
	r.index = 0
}
