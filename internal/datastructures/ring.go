package datastructures

// Ring is a bounded FIFO buffer. Pushing onto a full ring overwrites the
// oldest element. Ring is not safe for concurrent use.
type Ring[T any] struct {
	items []T
	head  int // index of the oldest element
	size  int
}

// NewRing creates a ring holding at most capacity elements.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{items: make([]T, capacity)}
}

// Push appends item and reports whether an older element was evicted.
func (r *Ring[T]) Push(item T) (evicted T, ok bool) {
	if r.size < len(r.items) {
		r.items[(r.head+r.size)%len(r.items)] = item
		r.size++
		return evicted, false
	}
	evicted = r.items[r.head]
	r.items[r.head] = item
	r.head = (r.head + 1) % len(r.items)
	return evicted, true
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int {
	return r.size
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.items)
}

// At returns the i-th element, oldest first.
func (r *Ring[T]) At(i int) T {
	return r.items[(r.head+i)%len(r.items)]
}

// Newest returns the most recently pushed element.
func (r *Ring[T]) Newest() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	return r.At(r.size - 1), true
}

// Do calls fn from oldest to newest until fn returns false.
func (r *Ring[T]) Do(fn func(T) bool) {
	for i := 0; i < r.size; i++ {
		if !fn(r.At(i)) {
			return
		}
	}
}

// DoReverse calls fn from newest to oldest until fn returns false.
func (r *Ring[T]) DoReverse(fn func(T) bool) {
	for i := r.size - 1; i >= 0; i-- {
		if !fn(r.At(i)) {
			return
		}
	}
}

// DropOldest removes elements from the old end while fn returns true and
// returns how many were removed.
func (r *Ring[T]) DropOldest(fn func(T) bool) int {
	var zero T
	dropped := 0
	for r.size > 0 && fn(r.items[r.head]) {
		r.items[r.head] = zero
		r.head = (r.head + 1) % len(r.items)
		r.size--
		dropped++
	}
	return dropped
}

// Slice copies the contents, oldest first.
func (r *Ring[T]) Slice() []T {
	out := make([]T, 0, r.size)
	r.Do(func(item T) bool {
		out = append(out, item)
		return true
	})
	return out
}
