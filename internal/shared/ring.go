package shared

// Ring is a fixed-capacity buffer that overwrites its oldest entry when full.
// It is not safe for concurrent use; callers own it per request.
type Ring[T any] struct {
	buf  []T
	size int
	head int // write position
	full bool
}

// NewRing creates a ring holding at most size entries.
func NewRing[T any](size int) *Ring[T] {
	if size <= 0 {
		size = 1
	}
	return &Ring[T]{buf: make([]T, size), size: size}
}

// RingFrom builds a ring from items, keeping only the newest size entries.
func RingFrom[T any](size int, items []T) *Ring[T] {
	r := NewRing[T](size)
	for _, it := range items {
		r.Push(it)
	}
	return r
}

// Push appends v, evicting the oldest entry when the ring is full.
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % r.size
	if r.head == 0 {
		r.full = true
	}
}

// Len returns the number of stored entries.
func (r *Ring[T]) Len() int {
	if r.full {
		return r.size
	}
	return r.head
}

// Capacity returns the maximum number of entries.
func (r *Ring[T]) Capacity() int {
	return r.size
}

// Items returns the entries oldest first.
func (r *Ring[T]) Items() []T {
	if !r.full {
		out := make([]T, r.head)
		copy(out, r.buf[:r.head])
		return out
	}
	// Wrap-around: head -> end + start -> head
	out := make([]T, 0, r.size)
	out = append(out, r.buf[r.head:]...)
	out = append(out, r.buf[:r.head]...)
	return out
}

// Last returns the newest entry.
func (r *Ring[T]) Last() (T, bool) {
	var zero T
	if r.Len() == 0 {
		return zero, false
	}
	return r.buf[(r.head-1+r.size)%r.size], true
}
