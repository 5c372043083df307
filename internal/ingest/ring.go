package ingest

// Ring is a fixed-capacity FIFO that overwrites its oldest element when full.
// It is not safe for concurrent use.
type Ring[T any] struct {
	buf   []T
	head  int // index of oldest element
	count int
}

// NewRing returns a ring holding at most capacity elements (minimum 1).
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends v, evicting the oldest element if the ring is full. It
// reports whether an element was evicted.
func (r *Ring[T]) Push(v T) (evicted bool) {
	idx := (r.head + r.count) % len(r.buf)
	if r.count == len(r.buf) {
		r.buf[idx] = v // idx == head when full
		r.head = (r.head + 1) % len(r.buf)
		return true
	}
	r.buf[idx] = v
	r.count++
	return false
}

// Drain removes and returns every element, oldest first.
func (r *Ring[T]) Drain() []T {
	out := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		j := (r.head + i) % len(r.buf)
		out[i] = r.buf[j]
		var zero T
		r.buf[j] = zero
	}
	r.head, r.count = 0, 0
	return out
}

func (r *Ring[T]) Len() int   { return r.count }
func (r *Ring[T]) Cap() int   { return len(r.buf) }
func (r *Ring[T]) Full() bool { return r.count == len(r.buf) }
