package memory

import "sync"

// Ring is a bounded FIFO that evicts its oldest element when full.
// Push never blocks, so a slow consumer only loses its own backlog.
// Multiple producers and one consumer are supported.
type Ring[T any] struct {
	mu      sync.Mutex
	buf     []T
	head    int
	size    int
	dropped uint64
	notify  chan struct{}
	closed  bool
}

func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		panic("memory.Ring: capacity must be positive")
	}
	return &Ring[T]{
		buf:    make([]T, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Push appends v and reports whether an older element was evicted.
// Pushing to a closed ring is a no-op.
func (r *Ring[T]) Push(v T) (evicted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.size == len(r.buf) {
		var zero T
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
		r.dropped++
		evicted = true
	}
	r.buf[(r.head+r.size)%len(r.buf)] = v
	r.size++

	// notify is closed by Close under mu
	select {
	case r.notify <- struct{}{}:
	default:
	}
	return evicted
}

// Pop removes the oldest element.
func (r *Ring[T]) Pop() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.size == 0 {
		return zero, false
	}
	v := r.buf[r.head]
	r.buf[r.head] = zero
	r.head = (r.head + 1) % len(r.buf)
	r.size--
	return v, true
}

// Drain removes and returns everything buffered, oldest first.
func (r *Ring[T]) Drain() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, r.size)
	var zero T
	for r.size > 0 {
		out = append(out, r.buf[r.head])
		r.buf[r.head] = zero
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}
	return out
}

// Ready is signalled after every Push and closed by Close.
func (r *Ring[T]) Ready() <-chan struct{} {
	return r.notify
}

func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Dropped is the number of elements evicted so far.
func (r *Ring[T]) Dropped() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

func (r *Ring[T]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closed {
		r.closed = true
		close(r.notify)
	}
}

func (r *Ring[T]) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
