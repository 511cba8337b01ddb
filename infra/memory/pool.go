package memory

import "sync"

// Pool is a typed object pool.
type Pool[T any] struct {
	p     *sync.Pool
	reset func(*T)
}

// NewPool builds a pool. reset, when non-nil, runs on Put so callers never
// observe stale state from a previous borrower.
func NewPool[T any](ctor func() *T, reset func(*T)) *Pool[T] {
	return &Pool[T]{
		p: &sync.Pool{
			New: func() any { return ctor() },
		},
		reset: reset,
	}
}

func (p *Pool[T]) Get() *T {
	return p.p.Get().(*T)
}

func (p *Pool[T]) Put(v *T) {
	if v == nil {
		return
	}
	if p.reset != nil {
		p.reset(v)
	}
	p.p.Put(v)
}

// Buffer is the pooled unit for wire encoding.
type Buffer struct {
	B []byte
}

// maxPooledBuffer keeps a single oversized frame from pinning memory.
const maxPooledBuffer = 64 << 10

// NewBufferPool returns a pool of byte buffers reset to zero length.
func NewBufferPool() *Pool[Buffer] {
	return NewPool(
		func() *Buffer { return &Buffer{B: make([]byte, 0, 512)} },
		func(b *Buffer) {
			if cap(b.B) > maxPooledBuffer {
				b.B = make([]byte, 0, 512)
			}
			b.B = b.B[:0]
		},
	)
}
