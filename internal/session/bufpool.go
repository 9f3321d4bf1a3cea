package session

import "sync"

// BytePool reuses frame buffers between the encode path and the write pump.
// Keeps per-push allocations off the hot path.
type BytePool struct {
	pool sync.Pool
}

// NewBytePool creates a buffer pool; new slices start with defaultCap capacity.
func NewBytePool(defaultCap int) *BytePool {
	p := &BytePool{}
	p.pool.New = func() any {
		return make([]byte, 0, defaultCap)
	}
	return p
}

// Get returns a zeroed slice of length size, preferably from the pool.
func (p *BytePool) Get(size int) []byte {
	b := p.pool.Get().([]byte)
	if cap(b) < size {
		return make([]byte, size)
	}
	b = b[:size]
	clear(b)
	return b
}

// Put returns the slice for reuse. Nil is ignored.
func (p *BytePool) Put(b []byte) {
	if b == nil {
		return
	}
	p.pool.Put(b[:0])
}
