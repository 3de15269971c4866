package bufpool

import (
	"sync"
)

// Pool provides a pool of byte buffers of a fixed size.
// Transfer workers draw chunk buffers from it so a transfer does not
// allocate per chunk.
type Pool struct {
	pool    sync.Pool
	bufSize int
}

// New creates a new buffer pool that returns buffers of exactly bufSize bytes.
func New(bufSize int) *Pool {
	if bufSize <= 0 {
		panic("bufSize must be positive")
	}
	return &Pool{
		bufSize: bufSize,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, bufSize)
			},
		},
	}
}

var bySize sync.Map // map[int]*Pool

// ForSize returns the shared pool for bufSize, creating it on first use.
func ForSize(bufSize int) *Pool {
	if p, ok := bySize.Load(bufSize); ok {
		return p.(*Pool)
	}
	p, _ := bySize.LoadOrStore(bufSize, New(bufSize))
	return p.(*Pool)
}

// Get returns a buffer of exactly BufSize bytes.
func (p *Pool) Get() []byte {
	buf := p.pool.Get().([]byte)
	if cap(buf) < p.bufSize {
		return make([]byte, p.bufSize)
	}
	return buf[:p.bufSize]
}

// Put returns a buffer obtained from Get. Undersized buffers are dropped.
func (p *Pool) Put(buf []byte) {
	if cap(buf) < p.bufSize {
		return
	}
	p.pool.Put(buf[:cap(buf)])
}

// BufSize returns the size of buffers in this pool.
func (p *Pool) BufSize() int {
	return p.bufSize
}
