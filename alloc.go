package cywtcp

import "sync"

// Allocator provides the buffers outbound frames are built in. Every
// buffer obtained with AllocAndClear is returned with Free once the frame was sent.
type Allocator interface {
	// AllocAndClear returns a zeroed buffer of length size or nil if none is available.
	AllocAndClear(size int) []byte
	Free(buf []byte)
}

var _ Allocator = (*BufferPool)(nil)

// BufferPool is a fixed set of equally sized buffers allocated once on creation.
type BufferPool struct {
	mu   sync.Mutex
	size int
	// free is a stack of available buffers, never grown past its initial capacity.
	free [][]byte
}

// NewBufferPool allocates n buffers of size bytes each.
func NewBufferPool(n, size int) *BufferPool {
	backing := make([]byte, n*size)
	p := &BufferPool{size: size, free: make([][]byte, n)}
	for i := range p.free {
		p.free[i] = backing[i*size : (i+1)*size : (i+1)*size]
	}
	return p
}

func (p *BufferPool) AllocAndClear(size int) []byte {
	if size > p.size || size < 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == 0 {
		return nil
	}
	buf := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	clear(buf)
	return buf[:size]
}

// Free returns buf to the pool. Buffers not obtained from the pool are ignored.
func (p *BufferPool) Free(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) == cap(p.free) {
		return // Double free.
	}
	p.free = append(p.free, buf[:p.size])
}

// Available returns the number of buffers ready to be allocated.
func (p *BufferPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// BufferSize returns the size of each buffer in the pool.
func (p *BufferPool) BufferSize() int { return p.size }
