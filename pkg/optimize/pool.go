package optimize

import (
	"bytes"
	"sync"
)

// BufferPool reuses encode buffers. Buffers that grew past maxSize are
// dropped instead of pooled so one large message does not pin memory.
type BufferPool struct {
	pool    sync.Pool
	maxSize int
}

func NewBufferPool(initialSize, maxSize int) *BufferPool {
	if maxSize < initialSize {
		maxSize = initialSize
	}
	return &BufferPool{
		maxSize: maxSize,
		pool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, initialSize))
			},
		},
	}
}

// Get returns an empty buffer.
func (p *BufferPool) Get() *bytes.Buffer {
	return p.pool.Get().(*bytes.Buffer)
}

func (p *BufferPool) Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > p.maxSize {
		return
	}
	b.Reset()
	p.pool.Put(b)
}
