package optimize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBufferPool(t *testing.T) {
	pool := NewBufferPool(64, 256)

	buf := pool.Get()
	assert.Zero(t, buf.Len())
	assert.GreaterOrEqual(t, buf.Cap(), 64)

	buf.WriteString("hello")
	pool.Put(buf)

	// whatever comes back is empty
	again := pool.Get()
	assert.Zero(t, again.Len())
	pool.Put(again)
}

func TestBufferPool_DropsOversized(t *testing.T) {
	pool := NewBufferPool(16, 32)

	big := pool.Get()
	big.WriteString(strings.Repeat("x", 1024))
	pool.Put(big)
	pool.Put(nil)

	for i := 0; i < 4; i++ {
		buf := pool.Get()
		assert.LessOrEqual(t, buf.Cap(), 32)
	}
}

func TestNewBufferPool_MaxBelowInitial(t *testing.T) {
	pool := NewBufferPool(128, 8)
	buf := pool.Get()
	pool.Put(buf)
	assert.Equal(t, 128, pool.maxSize)
}
