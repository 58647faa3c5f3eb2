package rga

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBppForFormat(t *testing.T) {
	assert.Equal(t, 32.0, bppForFormat(FormatRGBA8888))
	assert.Equal(t, 24.0, bppForFormat(FormatRGB888))
	assert.Equal(t, 16.0, bppForFormat(FormatRGB565))
	assert.Equal(t, 12.0, bppForFormat(FormatYCbCr420SP))
}

func newTestProcessor(poolSize int) *Processor {
	p := &Processor{
		cfg:  ProcessorConfig{PoolSize: poolSize},
		pool: make([]*poolBuffer, poolSize),
	}
	for i := range p.pool {
		p.pool[i] = &poolBuffer{index: i}
	}
	return p
}

func TestGetAvailableBufferIndexFindsFreeSlot(t *testing.T) {
	p := newTestProcessor(4)
	p.pool[0].inUse.Store(true)
	p.pool[1].inUse.Store(true)

	idx := p.getAvailableBufferIndex()
	assert.GreaterOrEqual(t, idx, 0)
	assert.True(t, p.pool[idx].inUse.Load())
	assert.Contains(t, []int{2, 3}, idx)
}

func TestGetAvailableBufferIndexReturnsNegativeOneWhenFull(t *testing.T) {
	p := newTestProcessor(3)
	for _, b := range p.pool {
		b.inUse.Store(true)
	}
	assert.Equal(t, -1, p.getAvailableBufferIndex())
}

func TestGetAvailableBufferIndexReleaseMakesSlotReusable(t *testing.T) {
	p := newTestProcessor(2)
	idx := p.getAvailableBufferIndex()
	assert.NotEqual(t, -1, idx)

	other := p.getAvailableBufferIndex()
	assert.NotEqual(t, -1, other)
	assert.NotEqual(t, idx, other)

	p.pool[idx].inUse.Store(false)
	reacquired := p.getAvailableBufferIndex()
	assert.Equal(t, idx, reacquired)
}
