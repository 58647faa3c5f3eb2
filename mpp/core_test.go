package mpp

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// newTestCore builds an EncoderCore with n free slots and no backing
// MPP session, exercising the slot state machine without touching cgo.
func newTestCore(n int) *EncoderCore {
	c := &EncoderCore{}
	c.pendingCv = sync.NewCond(&c.pendingMu)
	c.running.Store(true)
	for i := 0; i < n; i++ {
		c.slots[i].state.Store(int32(SlotWritable))
		c.freeSlots = append(c.freeSlots, i)
	}
	return c
}

func TestAcquireWritableSlotMarksWriting(t *testing.T) {
	c := newTestCore(3)
	before := c.Load()
	buf, id := c.AcquireWritableSlot()
	assert.GreaterOrEqual(t, id, 0)
	assert.Nil(t, buf) // no dmabuf attached in this test core
	assert.Equal(t, SlotWriting, SlotState(c.slots[id].state.Load()))
	assert.Equal(t, before+1, c.Load())
}

func TestAcquireWritableSlotFailsWhenPoolExhausted(t *testing.T) {
	c := newTestCore(1)
	_, first := c.AcquireWritableSlot()
	assert.GreaterOrEqual(t, first, 0)

	_, second := c.AcquireWritableSlot()
	assert.Equal(t, -1, second)
}

func TestAcquireWritableSlotFailsWhenPaused(t *testing.T) {
	c := newTestCore(2)
	c.paused.Store(true)
	_, id := c.AcquireWritableSlot()
	assert.Equal(t, -1, id)
}

func TestSubmitFilledSlotRequiresWritingState(t *testing.T) {
	c := newTestCore(2)
	_, id := c.AcquireWritableSlot()

	meta := c.SubmitFilledSlot(id)
	assert.Equal(t, c, meta.Core)
	assert.Equal(t, id, meta.SlotID)
	assert.Equal(t, SlotFilled, SlotState(c.slots[id].state.Load()))

	// Submitting the same slot again fails: it is no longer Writing.
	again := c.SubmitFilledSlot(id)
	assert.Nil(t, again.Core)
}

func TestTryGetEncodedPacketOnlyReturnsOnceEncoded(t *testing.T) {
	c := newTestCore(1)
	_, id := c.AcquireWritableSlot()
	meta := c.SubmitFilledSlot(id)

	_, ok := c.TryGetEncodedPacket(meta)
	assert.False(t, ok, "packet should not be ready before the slot reaches Encoded")

	c.slots[id].packet = EncodedPacket{Data: []byte("jpeg-bytes"), KeyFrame: true}
	c.slots[id].state.Store(int32(SlotEncoded))

	pkt, ok := c.TryGetEncodedPacket(meta)
	assert.True(t, ok)
	assert.Equal(t, []byte("jpeg-bytes"), pkt.Data)
	assert.True(t, pkt.KeyFrame)

	// A second fetch after the first clears the slot's copy.
	_, ok = c.TryGetEncodedPacket(meta)
	assert.False(t, ok)
}

func TestReleaseSlotReturnsToFreePoolAndClearsExternalTag(t *testing.T) {
	c := newTestCore(1)
	before := c.Load()
	_, id := c.AcquireWritableSlot()
	c.slots[id].usingExternal.Store(true)
	c.slots[id].lifetimeHolder = "keep-alive"

	c.ReleaseSlot(id)

	assert.Equal(t, SlotWritable, SlotState(c.slots[id].state.Load()))
	assert.False(t, c.slots[id].usingExternal.Load())
	assert.Nil(t, c.slots[id].lifetimeHolder)
	assert.Equal(t, before, c.Load())
}

func TestSlotGuardReleaseIsIdempotent(t *testing.T) {
	c := newTestCore(1)
	_, id := c.AcquireWritableSlot()

	guard := NewSlotGuard(c, id)
	guard.Release()
	released := c.Load()
	guard.Release() // must not double-release (no-op, not a double free-push)
	assert.Equal(t, released, c.Load())
}

func TestSlotGuardDisarmPreventsRelease(t *testing.T) {
	c := newTestCore(1)
	_, id := c.AcquireWritableSlot()

	guard := NewSlotGuard(c, id)
	guard.Disarm()
	guard.Release()
	assert.Equal(t, SlotWriting, SlotState(c.slots[id].state.Load()))
}
