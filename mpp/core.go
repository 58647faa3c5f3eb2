package mpp

/*
#include <rockchip/rk_mpi.h>
#include <rockchip/mpp_err.h>

static MPP_RET ev_mpp_start(MppApi *mpi, MppCtx ctx) {
	return mpi->control(ctx, MPP_START, NULL);
}
static MPP_RET ev_put_frame(MppApi *mpi, MppCtx ctx, MppFrame frame) {
	return mpi->encode_put_frame(ctx, frame);
}
static MPP_RET ev_get_packet(MppApi *mpi, MppCtx ctx, MppPacket *packet) {
	return mpi->encode_get_packet(ctx, packet);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweerit/edgevision/dmabuf"
	"github.com/sweerit/edgevision/drm"
)

// SlotCount is the encoder core's fixed slot pool size.
const SlotCount = 15

// SlotState is the state an encoder slot moves through on every encode:
// Writable (free) → Writing (producer filling it) → Filled (submitted) →
// Encoding (worker has it) → Encoded (packet ready) → back to Writable
// once the consumer calls ReleaseSlot.
type SlotState int32

const (
	SlotWritable SlotState = iota
	SlotWriting
	SlotFilled
	SlotEncoding
	SlotEncoded
	slotInvalid
)

// EncodedPacket is a single encoded access unit: a deep copy of the
// bitstream data MPP returned (MPP's own packet memory is reused on the
// next encode_get_packet call, so the slot keeps its own copy), its
// presentation timestamp, and whether it starts a new GOP.
type EncodedPacket struct {
	Pts       time.Time
	Data      []byte
	KeyFrame  bool
}

// releasable lets SubmitFilledSlotWithExternal's holder be any
// reference-counted handle (e.g. edgevision.Frame): ReleaseSlot drops
// the pipeline's hold on it once the encode is done, instead of just
// letting the interface value go out of scope and leaking the
// underlying refcount.
type releasable interface {
	Release()
}

// EncodedMeta is the lightweight handle SubmitFilledSlot/
// SubmitFilledSlotWithExternal return immediately: the encode itself
// happens asynchronously on the core's worker goroutine, and the caller
// polls TryGetEncodedPacket (or hands the meta to a StreamWriter, which
// does the polling for it).
type EncodedMeta struct {
	Core   *EncoderCore
	SlotID int
}

type slot struct {
	dmaBuf          *dmabuf.Buffer
	externalDmaBuf  *dmabuf.Buffer
	usingExternal   atomic.Bool
	lifetimeHolder  interface{}
	packet          EncodedPacket
	state           atomic.Int32
}

// EncoderCore drives one MPP encode session through a fixed pool of
// SlotCount slots: producers acquire a writable slot, fill its DMA-BUF,
// and submit it; a single worker goroutine pulls submitted slots,
// builds an MPP frame over the slot's buffer, and polls for the
// resulting packet.
type EncoderCore struct {
	coreID int
	ctx    *EncoderContext

	slots [SlotCount]slot

	freeMu    sync.Mutex
	freeSlots []int

	pendingMu sync.Mutex
	pendingCv *sync.Cond
	pending   []int

	running atomic.Bool
	paused  atomic.Bool
	endOfEncode atomic.Bool

	stopCh chan struct{}
	doneCh chan struct{}

	log *logrus.Entry
}

// NewEncoderCore builds an encoder session for cfg and starts its
// worker goroutine.
func NewEncoderCore(cfg Config, coreID int) (*EncoderCore, error) {
	ec, err := NewEncoderContext(cfg)
	if err != nil {
		return nil, fmt.Errorf("mpp: core %d: %w", coreID, err)
	}
	c := &EncoderCore{
		coreID: coreID,
		ctx:    ec,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		log:    logrus.WithField("component", "mpp.core").WithField("core", coreID),
	}
	c.pendingCv = sync.NewCond(&c.pendingMu)
	c.initSlots()
	c.running.Store(true)
	go c.workerLoop()
	return c, nil
}

// CoreID returns this core's identifier, echoed back in EncodedMeta.
func (c *EncoderCore) CoreID() int { return c.coreID }

// Load reports how many of the SlotCount slots are currently in use.
func (c *EncoderCore) Load() int {
	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	return SlotCount - len(c.freeSlots)
}

func (c *EncoderCore) initSlots() {
	cfg := c.ctx.Config()
	// Slots are always NV12: that's the only prep format this pipeline's
	// producers (camera capture, RGA conversion) emit.
	drmFormat := drm.FormatNV12
	bpp := drm.CalculateBpp(drmFormat)
	size := uint32(float64(cfg.PrepWidth) * float64(cfg.PrepHeight) * float64(bpp) / 8)

	c.freeMu.Lock()
	defer c.freeMu.Unlock()
	c.freeSlots = c.freeSlots[:0]
	for i := 0; i < SlotCount; i++ {
		buf, err := dmabuf.Allocate(cfg.PrepWidth, cfg.PrepHeight, drmFormat, size, 0, bpp)
		if err != nil {
			c.log.WithError(err).Warnf("slot %d: dmabuf allocate failed", i)
			continue
		}
		c.slots[i].dmaBuf = buf
		c.slots[i].state.Store(int32(SlotWritable))
		c.freeSlots = append(c.freeSlots, i)
	}
	c.log.Infof("%d/%d slots initialized", len(c.freeSlots), SlotCount)
}

func (c *EncoderCore) cleanupSlots() {
	for i := range c.slots {
		s := &c.slots[i]
		if s.dmaBuf != nil {
			s.dmaBuf.Close()
			s.dmaBuf = nil
		}
		s.externalDmaBuf = nil
		s.lifetimeHolder = nil
		s.state.Store(int32(slotInvalid))
	}
}

// AcquireWritableSlot pops a free slot and marks it Writing, returning
// its backing DMA-BUF for the caller to fill. Returns (nil, -1) if the
// core is paused or has no free slot.
func (c *EncoderCore) AcquireWritableSlot() (*dmabuf.Buffer, int) {
	if c.paused.Load() {
		return nil, -1
	}
	c.freeMu.Lock()
	if len(c.freeSlots) == 0 {
		c.freeMu.Unlock()
		return nil, -1
	}
	id := c.freeSlots[0]
	c.freeSlots = c.freeSlots[1:]
	c.freeMu.Unlock()

	s := &c.slots[id]
	if !s.state.CompareAndSwap(int32(SlotWritable), int32(SlotWriting)) {
		c.log.Warnf("acquireWritableSlot: slot %d state invalid", id)
		return nil, -1
	}
	return s.dmaBuf, id
}

// SubmitFilledSlot marks slotID Filled and queues it for the worker.
func (c *EncoderCore) SubmitFilledSlot(slotID int) EncodedMeta {
	if c.paused.Load() || slotID < 0 || slotID >= SlotCount {
		return EncodedMeta{}
	}
	s := &c.slots[slotID]
	if !s.state.CompareAndSwap(int32(SlotWriting), int32(SlotFilled)) {
		c.log.Warnf("submitFilledSlot: slot %d state invalid", slotID)
		return EncodedMeta{}
	}
	s.packet.Pts = time.Now()

	c.pendingMu.Lock()
	c.pending = append(c.pending, slotID)
	c.pendingCv.Signal()
	c.pendingMu.Unlock()

	return EncodedMeta{Core: c, SlotID: slotID}
}

// SubmitFilledSlotWithExternal behaves like SubmitFilledSlot but tags
// the slot as backed by an externally-owned DMA-BUF (e.g. a raw V4L2
// capture buffer that already matches the encoder's prep format, saving
// an RGA copy). holder is retained until ReleaseSlot, keeping the
// external buffer's refcount alive through the encode.
func (c *EncoderCore) SubmitFilledSlotWithExternal(slotID int, external *dmabuf.Buffer, holder interface{}) EncodedMeta {
	if c.paused.Load() || slotID < 0 || slotID >= SlotCount {
		return EncodedMeta{}
	}
	s := &c.slots[slotID]
	if !s.state.CompareAndSwap(int32(SlotWriting), int32(SlotFilled)) {
		c.log.Warnf("submitFilledSlotWithExternal: slot %d state invalid", slotID)
		return EncodedMeta{}
	}
	s.externalDmaBuf = external
	s.usingExternal.Store(true)
	s.lifetimeHolder = holder
	s.packet.Pts = time.Now()

	c.pendingMu.Lock()
	c.pending = append(c.pending, slotID)
	c.pendingCv.Signal()
	c.pendingMu.Unlock()

	return EncodedMeta{Core: c, SlotID: slotID}
}

// TryGetEncodedPacket reports whether meta's slot has finished encoding
// and, if so, copies its packet out and clears the slot's copy (the
// caller still owns the slot until ReleaseSlot).
func (c *EncoderCore) TryGetEncodedPacket(meta EncodedMeta) (EncodedPacket, bool) {
	if c.paused.Load() || meta.Core != c || meta.SlotID < 0 || meta.SlotID >= SlotCount {
		return EncodedPacket{}, false
	}
	s := &c.slots[meta.SlotID]
	if SlotState(s.state.Load()) != SlotEncoded {
		return EncodedPacket{}, false
	}
	pkt := s.packet
	s.packet = EncodedPacket{}
	return pkt, true
}

// ReleaseSlot returns a slot to the free pool, releasing any external
// DMA-BUF/holder reference it was tagged with.
func (c *EncoderCore) ReleaseSlot(slotID int) {
	if slotID < 0 || slotID >= SlotCount {
		c.log.Warnf("releaseSlot: invalid slot_id %d", slotID)
		return
	}
	s := &c.slots[slotID]
	if SlotState(s.state.Load()) == slotInvalid {
		c.log.Warnf("releaseSlot: slot %d state invalid", slotID)
		return
	}
	if s.usingExternal.Load() {
		s.externalDmaBuf = nil
		if holder, ok := s.lifetimeHolder.(releasable); ok {
			holder.Release()
		}
		s.lifetimeHolder = nil
		s.usingExternal.Store(false)
	}
	s.state.Store(int32(SlotWritable))

	c.freeMu.Lock()
	c.freeSlots = append(c.freeSlots, slotID)
	c.freeMu.Unlock()
}

// ResetConfig pauses the worker, drains both queues, tears down and
// rebuilds the encoder session and slot pool for cfg, then resumes.
func (c *EncoderCore) ResetConfig(cfg Config) error {
	c.paused.Store(true)
	defer c.paused.Store(false)

	c.pendingMu.Lock()
	c.pending = nil
	c.pendingMu.Unlock()
	c.freeMu.Lock()
	c.freeSlots = nil
	c.freeMu.Unlock()

	c.cleanupSlots()
	if err := c.ctx.ResetConfig(cfg); err != nil {
		return err
	}
	c.initSlots()
	return nil
}

// EndOfEncode marks every frame the worker builds from now on as EOS;
// the flag is not cleared afterwards.
func (c *EncoderCore) EndOfEncode() {
	c.endOfEncode.Store(true)
}

func (c *EncoderCore) workerLoop() {
	defer close(c.doneCh)
	C.ev_mpp_start(c.ctx.apiHandle(), c.ctx.ctxHandle())

	failRecover := func(slotID int) {
		c.slots[slotID].state.Store(int32(SlotWritable))
		c.freeMu.Lock()
		c.freeSlots = append(c.freeSlots, slotID)
		c.freeMu.Unlock()
	}

	for {
		if !c.running.Load() {
			return
		}
		if c.paused.Load() {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		c.pendingMu.Lock()
		for len(c.pending) == 0 && c.running.Load() {
			c.pendingCv.Wait()
		}
		if !c.running.Load() {
			c.pendingMu.Unlock()
			return
		}
		slotID := c.pending[0]
		c.pending = c.pending[1:]
		c.pendingMu.Unlock()

		s := &c.slots[slotID]
		s.state.Store(int32(SlotEncoding))

		frame, mppBuf, err := c.createEncodableFrame(s)
		if err != nil {
			c.log.WithError(err).Warn("createEncodableFrame failed")
			failRecover(slotID)
			continue
		}

		packet, keyframe, err := c.encodeAndPoll(frame)
		C.mpp_frame_deinit(&frame)
		if mppBuf != nil {
			C.mpp_buffer_put(mppBuf)
		}
		if err != nil {
			c.log.WithError(err).Warn("encode timed out or failed")
			failRecover(slotID)
			continue
		}

		s.packet = EncodedPacket{Pts: s.packet.Pts, Data: packet, KeyFrame: keyframe}
		s.state.Store(int32(SlotEncoded))
	}
}

func (c *EncoderCore) createEncodableFrame(s *slot) (C.MppFrame, C.MppBuffer, error) {
	if s.dmaBuf == nil {
		return nil, nil, fmt.Errorf("mpp: slot has no backing dmabuf")
	}

	var frame C.MppFrame
	if ret := C.mpp_frame_init(&frame); ret != C.MPP_OK || frame == nil {
		return nil, nil, fmt.Errorf("mpp: mpp_frame_init failed: %d", int(ret))
	}

	buf := s.dmaBuf
	if s.usingExternal.Load() && s.externalDmaBuf != nil {
		buf = s.externalDmaBuf
	}

	var info C.MppBufferInfo
	info._type = C.MPP_BUFFER_TYPE_EXT_DMA
	info.fd = C.int(buf.Fd())
	info.size = C.size_t(buf.Size())
	var mppBuf C.MppBuffer
	if ret := C.mpp_buffer_import(&mppBuf, &info); ret != C.MPP_OK {
		C.mpp_frame_deinit(&frame)
		return nil, nil, fmt.Errorf("mpp: mpp_buffer_import failed: %d", int(ret))
	}

	cfg := c.ctx.Config()
	C.mpp_frame_set_width(frame, C.RK_U32(buf.Width()))
	C.mpp_frame_set_height(frame, C.RK_U32(buf.Height()))
	C.mpp_frame_set_hor_stride(frame, C.RK_U32(buf.Pitch()))
	C.mpp_frame_set_ver_stride(frame, C.RK_U32(buf.Height()))
	C.mpp_frame_set_fmt(frame, C.MppFrameFormat(cfg.PrepFormat))
	C.mpp_frame_set_buffer(frame, mppBuf)
	if c.endOfEncode.Load() {
		C.mpp_frame_set_eos(frame, 1)
	}
	return frame, mppBuf, nil
}

const maxEncodePolls = 200
const encodePollInterval = 33 * time.Microsecond

func (c *EncoderCore) encodeAndPoll(frame C.MppFrame) ([]byte, bool, error) {
	if ret := C.ev_put_frame(c.ctx.apiHandle(), c.ctx.ctxHandle(), frame); ret != C.MPP_OK {
		return nil, false, fmt.Errorf("mpp: encode_put_frame failed: %d", int(ret))
	}

	var packet C.MppPacket
	for i := 0; i < maxEncodePolls && c.running.Load(); i++ {
		ret := C.ev_get_packet(c.ctx.apiHandle(), c.ctx.ctxHandle(), &packet)
		if ret == C.MPP_OK && packet != nil {
			defer C.mpp_packet_deinit(&packet)
			length := C.mpp_packet_get_length(packet)
			data := C.GoBytes(C.mpp_packet_get_data(packet), C.int(length))

			keyframe := false
			if C.mpp_packet_has_meta(packet) != 0 {
				meta := C.mpp_packet_get_meta(packet)
				var intra C.RK_S32
				C.mpp_meta_get_s32(meta, C.KEY_OUTPUT_INTRA, &intra)
				keyframe = intra != 0
			}
			return data, keyframe, nil
		}
		if ret != C.MPP_ERR_TIMEOUT {
			return nil, false, fmt.Errorf("mpp: encode_get_packet failed: %d", int(ret))
		}
		time.Sleep(encodePollInterval)
	}
	return nil, false, fmt.Errorf("mpp: encode timed out after %d polls", maxEncodePolls)
}

// Close stops the worker goroutine and releases all slot resources.
func (c *EncoderCore) Close() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.pendingMu.Lock()
	c.pendingCv.Broadcast()
	c.pendingMu.Unlock()
	<-c.doneCh
	c.cleanupSlots()
	c.ctx.Close()
}

// SlotGuard releases a slot_id on the enclosing function's return unless
// Release() was already called, mirroring the original's RAII
// SlotGuard used so an early error return never leaks a slot.
type SlotGuard struct {
	core     *EncoderCore
	slotID   int
	released bool
}

// NewSlotGuard wraps a slot for deferred release: `defer
// mpp.NewSlotGuard(core, meta.SlotID).Release()`.
func NewSlotGuard(core *EncoderCore, slotID int) *SlotGuard {
	return &SlotGuard{core: core, slotID: slotID}
}

// Release returns the slot to the free pool, if it hasn't already been
// released (directly, or via Disarm).
func (g *SlotGuard) Release() {
	if g.released || g.core == nil {
		return
	}
	g.released = true
	g.core.ReleaseSlot(g.slotID)
}

// Disarm prevents Release from firing, used when ownership of the slot
// has been handed off to another releaser (e.g. a StreamWriter writer
// goroutine).
func (g *SlotGuard) Disarm() {
	g.released = true
}
