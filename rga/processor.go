package rga

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/sweerit/edgevision"
	"github.com/sweerit/edgevision/dmabuf"
)

// ProcessorConfig mirrors the original RgaProcessor::Config defaults:
// RGBA8888 destination, YCbCr 420 SP (NV12) source, a 4-buffer pool.
type ProcessorConfig struct {
	Width       uint32
	Height      uint32
	DstFormat   Format
	SrcFormat   Format
	PoolSize    int
	UsingDMABUF bool
}

// DefaultProcessorConfig matches the original's defaults.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		DstFormat: FormatRGBA8888,
		SrcFormat: FormatYCbCr420SP,
		PoolSize:  4,
	}
}

type poolBuffer struct {
	buf   *dmabuf.Buffer
	inUse atomic.Bool
	index int
}

// Processor consumes a raw-frame queue, converts each frame through RGA
// into a pooled output buffer, and publishes the result frame. Frames
// are dropped (never queued) when no pool slot is free, favoring
// freshness over completeness per the original's design.
type Processor struct {
	cfg       ProcessorConfig
	conv      *Converter
	rawQueue  *edgevision.FrameQueue
	outQueue  *edgevision.FrameQueue
	pool      []*poolBuffer
	nextIndex atomic.Int64

	running atomic.Bool
	pauser  *edgevision.ThreadPauser
	stopCh  chan struct{}
	doneCh  chan struct{}

	log *logrus.Entry
}

// NewProcessor allocates the output buffer pool and wires the raw/out
// queues.
func NewProcessor(cfg ProcessorConfig, rawQueue, outQueue *edgevision.FrameQueue) (*Processor, error) {
	pauser, err := edgevision.NewThreadPauser()
	if err != nil {
		return nil, err
	}

	p := &Processor{
		cfg:      cfg,
		conv:     Instance(),
		rawQueue: rawQueue,
		outQueue: outQueue,
		pauser:   pauser,
		log:      logrus.WithField("component", "rga.processor"),
	}

	bpp := bppForFormat(cfg.DstFormat)
	required := uint32(float64(cfg.Width) * float64(cfg.Height) * bpp / 8)
	p.pool = make([]*poolBuffer, cfg.PoolSize)
	for i := range p.pool {
		buf, err := dmabuf.Allocate(cfg.Width, cfg.Height, uint32(cfg.DstFormat), required, 0, uint32(bpp))
		if err != nil {
			p.closePool()
			return nil, err
		}
		p.pool[i] = &poolBuffer{buf: buf, index: i}
	}
	return p, nil
}

func bppForFormat(f Format) float64 {
	switch f {
	case FormatRGBA8888, FormatBGRA8888, FormatARGB8888, FormatABGR8888,
		FormatXRGB8888, FormatXBGR8888, FormatRGBX8888, FormatBGRX8888:
		return 32
	case FormatRGB888, FormatBGR888:
		return 24
	case FormatRGB565:
		return 16
	case FormatYCbCr420SP, FormatYCrCb420SP, FormatYCbCr420P, FormatYCrCb420P:
		return 12
	default:
		return 16
	}
}

func (p *Processor) closePool() {
	for _, b := range p.pool {
		if b != nil && b.buf != nil {
			b.buf.Close()
		}
	}
}

// getAvailableBufferIndex round-robins over the pool looking for a free
// slot, matching the original's availability-probing scan.
func (p *Processor) getAvailableBufferIndex() int {
	n := len(p.pool)
	start := int(p.nextIndex.Add(1)) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if p.pool[idx].inUse.CompareAndSwap(false, true) {
			return idx
		}
	}
	return -1
}

// Start launches the conversion worker goroutine.
func (p *Processor) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run()
}

func (p *Processor) run() {
	defer close(p.doneCh)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}
		p.pauser.WaitIfPaused()

		frame, ok := p.rawQueue.Dequeue()
		if !ok {
			return // queue closed
		}

		idx := p.getAvailableBufferIndex()
		if idx < 0 {
			p.log.Debug("no free RGA output buffer, dropping frame")
			frame.Release()
			continue
		}

		out, err := p.convert(frame, idx)
		frame.Release()
		if err != nil {
			p.log.WithError(err).Warn("RGA format transform failed")
			p.pool[idx].inUse.Store(false)
			continue
		}

		if p.outQueue != nil {
			p.outQueue.Enqueue(out)
		} else {
			out.Release()
		}
	}
}

func (p *Processor) convert(src edgevision.Frame, poolIdx int) (edgevision.Frame, error) {
	slot := p.pool[poolIdx]

	srcHandle := BufferHandle{
		Fd:      src.Fd,
		Width:   int(src.Meta.Width),
		Height:  int(src.Meta.Height),
		WStride: int(src.Meta.Stride),
		HStride: int(src.Meta.Height),
		Format:  p.cfg.SrcFormat,
	}
	if src.Fd < 0 {
		srcHandle.Fd = -1
	}

	dstHandle := BufferHandle{
		Fd:      slot.buf.Fd(),
		Width:   int(p.cfg.Width),
		Height:  int(p.cfg.Height),
		WStride: int(p.cfg.Width),
		HStride: int(p.cfg.Height),
		Format:  p.cfg.DstFormat,
	}

	rect := Rect{Width: int(p.cfg.Width), Height: int(p.cfg.Height)}
	if err := p.conv.FormatTransform(srcHandle, dstHandle, rect, rect); err != nil {
		return edgevision.Frame{}, err
	}

	meta := edgevision.FrameMeta{
		Width:     p.cfg.Width,
		Height:    p.cfg.Height,
		Format:    uint32(p.cfg.DstFormat),
		Stride:    p.cfg.Width * uint32(bppForFormat(p.cfg.DstFormat)) / 8,
		Sequence:  src.Meta.Sequence,
		Timestamp: src.Meta.Timestamp,
	}

	release := func(index int) {
		p.pool[index].inUse.Store(false)
	}

	return edgevision.NewFrame(meta, poolIdx, edgevision.MemoryDMABUF, slot.buf.Fd(), nil, release), nil
}

// Stop halts the worker and releases the output buffer pool.
func (p *Processor) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	close(p.stopCh)
	<-p.doneCh
	p.pauser.Close()
	p.closePool()
}

// Pause/Resume suspend and resume conversion without tearing down the
// pool.
func (p *Processor) Pause()  { p.pauser.Pause() }
func (p *Processor) Resume() { p.pauser.Resume() }
