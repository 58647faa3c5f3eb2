// Package vision wires the capture/convert/encode/display stages
// together: a live-preview camera feeding a double-buffered "current
// frame" slot plus an RGA conversion path for model inference, a
// parallel dedicated video-recording pipeline, and a still-capture
// path, all driven by a fixed worker pool.
package vision

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/sweerit/edgevision"
	"github.com/sweerit/edgevision/dmabuf"
	"github.com/sweerit/edgevision/drm"
	"github.com/sweerit/edgevision/mpp"
	"github.com/sweerit/edgevision/rga"
	"github.com/sweerit/edgevision/v4l2"
)

func float32bits(f float32) uint32   { return math.Float32bits(f) }
func float32frombits(b uint32) float32 { return math.Float32frombits(b) }

// RecordStatus toggles the dedicated RecordPipeline.
type RecordStatus int

const (
	RecordStart RecordStatus = iota
	RecordStop
)

// ModelStatus toggles whether raw frames are also routed through the
// RGA conversion path for inference.
type ModelStatus int

const (
	ModelStart ModelStatus = iota
	ModelStop
)

// RGACallback receives an RGA-converted frame, once per frame, only
// while model inference is running. The callback owns the passed
// Frame's reference and must Release it.
type RGACallback func(frame edgevision.Frame)

// ShowCallback receives a retained copy of the current live-preview
// frame once per main loop iteration, for display compositing. The
// callback owns the reference and must Release it.
type ShowCallback func(frame edgevision.Frame)

// DefaultCameraConfig mirrors the original's defaultCameraConfig:
// 8-pixel-aligns the requested resolution, falling back to 1920x1080
// when either dimension is unset.
func DefaultCameraConfig(width, height uint32) v4l2.Config {
	if width > 0 && height > 0 {
		width = alignTo8(width)
		height = alignTo8(height)
	} else {
		width, height = 1920, 1080
	}
	return v4l2.Config{
		Device:      "/dev/video0",
		Width:       width,
		Height:      height,
		Format:      v4l2.PixFmtNV12,
		BufferCount: 4,
		Memory:      v4l2.MemoryDMABUF,
	}
}

func alignTo8(v uint32) uint32 {
	if v%8 == 0 {
		return v
	}
	return (v + 7) &^ 7
}

// fpsMeter computes FPS over a 500ms sliding window, updated once per
// processed frame and read concurrently by anyone polling GetFPS.
type fpsMeter struct {
	fps       atomic.Uint32 // math.Float32bits
	count     uint32
	windowStart time.Time
	mu        sync.Mutex
}

func newFPSMeter() *fpsMeter {
	return &fpsMeter{windowStart: time.Now()}
}

func (m *fpsMeter) endFrame() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.count++
	elapsed := time.Since(m.windowStart)
	if elapsed >= 500*time.Millisecond {
		fps := float32(m.count) * 1000.0 / float32(elapsed.Milliseconds())
		m.fps.Store(float32bits(fps))
		m.count = 0
		m.windowStart = time.Now()
	}
}

func (m *fpsMeter) get() float32 {
	return float32frombits(m.fps.Load())
}

// Pipeline is the top-level orchestrator: live-preview capture, RGA
// conversion for inference, still capture, and a parallel video
// recorder.
type Pipeline struct {
	cameraCfg v4l2.Config
	camera    *v4l2.Controller
	control   *v4l2.ParamControl
	controls  []v4l2.ControlInfo
	exposureIdx int

	rawQueue *edgevision.FrameQueue
	rgaQueue *edgevision.FrameQueue
	rgaOut   *edgevision.FrameQueue
	rgaProc  *rga.Processor

	recorder *RecordPipeline
	snapshot *mpp.JpegEncoder

	fps *fpsMeter

	frameBuf    [2]edgevision.Frame
	readIndex   atomic.Int32
	writeIndex  atomic.Int32

	running atomic.Bool
	paused  atomic.Bool
	loopMu  sync.Mutex
	loopCv  *sync.Cond

	sameResolution atomic.Bool
	recordStatus   atomic.Int32
	modelStatus    atomic.Int32

	cb     RGACallback
	showCb ShowCallback
	cbMu   sync.RWMutex

	group  *errgroup.Group
	cancel context.CancelFunc

	mu  sync.Mutex
	log *logrus.Entry
}

// NewPipeline builds every stage (camera, controls, RGA processor,
// recorder, still-capture encoder) and starts the recorder; the
// live-preview camera does not capture until Start.
func NewPipeline(cameraCfg v4l2.Config) (*Pipeline, error) {
	p := &Pipeline{
		cameraCfg:   cameraCfg,
		rawQueue:    edgevision.NewFrameQueue(10, edgevision.OverflowDropOldest),
		rgaQueue:    edgevision.NewFrameQueue(10, edgevision.OverflowDropOldest),
		fps:         newFPSMeter(),
		exposureIdx: -1,
		log:         logrus.WithField("component", "vision.pipeline"),
	}
	p.loopCv = sync.NewCond(&p.loopMu)
	p.recordStatus.Store(int32(RecordStop))
	p.modelStatus.Store(int32(ModelStop))
	// readIndex/writeIndex must start on opposite slots of the
	// length-2 frameBuf: the writer always fills the slot the reader
	// isn't looking at, then swaps.
	p.writeIndex.Store(1)

	if err := p.init(); err != nil {
		return nil, err
	}

	recorder, err := NewRecordPipeline()
	if err != nil {
		return nil, fmt.Errorf("vision: pipeline: record pipeline: %w", err)
	}
	p.recorder = recorder
	if err := p.recorder.Start(); err != nil {
		return nil, fmt.Errorf("vision: pipeline: record pipeline start: %w", err)
	}

	return p, nil
}

func (p *Pipeline) init() error {
	if err := p.cameraInit(); err != nil {
		return err
	}
	p.controlInit()
	if err := p.rgaInit(); err != nil {
		return err
	}
	return p.snapshotInit()
}

func (p *Pipeline) cameraInit() error {
	if p.camera != nil {
		p.camera.Close()
	}
	cam, err := v4l2.New(p.cameraCfg)
	if err != nil {
		return fmt.Errorf("vision: pipeline: camera init: %w", err)
	}
	cam.SetFrameCallback(p.onFrame)
	p.camera = cam
	return nil
}

func (p *Pipeline) controlInit() {
	p.control = v4l2.NewParamControl(p.camera.DeviceFd())
	p.controls = p.control.QueryAllControls()
	p.exposureIdx = -1
	for i, c := range p.controls {
		if c.ID == v4l2.CIDExposure {
			p.exposureIdx = i
			break
		}
	}
}

func (p *Pipeline) rgaInit() error {
	rgaCfg := rga.DefaultProcessorConfig()
	rgaCfg.Width = p.cameraCfg.Width
	rgaCfg.Height = p.cameraCfg.Height
	rgaCfg.UsingDMABUF = p.cameraCfg.Memory == v4l2.MemoryDMABUF
	if srcFmt, ok := rga.FromV4L2(uint32(p.cameraCfg.Format)); ok {
		rgaCfg.SrcFormat = srcFmt
	} else {
		rgaCfg.SrcFormat = rga.FormatYCbCr420SP
	}

	out := edgevision.NewFrameQueue(5, edgevision.OverflowDropOldest)
	proc, err := rga.NewProcessor(rgaCfg, p.rgaQueue, out)
	if err != nil {
		return fmt.Errorf("vision: pipeline: rga processor init: %w", err)
	}
	p.rgaProc = proc
	p.rgaOut = out
	return nil
}

func (p *Pipeline) snapshotInit() error {
	cfg := mpp.JPEGConfig{
		Width:   p.cameraCfg.Width,
		Height:  p.cameraCfg.Height,
		Quality: 8,
		SaveDir: "/mnt/sdcard",
	}
	if p.snapshot == nil {
		enc, err := mpp.NewJpegEncoder(cfg)
		if err != nil {
			return fmt.Errorf("vision: pipeline: jpeg encoder init: %w", err)
		}
		p.snapshot = enc
		return nil
	}
	return p.snapshot.ResetConfig(cfg)
}

// Start launches the camera, the RGA processor, and the main dispatch
// loop on its own errgroup, and unblocks any prior Pause.
func (p *Pipeline) Start() error {
	p.Resume()
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}

	if err := p.camera.Start(); err != nil {
		p.running.Store(false)
		return err
	}
	p.rgaProc.Start()

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	p.group = g
	g.Go(func() error {
		p.mainLoop(gctx)
		return nil
	})
	return nil
}

// Stop halts every stage and blocks until the main loop has exited.
func (p *Pipeline) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.Resume()
	p.recorder.Stop()
	p.rgaProc.Stop()
	p.camera.Stop()

	p.loopMu.Lock()
	p.loopCv.Broadcast()
	p.loopMu.Unlock()

	if p.cancel != nil {
		p.cancel()
	}
	if p.group != nil {
		p.group.Wait()
	}
}

// Pause suspends the main dispatch loop; the camera keeps capturing
// but no frames are swapped into the current-frame slot.
func (p *Pipeline) Pause() {
	if p.paused.CompareAndSwap(false, true) {
		p.loopMu.Lock()
		p.loopCv.Broadcast()
		p.loopMu.Unlock()
	}
}

// Resume wakes the main dispatch loop from Pause.
func (p *Pipeline) Resume() {
	if p.paused.CompareAndSwap(true, false) {
		p.loopMu.Lock()
		p.loopCv.Broadcast()
		p.loopMu.Unlock()
	}
}

func (p *Pipeline) onFrame(f edgevision.Frame) {
	if !p.rawQueue.Enqueue(f) {
		return
	}
	p.loopMu.Lock()
	p.loopCv.Broadcast()
	p.loopMu.Unlock()

	if ModelStatus(p.modelStatus.Load()) == ModelStart {
		dup := f.Retain()
		if !p.rgaQueue.Enqueue(dup) {
			dup.Release()
		}
	}
}

func (p *Pipeline) mainLoop(ctx context.Context) {
	for {
		p.loopMu.Lock()
		for ctx.Err() == nil && (p.paused.Load() || p.rawQueue.Len() == 0) {
			p.loopCv.Wait()
		}
		p.loopMu.Unlock()
		if ctx.Err() != nil {
			return
		}

		frame, ok := p.rawQueue.TryDequeue()
		if !ok {
			continue
		}

		wIdx := p.writeIndex.Load()
		if old := p.frameBuf[wIdx]; old.Valid() {
			old.Release()
		}
		p.frameBuf[wIdx] = frame

		rIdx := p.readIndex.Load()
		p.readIndex.Store(wIdx)
		p.writeIndex.Store(rIdx)

		p.dispatch()
	}
}

func (p *Pipeline) dispatch() {
	p.fps.endFrame()

	p.cbMu.RLock()
	showCb, cb := p.showCb, p.cb
	p.cbMu.RUnlock()

	if showCb != nil {
		if f, ok := p.safeCurrentFrame(); ok {
			showCb(f.Retain())
		}
	}

	if cb != nil && ModelStatus(p.modelStatus.Load()) == ModelStart {
		if f, ok := p.CurrentRGAFrame(); ok {
			cb(f)
		}
	}
}

func (p *Pipeline) safeCurrentFrame() (edgevision.Frame, bool) {
	idx := p.readIndex.Load()
	f := p.frameBuf[idx]
	if !f.Valid() {
		return edgevision.Frame{}, false
	}
	return f, true
}

// TryCapture pauses the main loop, snapshots the current frame to a
// JPEG file, and resumes.
func (p *Pipeline) TryCapture() (string, error) {
	p.Pause()
	defer p.Resume()

	f, ok := p.safeCurrentFrame()
	if !ok {
		return "", fmt.Errorf("vision: pipeline: no current frame available")
	}
	dmaBuf, err := p.importCurrentFrame(f)
	if err != nil {
		return "", err
	}
	defer dmaBuf.Close()
	return p.snapshot.CaptureFromDmabuf(dmaBuf)
}

func (p *Pipeline) importCurrentFrame(f edgevision.Frame) (*dmabuf.Buffer, error) {
	if f.Fd < 0 {
		return nil, fmt.Errorf("vision: pipeline: current frame has no dmabuf fd")
	}
	size := uint64(f.Meta.Stride) * uint64(f.Meta.Height) * 3 / 2
	return dmabuf.Import(f.Fd, f.Meta.Width, f.Meta.Height, drm.FormatNV12, size, 0)
}

// TryRecord toggles the dedicated recorder and reports whether the
// status actually changed.
func (p *Pipeline) TryRecord(status RecordStatus) bool {
	prev := RecordStatus(p.recordStatus.Swap(int32(status)))
	if prev == status {
		return false
	}
	if status == RecordStart {
		p.recorder.Resume()
	} else {
		p.recorder.Pause()
	}
	return true
}

// SetModelRunningStatus starts/stops the RGA conversion path; stopping
// drains any frames still queued for it.
func (p *Pipeline) SetModelRunningStatus(status ModelStatus) bool {
	if status == ModelStart {
		p.rgaProc.Resume()
	} else {
		p.rgaProc.Pause()
	}
	p.modelStatus.Store(int32(status))
	if status == ModelStop {
		for {
			if _, ok := p.rgaQueue.TryDequeue(); !ok {
				break
			}
		}
	}
	return true
}

// RegisterOnRGA installs the callback invoked with each RGA-converted
// frame while model inference is running.
func (p *Pipeline) RegisterOnRGA(cb RGACallback) {
	p.cbMu.Lock()
	p.cb = cb
	p.cbMu.Unlock()
}

// RegisterOnFrameReady installs the callback invoked once per main-loop
// iteration with the current live-preview frame.
func (p *Pipeline) RegisterOnFrameReady(cb ShowCallback) {
	p.cbMu.Lock()
	p.showCb = cb
	p.cbMu.Unlock()
}

// SetMirrorMode toggles horizontal/vertical flip via V4L2 controls.
func (p *Pipeline) SetMirrorMode(horizontal, vertical bool) error {
	if err := p.control.SetControl(v4l2.CIDHFlip, boolToInt32(horizontal)); err != nil {
		return err
	}
	return p.control.SetControl(v4l2.CIDVFlip, boolToInt32(vertical))
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

// SetExposurePercentage maps a 0-100 percentage onto the queried
// exposure control's [min,max] range.
func (p *Pipeline) SetExposurePercentage(percentage float32) error {
	if p.exposureIdx < 0 || p.exposureIdx >= len(p.controls) {
		return fmt.Errorf("vision: pipeline: no exposure control available")
	}
	info := p.controls[p.exposureIdx]
	value := info.Min + int32(float32(info.Max-info.Min)*percentage/100)
	return p.control.SetControl(info.ID, value)
}

// GetCurrentRawFrame returns the live-preview frame currently visible
// through the double buffer, retained for the caller.
func (p *Pipeline) GetCurrentRawFrame() (edgevision.Frame, bool) {
	f, ok := p.safeCurrentFrame()
	if ok {
		f.Retain()
	}
	return f, ok
}

// CurrentRGAFrame pulls the next available RGA-converted frame, if
// model inference is running.
func (p *Pipeline) CurrentRGAFrame() (edgevision.Frame, bool) {
	if ModelStatus(p.modelStatus.Load()) == ModelStop {
		return edgevision.Frame{}, false
	}
	return p.rgaOut.TryDequeue()
}

// GetFPS reports the current frames-per-second estimate.
func (p *Pipeline) GetFPS() float32 { return p.fps.get() }

// GetCameraFd exposes the live-preview camera's device fd.
func (p *Pipeline) GetCameraFd() int {
	if p.camera == nil {
		return -1
	}
	return p.camera.DeviceFd()
}

// ResetConfig hot-swaps the live-preview camera to a new configuration,
// tearing down and rebuilding the camera/RGA stages while the recorder
// and still-capture encoder keep running.
func (p *Pipeline) ResetConfig(newConfig v4l2.Config) error {
	p.Pause()
	p.TryRecord(RecordStop)
	p.SetModelRunningStatus(ModelStop)
	time.Sleep(time.Millisecond)

	p.mu.Lock()
	defer p.mu.Unlock()

	p.sameResolution.Store(false)
	p.recordStatus.Store(int32(RecordStop))
	p.modelStatus.Store(int32(ModelStop))

	for i := range p.frameBuf {
		if p.frameBuf[i].Valid() {
			p.frameBuf[i].Release()
			p.frameBuf[i] = edgevision.Frame{}
		}
	}
	p.rgaProc.Stop()
	p.camera.Close()

	for {
		if _, ok := p.rawQueue.TryDequeue(); !ok {
			break
		}
	}
	for {
		if _, ok := p.rgaQueue.TryDequeue(); !ok {
			break
		}
	}

	p.cameraCfg = newConfig
	if err := p.init(); err != nil {
		return err
	}
	if err := p.camera.Start(); err != nil {
		return err
	}
	p.rgaProc.Start()
	p.Resume()
	return nil
}
