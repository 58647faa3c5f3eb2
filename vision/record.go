package vision

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweerit/edgevision"
	"github.com/sweerit/edgevision/dmabuf"
	"github.com/sweerit/edgevision/drm"
	"github.com/sweerit/edgevision/mpp"
	"github.com/sweerit/edgevision/rga"
	"github.com/sweerit/edgevision/v4l2"
)

const (
	recordMinWidth, recordMaxWidth   = 640, 1920
	recordMinHeight, recordMaxHeight = 360, 1080
	recordQueueDepth                 = 16
)

func clampResolution(w, h int) (int, int) {
	if w < recordMinWidth {
		w = recordMinWidth
	} else if w > recordMaxWidth {
		w = recordMaxWidth
	}
	if h < recordMinHeight {
		h = recordMinHeight
	} else if h > recordMaxHeight {
		h = recordMaxHeight
	}
	return w, h
}

// makeTimestampFilename builds "<dir>/YYYYMMDD_HHMMSS_mmm<suffix>",
// creating dir if it doesn't already exist.
func makeTimestampFilename(dir, suffix string) string {
	if dir != "" {
		os.MkdirAll(dir, 0o755)
	}
	now := time.Now()
	name := fmt.Sprintf("%s_%03d%s", now.Format("20060102_150405"), now.Nanosecond()/1e6, suffix)
	if dir == "" {
		return name
	}
	return filepath.Join(dir, name)
}

// RecordPipeline owns a dedicated camera device and MPP video encoder
// session, running independently of the live-preview Pipeline:
// capture, encode, and segmented file writing keep running even while
// the preview path's own camera is reconfigured. Frames that arrive at
// the same resolution the encoder is configured for skip the RGA copy
// entirely (SubmitFilledSlotWithExternal); a resolution mismatch falls
// back to an RGA resize into the slot's own DMA-BUF.
type RecordPipeline struct {
	mu sync.Mutex

	cameraCfg v4l2.Config
	camera    *v4l2.Controller

	encoder        *mpp.EncoderCore
	writer         *mpp.StreamWriter
	sameResolution bool

	queue    *edgevision.FrameQueue
	savePath string

	running atomic.Bool
	pauser  *edgevision.ThreadPauser
	doneCh  chan struct{}

	log *logrus.Entry
}

// NewRecordPipeline builds the recorder's dedicated camera and encoder
// session, matching the original's 1920x1080 NV12 @ /dev/video1 default.
func NewRecordPipeline() (*RecordPipeline, error) {
	pauser, err := edgevision.NewThreadPauser()
	if err != nil {
		return nil, fmt.Errorf("vision: record pipeline: %w", err)
	}
	r := &RecordPipeline{
		cameraCfg: v4l2.Config{
			Device:      "/dev/video1",
			Width:       1920,
			Height:      1080,
			Format:      v4l2.PixFmtNV12,
			BufferCount: 4,
			Memory:      v4l2.MemoryDMABUF,
		},
		queue:    edgevision.NewFrameQueue(recordQueueDepth, edgevision.OverflowBlock),
		savePath: "/mnt/sdcard/",
		pauser:   pauser,
		log:      logrus.WithField("component", "vision.record"),
	}
	if err := r.cameraInit(); err != nil {
		return nil, err
	}
	if err := r.recordInit(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RecordPipeline) cameraInit() error {
	if r.camera != nil {
		r.camera.Close()
	}
	cam, err := v4l2.New(r.cameraCfg)
	if err != nil {
		return fmt.Errorf("vision: record pipeline: camera init: %w", err)
	}
	cam.SetFrameCallback(r.onFrameReceived)
	r.camera = cam
	return nil
}

func (r *RecordPipeline) recordInit() error {
	cfg := mpp.DefaultConfig() // 1920x1080 H.264 VBR @ 30fps, matches defconfig_1080p_video(30)
	if r.encoder == nil {
		enc, err := mpp.NewEncoderCore(cfg, 1)
		if err != nil {
			return fmt.Errorf("vision: record pipeline: encoder init: %w", err)
		}
		r.encoder = enc
	} else if err := r.encoder.ResetConfig(cfg); err != nil {
		return fmt.Errorf("vision: record pipeline: encoder reset: %w", err)
	}
	r.sameResolution = r.cameraCfg.Width == cfg.PrepWidth && r.cameraCfg.Height == cfg.PrepHeight
	return nil
}

// SetResolution clamps w/h to [640,1920]x[360,1080], pauses capture, and
// reopens the camera at the new resolution.
func (r *RecordPipeline) SetResolution(w, h int) error {
	w, h = clampResolution(w, h)
	r.Pause()
	time.Sleep(10 * time.Millisecond)

	r.mu.Lock()
	r.cameraCfg.Width, r.cameraCfg.Height = uint32(w), uint32(h)
	err := r.cameraInit()
	encCfg := mpp.DefaultConfig()
	r.sameResolution = r.cameraCfg.Width == encCfg.PrepWidth && r.cameraCfg.Height == encCfg.PrepHeight
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.Resume()
	return nil
}

// SetSavePath changes the directory new segment files are written to.
// Takes effect on the next Resume.
func (r *RecordPipeline) SetSavePath(path string) {
	r.mu.Lock()
	r.savePath = path
	r.mu.Unlock()
}

// Start begins capturing and encoding. Safe to call once; subsequent
// calls are no-ops until Stop.
func (r *RecordPipeline) Start() error {
	if !r.running.CompareAndSwap(false, true) {
		return nil
	}
	if err := r.openWriter(); err != nil {
		r.running.Store(false)
		return err
	}
	if err := r.camera.Start(); err != nil {
		r.running.Store(false)
		return err
	}
	r.doneCh = make(chan struct{})
	go r.recordLoop()
	return nil
}

// Stop halts capture and encoding and closes the current segment file.
func (r *RecordPipeline) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.pauser.Resume()
	r.encoder.EndOfEncode()
	r.camera.Stop()
	r.queue.Close()
	<-r.doneCh

	r.mu.Lock()
	writer := r.writer
	r.writer = nil
	r.mu.Unlock()
	if writer != nil {
		writer.Stop()
	}
}

// Pause suspends encoding (the camera keeps capturing, but frames are
// dropped) and closes the current segment file.
func (r *RecordPipeline) Pause() {
	r.pauser.Pause()
	r.mu.Lock()
	writer := r.writer
	r.writer = nil
	r.mu.Unlock()
	if writer != nil {
		writer.Stop()
	}
}

// Resume reopens a fresh segment file (so a pause/resume cycle never
// appends to a file a prior Stop already finalized) and wakes the
// record loop.
func (r *RecordPipeline) Resume() {
	if r.running.Load() {
		if err := r.openWriter(); err != nil {
			r.log.WithError(err).Error("failed to reopen stream writer")
		}
	}
	r.pauser.Resume()
}

func (r *RecordPipeline) openWriter() error {
	r.mu.Lock()
	savePath := r.savePath
	r.mu.Unlock()

	filename := makeTimestampFilename(savePath, ".h264")
	w, err := mpp.NewStreamWriter(filename)
	if err != nil {
		return fmt.Errorf("vision: record pipeline: stream writer: %w", err)
	}
	r.mu.Lock()
	r.writer = w
	r.mu.Unlock()
	return nil
}

func (r *RecordPipeline) onFrameReceived(f edgevision.Frame) {
	if !r.running.Load() {
		f.Release()
		return
	}
	if !r.queue.Enqueue(f) {
		r.log.Debug("record queue closed, dropping frame")
	}
}

func (r *RecordPipeline) recordLoop() {
	defer close(r.doneCh)
	for {
		frame, ok := r.queue.Dequeue()
		if !ok {
			return
		}
		r.pauser.WaitIfPaused()
		if !r.running.Load() {
			frame.Release()
			continue
		}
		r.processFrame(frame)
	}
}

func (r *RecordPipeline) processFrame(frame edgevision.Frame) {
	if frame.Fd < 0 {
		frame.Release()
		return
	}

	slotBuf, slotID := r.encoder.AcquireWritableSlot()
	if slotID < 0 {
		frame.Release()
		return
	}
	guard := mpp.NewSlotGuard(r.encoder, slotID)
	defer guard.Release()

	size := uint64(frame.Meta.Stride) * uint64(frame.Meta.Height) * 3 / 2
	dmaSrc, err := dmabuf.Import(frame.Fd, frame.Meta.Width, frame.Meta.Height, drm.FormatNV12, size, 0)
	if err != nil {
		r.log.WithError(err).Warn("failed to import capture buffer as dmabuf")
		frame.Release()
		return
	}

	r.mu.Lock()
	sameRes := r.sameResolution
	writer := r.writer
	r.mu.Unlock()

	var meta mpp.EncodedMeta
	if sameRes {
		// frame is retained by the slot until ReleaseSlot runs, keeping
		// the underlying V4L2 buffer from being requeued mid-encode.
		meta = r.encoder.SubmitFilledSlotWithExternal(slotID, dmaSrc, frame)
	} else {
		if err := r.resizeIntoSlot(dmaSrc, slotBuf); err != nil {
			r.log.WithError(err).Warn("RGA resize into encoder slot failed")
			dmaSrc.Close()
			frame.Release()
			return
		}
		meta = r.encoder.SubmitFilledSlot(slotID)
		dmaSrc.Close()
		frame.Release()
	}

	if meta.Core == nil {
		r.log.Warn("got invalid EncodedMeta from EncoderCore")
		return
	}
	guard.Disarm() // ownership now belongs to the encoder slot/writer
	if writer != nil {
		writer.PushMeta(meta)
	}
}

func (r *RecordPipeline) resizeIntoSlot(src, dst *dmabuf.Buffer) error {
	srcHandle := rga.BufferHandle{
		Fd: src.Fd(), Width: int(src.Width()), Height: int(src.Height()),
		WStride: int(src.Pitch()), HStride: int(src.Height()), Format: rga.FormatYCbCr420SP,
	}
	dstHandle := rga.BufferHandle{
		Fd: dst.Fd(), Width: int(dst.Width()), Height: int(dst.Height()),
		WStride: int(dst.Pitch()), HStride: int(dst.Height()), Format: rga.FormatYCbCr420SP,
	}
	srcRect := rga.Rect{Width: int(src.Width()), Height: int(src.Height())}
	dstRect := rga.Rect{Width: int(dst.Width()), Height: int(dst.Height())}
	return rga.Instance().FormatTransform(srcHandle, dstHandle, srcRect, dstRect)
}
