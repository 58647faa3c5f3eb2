package vision

import (
	"sync"

	"github.com/sweerit/edgevision"
)

// DetectedObject is one YOLOv5 detection: a class id, its confidence,
// and a bounding box in source-image pixel coordinates.
type DetectedObject struct {
	ClassID    int
	ClassName  string
	Confidence float32
	X, Y       int
	W, H       int
}

// DetectionResult is the output of one inference pass.
type DetectionResult struct {
	Objects []DetectedObject
}

// DetectionCallback receives one DetectionResult per completed
// inference pass.
type DetectionCallback func(DetectionResult)

// Detector is the contract a model backend must satisfy to plug into
// Pipeline's RGA output: submit a converted frame for inference, poll
// or receive results via callback, and adjust the detection/NMS
// thresholds at runtime. The actual RKNN model loading and
// post-processing math live entirely behind this interface — Pipeline
// only ever talks to Detector.
type Detector interface {
	Start() error
	Stop()
	Pause()
	Resume()

	// Submit hands a converted (RGB/RGBA) frame to the detector, which
	// takes over the caller's reference: the frame is released once the
	// result is ready or submission fails.
	Submit(frame edgevision.Frame) error

	SetThresh(boxThresh, nmsThresh float32)
	SetOnResult(cb DetectionCallback)
}

// NoopDetector is a Detector that accepts frames and immediately
// releases them without running any inference. It exists so Pipeline
// can wire SetModelRunningStatus/RegisterOnRGA end to end and be
// exercised in tests without a real RKNN runtime present.
type NoopDetector struct {
	mu        sync.Mutex
	onResult  DetectionCallback
	boxThresh float32
	nmsThresh float32
	running   bool
}

// NewNoopDetector returns a Detector with the original's default
// thresholds (0.25 box confidence, 0.45 NMS IoU).
func NewNoopDetector() *NoopDetector {
	return &NoopDetector{boxThresh: 0.25, nmsThresh: 0.45}
}

func (d *NoopDetector) Start() error {
	d.mu.Lock()
	d.running = true
	d.mu.Unlock()
	return nil
}

func (d *NoopDetector) Stop() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

func (d *NoopDetector) Pause()  { d.Stop() }
func (d *NoopDetector) Resume() { d.Start() }

func (d *NoopDetector) Submit(frame edgevision.Frame) error {
	frame.Release()
	d.mu.Lock()
	cb := d.onResult
	running := d.running
	d.mu.Unlock()
	if running && cb != nil {
		cb(DetectionResult{})
	}
	return nil
}

func (d *NoopDetector) SetThresh(boxThresh, nmsThresh float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if boxThresh >= 0 {
		d.boxThresh = boxThresh
	}
	if nmsThresh >= 0 {
		d.nmsThresh = nmsThresh
	}
}

func (d *NoopDetector) SetOnResult(cb DetectionCallback) {
	d.mu.Lock()
	d.onResult = cb
	d.mu.Unlock()
}
