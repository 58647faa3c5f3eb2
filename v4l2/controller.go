// Package v4l2 implements the camera capture ring: a V4L2 device opened
// non-blocking, MMAP or DMA-BUF buffers enqueued in a loop, and captured
// frames handed to a user callback as edgevision.Frame values.
package v4l2

/*
#include <linux/videodev2.h>
#include <string.h>
#include <stdint.h>
*/
import "C"

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/sweerit/edgevision"
)

// MemoryMode selects how capture buffers are backed.
type MemoryMode int

const (
	MemoryMMAP MemoryMode = iota
	MemoryDMABUF
)

// Config mirrors the original CameraController::Config defaults.
type Config struct {
	Device      string
	Width       uint32
	Height      uint32
	Format      PixFmt
	BufferCount int
	Memory      MemoryMode
}

// DefaultConfig matches the original's defaults: 4 buffers, 1280x720,
// NV12, MMAP-backed.
func DefaultConfig() Config {
	return Config{
		Device:      "/dev/video0",
		Width:       1280,
		Height:      720,
		Format:      PixFmtNV12,
		BufferCount: 4,
		Memory:      MemoryMMAP,
	}
}

// FrameCallback receives each captured frame. The frame must be released
// (directly, or by a downstream consumer it was handed to) or the
// capture ring will stall once all buffer_count slots are outstanding.
type FrameCallback func(edgevision.Frame)

type bufferSlot struct {
	state  *edgevision.SharedBufferState
	length int
	queued bool
}

// Controller drives a single V4L2 capture device.
type Controller struct {
	cfg      Config
	fd       int
	bufType  uint32
	memType  uint32
	buffers  []bufferSlot
	currentW uint32
	currentH uint32
	pitch    uint32

	mu       sync.Mutex
	running  atomic.Bool
	pauser   *edgevision.ThreadPauser
	callback FrameCallback
	seq      uint64
	stopCh   chan struct{}
	doneCh   chan struct{}

	log *logrus.Entry
}

// New opens and configures the V4L2 device described by cfg. Call Start
// to begin streaming.
func New(cfg Config) (*Controller, error) {
	fd, err := unix.Open(cfg.Device, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("v4l2: open %s: %w", cfg.Device, err)
	}

	pauser, err := edgevision.NewThreadPauser()
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("v4l2: %w", err)
	}

	c := &Controller{
		cfg:     cfg,
		fd:      fd,
		bufType: uint32(C.V4L2_BUF_TYPE_VIDEO_CAPTURE),
		pauser:  pauser,
		log:     logrus.WithField("component", "v4l2.controller"),
	}
	if cfg.Memory == MemoryDMABUF {
		c.memType = uint32(C.V4L2_MEMORY_DMABUF)
	} else {
		c.memType = uint32(C.V4L2_MEMORY_MMAP)
	}

	if err := c.inquireCapabilities(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := c.setupFormat(); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if err := c.requestBuffers(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return c, nil
}

func (c *Controller) inquireCapabilities() error {
	var cap C.struct_v4l2_capability
	if err := ioctl(c.fd, uintptr(C.VIDIOC_QUERYCAP), unsafe.Pointer(&cap)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_QUERYCAP: %w", err)
	}
	caps := uint32(cap.capabilities)
	if caps&uint32(C.V4L2_CAP_VIDEO_CAPTURE) == 0 {
		return fmt.Errorf("v4l2: device %s does not support video capture", c.cfg.Device)
	}
	return nil
}

func (c *Controller) setupFormat() error {
	var fmtReq C.struct_v4l2_format
	fmtReq._type = C.__u32(c.bufType)
	pix := (*C.struct_v4l2_pix_format)(unsafe.Pointer(&fmtReq.fmt[0]))
	pix.width = C.__u32(c.cfg.Width)
	pix.height = C.__u32(c.cfg.Height)
	pix.pixelformat = C.__u32(c.cfg.Format)
	pix.field = C.V4L2_FIELD_NONE

	if err := ioctl(c.fd, uintptr(C.VIDIOC_S_FMT), unsafe.Pointer(&fmtReq)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_S_FMT: %w", err)
	}

	// Re-read driver-adjusted format.
	if err := ioctl(c.fd, uintptr(C.VIDIOC_G_FMT), unsafe.Pointer(&fmtReq)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_G_FMT: %w", err)
	}
	pix = (*C.struct_v4l2_pix_format)(unsafe.Pointer(&fmtReq.fmt[0]))
	c.currentW = uint32(pix.width)
	c.currentH = uint32(pix.height)
	c.pitch = uint32(pix.bytesperline)
	return nil
}

func (c *Controller) requestBuffers() error {
	var req C.struct_v4l2_requestbuffers
	req.count = C.__u32(c.cfg.BufferCount)
	req._type = C.__u32(c.bufType)
	req.memory = C.__u32(c.memType)

	if err := ioctl(c.fd, uintptr(C.VIDIOC_REQBUFS), unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_REQBUFS: %w", err)
	}

	n := int(req.count)
	c.buffers = make([]bufferSlot, n)

	for i := 0; i < n; i++ {
		var buf C.struct_v4l2_buffer
		buf.index = C.__u32(i)
		buf._type = C.__u32(c.bufType)
		buf.memory = C.__u32(c.memType)

		if err := ioctl(c.fd, uintptr(C.VIDIOC_QUERYBUF), unsafe.Pointer(&buf)); err != nil {
			return fmt.Errorf("v4l2: VIDIOC_QUERYBUF[%d]: %w", i, err)
		}

		length := int(buf.length)
		c.buffers[i].length = length

		if c.memType == uint32(C.V4L2_MEMORY_MMAP) {
			offset := *(*int64)(unsafe.Pointer(&buf.m[0]))
			data, err := unix.Mmap(c.fd, offset, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
			if err != nil {
				return fmt.Errorf("v4l2: mmap buffer %d: %w", i, err)
			}
			c.buffers[i].state = edgevision.NewSharedBufferState(edgevision.BackingMMAP, data, -1)
		}

		if err := c.enqueueBuffer(i); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) enqueueBuffer(index int) error {
	var buf C.struct_v4l2_buffer
	buf.index = C.__u32(index)
	buf._type = C.__u32(c.bufType)
	buf.memory = C.__u32(c.memType)

	if err := ioctl(c.fd, uintptr(C.VIDIOC_QBUF), unsafe.Pointer(&buf)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_QBUF[%d]: %w", index, err)
	}
	c.buffers[index].queued = true
	return nil
}

// SetFrameCallback registers the function invoked for each captured
// frame. Must be called before Start.
func (c *Controller) SetFrameCallback(cb FrameCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = cb
}

// DeviceFd returns the underlying V4L2 device file descriptor.
func (c *Controller) DeviceFd() int { return c.fd }

// CurrentWidth/CurrentHeight/Pitch report the driver-adjusted values
// read back after VIDIOC_S_FMT.
func (c *Controller) CurrentWidth() uint32  { return c.currentW }
func (c *Controller) CurrentHeight() uint32 { return c.currentH }
func (c *Controller) Pitch() uint32         { return c.pitch }

// Start begins streaming and the capture goroutine. Returns an error if
// STREAMON fails or no frame callback is registered.
func (c *Controller) Start() error {
	c.mu.Lock()
	cb := c.callback
	c.mu.Unlock()
	if cb == nil {
		return fmt.Errorf("v4l2: no frame callback registered")
	}

	bufType := C.__u32(c.bufType)
	if err := ioctl(c.fd, uintptr(C.VIDIOC_STREAMON), unsafe.Pointer(&bufType)); err != nil {
		return fmt.Errorf("v4l2: VIDIOC_STREAMON: %w", err)
	}

	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	c.running.Store(true)
	go c.captureLoop()
	return nil
}

// Pause suspends the capture goroutine without tearing down streaming;
// buffers already queued with the driver keep filling, but the callback
// stops being invoked until Resume.
func (c *Controller) Pause() { c.pauser.Pause() }

// Resume undoes Pause.
func (c *Controller) Resume() { c.pauser.Resume() }

func (c *Controller) captureLoop() {
	defer close(c.doneCh)
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.pauser.WaitIfPaused()

		ready, err := c.waitForFrameReady(time.Second)
		if err != nil {
			c.log.WithError(err).Warn("select() on capture fd failed")
			continue
		}
		if !ready {
			continue
		}

		var buf C.struct_v4l2_buffer
		buf._type = C.__u32(c.bufType)
		buf.memory = C.__u32(c.memType)
		if err := ioctl(c.fd, uintptr(C.VIDIOC_DQBUF), unsafe.Pointer(&buf)); err != nil {
			c.log.WithError(err).Warn("VIDIOC_DQBUF failed")
			continue
		}

		index := int(buf.index)
		c.buffers[index].queued = false

		frame := c.makeFrame(index, uint32(buf.bytesused))

		c.mu.Lock()
		cb := c.callback
		c.mu.Unlock()
		if cb != nil {
			cb(frame)
		} else {
			frame.Release()
		}
	}
}

func (c *Controller) waitForFrameReady(timeout time.Duration) (bool, error) {
	var fds unix.FdSet
	fds.Set(c.fd)
	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(c.fd+1, &fds, nil, nil, &tv)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *Controller) makeFrame(index int, bytesUsed uint32) edgevision.Frame {
	seq := atomic.AddUint64(&c.seq, 1) - 1
	meta := edgevision.FrameMeta{
		Width:     c.currentW,
		Height:    c.currentH,
		Format:    uint32(c.cfg.Format),
		Stride:    c.pitch,
		Sequence:  uint32(seq),
		Timestamp: time.Now(),
	}

	slot := &c.buffers[index]
	var data []byte
	if slot.state != nil {
		data = slot.state.Data
		if int(bytesUsed) > 0 && int(bytesUsed) <= len(data) {
			data = data[:bytesUsed]
		}
	}

	release := func(i int) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running.Load() {
			return
		}
		if !c.buffers[i].queued {
			c.enqueueBuffer(i)
		}
	}

	return edgevision.NewFrame(meta, index, edgevision.MemoryMMAP, -1, data, release)
}

// ReturnBuffer re-queues a slot explicitly; normally unnecessary since
// Frame.Release does this via its callback, but exposed for callers that
// need to force a slot back without waiting on refcounting.
func (c *Controller) ReturnBuffer(index int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index < 0 || index >= len(c.buffers) {
		return fmt.Errorf("v4l2: buffer index %d out of range", index)
	}
	if c.buffers[index].queued {
		return nil
	}
	return c.enqueueBuffer(index)
}

// Stop reclaims all outstanding slots (retrying briefly, since consumers
// may still be releasing Frames), issues STREAMOFF, and unmaps buffers.
func (c *Controller) Stop() error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}
	close(c.stopCh)
	<-c.doneCh

	c.mu.Lock()
	for attempt := 0; attempt < 3; attempt++ {
		allQueued := true
		for i := range c.buffers {
			if !c.buffers[i].queued {
				allQueued = false
			}
		}
		if allQueued {
			break
		}
		c.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		c.mu.Lock()
	}
	c.mu.Unlock()

	bufType := C.__u32(c.bufType)
	if err := ioctl(c.fd, uintptr(C.VIDIOC_STREAMOFF), unsafe.Pointer(&bufType)); err != nil {
		c.log.WithError(err).Warn("VIDIOC_STREAMOFF failed")
	}

	for i := range c.buffers {
		if c.buffers[i].state != nil {
			c.buffers[i].state.Release()
		}
	}
	return nil
}

// Close stops (if running) and closes the underlying device fd.
func (c *Controller) Close() error {
	c.Stop()
	c.pauser.Close()
	return unix.Close(c.fd)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
