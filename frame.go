// Package edgevision provides the cross-cutting buffer and queue types
// shared by the capture, conversion, encode, and display subsystems.
package edgevision

import (
	"sync/atomic"
	"time"
)

// MemoryType identifies how a Frame's backing memory is held.
type MemoryType int

const (
	MemoryMMAP MemoryType = iota
	MemoryDMABUF
	MemoryUserPtr
)

func (m MemoryType) String() string {
	switch m {
	case MemoryMMAP:
		return "mmap"
	case MemoryDMABUF:
		return "dmabuf"
	case MemoryUserPtr:
		return "userptr"
	default:
		return "unknown"
	}
}

// FrameMeta carries the capture-time metadata for a Frame: dimensions,
// pixel format (a V4L2 fourcc), stride, sequence number and timestamp.
type FrameMeta struct {
	Width     uint32
	Height    uint32
	Format    uint32
	Stride    uint32
	PlaneSize []uint32
	Sequence  uint32
	Timestamp time.Time
	KeyFrame  bool
}

// ReleaseFunc returns a Frame's backing slot to its owning pool. It is
// invoked exactly once, when the last reference to the Frame is dropped.
type ReleaseFunc func(index int)

// Frame is a reference-counted handle onto a single captured buffer.
// Index identifies the slot in the owning pool; Data is valid only while
// refcount > 0. Frame is safe to pass by value; copies share the same
// underlying refcount.
type Frame struct {
	Meta    FrameMeta
	Index   int
	Fd      int // DMA-BUF fd, or -1 if this frame is MMAP-backed
	Data    []byte
	Type    MemoryType
	release ReleaseFunc
	refs    *int32
}

// NewFrame wraps a captured buffer. release is called with index once
// the frame's refcount reaches zero.
func NewFrame(meta FrameMeta, index int, memType MemoryType, fd int, data []byte, release ReleaseFunc) Frame {
	refs := int32(1)
	return Frame{
		Meta:    meta,
		Index:   index,
		Fd:      fd,
		Data:    data,
		Type:    memType,
		release: release,
		refs:    &refs,
	}
}

// Retain increments the frame's refcount and returns the same handle,
// so a Frame can be fanned out to multiple consumers (e.g. RGA convert
// and display preview) without the first consumer's Release tearing
// down the slot underneath the second.
func (f Frame) Retain() Frame {
	if f.refs != nil {
		atomic.AddInt32(f.refs, 1)
	}
	return f
}

// Release drops one reference. When the last reference is dropped, the
// frame's release callback runs, returning the slot to its pool.
func (f Frame) Release() {
	if f.refs == nil {
		return
	}
	if atomic.AddInt32(f.refs, -1) == 0 && f.release != nil {
		f.release(f.Index)
	}
}

// Valid reports whether the frame still holds outstanding references.
func (f Frame) Valid() bool {
	return f.refs != nil && atomic.LoadInt32(f.refs) > 0
}
