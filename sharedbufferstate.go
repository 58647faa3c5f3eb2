package edgevision

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// BufferBacking discriminates how SharedBufferState holds its memory.
type BufferBacking int

const (
	BackingNone BufferBacking = iota
	BackingMMAP
	BackingDMABUFFd
	BackingDMABUFObj
)

// SharedBufferState owns a single buffer's backing memory and releases it
// exactly once, regardless of which backing kind it holds. It is shared
// (via pointer) between a Frame and any downstream consumer that needs to
// outlive the original capture slot, e.g. an RgbaBuffer produced by RGA
// from a DMA-BUF-backed capture frame.
type SharedBufferState struct {
	Backing BufferBacking
	Data    []byte // valid for BackingMMAP
	Fd      int    // valid for BackingDMABUFFd / BackingDMABUFObj
	valid   atomic.Bool
}

// NewSharedBufferState wraps an already-acquired backing store. valid
// starts true; call Release to tear it down.
func NewSharedBufferState(backing BufferBacking, data []byte, fd int) *SharedBufferState {
	s := &SharedBufferState{Backing: backing, Data: data, Fd: fd}
	s.valid.Store(true)
	return s
}

// Valid reports whether the backing store has not yet been released.
func (s *SharedBufferState) Valid() bool {
	return s != nil && s.valid.Load()
}

// Release tears down the backing store according to its kind. It is safe
// to call more than once; only the first call has effect.
func (s *SharedBufferState) Release() error {
	if s == nil || !s.valid.CompareAndSwap(true, false) {
		return nil
	}
	switch s.Backing {
	case BackingMMAP:
		if s.Data != nil {
			return unix.Munmap(s.Data)
		}
	case BackingDMABUFFd, BackingDMABUFObj:
		if s.Fd >= 0 {
			return unix.Close(s.Fd)
		}
	}
	return nil
}
