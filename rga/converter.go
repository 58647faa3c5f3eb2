package rga

/*
#cgo LDFLAGS: -lrga
#include <rga/RgaApi.h>
#include <rga/im2d.h>
#include <string.h>
*/
import "C"

import (
	"fmt"
	"sync"
)

// Rect is a source/destination rectangle in pixels, matching im_rect.
type Rect struct {
	X, Y, Width, Height int
}

// BufferHandle wraps a DMA-BUF fd or virtual address as an RGA buffer
// descriptor, matching how RockchipRga::wrapbuffer_fd/wrapbuffer_virtualaddr
// build an rga_buffer_t.
type BufferHandle struct {
	Fd       int // -1 if using a virtual address instead
	VirtAddr uintptr
	Width    int
	Height   int
	WStride  int
	HStride  int
	Format   Format
}

// Converter is a process-wide singleton wrapping librga, mirroring the
// original's RgaConverter::instance() pattern.
type Converter struct {
	mu          sync.Mutex
	initialized bool
}

var (
	converterOnce sync.Once
	converter     *Converter
)

// Instance returns the process-wide Converter, initializing the RGA
// context on first use.
func Instance() *Converter {
	converterOnce.Do(func() {
		converter = &Converter{initialized: true}
	})
	return converter
}

func (c *Converter) buildBuffer(h BufferHandle) C.rga_buffer_t {
	if h.Fd >= 0 {
		return C.wrapbuffer_fd(C.int(h.Fd), C.int(h.Width), C.int(h.Height),
			C.int(h.WStride), C.int(h.HStride), C.int(h.Format))
	}
	return C.wrapbuffer_virtualaddr((*C.void)(nil), C.int(h.Width), C.int(h.Height),
		C.int(h.WStride), C.int(h.HStride), C.int(h.Format))
}

// FormatTransform converts src into dst, scaling if their rectangles
// differ in size. This is the hot-path NV12->RGBA8888 (or RGB888 for the
// YOLO input branch) conversion RgaProcessor drives per frame.
func (c *Converter) FormatTransform(src, dst BufferHandle, srcRect, dstRect Rect) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	srcBuf := c.buildBuffer(src)
	dstBuf := c.buildBuffer(dst)

	sRect := C.im_rect{
		x:      C.int(srcRect.X),
		y:      C.int(srcRect.Y),
		width:  C.int(srcRect.Width),
		height: C.int(srcRect.Height),
	}
	dRect := C.im_rect{
		x:      C.int(dstRect.X),
		y:      C.int(dstRect.Y),
		width:  C.int(dstRect.Width),
		height: C.int(dstRect.Height),
	}

	status := C.imcheck(srcBuf, dstBuf, sRect, dRect, 0)
	if status != C.IM_STATUS_NOERROR {
		return fmt.Errorf("rga: imcheck failed: %d", int(status))
	}

	status = C.improcess(srcBuf, dstBuf, C.rga_buffer_t{}, sRect, dRect, C.im_rect{}, 0)
	if status != C.IM_STATUS_SUCCESS {
		return fmt.Errorf("rga: improcess failed: %d", int(status))
	}
	return nil
}

// Deinit releases the RGA context. Safe to call even if never
// initialized.
func (c *Converter) Deinit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
}
