// Package dmabuf allocates and imports DMA-BUF buffers backed by DRM
// dumb buffers, and owns the single process-wide DRM render-node fd that
// every dumb-buffer ioctl is issued against.
package dmabuf

/*
#include <stdint.h>
#include <stdlib.h>
#include <string.h>
#include <xf86drm.h>
#include <xf86drmMode.h>

static int ev_create_dumb(int fd, uint32_t width, uint32_t height, uint32_t bpp,
                           uint32_t *out_handle, uint32_t *out_pitch, uint64_t *out_size) {
	struct drm_mode_create_dumb arg;
	memset(&arg, 0, sizeof(arg));
	arg.width = width;
	arg.height = height;
	arg.bpp = bpp;
	int ret = drmIoctl(fd, DRM_IOCTL_MODE_CREATE_DUMB, &arg);
	if (ret < 0) {
		return ret;
	}
	*out_handle = arg.handle;
	*out_pitch = arg.pitch;
	*out_size = arg.size;
	return 0;
}

static int ev_destroy_dumb(int fd, uint32_t handle) {
	struct drm_mode_destroy_dumb arg;
	memset(&arg, 0, sizeof(arg));
	arg.handle = handle;
	return drmIoctl(fd, DRM_IOCTL_MODE_DESTROY_DUMB, &arg);
}
*/
import "C"

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// alignLadder mirrors the original's stride-alignment retry sequence:
// if the driver rejects (or undersizes) a dumb buffer at one alignment,
// retry at the next coarser one before giving up.
var alignLadder = []uint32{8, 16, 32, 64, 128}

var (
	drmMu sync.Mutex
	drmFd = -1
)

// SetDRMFd installs the process-wide DRM fd that Allocate/Import issue
// ioctls against. Call once at startup after opening the render node.
func SetDRMFd(fd int) {
	drmMu.Lock()
	defer drmMu.Unlock()
	drmFd = fd
}

func currentFd() (int, error) {
	drmMu.Lock()
	defer drmMu.Unlock()
	if drmFd < 0 {
		return 0, fmt.Errorf("dmabuf: DRM fd not initialized, call SetDRMFd first")
	}
	return drmFd, nil
}

// Buffer is a DMA-BUF backed by a DRM dumb buffer (allocated here) or an
// externally imported PRIME fd. Buffer is not safe for concurrent mmap
// calls on the same instance, but Close is idempotent.
type Buffer struct {
	fd       int // PRIME fd
	handle   uint32
	width    uint32
	height   uint32
	format   uint32
	pitch    uint32
	size     uint64
	offset   uint32
	imported bool
	mapped   []byte
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) / align * align
}

// Allocate creates a new DRM dumb buffer of at least requiredSize bytes
// and exports it as a DMA-BUF fd, retrying across the alignment ladder
// until the kernel returns a buffer large enough.
func Allocate(width, height, format, requiredSize, offset uint32, bpp uint32) (*Buffer, error) {
	fd, err := currentFd()
	if err != nil {
		return nil, err
	}
	if requiredSize == 0 {
		return nil, fmt.Errorf("dmabuf: required size must be > 0")
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("dmabuf: invalid dimensions %dx%d", width, height)
	}

	var lastErr error
	for _, align := range alignLadder {
		alignedW := alignUp(width, align)
		alignedH := alignUp(height, align)

		var handle, pitch C.uint32_t
		var size C.uint64_t
		ret := C.ev_create_dumb(C.int(fd), C.uint32_t(alignedW), C.uint32_t(alignedH), C.uint32_t(bpp), &handle, &pitch, &size)
		if ret < 0 {
			lastErr = fmt.Errorf("DRM_IOCTL_MODE_CREATE_DUMB failed at align %d: %v", align, unix.Errno(-ret))
			continue
		}
		if uint64(size) < uint64(requiredSize) {
			C.ev_destroy_dumb(C.int(fd), handle)
			lastErr = fmt.Errorf("dumb buffer at align %d too small: got %d, need %d", align, size, requiredSize)
			continue
		}

		primeFd, err := exportFD(fd, uint32(handle))
		if err != nil {
			C.ev_destroy_dumb(C.int(fd), handle)
			return nil, err
		}

		return &Buffer{
			fd:     primeFd,
			handle: uint32(handle),
			width:  width,
			height: height,
			format: format,
			pitch:  uint32(pitch),
			size:   uint64(size),
			offset: offset,
		}, nil
	}
	return nil, fmt.Errorf("dmabuf: failed to create buffer of size %d after trying all alignments: %w", requiredSize, lastErr)
}

func exportFD(fd int, handle uint32) (int, error) {
	var primeFd C.int
	ret := C.drmPrimeHandleToFD(C.int(fd), C.uint32_t(handle), C.DRM_CLOEXEC|C.DRM_RDWR, &primeFd)
	if ret < 0 {
		C.ev_destroy_dumb(C.int(fd), C.uint32_t(handle))
		return 0, fmt.Errorf("dmabuf: drmPrimeHandleToFD failed: %v", unix.Errno(-ret))
	}
	return int(primeFd), nil
}

// Import wraps an externally-acquired DMA-BUF fd (e.g. a V4L2 capture
// buffer exported via VIDIOC_EXPBUF) without allocating a new dumb
// buffer. size is the already-known buffer size in bytes.
func Import(importFd int, width, height, format uint32, size uint64, offset uint32) (*Buffer, error) {
	if importFd < 0 {
		return nil, fmt.Errorf("dmabuf: invalid import fd %d", importFd)
	}
	if width == 0 || height == 0 {
		return nil, fmt.Errorf("dmabuf: invalid dimensions %dx%d", width, height)
	}
	fd, err := currentFd()
	if err != nil {
		return nil, err
	}

	var handle C.uint32_t
	ret := C.drmPrimeFDToHandle(C.int(fd), C.int(importFd), &handle)
	if ret < 0 {
		return nil, fmt.Errorf("dmabuf: drmPrimeFDToHandle failed: %v", unix.Errno(-ret))
	}
	if handle == 0 {
		return nil, fmt.Errorf("dmabuf: imported handle is 0 for fd %d", importFd)
	}

	pitch := uint32(0)
	if height != 0 {
		pitch = uint32(size / uint64(height))
	}

	return &Buffer{
		fd:       importFd,
		handle:   uint32(handle),
		width:    width,
		height:   height,
		format:   format,
		pitch:    pitch,
		size:     size,
		offset:   offset,
		imported: true,
	}, nil
}

func (b *Buffer) Fd() int         { return b.fd }
func (b *Buffer) Handle() uint32  { return b.handle }
func (b *Buffer) Width() uint32   { return b.width }
func (b *Buffer) Height() uint32  { return b.height }
func (b *Buffer) Format() uint32  { return b.format }
func (b *Buffer) Pitch() uint32   { return b.pitch }
func (b *Buffer) Size() uint64    { return b.size }
func (b *Buffer) Offset() uint32  { return b.offset }
func (b *Buffer) Imported() bool  { return b.imported }

// Map returns a CPU-writable view of the buffer, mmap'ing it on first
// call and memoizing the result.
func (b *Buffer) Map() ([]byte, error) {
	if b.fd < 0 {
		return nil, fmt.Errorf("dmabuf: invalid fd")
	}
	if b.mapped != nil {
		return b.mapped, nil
	}
	data, err := unix.Mmap(b.fd, 0, int(b.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("dmabuf: mmap failed: %w", err)
	}
	b.mapped = data
	return b.mapped, nil
}

// Unmap releases the CPU mapping, if any.
func (b *Buffer) Unmap() error {
	if b.mapped == nil {
		return nil
	}
	err := unix.Munmap(b.mapped)
	b.mapped = nil
	return err
}

// Close unmaps and, for buffers this package allocated (not imported),
// destroys the underlying dumb buffer and closes the PRIME fd. It is
// idempotent.
func (b *Buffer) Close() error {
	b.Unmap()
	if b.imported {
		return nil
	}
	if b.fd >= 0 {
		unix.Close(b.fd)
		b.fd = -1
	}
	if b.handle == 0 {
		return nil
	}
	fd, err := currentFd()
	if err != nil {
		return nil
	}
	C.ev_destroy_dumb(C.int(fd), C.uint32_t(b.handle))
	b.handle = 0
	return nil
}
