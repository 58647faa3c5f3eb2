package drm

/*
#cgo LDFLAGS: -ldrm
#cgo CFLAGS: -I/usr/include/libdrm
#include <stdint.h>
#include <string.h>
#include <xf86drm.h>
#include <xf86drmMode.h>

static int ev_add_fb2(int fd, uint32_t width, uint32_t height, uint32_t pixel_format,
                       uint32_t handles[4], uint32_t pitches[4], uint32_t offsets[4],
                       uint32_t *fb_id) {
	return drmModeAddFB2(fd, width, height, pixel_format, handles, pitches, offsets, fb_id, 0);
}

static int ev_rm_fb(int fd, uint32_t fb_id) {
	return drmModeRmFB(fd, fb_id);
}
*/
import "C"

import (
	"fmt"
	"sync"

	"github.com/sweerit/edgevision/dmabuf"
)

// LayerType mirrors DrmLayer::planeType.
type LayerType int

const (
	LayerOverlay LayerType = 0
	LayerPrimary LayerType = 1
	LayerCursor  LayerType = 2
)

// LayerProperties is the full set of per-layer compositing state: plane
// binding, source and destination rectangles, z-order, and alpha.
type LayerProperties struct {
	Type    LayerType
	PlaneID uint32
	CRTCID  uint32
	FBID    uint32

	SrcX, SrcY, SrcWidth, SrcHeight     uint32
	CRTCX, CRTCY, CRTCWidth, CRTCHeight uint32

	ZOrder uint32
	Alpha  float32
}

// UpdateCallback is invoked after a layer commits a new framebuffer,
// passing the layer and the fresh fb id so a compositor can update its
// atomic-commit property cache.
type UpdateCallback func(l *Layer, fbID uint32)

// Layer binds a chain of DMA-BUF backed framebuffers to a single DRM
// plane, keeping the last few committed fb ids alive until the
// compositor's fence confirms scanout has moved past them.
type Layer struct {
	fd int

	mu    sync.Mutex
	props LayerProperties

	buffers []*dmabuf.Buffer

	cacheSize int
	fbCache   []uint32
	cacheMu   sync.Mutex

	onUpdate UpdateCallback
}

// NewLayer wraps an initial set of buffers (up to 4 planes) as a
// compositor layer, immediately creating its first framebuffer.
func NewLayer(fd int, buffers []*dmabuf.Buffer, cacheSize int) (*Layer, error) {
	if len(buffers) == 0 || len(buffers) > 4 {
		return nil, fmt.Errorf("drm: invalid buffer count %d for layer", len(buffers))
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	l := &Layer{
		fd:        fd,
		buffers:   buffers,
		cacheSize: cacheSize,
	}
	fbID, err := l.createFramebuffer()
	if err != nil {
		return nil, err
	}
	l.props.FBID = fbID
	l.fbCache = append(l.fbCache, fbID)
	return l, nil
}

// SetUpdateCallback registers the hook invoked after UpdateBuffer
// commits a new framebuffer.
func (l *Layer) SetUpdateCallback(cb UpdateCallback) {
	l.mu.Lock()
	l.onUpdate = cb
	l.mu.Unlock()
}

// SetProperties replaces the layer's full property set (plane binding,
// geometry, z-order, alpha).
func (l *Layer) SetProperties(p LayerProperties) {
	l.mu.Lock()
	fbID := l.props.FBID // preserve fb id, owned by UpdateBuffer/createFramebuffer
	p.FBID = fbID
	l.props = p
	l.mu.Unlock()
}

// RebindCRTC repoints the layer at a (possibly new) CRTC after a
// hot-plug resource refresh, auto-scaling the destination rectangle to
// the new CRTC's full display area.
func (l *Layer) RebindCRTC(crtcID, crtcWidth, crtcHeight uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.props.CRTCID = crtcID
	l.props.CRTCWidth = crtcWidth
	l.props.CRTCHeight = crtcHeight
}

// Properties returns a snapshot of the layer's current properties.
func (l *Layer) Properties() LayerProperties {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.props
}

// UpdateBuffer swaps in a new backing buffer chain, creates a fresh
// framebuffer for it, and invokes the update callback so a compositor
// picks up the new fb id on its next commit.
func (l *Layer) UpdateBuffer(buffers []*dmabuf.Buffer) error {
	if len(buffers) == 0 || len(buffers) > 4 {
		return fmt.Errorf("drm: invalid buffer count %d for layer", len(buffers))
	}

	l.mu.Lock()
	l.buffers = buffers
	l.mu.Unlock()

	fbID, err := l.createFramebuffer()
	if err != nil {
		return fmt.Errorf("drm: layer update buffer: %w", err)
	}

	l.mu.Lock()
	l.props.FBID = fbID
	cb := l.onUpdate
	l.mu.Unlock()

	l.cacheMu.Lock()
	l.fbCache = append(l.fbCache, fbID)
	l.cacheMu.Unlock()

	if cb != nil {
		cb(l, fbID)
	}
	return nil
}

func (l *Layer) createFramebuffer() (uint32, error) {
	l.mu.Lock()
	buffers := l.buffers
	l.mu.Unlock()

	var handles, pitches, offsets [4]C.uint32_t
	for i, buf := range buffers {
		if buf == nil {
			return 0, fmt.Errorf("drm: nil buffer at plane %d", i)
		}
		handles[i] = C.uint32_t(buf.Handle())
		pitches[i] = C.uint32_t(buf.Pitch())
		offsets[i] = C.uint32_t(buf.Offset())
	}

	format := buffers[0].Format()
	var fbID C.uint32_t
	ret := C.ev_add_fb2(C.int(l.fd), C.uint32_t(buffers[0].Width()), C.uint32_t(buffers[0].Height()),
		C.uint32_t(format), &handles[0], &pitches[0], &offsets[0], &fbID)
	if ret != 0 {
		return 0, fmt.Errorf("drm: drmModeAddFB2 failed: %d", int(ret))
	}
	return uint32(fbID), nil
}

// OnFenceSignaled recycles framebuffers older than the layer's cache
// window: the scanout fence having fired means those older fbs can no
// longer be on screen.
func (l *Layer) OnFenceSignaled() {
	l.recycleOldFbs(l.cacheSize)
}

func (l *Layer) recycleOldFbs(keep int) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	for len(l.fbCache) > keep {
		old := l.fbCache[0]
		l.fbCache = l.fbCache[1:]
		if old == 0 {
			continue
		}
		if ret := C.ev_rm_fb(C.int(l.fd), C.uint32_t(old)); ret < 0 {
			// driver already reclaimed it, or it's still in flight; not fatal
			continue
		}
	}
}

// Destroy frees every cached framebuffer, including the currently
// active one. Safe to call once, at layer teardown.
func (l *Layer) Destroy() {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	for _, fbID := range l.fbCache {
		if fbID == 0 {
			continue
		}
		C.ev_rm_fb(C.int(l.fd), C.uint32_t(fbID))
	}
	l.fbCache = nil
}
