package drm

/*
#cgo LDFLAGS: -ldrm
#cgo CFLAGS: -I/usr/include/libdrm
#include <stdint.h>
#include <stdlib.h>
#include <xf86drm.h>
#include <xf86drmMode.h>

static drmModeAtomicReqPtr ev_atomic_alloc() {
	return drmModeAtomicAlloc();
}

static void ev_atomic_free(drmModeAtomicReqPtr req) {
	drmModeAtomicFree(req);
}

static int ev_atomic_add_property(drmModeAtomicReqPtr req, uint32_t object_id, uint32_t property_id, uint64_t value) {
	return drmModeAtomicAddProperty(req, object_id, property_id, value);
}

static int ev_atomic_commit(int fd, drmModeAtomicReqPtr req, uint32_t flags) {
	return drmModeAtomicCommit(fd, req, flags, NULL);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"unsafe"
)

const (
	atomicAllowModeset = uint32(C.DRM_MODE_ATOMIC_ALLOW_MODESET)
	atomicNonblock     = uint32(C.DRM_MODE_ATOMIC_NONBLOCK)
)

type planeProperty struct {
	crtcID uint32
	fbID   uint32
	crtcX  uint32
	crtcY  uint32
	crtcW  uint32
	crtcH  uint32
	srcX   uint32
	srcY   uint32
	srcW   uint32
	srcH   uint32
	zpos   uint32
}

type layerEntry struct {
	layer *Layer
	prop  planeProperty
}

// Compositor builds a DRM atomic commit request from a set of layers
// each frame, requesting an OUT_FENCE for the CRTC so callers can defer
// framebuffer recycling until scanout confirms the old fb is retired.
type Compositor struct {
	ctrl *Controller

	mu     sync.Mutex
	layers map[*Layer]*layerEntry

	outFencePropID uint32
}

// NewCompositor creates an empty compositor bound to ctrl's DRM fd.
func NewCompositor(ctrl *Controller) *Compositor {
	return &Compositor{
		ctrl:   ctrl,
		layers: make(map[*Layer]*layerEntry),
	}
}

// AddLayer registers a layer for compositing and caches its plane
// property IDs (these differ across drivers, e.g. "zpos" vs
// "zposition", and are looked up once per layer).
func (c *Compositor) AddLayer(l *Layer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.layers[l]; exists {
		return fmt.Errorf("drm: layer already added, use UpdateLayer")
	}
	entry := &layerEntry{layer: l}
	if err := c.cachePlaneProperty(entry); err != nil {
		return err
	}
	c.layers[l] = entry
	// Commit reads each layer's current FBID through Properties(), so the
	// property IDs cached in entry.prop stay as looked up here.
	return nil
}

// RemoveLayer drops a layer from the next commit.
func (c *Compositor) RemoveLayer(l *Layer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.layers, l)
}

// ClearLayers drops every registered layer without destroying them,
// used around a hot-plug resource refresh: the layers' DMA-BUFs and
// Go-side state survive, but their plane/CRTC bindings are stale until
// the caller re-adds them with AddLayer after re-enumeration.
func (c *Compositor) ClearLayers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.layers = make(map[*Layer]*layerEntry)
}

func (c *Compositor) cachePlaneProperty(entry *layerEntry) error {
	props := entry.layer.Properties()

	c.outFencePropID = c.ctrl.GetPropertyID(props.CRTCID, C.DRM_MODE_OBJECT_CRTC, "OUT_FENCE_PTR")

	entry.prop.crtcID = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "CRTC_ID")
	entry.prop.fbID = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "FB_ID")
	entry.prop.crtcX = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "CRTC_X")
	entry.prop.crtcY = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "CRTC_Y")
	entry.prop.crtcW = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "CRTC_W")
	entry.prop.crtcH = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "CRTC_H")
	entry.prop.srcX = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "SRC_X")
	entry.prop.srcY = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "SRC_Y")
	entry.prop.srcW = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "SRC_W")
	entry.prop.srcH = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "SRC_H")

	if zpos := c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "zpos"); zpos != 0 {
		entry.prop.zpos = zpos
	} else {
		entry.prop.zpos = c.ctrl.GetPropertyID(props.PlaneID, C.DRM_MODE_OBJECT_PLANE, "zposition")
	}

	return nil
}

// Commit builds an atomic request from every registered layer's current
// properties and submits it non-blocking. It returns the OUT_FENCE fd
// for the CRTC (or -1 if unavailable) so the caller can hand it to a
// FenceWatcher.
func (c *Compositor) Commit() (int, error) {
	req := C.ev_atomic_alloc()
	if req == nil {
		return -1, fmt.Errorf("drm: drmModeAtomicAlloc failed")
	}
	defer C.ev_atomic_free(req)

	c.mu.Lock()
	var crtcID uint32
	for _, entry := range c.layers {
		props := entry.layer.Properties()
		if props.FBID == 0 {
			continue
		}
		crtcID = props.CRTCID
		if err := addLayerProperties(req, props, entry.prop); err != nil {
			c.mu.Unlock()
			return -1, err
		}
	}
	outFencePropID := c.outFencePropID
	c.mu.Unlock()

	if outFencePropID == 0 {
		return -1, fmt.Errorf("drm: no OUT_FENCE_PTR property cached")
	}

	// OUT_FENCE_PTR takes the address of an int to be filled in by the
	// commit, not a value — matching the original's `(uint64_t)&fence`.
	var fence C.int32_t = -1
	fencePtr := uintptr(unsafe.Pointer(&fence))
	ret := C.ev_atomic_add_property(req, C.uint32_t(crtcID), C.uint32_t(outFencePropID), C.uint64_t(fencePtr))
	if ret < 0 {
		return -1, fmt.Errorf("drm: add OUT_FENCE_PTR property failed: %d", int(ret))
	}

	flags := atomicAllowModeset | atomicNonblock
	ret = C.ev_atomic_commit(C.int(c.ctrl.Fd()), req, C.uint32_t(flags))
	if ret < 0 {
		return -1, fmt.Errorf("drm: atomic commit failed: %d", int(ret))
	}

	return int(fence), nil
}

func addLayerProperties(req C.drmModeAtomicReqPtr, props LayerProperties, prop planeProperty) error {
	type kv struct {
		id  uint32
		val uint64
	}
	kvs := []kv{
		{prop.crtcID, uint64(props.CRTCID)},
		{prop.fbID, uint64(props.FBID)},
		{prop.crtcX, uint64(props.CRTCX)},
		{prop.crtcY, uint64(props.CRTCY)},
		{prop.crtcW, uint64(props.CRTCWidth)},
		{prop.crtcH, uint64(props.CRTCHeight)},
		{prop.srcX, uint64(props.SrcX) << 16},
		{prop.srcY, uint64(props.SrcY) << 16},
		{prop.srcW, uint64(props.SrcWidth) << 16},
		{prop.srcH, uint64(props.SrcHeight) << 16},
		{prop.zpos, uint64(props.ZOrder)},
	}
	for _, e := range kvs {
		if e.id == 0 {
			continue
		}
		if ret := C.ev_atomic_add_property(req, C.uint32_t(props.PlaneID), C.uint32_t(e.id), C.uint64_t(e.val)); ret < 0 {
			return fmt.Errorf("drm: add property %d on plane %d failed: %d", e.id, props.PlaneID, int(ret))
		}
	}
	return nil
}
