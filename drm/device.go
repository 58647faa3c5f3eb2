// Package drm owns the DRM/KMS render node: resource and plane
// enumeration, connector/CRTC binding, atomic-commit plane compositing,
// hot-plug monitoring, and fence-gated framebuffer recycling.
package drm

/*
#cgo LDFLAGS: -ldrm
#cgo CFLAGS: -I/usr/include/libdrm
#include <stdlib.h>
#include <string.h>
#include <xf86drm.h>
#include <xf86drmMode.h>

static int ev_get_cap(int fd, uint64_t capability, uint64_t *value) {
	return drmGetCap(fd, capability, value);
}

static int ev_set_client_cap(int fd, uint64_t capability, uint64_t value) {
	return drmSetClientCap(fd, capability, value);
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const hotplugSettleDelay = 600 * time.Millisecond

// PlaneType mirrors the DRM_PLANE_TYPE_* enum.
type PlaneType int

const (
	PlaneOverlay PlaneType = 0
	PlanePrimary PlaneType = 1
	PlaneCursor  PlaneType = 2
)

// ModeDevice pairs a bound connector/CRTC with the preferred mode's
// dimensions and refresh rate. The previous CRTC configuration is not
// recorded.
type ModeDevice struct {
	ConnectorID uint32
	CRTCID      uint32
	Width       uint16
	Height      uint16
	Refresh     uint32
}

// PlaneInfo caches a plane's id, type, and supported formats so repeated
// lookups don't reissue drmModeGetPlane.
type PlaneInfo struct {
	ID      uint32
	Type    PlaneType
	Formats []uint32
}

// ResourceCallback is invoked before and after a resource refresh
// (e.g. a hot-plug event), so layers/compositors can pause composition
// while connectors are being re-bound.
type ResourceCallback func()

// Controller owns the DRM fd and all enumerated resources. It is the
// single point of truth the rest of the drm package (and dmabuf)
// allocate DRM ioctls against.
type Controller struct {
	fd int

	devMu   sync.RWMutex
	devices []ModeDevice

	planeMu sync.RWMutex
	planes  map[uint32]PlaneInfo

	crtcMu   sync.Mutex
	crtcUsed map[uint32]bool

	cbMu      sync.Mutex
	preHooks  []ResourceCallback
	postHooks []ResourceCallback

	udev *udevMonitor

	log *logrus.Entry
}

// Open opens the DRM render/primary node at path (default
// "/dev/dri/card0"), verifies dumb-buffer and atomic-modeset support,
// and enumerates connectors/planes.
func Open(path string) (*Controller, error) {
	if path == "" {
		path = "/dev/dri/card0"
	}
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("drm: open %s: %w", path, err)
	}

	c := &Controller{
		fd:       fd,
		planes:   make(map[uint32]PlaneInfo),
		crtcUsed: make(map[uint32]bool),
		log:      logrus.WithField("component", "drm.device"),
	}

	if err := c.checkCap(C.DRM_CAP_DUMB_BUFFER); err != nil {
		unix.Close(fd)
		return nil, err
	}
	if ret := C.ev_set_client_cap(C.int(fd), C.DRM_CLIENT_CAP_ATOMIC, 1); ret < 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("drm: DRM_CLIENT_CAP_ATOMIC unsupported: %v", unix.Errno(-ret))
	}
	if ret := C.ev_set_client_cap(C.int(fd), C.DRM_CLIENT_CAP_UNIVERSAL_PLANES, 1); ret < 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("drm: DRM_CLIENT_CAP_UNIVERSAL_PLANES unsupported: %v", unix.Errno(-ret))
	}

	if _, err := c.refreshResources(); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return c, nil
}

func (c *Controller) checkCap(capability C.uint64_t) error {
	var value C.uint64_t
	if ret := C.ev_get_cap(C.int(c.fd), capability, &value); ret < 0 {
		return fmt.Errorf("drm: drmGetCap(%d) failed: %v", capability, unix.Errno(-ret))
	}
	if value == 0 {
		return fmt.Errorf("drm: capability %d not supported by device", capability)
	}
	return nil
}

// Fd returns the underlying DRM file descriptor.
func (c *Controller) Fd() int { return c.fd }

// RegisterResourceCallback adds a pre/post pair invoked around every
// resource refresh (connector re-enumeration triggered by hot-plug).
func (c *Controller) RegisterResourceCallback(pre, post ResourceCallback) {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()
	c.preHooks = append(c.preHooks, pre)
	c.postHooks = append(c.postHooks, post)
}

func (c *Controller) notifyPre() {
	c.cbMu.Lock()
	hooks := append([]ResourceCallback(nil), c.preHooks...)
	c.cbMu.Unlock()
	for _, h := range hooks {
		if h != nil {
			h()
		}
	}
}

func (c *Controller) notifyPost() {
	c.cbMu.Lock()
	hooks := append([]ResourceCallback(nil), c.postHooks...)
	c.cbMu.Unlock()
	for _, h := range hooks {
		if h != nil {
			h()
		}
	}
}

// Devices returns the currently bound connector/CRTC pairs.
func (c *Controller) Devices() []ModeDevice {
	c.devMu.RLock()
	defer c.devMu.RUnlock()
	out := make([]ModeDevice, len(c.devices))
	copy(out, c.devices)
	return out
}

// refreshResources re-enumerates connectors and planes, binding any
// newly-connected connector to a free CRTC.
func (c *Controller) refreshResources() ([]ModeDevice, error) {
	c.notifyPre()
	defer c.notifyPost()

	res := C.drmModeGetResources(C.int(c.fd))
	if res == nil {
		return nil, fmt.Errorf("drm: drmModeGetResources failed")
	}
	defer C.drmModeFreeResources(res)

	connCount := int(res.count_connectors)
	connIDs := unsafe.Slice(res.connectors, connCount)

	var devices []ModeDevice
	for _, connID := range connIDs {
		conn := C.drmModeGetConnector(C.int(c.fd), connID)
		if conn == nil {
			continue
		}
		if conn.connection != C.DRM_MODE_CONNECTED || conn.count_modes == 0 {
			C.drmModeFreeConnector(conn)
			continue
		}

		crtcID, err := c.findFreeCRTC(res, conn)
		if err != nil {
			c.log.WithError(err).Warn("no free CRTC for connected connector")
			C.drmModeFreeConnector(conn)
			continue
		}

		mode := (*C.drmModeModeInfo)(unsafe.Pointer(conn.modes))
		devices = append(devices, ModeDevice{
			ConnectorID: uint32(connID),
			CRTCID:      crtcID,
			Width:       uint16(mode.hdisplay),
			Height:      uint16(mode.vdisplay),
			Refresh:     uint32(mode.vrefresh),
		})

		C.drmModeFreeConnector(conn)
	}

	if err := c.refreshPlanes(); err != nil {
		return nil, err
	}

	c.devMu.Lock()
	c.devices = devices
	c.devMu.Unlock()

	return devices, nil
}

func (c *Controller) findFreeCRTC(res *C.drmModeRes, conn *C.drmModeConnector) (uint32, error) {
	encCount := int(conn.count_encoders)
	encIDs := unsafe.Slice(conn.encoders, encCount)

	c.crtcMu.Lock()
	defer c.crtcMu.Unlock()

	crtcCount := int(res.count_crtcs)
	crtcIDs := unsafe.Slice(res.crtcs, crtcCount)

	for _, encID := range encIDs {
		enc := C.drmModeGetEncoder(C.int(c.fd), encID)
		if enc == nil {
			continue
		}
		for i, crtcID := range crtcIDs {
			bit := uint32(1) << uint(i)
			if uint32(enc.possible_crtcs)&bit == 0 {
				continue
			}
			id := uint32(crtcID)
			if c.crtcUsed[id] {
				continue
			}
			c.crtcUsed[id] = true
			C.drmModeFreeEncoder(enc)
			return id, nil
		}
		C.drmModeFreeEncoder(enc)
	}
	return 0, fmt.Errorf("drm: no free CRTC available")
}

func (c *Controller) refreshPlanes() error {
	planeRes := C.drmModeGetPlaneResources(C.int(c.fd))
	if planeRes == nil {
		return fmt.Errorf("drm: drmModeGetPlaneResources failed")
	}
	defer C.drmModeFreePlaneResources(planeRes)

	count := int(planeRes.count_planes)
	ids := unsafe.Slice(planeRes.planes, count)

	planes := make(map[uint32]PlaneInfo, count)
	for _, id := range ids {
		plane := C.drmModeGetPlane(C.int(c.fd), id)
		if plane == nil {
			continue
		}
		fmtCount := int(plane.count_formats)
		fmts := make([]uint32, fmtCount)
		cFmts := unsafe.Slice(plane.formats, fmtCount)
		for i, f := range cFmts {
			fmts[i] = uint32(f)
		}
		planes[uint32(id)] = PlaneInfo{
			ID:      uint32(id),
			Type:    c.getPlaneType(uint32(id)),
			Formats: fmts,
		}
		C.drmModeFreePlane(plane)
	}

	c.planeMu.Lock()
	c.planes = planes
	c.planeMu.Unlock()
	return nil
}

func (c *Controller) getPlaneType(planeID uint32) PlaneType {
	props := C.drmModeObjectGetProperties(C.int(c.fd), C.uint32_t(planeID), C.DRM_MODE_OBJECT_PLANE)
	if props == nil {
		return PlaneOverlay
	}
	defer C.drmModeFreeObjectProperties(props)

	typeID := c.GetPropertyID(planeID, C.DRM_MODE_OBJECT_PLANE, "type")
	count := int(props.count_props)
	ids := unsafe.Slice(props.props, count)
	vals := unsafe.Slice(props.prop_values, count)
	for i, id := range ids {
		if uint32(id) == typeID {
			return PlaneType(vals[i])
		}
	}
	return PlaneOverlay
}

// GetPropertyID looks up a DRM object's property ID by name, returning
// 0 if not found.
func (c *Controller) GetPropertyID(objectID uint32, objectType uint32, name string) uint32 {
	props := C.drmModeObjectGetProperties(C.int(c.fd), C.uint32_t(objectID), C.uint32_t(objectType))
	if props == nil {
		return 0
	}
	defer C.drmModeFreeObjectProperties(props)

	cName := C.CString(name)
	defer C.free(unsafe.Pointer(cName))

	count := int(props.count_props)
	ids := unsafe.Slice(props.props, count)
	for _, id := range ids {
		prop := C.drmModeGetProperty(C.int(c.fd), id)
		if prop == nil {
			continue
		}
		match := C.strcmp(&prop.name[0], cName) == 0
		C.drmModeFreeProperty(prop)
		if match {
			return uint32(id)
		}
	}
	return 0
}

// PlanesOfType returns the IDs of all planes of the given type that
// advertise support for format.
func (c *Controller) PlanesOfType(planeType PlaneType, format uint32) []uint32 {
	c.planeMu.RLock()
	defer c.planeMu.RUnlock()

	var out []uint32
	for id, info := range c.planes {
		if info.Type != planeType {
			continue
		}
		for _, f := range info.Formats {
			if f == format {
				out = append(out, id)
				break
			}
		}
	}
	return out
}

// WatchHotplug starts the process-singleton udev netlink monitor,
// filtered to subsystems "drm" and "input" with actions
// add/remove/change, each debounced 500ms. On a qualifying "drm" event
// it settles 600ms for the bus to quiesce, then re-enumerates resources
// and planes around the registered pre/post-refresh callbacks.
func (c *Controller) WatchHotplug() error {
	if c.udev != nil {
		return nil
	}
	mon, err := newUdevMonitor()
	if err != nil {
		return err
	}
	c.udev = mon
	mon.watch(c.onUdevEvent)
	return nil
}

func (c *Controller) onUdevEvent(ev udevEvent) {
	if ev.subsystem != "drm" {
		return
	}
	c.log.WithField("action", ev.action).Info("drm hot-plug event, settling before refresh")
	time.Sleep(hotplugSettleDelay)
	if _, err := c.refreshResources(); err != nil {
		c.log.WithError(err).Warn("resource refresh failed")
	}
}

// StopHotplugWatch halts the udev monitor goroutine, if running.
func (c *Controller) StopHotplugWatch() {
	if c.udev == nil {
		return
	}
	c.udev.stop()
	c.udev = nil
}

// Close stops hot-plug monitoring and closes the DRM fd.
func (c *Controller) Close() error {
	c.StopHotplugWatch()
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
