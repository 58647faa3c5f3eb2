package drm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/sweerit/edgevision/dmabuf"
)

const doubleBufferCacheSize = 2

// PlaneHandle is an opaque, reference-stable identifier for a plane
// this manager owns, returned by CreatePlane and passed back into
// PresentFrame. It carries no payload beyond the id so it is safe to
// copy.
type PlaneHandle struct {
	id int32
}

// Valid reports whether the handle still refers to a live plane.
func (h PlaneHandle) Valid() bool { return h.id >= 0 }

// PlaneConfig describes the plane a caller wants allocated: overlay or
// primary, the source image's size and DRM format, and its z-order.
type PlaneConfig struct {
	Type      LayerType
	SrcWidth  uint32
	SrcHeight uint32
	DRMFormat uint32
	ZOrder    uint32
}

type pendingFrame struct {
	mu     sync.Mutex
	layer  *Layer
	holder interface{}
}

// RefreshCallback runs immediately before or after a display refresh
// cycle (i.e. around the compositor's atomic commit).
type RefreshCallback func()

// Manager runs the display refresh loop: PresentFrame applies a new
// buffer to its plane's layer immediately, and on each tick the loop
// issues a single atomic commit for the whole screen, deferring old
// framebuffer teardown until the commit's OUT_FENCE signals. A tick
// commits whenever no refresh or earlier commit is in progress, whether
// or not a new frame was presented since the previous commit.
type Manager struct {
	ctrl       *Controller
	compositor *Compositor

	mu     sync.Mutex
	planes map[int32]*pendingFrame
	nextID atomic.Int32

	preMu  sync.Mutex
	postMu sync.Mutex
	preCb  []RefreshCallback
	postCb []RefreshCallback

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	inFlight atomic.Bool

	// refreshing gates the main loop while a hot-plug resource refresh
	// is in progress (see onResourcePre/onResourcePost): the device's
	// connector/CRTC/plane state is being torn down and rebuilt, so no
	// commit may be attempted until it settles.
	refreshing atomic.Bool

	log *logrus.Entry
}

// NewManager builds a display manager bound to an already-opened DRM
// controller and registers it as a hot-plug collaborator: the
// controller calls onResourcePre/onResourcePost around every resource
// refresh it performs from then on (udev-driven hot-plug); the startup
// enumeration in Open has already run before registration.
func NewManager(ctrl *Controller) *Manager {
	m := &Manager{
		ctrl:       ctrl,
		compositor: NewCompositor(ctrl),
		planes:     make(map[int32]*pendingFrame),
		log:        logrus.WithField("component", "drm.display"),
	}
	ctrl.RegisterResourceCallback(m.onResourcePre, m.onResourcePost)
	return m
}

// onResourcePre runs on the controller's hot-plug goroutine just before
// it re-enumerates connectors/CRTCs/planes: it pauses the commit loop
// and releases every pending frame and composited layer, since the
// plane IDs and CRTC bindings they reference may no longer be valid
// once enumeration completes.
func (m *Manager) onResourcePre() {
	m.refreshing.Store(true)

	m.mu.Lock()
	for _, pf := range m.planes {
		pf.mu.Lock()
		pf.holder = nil
		pf.mu.Unlock()
	}
	m.mu.Unlock()

	m.compositor.ClearLayers()
}

// onResourcePost runs just after re-enumeration: if no display device
// is bound (e.g. the connector was unplugged, not replaced), the
// manager stays refreshing and composes nothing until a later hot-plug
// delivers one. Otherwise every surviving plane's layer is rebound to
// the (possibly new) CRTC and re-added to the compositor, and the loop
// resumes.
func (m *Manager) onResourcePost() {
	devices := m.ctrl.Devices()
	if len(devices) == 0 {
		m.log.Warn("resource refresh produced no bound display device, staying paused")
		return
	}
	dev := devices[0]

	m.mu.Lock()
	layers := make([]*Layer, 0, len(m.planes))
	for _, pf := range m.planes {
		pf.mu.Lock()
		if pf.layer != nil {
			layers = append(layers, pf.layer)
		}
		pf.mu.Unlock()
	}
	m.mu.Unlock()

	for _, l := range layers {
		l.RebindCRTC(dev.CRTCID, uint32(dev.Width), uint32(dev.Height))
		if err := m.compositor.AddLayer(l); err != nil {
			m.log.WithError(err).Warn("failed to re-add layer after resource refresh")
		}
	}

	m.refreshing.Store(false)
}

// Start launches the refresh loop at roughly the display's vsync cadence
// (driven here by a fixed tick; production deployments bind this to the
// CRTC's actual vblank event).
func (m *Manager) Start(interval time.Duration) {
	if !m.running.CompareAndSwap(false, true) {
		return
	}
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.mainLoop(interval)
}

// Stop halts the refresh loop and waits for it to drain.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) mainLoop(interval time.Duration) {
	defer close(m.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			// Skip ticks while a hot-plug resource refresh is tearing
			// down or rebuilding plane/CRTC bindings: no commit may be
			// attempted until it clears.
			if m.refreshing.Load() {
				continue
			}
			// Single-commit-in-flight discipline: skip this tick if the
			// previous commit's fence hasn't signaled yet, so the
			// compositor never races itself with two outstanding commits.
			if !m.inFlight.CompareAndSwap(false, true) {
				continue
			}
			m.doPreRefresh()
			fenceFd, err := m.compositor.Commit()
			if err != nil {
				m.log.WithError(err).Warn("atomic commit failed")
				m.inFlight.Store(false)
				continue
			}
			Instance().WatchFence(fenceFd, func() {
				m.onFenceSignaled()
				m.inFlight.Store(false)
			}, time.Second)
			m.doPostRefresh()
		}
	}
}

func (m *Manager) onFenceSignaled() {
	m.mu.Lock()
	layers := make([]*Layer, 0, len(m.planes))
	for _, pf := range m.planes {
		pf.mu.Lock()
		if pf.layer != nil {
			layers = append(layers, pf.layer)
		}
		pf.mu.Unlock()
	}
	m.mu.Unlock()

	for _, l := range layers {
		l.OnFenceSignaled()
	}
}

// RegisterPreRefreshCallback adds a hook run just before each commit.
func (m *Manager) RegisterPreRefreshCallback(cb RefreshCallback) {
	m.preMu.Lock()
	m.preCb = append(m.preCb, cb)
	m.preMu.Unlock()
}

// RegisterPostRefreshCallback adds a hook run just after each commit is
// submitted (not after the fence signals).
func (m *Manager) RegisterPostRefreshCallback(cb RefreshCallback) {
	m.postMu.Lock()
	m.postCb = append(m.postCb, cb)
	m.postMu.Unlock()
}

func (m *Manager) doPreRefresh() {
	m.preMu.Lock()
	cbs := append([]RefreshCallback(nil), m.preCb...)
	m.preMu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb()
		}
	}
}

func (m *Manager) doPostRefresh() {
	m.postMu.Lock()
	cbs := append([]RefreshCallback(nil), m.postCb...)
	m.postMu.Unlock()
	for _, cb := range cbs {
		if cb != nil {
			cb()
		}
	}
}

// CreatePlane picks the first plane of the requested type that supports
// the requested format (planes already handed out are not tracked, so
// repeated calls can return the same plane), wraps it in a Layer backed
// by a freshly allocated DMA-BUF, and registers it with the compositor.
func (m *Manager) CreatePlane(cfg PlaneConfig, devices []ModeDevice) (PlaneHandle, error) {
	if len(devices) == 0 {
		return PlaneHandle{id: -1}, fmt.Errorf("drm: no bound display device")
	}
	planeType := PlaneOverlay
	if cfg.Type == LayerPrimary {
		planeType = PlanePrimary
	}
	ids := m.ctrl.PlanesOfType(planeType, cfg.DRMFormat)
	if len(ids) == 0 {
		return PlaneHandle{id: -1}, fmt.Errorf("drm: no plane of type %v supports format %v", planeType, cfg.DRMFormat)
	}

	bpp := CalculateBpp(cfg.DRMFormat)
	if bpp == 0 {
		bpp = 32
	}
	required := uint32(float64(cfg.SrcWidth) * float64(cfg.SrcHeight) * float64(bpp) / 8)
	buf, err := dmabuf.Allocate(cfg.SrcWidth, cfg.SrcHeight, cfg.DRMFormat, required, 0, bpp)
	if err != nil {
		return PlaneHandle{id: -1}, err
	}

	layer, err := NewLayer(m.ctrl.Fd(), []*dmabuf.Buffer{buf}, doubleBufferCacheSize)
	if err != nil {
		buf.Close()
		return PlaneHandle{id: -1}, err
	}

	dev := devices[0]
	layer.SetProperties(LayerProperties{
		Type:       cfg.Type,
		PlaneID:    ids[0],
		CRTCID:     dev.CRTCID,
		SrcWidth:   cfg.SrcWidth,
		SrcHeight:  cfg.SrcHeight,
		CRTCWidth:  uint32(dev.Width),
		CRTCHeight: uint32(dev.Height),
		ZOrder:     cfg.ZOrder,
		Alpha:      1.0,
	})

	if err := m.compositor.AddLayer(layer); err != nil {
		layer.Destroy()
		return PlaneHandle{id: -1}, err
	}

	id := m.nextID.Add(1)
	m.mu.Lock()
	m.planes[id] = &pendingFrame{layer: layer}
	m.mu.Unlock()

	return PlaneHandle{id: id}, nil
}

// PresentFrame swaps the plane's backing buffers for the next refresh
// cycle. holder is retained until the next frame replaces it, so a
// caller can park a Frame reference there to keep its refcount alive
// through scanout.
func (m *Manager) PresentFrame(handle PlaneHandle, buffers []*dmabuf.Buffer, holder interface{}) error {
	m.mu.Lock()
	pf, ok := m.planes[handle.id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("drm: unknown plane handle %d", handle.id)
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.layer == nil {
		return fmt.Errorf("drm: plane %d has no layer", handle.id)
	}
	if err := pf.layer.UpdateBuffer(buffers); err != nil {
		return err
	}
	pf.holder = holder
	return nil
}

// CurrentScreenSize returns the width/height of the first bound display
// device, or zero if none are bound yet.
func (m *Manager) CurrentScreenSize() (uint32, uint32) {
	devices := m.ctrl.Devices()
	if len(devices) == 0 {
		return 0, 0
	}
	return uint32(devices[0].Width), uint32(devices[0].Height)
}
