package drm

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

type fenceEntry struct {
	callback func()
	expireAt time.Time
}

// FenceWatcher epoll-watches a set of DRM OUT_FENCE fds and invokes each
// one's callback when the fence signals or its timeout elapses,
// whichever comes first. There is one watcher per process, matching the
// original's singleton.
type FenceWatcher struct {
	epollFd int
	eventFd int

	mu        sync.Mutex
	callbacks map[int]fenceEntry

	running atomic.Bool
	done    chan struct{}

	log *logrus.Entry
}

var (
	fenceWatcherOnce sync.Once
	fenceWatcher     *FenceWatcher
)

// Instance returns the process-wide FenceWatcher, starting its event
// loop on first use.
func Instance() *FenceWatcher {
	fenceWatcherOnce.Do(func() {
		fenceWatcher = newFenceWatcher()
	})
	return fenceWatcher
}

func newFenceWatcher() *FenceWatcher {
	epollFd, err := unix.EpollCreate1(0)
	if err != nil {
		logrus.WithError(err).Error("drm: epoll_create1 failed")
	}
	eventFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		logrus.WithError(err).Error("drm: eventfd failed")
	}

	w := &FenceWatcher{
		epollFd:   epollFd,
		eventFd:   eventFd,
		callbacks: make(map[int]fenceEntry),
		done:      make(chan struct{}),
		log:       logrus.WithField("component", "drm.fencewatcher"),
	}
	w.running.Store(true)

	unix.EpollCtl(epollFd, unix.EPOLL_CTL_ADD, eventFd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(eventFd),
	})

	go w.eventLoop()
	return w
}

// WatchFence registers fenceFd for edge-triggered readiness and invokes
// callback once it signals or timeout elapses. A negative fenceFd
// invokes callback immediately (matching the "no fence to wait on"
// case).
func (w *FenceWatcher) WatchFence(fenceFd int, callback func(), timeout time.Duration) {
	if fenceFd < 0 {
		if callback != nil {
			callback()
		}
		return
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	w.mu.Lock()
	w.callbacks[fenceFd] = fenceEntry{callback: callback, expireAt: time.Now().Add(timeout)}
	w.mu.Unlock()

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLET,
		Fd:     int32(fenceFd),
	}
	if err := unix.EpollCtl(w.epollFd, unix.EPOLL_CTL_ADD, fenceFd, &ev); err != nil {
		if err == unix.EEXIST {
			unix.EpollCtl(w.epollFd, unix.EPOLL_CTL_MOD, fenceFd, &ev)
		} else {
			w.log.WithError(err).Warn("epoll_ctl add fence fd failed")
			w.triggerCallback(fenceFd)
		}
	}
}

func (w *FenceWatcher) triggerCallback(fd int) {
	w.mu.Lock()
	entry, ok := w.callbacks[fd]
	if ok {
		delete(w.callbacks, fd)
	}
	w.mu.Unlock()

	if !ok {
		return
	}
	unix.Close(fd)
	if entry.callback != nil {
		entry.callback()
	}
}

func (w *FenceWatcher) eventLoop() {
	events := make([]unix.EpollEvent, 16)
	for w.running.Load() {
		n, err := unix.EpollWait(w.epollFd, events, 50)
		if err != nil && err != unix.EINTR {
			w.log.WithError(err).Warn("epoll_wait failed")
			continue
		}

		now := time.Now()
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == w.eventFd {
				var buf [8]byte
				unix.Read(w.eventFd, buf[:])
				continue
			}
			w.triggerCallback(fd)
		}

		var expired []int
		w.mu.Lock()
		for fd, entry := range w.callbacks {
			if now.After(entry.expireAt) {
				expired = append(expired, fd)
			}
		}
		w.mu.Unlock()
		for _, fd := range expired {
			w.triggerCallback(fd)
		}
	}

	w.mu.Lock()
	for fd := range w.callbacks {
		unix.Close(fd)
	}
	w.callbacks = nil
	w.mu.Unlock()
	close(w.done)
}

// Shutdown stops the event loop and waits for it to drain, closing any
// fences still pending.
func (w *FenceWatcher) Shutdown() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	var buf [8]byte
	buf[0] = 1
	unix.Write(w.eventFd, buf[:])
	<-w.done
	unix.Close(w.eventFd)
	unix.Close(w.epollFd)
}
