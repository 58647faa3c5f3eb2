package drm

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// udevDebounce collapses repeated deliveries of the same
// {subsystem, devpath, action} triple, which the kernel can emit in
// quick bursts for a single physical hot-plug.
const udevDebounce = 500 * time.Millisecond

const udevReadBufSize = 8192

// udevEvent is a single parsed kobject-uevent netlink message.
type udevEvent struct {
	action    string
	devpath   string
	subsystem string
}

// qualifies reports whether ev is one this controller cares about:
// subsystem "drm" or "input", action add/remove/change.
func (ev udevEvent) qualifies() bool {
	switch ev.subsystem {
	case "drm", "input":
	default:
		return false
	}
	switch ev.action {
	case "add", "remove", "change":
		return true
	default:
		return false
	}
}

// udevMonitor listens on the NETLINK_KOBJECT_UEVENT multicast group for
// kernel hot-plug events. It is the Go-native equivalent of the
// original's libudev-backed monitor: a raw netlink socket rather than a
// libudev context, since the kernel's own uevent broadcast carries
// everything the controller needs to filter on (ACTION, DEVPATH,
// SUBSYSTEM).
type udevMonitor struct {
	fd int

	mu       sync.Mutex
	lastSeen map[string]time.Time

	stopCh chan struct{}
	doneCh chan struct{}

	log *logrus.Entry
}

func newUdevMonitor() (*udevMonitor, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, fmt.Errorf("drm: udev: netlink socket: %w", err)
	}
	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: 1}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("drm: udev: netlink bind: %w", err)
	}
	return &udevMonitor{
		fd:       fd,
		lastSeen: make(map[string]time.Time),
		log:      logrus.WithField("component", "drm.udev"),
	}, nil
}

// watch starts the read loop on its own goroutine, invoking onEvent for
// every qualifying, debounced event.
func (u *udevMonitor) watch(onEvent func(udevEvent)) {
	u.stopCh = make(chan struct{})
	u.doneCh = make(chan struct{})
	go u.loop(onEvent)
}

func (u *udevMonitor) loop(onEvent func(udevEvent)) {
	defer close(u.doneCh)
	buf := make([]byte, udevReadBufSize)
	for {
		n, _, err := unix.Recvfrom(u.fd, buf, 0)
		if err != nil {
			select {
			case <-u.stopCh:
				return
			default:
			}
			if err == unix.EINTR {
				continue
			}
			u.log.WithError(err).Warn("netlink recv failed")
			return
		}
		ev, ok := parseUdevEvent(buf[:n])
		if !ok || !ev.qualifies() || u.debounced(ev) {
			continue
		}
		onEvent(ev)
	}
}

func (u *udevMonitor) debounced(ev udevEvent) bool {
	key := ev.subsystem + "|" + ev.devpath + "|" + ev.action
	now := time.Now()
	u.mu.Lock()
	defer u.mu.Unlock()
	if last, ok := u.lastSeen[key]; ok && now.Sub(last) < udevDebounce {
		u.lastSeen[key] = now
		return true
	}
	u.lastSeen[key] = now
	return false
}

// parseUdevEvent decodes a raw NETLINK_KOBJECT_UEVENT payload: the
// kernel's uevent format is "ACTION@DEVPATH\x00" followed by
// NUL-separated "KEY=VALUE" fields.
func parseUdevEvent(raw []byte) (udevEvent, bool) {
	parts := bytes.Split(raw, []byte{0})
	var ev udevEvent
	for _, p := range parts {
		s := string(p)
		switch {
		case strings.HasPrefix(s, "ACTION="):
			ev.action = strings.TrimPrefix(s, "ACTION=")
		case strings.HasPrefix(s, "DEVPATH="):
			ev.devpath = strings.TrimPrefix(s, "DEVPATH=")
		case strings.HasPrefix(s, "SUBSYSTEM="):
			ev.subsystem = strings.TrimPrefix(s, "SUBSYSTEM=")
		}
	}
	if ev.action == "" || ev.subsystem == "" {
		return udevEvent{}, false
	}
	return ev, true
}

func (u *udevMonitor) stop() {
	if u.stopCh == nil {
		return
	}
	close(u.stopCh)
	unix.Close(u.fd)
	<-u.doneCh
}
