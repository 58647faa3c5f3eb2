package edgevision

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// ThreadPauser lets any worker loop cooperatively pause/resume without
// busy-waiting, backed by an eventfd so WaitIfPausedFor can be driven
// from an epoll-based caller alongside other fds (the FenceWatcher uses
// one the same way).
type ThreadPauser struct {
	mu     sync.Mutex
	paused bool
	fd     int
	closed bool
}

// NewThreadPauser creates an unpaused pauser.
func NewThreadPauser() (*ThreadPauser, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("threadpauser: eventfd: %w", err)
	}
	return &ThreadPauser{fd: fd}, nil
}

// Fd returns the eventfd so callers can register it with epoll.
func (p *ThreadPauser) Fd() int {
	return p.fd
}

// Pause marks the pauser as paused and signals the eventfd so anyone
// blocked in WaitIfPaused wakes to observe the new state.
func (p *ThreadPauser) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.paused {
		return
	}
	p.paused = true
	p.drain()
	p.signal()
}

// Resume clears the paused flag and wakes any waiters.
func (p *ThreadPauser) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !p.paused {
		return
	}
	p.paused = false
	p.signal()
}

// Toggle flips the paused state.
func (p *ThreadPauser) Toggle() {
	p.mu.Lock()
	paused := p.paused
	p.mu.Unlock()
	if paused {
		p.Resume()
	} else {
		p.Pause()
	}
}

// IsPaused reports the current paused state.
func (p *ThreadPauser) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *ThreadPauser) signal() {
	var one [8]byte
	one[0] = 1
	unix.Write(p.fd, one[:])
}

func (p *ThreadPauser) drain() {
	var buf [8]byte
	unix.Read(p.fd, buf[:])
}

// WaitIfPaused blocks the calling goroutine while paused, waiting in
// poll on the eventfd with no timeout. It returns immediately if not
// paused or once Close is called.
func (p *ThreadPauser) WaitIfPaused() {
	p.WaitIfPausedFor(0)
}

// WaitIfPausedFor behaves like WaitIfPaused but gives up and returns
// false after timeout elapses (0 means wait indefinitely, returning
// true once resumed). The slow path blocks on the eventfd via poll
// rather than spinning, looping on EINTR.
func (p *ThreadPauser) WaitIfPausedFor(timeout time.Duration) bool {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		p.mu.Lock()
		paused := p.paused
		closed := p.closed
		p.mu.Unlock()
		if !paused || closed {
			return true
		}

		pollTimeout := -1
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false
			}
			pollTimeout = int(remaining.Milliseconds())
		}

		fds := []unix.PollFd{{Fd: int32(p.fd), Events: unix.POLLIN}}
		n, err := unix.Poll(fds, pollTimeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return false
		}
		if n == 0 {
			return false
		}
		var buf [8]byte
		unix.Read(p.fd, buf[:])
	}
}

// Close releases the eventfd. Any blocked waiters return.
func (p *ThreadPauser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.paused = false
	p.signal()
	return unix.Close(p.fd)
}

// IsClosed reports whether Close has been called.
func (p *ThreadPauser) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
