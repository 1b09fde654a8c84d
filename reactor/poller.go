//go:build linux

// Package reactor wraps the kernel readiness-notification facility (epoll)
// behind a small register/modify/unregister/wait API.
package reactor

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Interest is the set of readiness conditions a descriptor is armed for.
type Interest uint32

const (
	Readable      Interest = unix.EPOLLIN
	Writable      Interest = unix.EPOLLOUT
	PeerHangup    Interest = unix.EPOLLRDHUP
	OneShot       Interest = unix.EPOLLONESHOT
	EdgeTriggered Interest = unix.EPOLLET
)

// Event is the readiness reported for one descriptor.
type Event uint32

// IsReadable reports input readiness.
func (e Event) IsReadable() bool { return e&unix.EPOLLIN != 0 }

// IsWritable reports output readiness.
func (e Event) IsWritable() bool { return e&unix.EPOLLOUT != 0 }

// IsHangup reports peer shutdown, hangup or an error condition.
func (e Event) IsHangup() bool {
	return e&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0
}

// DefaultMaxEvents is the size of the event array used by Wait.
const DefaultMaxEvents = 1024

// ErrClosed is returned by operations on a closed Poller.
var ErrClosed = errors.New("reactor: poller closed")

// Poller is an epoll instance plus an eventfd used to interrupt Wait from
// other goroutines. Add, Modify, Remove and Wake are safe to call
// concurrently with Wait; Wait itself must only be driven by one goroutine.
type Poller struct {
	epfd   int
	wakeFd int
	events []unix.EpollEvent

	mu     sync.Mutex
	closed bool
}

// Open creates a Poller able to report up to maxEvents descriptors per Wait.
func Open(maxEvents int) (*Poller, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	p := &Poller{
		epfd:   epfd,
		wakeFd: wakeFd,
		events: make([]unix.EpollEvent, maxEvents),
	}
	if err := p.ctl(unix.EPOLL_CTL_ADD, wakeFd, Readable); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, err
	}
	return p, nil
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_ADD, fd, in)
}

// Modify replaces the interest of a registered fd. With OneShot this is
// how a descriptor is re-armed.
func (p *Poller) Modify(fd int, in Interest) error {
	return p.ctl(unix.EPOLL_CTL_MOD, fd, in)
}

// Remove unregisters fd.
func (p *Poller) Remove(fd int) error {
	if fd < 0 {
		return unix.EBADF
	}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

func (p *Poller) ctl(op, fd int, in Interest) error {
	if fd < 0 {
		return unix.EBADF
	}
	ev := unix.EpollEvent{Events: uint32(in), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, op, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl op %d fd %d: %w", op, fd, err)
	}
	return nil
}

// Wait blocks until at least one registered descriptor is ready, the
// timeout elapses, or Wake is called. A negative timeout blocks
// indefinitely. fn is called for each ready descriptor; wake-ups are
// consumed internally and not reported. Wait returns the number of
// descriptors passed to fn.
func (p *Poller) Wait(timeout time.Duration, fn func(fd int, ev Event)) (int, error) {
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	n, err := unix.EpollWait(p.epfd, p.events, msec)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	reported := 0
	for i := 0; i < n; i++ {
		fd := int(p.events[i].Fd)
		if fd == p.wakeFd {
			p.drainWake()
			continue
		}
		fn(fd, Event(p.events[i].Events))
		reported++
	}
	return reported, nil
}

// Wake interrupts a concurrent Wait.
func (p *Poller) Wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(p.wakeFd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *Poller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Close releases the epoll instance and the wake-up descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(unix.Close(p.wakeFd), unix.Close(p.epfd))
}
