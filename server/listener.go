package server

import (
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/codetesla51/epoll-http/reactor"
)

// listen creates the non-blocking IPv4 listening socket and registers it
// with the poller. Port 0 binds an ephemeral port.
func (s *Server) listen() error {
	port := s.cfg.Port
	if port != 0 && (port < 1024 || port > 65535) {
		return fmt.Errorf("port %d out of range 1024-65535", port)
	}

	addr := &unix.SockaddrInet4{Port: port}
	if s.cfg.Host != "" {
		ip := net.ParseIP(s.cfg.Host).To4()
		if ip == nil {
			return fmt.Errorf("invalid IPv4 host %q", s.cfg.Host)
		}
		copy(addr.Addr[:], ip)
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("create socket: %w", err)
	}

	fail := func(what string, err error) error {
		_ = unix.Close(fd)
		return fmt.Errorf("%s (port %d): %w", what, port, err)
	}

	linger := &unix.Linger{}
	if s.cfg.OptLinger {
		// flush pending data for up to one second on close
		linger.Onoff = 1
		linger.Linger = 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, linger); err != nil {
		return fail("set linger", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("set reuseaddr", err)
	}
	if err := unix.Bind(fd, addr); err != nil {
		return fail("bind", err)
	}
	backlog := s.cfg.Backlog
	if backlog <= 0 {
		backlog = 6
	}
	if err := unix.Listen(fd, backlog); err != nil {
		return fail("listen", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		return fail("getsockname", err)
	}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		s.port = in4.Port
	}

	if err := s.poller.Add(fd, s.listenEvent|reactor.Readable); err != nil {
		return fail("register listener", err)
	}
	s.listenFd = fd
	return nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return "unknown"
	}
}
