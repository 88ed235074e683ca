// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Socket is a non-blocking stream socket implementing [net.Conn].
//
// Read and Write never block: they return [ErrWouldBlock] when the kernel
// would have suspended the caller. Read returns [io.EOF] when the peer has
// closed its side. Deadlines are not supported since readiness and
// timeouts are the business of the event loop: the deadline setters are
// no-ops returning nil.
//
// A Socket owns its file descriptor. Construct using [NewSocket].
type Socket struct {
	closed bool
	fd     int
	laddr  net.Addr
	raddr  net.Addr
}

var _ net.Conn = &Socket{}

// NewSocket wraps a connected file descriptor, which it puts into
// non-blocking mode. The returned [*Socket] owns the descriptor.
func NewSocket(fd int) (*Socket, error) {
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, os.NewSyscallError("setnonblock", err)
	}
	sock := &Socket{fd: fd, laddr: &net.TCPAddr{}, raddr: &net.TCPAddr{}}
	if sa, err := unix.Getsockname(fd); err == nil {
		sock.laddr = sockaddrToAddr(sa)
	}
	if sa, err := unix.Getpeername(fd); err == nil {
		sock.raddr = sockaddrToAddr(sa)
	}
	return sock, nil
}

// Fileno returns the file descriptor, which remains meaningful as
// a registration key even after the socket has been closed.
func (s *Socket) Fileno() int {
	return s.fd
}

// Close implements [net.Conn].
//
// Subsequent calls return [net.ErrClosed].
func (s *Socket) Close() error {
	if s.closed {
		return net.ErrClosed
	}
	s.closed = true
	return os.NewSyscallError("close", unix.Close(s.fd))
}

// LocalAddr implements [net.Conn].
func (s *Socket) LocalAddr() net.Addr {
	return s.laddr
}

// RemoteAddr implements [net.Conn].
func (s *Socket) RemoteAddr() net.Addr {
	return s.raddr
}

// Read implements [net.Conn].
func (s *Socket) Read(buf []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	for {
		count, err := unix.Read(s.fd, buf)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case count == 0 && len(buf) > 0:
			return 0, io.EOF
		default:
			return count, nil
		}
	}
}

// Write implements [net.Conn].
func (s *Socket) Write(data []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	for {
		count, err := unix.Write(s.fd, data)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
			return 0, ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		default:
			return count, nil
		}
	}
}

// SetDeadline implements [net.Conn].
func (s *Socket) SetDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements [net.Conn].
func (s *Socket) SetReadDeadline(t time.Time) error {
	return nil
}

// SetWriteDeadline implements [net.Conn].
func (s *Socket) SetWriteDeadline(t time.Time) error {
	return nil
}

// newStreamSocket creates a non-blocking, close-on-exec stream socket.
func newStreamSocket(family int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setnonblock", err)
	}
	return fd, nil
}

// sockaddrFromAddrPort converts an endpoint to a sockaddr and its family.
func sockaddrFromAddrPort(endpoint netip.AddrPort) (unix.Sockaddr, int) {
	addr := endpoint.Addr()
	if addr.Is4() || addr.Is4In6() {
		return &unix.SockaddrInet4{Port: int(endpoint.Port()), Addr: addr.Unmap().As4()}, unix.AF_INET
	}
	sa := &unix.SockaddrInet6{Port: int(endpoint.Port()), Addr: addr.As16()}
	if zone := addr.Zone(); zone != "" {
		if ifi, err := net.InterfaceByName(zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return sa, unix.AF_INET6
}

// sockaddrToAddr converts a sockaddr to a [net.Addr].
func sockaddrToAddr(sa unix.Sockaddr) net.Addr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(netip.AddrFrom4(v.Addr), uint16(v.Port)))
	case *unix.SockaddrInet6:
		addr := netip.AddrFrom16(v.Addr)
		if v.ZoneId != 0 {
			if ifi, err := net.InterfaceByIndex(int(v.ZoneId)); err == nil {
				addr = addr.WithZone(ifi.Name)
			}
		}
		return net.TCPAddrFromAddrPort(netip.AddrPortFrom(addr, uint16(v.Port)))
	case *unix.SockaddrUnix:
		return &net.UnixAddr{Name: v.Name, Net: "unix"}
	default:
		return &net.TCPAddr{}
	}
}
