// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/bassosimone/runtimex"
	"golang.org/x/sys/unix"
)

// DefaultBacklog is the default [Listener.Backlog].
const DefaultBacklog = 128

// NewListener returns a new [*Listener] with default settings.
//
// The cfg argument contains the common configuration for nbio operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewListener(cfg *Config, logger SLogger) *Listener {
	return &Listener{
		Backlog:       DefaultBacklog,
		ErrClassifier: cfg.ErrClassifier,
		Family:        "ip4",
		Logger:        logger,
		Resolver:      cfg.Resolver,
		Secure:        false,
		StreamTimeout: cfg.StreamTimeout,
		TLSConfig:     nil,
		TimeNow:       cfg.TimeNow,
		cfg:           cfg,
		fd:            -1,
	}
}

// Listener accepts inbound stream connections without blocking.
//
// After a successful [*Listener.Listen], each readability event of the
// listening socket accepts one connection, wraps it into a [*Stream] and
// passes it to the accept callback. Accept errors are logged and the
// listener keeps listening.
//
// All fields are safe to modify after construction but before first use.
type Listener struct {
	// Backlog is the listen(2) backlog.
	//
	// Set by [NewListener] to [DefaultBacklog].
	Backlog int

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewListener] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Family is the address family: "ip", "ip4", or "ip6".
	//
	// Set by [NewListener] to "ip4".
	Family string

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewListener] to the user-provided logger.
	Logger SLogger

	// Resolver maps domain names to candidate addresses.
	//
	// Set by [NewListener] from [Config.Resolver].
	Resolver Resolver

	// Secure selects a TLS server [Transport] for the accepted streams.
	//
	// Set by [NewListener] to false.
	Secure bool

	// StreamTimeout is the [Stream.Timeout] of the accepted streams.
	//
	// Set by [NewListener] from [Config.StreamTimeout].
	StreamTimeout time.Duration

	// TLSConfig is the TLS configuration used when Secure is true, which
	// must provide the server certificate.
	//
	// Set by [NewListener] to nil.
	TLSConfig *tls.Config

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewListener] from [Config.TimeNow].
	TimeNow func() time.Time

	addr       net.Addr
	cfg        *Config
	closed     bool
	fd         int
	onAccepted func(*Stream)
}

var _ Pollable = &Listener{}

// Listen binds and listens on the given address and port.
//
// An empty address means the wildcard addresses of [Listener.Family]. A zero
// port means an ephemeral port, which [*Listener.Addr] returns.
//
// Candidates are tried in order and the first one that can bind and listen
// wins. Then onListening is called. When all candidates fail, onCantBind is
// called. Both callbacks run before Listen returns.
//
// It panics when called twice or when Secure is true and TLSConfig
// does not provide a server certificate.
func (l *Listener) Listen(ctx context.Context, address string, port uint16,
	onAccepted func(*Stream), onCantBind func(), onListening func()) {
	runtimex.Assert(l.fd < 0 && !l.closed)
	if l.Secure {
		runtimex.Assert(l.TLSConfig != nil)
		runtimex.Assert(len(l.TLSConfig.Certificates) > 0 || l.TLSConfig.GetCertificate != nil)
	}

	t0 := l.TimeNow()
	local := net.JoinHostPort(address, strconv.Itoa(int(port)))
	l.Logger.Info(
		"listenStart",
		slog.String("addressFamily", l.Family),
		slog.Int("backlog", l.Backlog),
		slog.String("localAddr", local),
		slog.String("protocol", "tcp"),
		slog.Bool("secure", l.Secure),
		slog.Time("t", t0),
	)

	candidates, err := l.candidates(ctx, address)
	if err == nil {
		l.fd, err = firstOK(candidates, func(addr netip.Addr) (int, error) {
			return l.bindAndListen(netip.AddrPortFrom(addr, port))
		})
	}
	if err != nil {
		l.fd = -1
		l.logListenDone(local, t0, err)
		onCantBind()
		return
	}

	l.addr = &net.TCPAddr{}
	if sa, err := unix.Getsockname(l.fd); err == nil {
		l.addr = sockaddrToAddr(sa)
	}
	l.onAccepted = onAccepted
	l.cfg.Poller.SetReadable(l)
	l.logListenDone(l.addr.String(), t0, nil)
	onListening()
}

func (l *Listener) candidates(ctx context.Context, address string) ([]netip.Addr, error) {
	if address != "" {
		return resolveCandidates(ctx, l.Resolver, l.Family, address)
	}
	switch l.Family {
	case "ip4":
		return []netip.Addr{netip.IPv4Unspecified()}, nil
	case "ip6":
		return []netip.Addr{netip.IPv6Unspecified()}, nil
	case "ip":
		return []netip.Addr{netip.IPv6Unspecified(), netip.IPv4Unspecified()}, nil
	default:
		return nil, ErrUnsupportedFamily
	}
}

// bindAndListen returns a non-blocking socket listening on endpoint.
func (l *Listener) bindAndListen(endpoint netip.AddrPort) (int, error) {
	sa, family := sockaddrFromAddrPort(endpoint)
	fd, err := newStreamSocket(family)
	if err != nil {
		return -1, err
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, l.Backlog); err != nil {
		unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}
	return fd, nil
}

func (l *Listener) logListenDone(local string, t0 time.Time, err error) {
	l.Logger.Info(
		"listenDone",
		slog.String("addressFamily", l.Family),
		slog.Int("backlog", l.Backlog),
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", local),
		slog.String("protocol", "tcp"),
		slog.Bool("secure", l.Secure),
		slog.Time("t0", t0),
		slog.Time("t", l.TimeNow()),
	)
}

// Addr returns the address we're listening on or nil.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Fileno implements [Pollable].
func (l *Listener) Fileno() int {
	return l.fd
}

// HandleReadable implements [Pollable].
//
// It accepts a single connection.
func (l *Listener) HandleReadable() {
	if l.closed {
		return
	}
	t0 := l.TimeNow()
	stream, err := l.accept()
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.EINTR):
		return
	case err != nil:
		l.logAcceptDone(t0, "", err)
		return
	}
	l.logAcceptDone(t0, stream.RemoteAddr(), nil)
	l.onAccepted(stream)
}

func (l *Listener) accept() (*Stream, error) {
	fd, _, err := unix.Accept(l.fd)
	if err != nil {
		return nil, os.NewSyscallError("accept", err)
	}
	unix.CloseOnExec(fd)
	return newSocketStream(l.cfg, fd, streamOptions{
		Secure:        l.Secure,
		Server:        true,
		StreamTimeout: l.StreamTimeout,
		TLSConfig:     l.TLSConfig,
	}, l.Logger)
}

func (l *Listener) logAcceptDone(t0 time.Time, raddr string, err error) {
	l.Logger.Info(
		"acceptDone",
		slog.Any("err", err),
		slog.String("errClass", l.ErrClassifier.Classify(err)),
		slog.String("localAddr", l.addr.String()),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", raddr),
		slog.Bool("secure", l.Secure),
		slog.Time("t0", t0),
		slog.Time("t", l.TimeNow()),
	)
}

// HandleWritable implements [Pollable].
func (l *Listener) HandleWritable() {
	// nothing
}

// ReadHasTimedOut implements [Pollable].
func (l *Listener) ReadHasTimedOut(now time.Time) bool {
	return false
}

// WriteHasTimedOut implements [Pollable].
func (l *Listener) WriteHasTimedOut(now time.Time) bool {
	return false
}

// HandleTimeout implements [Pollable].
func (l *Listener) HandleTimeout() {
	// nothing
}

// Close stops listening and closes the listening socket.
//
// Subsequent calls return [net.ErrClosed].
func (l *Listener) Close() error {
	if l.closed {
		return net.ErrClosed
	}
	l.closed = true
	if l.fd < 0 {
		return nil
	}
	l.cfg.Poller.Close(l)
	return os.NewSyscallError("close", unix.Close(l.fd))
}
