//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/netxlite/dialer.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/dialer.go
//

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

	"github.com/bassosimone/safeconn"
	"golang.org/x/sys/unix"
)

// NewConnector returns a new [*Connector] with default settings.
//
// The cfg argument contains the common configuration for nbio operations.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewConnector(cfg *Config, logger SLogger) *Connector {
	return &Connector{
		ErrClassifier: cfg.ErrClassifier,
		Family:        "ip4",
		Logger:        logger,
		Resolver:      cfg.Resolver,
		Secure:        false,
		StreamTimeout: cfg.StreamTimeout,
		TLSConfig:     nil,
		TimeNow:       cfg.TimeNow,
		Timeout:       cfg.ConnectTimeout,
		cfg:           cfg,
	}
}

// Connector establishes outbound stream connections without blocking.
//
// Each [*Connector.Connect] call resolves the address, starts a non-blocking
// connect to the first candidate that does not fail immediately, and waits
// for the socket to become writable using [Config.Poller].
//
// All fields are safe to modify after construction but before first use.
type Connector struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConnector] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Family is the address family: "ip", "ip4", or "ip6".
	//
	// Set by [NewConnector] to "ip4".
	Family string

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewConnector] to the user-provided logger.
	Logger SLogger

	// Resolver maps domain names to candidate addresses.
	//
	// Set by [NewConnector] from [Config.Resolver].
	Resolver Resolver

	// Secure selects a TLS client [Transport] for the [*Stream].
	//
	// Set by [NewConnector] to false.
	Secure bool

	// StreamTimeout is the [Stream.Timeout] of the connected streams.
	//
	// Set by [NewConnector] from [Config.StreamTimeout].
	StreamTimeout time.Duration

	// TLSConfig is the TLS configuration used when Secure is true. When
	// nil or lacking a ServerName, the ServerName is the connect address.
	//
	// Set by [NewConnector] to nil.
	TLSConfig *tls.Config

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewConnector] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout is the maximum time to wait for the connect to complete.
	//
	// Set by [NewConnector] from [Config.ConnectTimeout].
	Timeout time.Duration

	cfg *Config
}

// Connect connects to the given address and port.
//
// The address is either an IP address or a domain name resolved using the
// [Connector.Resolver]. The context only bounds the resolution.
//
// Exactly one of onConnected and onCantConnect is eventually called. When
// the resolution fails or no candidate can start connecting, onCantConnect
// is called before Connect returns. Otherwise, the outcome is delivered
// from the [Poller] goroutine.
func (c *Connector) Connect(ctx context.Context, address string, port uint16,
	onConnected func(*Stream), onCantConnect func()) {
	t0 := c.TimeNow()
	remote := net.JoinHostPort(address, strconv.Itoa(int(port)))
	c.Logger.Info(
		"connectStart",
		slog.String("addressFamily", c.Family),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remote),
		slog.Bool("secure", c.Secure),
		slog.Time("t", t0),
	)

	candidates, err := resolveCandidates(ctx, c.Resolver, c.Family, address)
	if err != nil {
		c.logConnectDone(remote, t0, "", err)
		onCantConnect()
		return
	}

	attempt, err := firstOK(candidates, func(addr netip.Addr) (*connectAttempt, error) {
		return c.startConnect(netip.AddrPortFrom(addr, port))
	})
	if err != nil {
		c.logConnectDone(remote, t0, "", err)
		onCantConnect()
		return
	}
	attempt.address = address
	attempt.onConnected = onConnected
	attempt.onCantConnect = onCantConnect
	attempt.t0 = t0
	c.cfg.Poller.SetWritable(attempt)
}

// startConnect creates a socket and starts connecting it to endpoint.
func (c *Connector) startConnect(endpoint netip.AddrPort) (*connectAttempt, error) {
	sa, family := sockaddrFromAddrPort(endpoint)
	fd, err := newStreamSocket(family)
	if err != nil {
		return nil, err
	}
	switch err := unix.Connect(fd, sa); {
	case err == nil, errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR),
		errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK):
		attempt := &connectAttempt{
			begin:    c.TimeNow(),
			c:        c,
			endpoint: endpoint,
			fd:       fd,
		}
		return attempt, nil
	default:
		unix.Close(fd)
		return nil, os.NewSyscallError("connect", err)
	}
}

// tlsConfigFor returns the TLS configuration to connect to address.
func (c *Connector) tlsConfigFor(address string) *tls.Config {
	config := &tls.Config{}
	if c.TLSConfig != nil {
		config = c.TLSConfig.Clone()
	}
	if config.ServerName == "" {
		config.ServerName = address
	}
	return config
}

func (c *Connector) logConnectDone(remote string, t0 time.Time, laddr string, err error) {
	c.Logger.Info(
		"connectDone",
		slog.String("addressFamily", c.Family),
		slog.Any("err", err),
		slog.String("errClass", c.ErrClassifier.Classify(err)),
		slog.String("localAddr", laddr),
		slog.String("protocol", "tcp"),
		slog.String("remoteAddr", remote),
		slog.Bool("secure", c.Secure),
		slog.Time("t0", t0),
		slog.Time("t", c.TimeNow()),
	)
}

// connectAttempt is a pending non-blocking connect.
//
// It resolves exactly once: either into a [*Stream] or into a failure.
type connectAttempt struct {
	address       string
	begin         time.Time
	c             *Connector
	done          bool
	endpoint      netip.AddrPort
	fd            int
	onCantConnect func()
	onConnected   func(*Stream)
	t0            time.Time
}

var _ Pollable = &connectAttempt{}

// Fileno implements [Pollable].
func (a *connectAttempt) Fileno() int {
	return a.fd
}

// HandleReadable implements [Pollable].
func (a *connectAttempt) HandleReadable() {
	// nothing
}

// HandleWritable implements [Pollable].
func (a *connectAttempt) HandleWritable() {
	if a.done {
		return
	}
	a.c.cfg.Poller.UnsetWritable(a)

	soerr, err := unix.GetsockoptInt(a.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		a.fail(os.NewSyscallError("getsockopt", err))
		return
	}
	if soerr != 0 {
		a.fail(os.NewSyscallError("connect", unix.Errno(soerr)))
		return
	}

	a.done = true
	stream, err := newSocketStream(a.c.cfg, a.fd, streamOptions{
		Secure:        a.c.Secure,
		Server:        false,
		StreamTimeout: a.c.StreamTimeout,
		TLSConfig:     a.c.tlsConfigFor(a.address),
	}, a.c.Logger)
	if err != nil {
		a.c.logConnectDone(a.endpoint.String(), a.t0, "", err)
		a.onCantConnect()
		return
	}
	a.c.logConnectDone(a.endpoint.String(), a.t0, stream.LocalAddr(), nil)
	a.onConnected(stream)
}

// ReadHasTimedOut implements [Pollable].
func (a *connectAttempt) ReadHasTimedOut(now time.Time) bool {
	return false
}

// WriteHasTimedOut implements [Pollable].
func (a *connectAttempt) WriteHasTimedOut(now time.Time) bool {
	return !a.done && now.Sub(a.begin) >= a.c.Timeout
}

// HandleTimeout implements [Pollable].
func (a *connectAttempt) HandleTimeout() {
	a.fail(ErrTimeout)
}

func (a *connectAttempt) fail(err error) {
	if a.done {
		return
	}
	a.done = true
	a.c.cfg.Poller.Close(a)
	unix.Close(a.fd)
	a.c.logConnectDone(a.endpoint.String(), a.t0, "", err)
	a.onCantConnect()
}

// streamOptions configures [newSocketStream].
type streamOptions struct {
	// Secure selects the TLS [Transport].
	Secure bool

	// Server selects the server side of the TLS handshake.
	Server bool

	// StreamTimeout is the [Stream.Timeout].
	StreamTimeout time.Duration

	// TLSConfig is the TLS configuration used when Secure is true.
	TLSConfig *tls.Config
}

// newSocketStream wraps a connected socket descriptor into a [*Stream],
// which owns the descriptor. On failure, the descriptor is closed.
func newSocketStream(cfg *Config, fd int, opts streamOptions, logger SLogger) (*Stream, error) {
	sock, err := NewSocket(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}
	laddr, raddr := safeconn.LocalAddr(sock), safeconn.RemoteAddr(sock)
	protocol := "tcp"
	var txp Transport = NewSocketTransport(sock)
	if opts.Secure {
		protocol = "tls"
		txp = NewTLSTransport(cfg, sock, opts.TLSConfig, opts.Server, logger)
	}
	txp = NewObserveTransport(cfg, txp, laddr, raddr, protocol, logger)
	stream := NewStream(cfg, fd, txp, laddr, raddr, logger)
	stream.Timeout = opts.StreamTimeout
	return stream, nil
}
