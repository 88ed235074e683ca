//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/tlsdialer.go
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/tls.go
//

package nbio

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/bassosimone/safeconn"
)

// TLSEngine is the engine to create a new [TLSConn].
type TLSEngine interface {
	// Client builds a new client [TLSConn].
	Client(conn net.Conn, config *tls.Config) TLSConn

	// Server builds a new server [TLSConn].
	Server(conn net.Conn, config *tls.Config) TLSConn

	// Name returns the engine name.
	Name() string

	// Parrot returns the configured parrot or an empty string.
	Parrot() string
}

// TLSEngineStdlib implements [TLSEngine] for the standard library.
//
// The zero value is ready to use.
type TLSEngineStdlib struct{}

var _ TLSEngine = TLSEngineStdlib{}

// Client implements [TLSEngine].
//
// This function uses [tls.Client] to build a new [*tls.Conn].
func (TLSEngineStdlib) Client(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Client(conn, config)
}

// Server implements [TLSEngine].
//
// This function uses [tls.Server] to build a new [*tls.Conn].
func (TLSEngineStdlib) Server(conn net.Conn, config *tls.Config) TLSConn {
	return tls.Server(conn, config)
}

// Name implements [TLSEngine].
//
// This function returns "stdlib".
func (TLSEngineStdlib) Name() string {
	return "stdlib"
}

// Parrot implements [TLSEngine].
//
// This function returns "".
func (s TLSEngineStdlib) Parrot() string {
	return ""
}

// TLSConn abstracts over [*tls.Conn].
//
// By using an abstraction we allow for alternative TLS implementations.
type TLSConn interface {
	// ConnectionState returns the connection state.
	ConnectionState() tls.ConnectionState

	// HandshakeContext performs the handshake unless interrupted by the context.
	HandshakeContext(ctx context.Context) error

	// Embedding Conn means we can use this type as a [net.Conn].
	net.Conn
}

// NewTLSTransport returns a new [*TLSTransport] over a non-blocking connection.
//
// The cfg argument contains the common configuration for nbio operations.
//
// The conn argument must return [ErrWouldBlock] from Read and Write when the
// operation cannot make progress, which is what a [*Socket] does. The returned
// transport owns conn.
//
// The config argument is the TLS configuration to use.
//
// The server argument selects the server side of the handshake.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewTLSTransport(cfg *Config, conn net.Conn, config *tls.Config, server bool, logger SLogger) *TLSTransport {
	runtimex.Assert(config != nil)
	return &TLSTransport{
		Config:        config,
		Engine:        cfg.TLSEngine,
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
		bio:           newTLSBIO(conn),
		conn:          conn,
		resume:        make(chan struct{}),
		yield:         make(chan struct{}),
	}
}

// TLSTransport is the TLS [Transport] over a non-blocking [net.Conn].
//
// The handshake starts lazily with the first TryRead or TryWrite. A read
// may want writability (e.g., to send handshake messages) and a write may
// want readability (e.g., to receive them).
//
// All fields are safe to modify after construction but before first use.
type TLSTransport struct {
	// Config contains the [*tls.Config] configuration to use.
	//
	// Set by [NewTLSTransport] to the user-provided [*tls.Config] pointer.
	Config *tls.Config

	// Engine is the [TLSEngine] to use to handshake.
	//
	// Set by [NewTLSTransport] from [Config.TLSEngine].
	Engine TLSEngine

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewTLSTransport] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewTLSTransport] to the user-provided logger.
	Logger SLogger

	// Server indicates whether we're the server side of the handshake.
	//
	// Set by [NewTLSTransport] to the user-provided value.
	Server bool

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewTLSTransport] from [Config.TimeNow].
	TimeNow func() time.Time

	bio          *tlsBIO
	closed       bool
	config       *tls.Config
	conn         net.Conn
	err          error
	hsDone       bool
	hsErr        error
	hsStarted    bool
	pendingPlain int
	plain        []byte
	resume       chan struct{}
	t0           time.Time
	tconn        TLSConn
	yield        chan struct{}
}

var _ BufferedTransport = &TLSTransport{}

// ConnectionState returns the TLS connection state, which is
// only meaningful once the handshake has completed.
func (t *TLSTransport) ConnectionState() tls.ConnectionState {
	if t.tconn == nil {
		return tls.ConnectionState{}
	}
	return t.tconn.ConnectionState()
}

// Err returns the error that caused the last [StatusError], if any.
func (t *TLSTransport) Err() error {
	return t.err
}

// Buffered implements [BufferedTransport].
func (t *TLSTransport) Buffered() bool {
	return len(t.plain) > 0 || (t.hsDone && t.bio.hasRecord())
}

// TryRead implements [Transport].
func (t *TLSTransport) TryRead(maxLength int) (Status, []byte) {
	if status := t.handshake(); status != StatusSuccess {
		return status, nil
	}
	if len(t.plain) > 0 {
		return StatusSuccess, t.takePlain(maxLength)
	}

	// Post-handshake messages may have produced output. A full socket does
	// not prevent reading, so only a failure matters here.
	if t.bio.flush() == StatusError {
		t.err = t.bio.err
		return StatusError, nil
	}

	buf := make([]byte, tlsMaxPlaintext)
	for {
		count, err := t.tconn.Read(buf)
		switch {
		case count > 0:
			t.plain = buf[:count]
			return StatusSuccess, t.takePlain(maxLength)

		case errors.Is(err, ErrWouldBlock):
			if t.bio.fill() {
				continue
			}
			if len(t.bio.outbuf) > 0 {
				return StatusWantWrite, nil
			}
			return StatusWantRead, nil

		case errors.Is(err, io.EOF):
			return StatusSuccess, nil

		case err != nil:
			t.err = err
			return StatusError, nil

		default:
			return StatusWantRead, nil
		}
	}
}

func (t *TLSTransport) takePlain(maxLength int) []byte {
	count := min(maxLength, len(t.plain))
	data := t.plain[:count:count]
	t.plain = t.plain[count:]
	if len(t.plain) <= 0 {
		t.plain = nil
	}
	return data
}

// TryWrite implements [Transport].
//
// Once the ciphertext of a chunk has been handed to the TLS library, the
// chunk is only reported as written when the socket has accepted all its
// ciphertext, which requires the caller to retry with the same data.
func (t *TLSTransport) TryWrite(data []byte) (Status, int) {
	if status := t.handshake(); status != StatusSuccess {
		return status, 0
	}
	if status := t.flush(); status != StatusSuccess {
		return status, 0
	}
	if t.pendingPlain > 0 {
		count := t.pendingPlain
		t.pendingPlain = 0
		return StatusSuccess, count
	}

	chunk := data[:min(len(data), tlsMaxPlaintext)]
	count, err := t.tconn.Write(chunk)
	if err != nil {
		t.err = err
		return StatusError, 0
	}
	switch status := t.flush(); status {
	case StatusSuccess:
		return StatusSuccess, count
	case StatusWantWrite:
		t.pendingPlain = count
		return StatusWantWrite, 0
	default:
		return status, 0
	}
}

func (t *TLSTransport) flush() Status {
	status := t.bio.flush()
	if status == StatusError {
		t.err = t.bio.err
	}
	return status
}

// Close implements [Transport].
//
// It sends close_notify when the handshake has completed and the socket
// accepts it without blocking, then closes the underlying connection.
// Subsequent calls return [net.ErrClosed].
func (t *TLSTransport) Close() error {
	if t.closed {
		return net.ErrClosed
	}
	t.closed = true
	if t.tconn == nil {
		return t.bio.Close()
	}
	if !t.hsDone {
		// Unblock the handshake coroutine and wait for it to exit.
		t.bio.closed = true
		t.resume <- struct{}{}
		<-t.yield
		t.bio.closed = false
		t.bio.park = nil
		t.logHandshakeDone(t.hsErr, t.tconn.ConnectionState())
	}
	return t.tconn.Close()
}

// handshake drives the handshake coroutine until it needs the socket
// to become readable or writable, or until it completes.
func (t *TLSTransport) handshake() Status {
	if t.hsDone {
		if t.hsErr != nil {
			return StatusError
		}
		return StatusSuccess
	}
	if !t.hsStarted {
		t.startHandshake()
	}
	for {
		if status := t.flush(); status != StatusSuccess {
			if status == StatusError {
				if !t.hsDone {
					// The coroutine is parked waiting for input, so tell it about the error.
					t.resume <- struct{}{}
					<-t.yield
				}
				t.finishHandshake()
			}
			return status
		}
		if t.hsDone {
			return t.finishHandshake()
		}
		if !t.bio.fill() {
			return StatusWantRead
		}
		t.resume <- struct{}{}
		<-t.yield
	}
}

// startHandshake creates the [TLSConn] and runs the handshake as a coroutine
// strictly alternated with the caller, until it first parks.
func (t *TLSTransport) startHandshake() {
	t.hsStarted = true
	t.config = t.Config.Clone()
	t.config.Time = t.TimeNow
	if t.Server {
		t.tconn = t.Engine.Server(t.bio, t.config)
	} else {
		t.tconn = t.Engine.Client(t.bio, t.config)
	}
	t.t0 = t.TimeNow()
	t.logHandshakeStart()
	t.bio.park = t.park
	go t.runHandshake()
	<-t.yield
}

func (t *TLSTransport) runHandshake() {
	err := t.tconn.HandshakeContext(context.Background())
	t.hsErr = err
	t.hsDone = true
	t.yield <- struct{}{}
}

// park runs on the handshake coroutine and hands control back to
// the event loop until the loop has more input for it.
func (t *TLSTransport) park() bool {
	t.yield <- struct{}{}
	<-t.resume
	return true
}

// finishHandshake runs once the coroutine has completed.
func (t *TLSTransport) finishHandshake() Status {
	t.bio.park = nil
	if t.hsErr == nil && t.err != nil {
		t.hsErr = t.err
	}
	state := t.tconn.ConnectionState()
	t.logHandshakeDone(t.hsErr, state)
	if t.hsErr != nil {
		t.err = t.hsErr
		return StatusError
	}

	// The final handshake flight may still be in the pipe.
	if status := t.flush(); status == StatusError {
		return status
	}
	return StatusSuccess
}

func (t *TLSTransport) logHandshakeStart() {
	t.Logger.Info(
		"tlsHandshakeStart",
		slog.String("localAddr", safeconn.LocalAddr(t.conn)),
		slog.String("protocol", safeconn.Network(t.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(t.conn)),
		slog.Time("t", t.t0),
		slog.String("tlsEngineName", t.Engine.Name()),
		slog.String("tlsParrot", t.Engine.Parrot()),
		slog.Any("tlsOfferedProtocols", t.config.NextProtos),
		slog.Bool("tlsServer", t.Server),
		slog.String("tlsServerName", t.config.ServerName),
		slog.Bool("tlsSkipVerify", t.config.InsecureSkipVerify),
	)
}

func (t *TLSTransport) logHandshakeDone(err error, state tls.ConnectionState) {
	t.Logger.Info(
		"tlsHandshakeDone",
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", safeconn.LocalAddr(t.conn)),
		slog.String("protocol", safeconn.Network(t.conn)),
		slog.String("remoteAddr", safeconn.RemoteAddr(t.conn)),
		slog.Time("t0", t.t0),
		slog.Time("t", t.TimeNow()),
		slog.String("tlsCipherSuite", tls.CipherSuiteName(state.CipherSuite)),
		slog.String("tlsEngineName", t.Engine.Name()),
		slog.String("tlsParrot", t.Engine.Parrot()),
		slog.String("tlsNegotiatedProtocol", state.NegotiatedProtocol),
		slog.Any("tlsOfferedProtocols", t.config.NextProtos),
		slog.Any("tlsPeerCerts", tlsPeerCerts(state, err)),
		slog.Bool("tlsServer", t.Server),
		slog.String("tlsServerName", t.config.ServerName),
		slog.Bool("tlsSkipVerify", t.config.InsecureSkipVerify),
		slog.String("tlsVersion", tls.VersionName(state.Version)),
	)
}

func tlsPeerCerts(state tls.ConnectionState, err error) (out [][]byte) {
	out = [][]byte{}

	// 1. Check whether the error is a known certificate error and extract
	// the certificate using `errors.As` for additional robustness.
	var x509HostnameError x509.HostnameError
	if errors.As(err, &x509HostnameError) {
		// Test case: https://wrong.host.badssl.com/
		out = append(out, x509HostnameError.Certificate.Raw)
		return
	}

	var x509UnknownAuthorityError x509.UnknownAuthorityError
	if errors.As(err, &x509UnknownAuthorityError) {
		// Test case: https://self-signed.badssl.com/
		out = append(out, x509UnknownAuthorityError.Cert.Raw)
		return
	}

	var x509CertificateInvalidError x509.CertificateInvalidError
	if errors.As(err, &x509CertificateInvalidError) {
		// Test case: https://expired.badssl.com/
		out = append(out, x509CertificateInvalidError.Cert.Raw)
		return
	}

	// 2. Otherwise extract certificates from the connection state.
	for _, cert := range state.PeerCertificates {
		out = append(out, cert.Raw)
	}
	return
}
