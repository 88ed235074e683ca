//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: https://github.com/ooni/probe-cli/blob/v3.20.1/internal/measurexlite/conn.go
// Adapted from: https://github.com/rbmk-project/rbmk/blob/v0.17.0/pkg/x/netcore/conn.go
//

package nbio

import (
	"log/slog"
	"net"
	"time"
)

// NewObserveTransport returns a new [*ObserveTransport] wrapping txp.
//
// The cfg argument contains the common configuration for nbio operations.
//
// The txp argument is the [Transport] to observe, which the returned value owns.
//
// The laddr, raddr, and protocol arguments describe the connection for logging.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewObserveTransport(cfg *Config, txp Transport, laddr, raddr, protocol string, logger SLogger) *ObserveTransport {
	return &ObserveTransport{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		laddr:         laddr,
		protocol:      protocol,
		raddr:         raddr,
		txp:           txp,
	}
}

// ObserveTransport is a [BufferedTransport] that logs the I/O
// attempts of the [Transport] it wraps.
//
// Read and write attempts are logged at Debug level, closing at Info level.
//
// All fields are safe to modify after construction but before first use.
type ObserveTransport struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewObserveTransport] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewObserveTransport] to the user-provided logger.
	Logger SLogger

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewObserveTransport] from [Config.TimeNow].
	TimeNow func() time.Time

	closed   bool
	laddr    string
	protocol string
	raddr    string
	txp      Transport
}

var _ BufferedTransport = &ObserveTransport{}

// Buffered implements [BufferedTransport].
//
// It returns false when the wrapped transport is not a [BufferedTransport].
func (t *ObserveTransport) Buffered() bool {
	bt, ok := t.txp.(BufferedTransport)
	return ok && bt.Buffered()
}

// Err returns the error that caused the last [StatusError] of the wrapped transport.
func (t *ObserveTransport) Err() error {
	return transportErr(t.txp)
}

// Close implements [Transport].
//
// Subsequent calls return [net.ErrClosed], consistent with Go's standard
// library behavior for closed connections.
func (t *ObserveTransport) Close() error {
	if t.closed {
		return net.ErrClosed
	}
	t.closed = true

	t0 := t.TimeNow()
	t.Logger.Info(
		"closeStart",
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t", t0),
	)

	err := t.txp.Close()

	t.Logger.Info(
		"closeDone",
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
	)
	return err
}

// TryRead implements [Transport].
func (t *ObserveTransport) TryRead(maxLength int) (Status, []byte) {
	t0 := t.TimeNow()
	status, data := t.txp.TryRead(maxLength)
	err := t.statusErr(status)
	t.Logger.Debug(
		"tryReadDone",
		slog.Int("ioBufferSize", maxLength),
		slog.Int("ioBytesCount", len(data)),
		slog.String("ioStatus", status.String()),
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
	)
	return status, data
}

// TryWrite implements [Transport].
func (t *ObserveTransport) TryWrite(data []byte) (Status, int) {
	t0 := t.TimeNow()
	status, count := t.txp.TryWrite(data)
	err := t.statusErr(status)
	t.Logger.Debug(
		"tryWriteDone",
		slog.Int("ioBufferSize", len(data)),
		slog.Int("ioBytesCount", count),
		slog.String("ioStatus", status.String()),
		slog.Any("err", err),
		slog.String("errClass", t.ErrClassifier.Classify(err)),
		slog.String("localAddr", t.laddr),
		slog.String("protocol", t.protocol),
		slog.String("remoteAddr", t.raddr),
		slog.Time("t0", t0),
		slog.Time("t", t.TimeNow()),
	)
	return status, count
}

func (t *ObserveTransport) statusErr(status Status) error {
	if status != StatusError {
		return nil
	}
	return transportErr(t.txp)
}
