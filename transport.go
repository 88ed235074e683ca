// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"errors"
	"fmt"
	"io"
	"net"
)

// Status is the outcome of a [Transport] read or write attempt.
type Status int

const (
	// StatusSuccess indicates that the attempt transferred data. A successful
	// read returning zero bytes indicates the end of the stream.
	StatusSuccess Status = iota

	// StatusWantRead indicates that the attempt must be retried once
	// the underlying socket becomes readable.
	StatusWantRead

	// StatusWantWrite indicates that the attempt must be retried once
	// the underlying socket becomes writable.
	StatusWantWrite

	// StatusError indicates a fatal transport error.
	StatusError
)

// String implements [fmt.Stringer].
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusWantRead:
		return "want_read"
	case StatusWantWrite:
		return "want_write"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Transport is the capability set a [*Stream] drives.
//
// A Transport wraps exactly one non-blocking connection and never blocks: each
// attempt either makes progress or reports which readiness it is waiting for.
type Transport interface {
	// Close releases the underlying connection.
	Close() error

	// TryRead attempts to read at most maxLength bytes.
	TryRead(maxLength int) (Status, []byte)

	// TryWrite attempts to write a prefix of data and returns its length.
	TryWrite(data []byte) (Status, int)
}

// BufferedTransport is a [Transport] that may hold inbound data that
// is readable without waiting for the socket to become readable.
//
// The TLS transport is an example, since a single socket read may
// carry more than one TLS record.
type BufferedTransport interface {
	Transport

	// Buffered returns whether the next TryRead may succeed without
	// waiting for a readability event.
	Buffered() bool
}

// transportErrorer is implemented by transports that remember the
// error that caused the last [StatusError].
type transportErrorer interface {
	Err() error
}

var (
	// ErrWouldBlock is returned by non-blocking connections when an
	// operation cannot make progress now. The caller should return to the
	// event loop and retry once the connection is ready.
	ErrWouldBlock error = wouldBlockError{}

	// ErrTimeout is the close cause of a [*Stream] whose pending operation
	// did not make progress within [Stream.Timeout], and the failure
	// of a connect attempt exceeding [Connector.Timeout].
	ErrTimeout = errors.New("nbio: i/o timeout")

	// ErrTransport is the close cause of a [*Stream] whose transport
	// reported [StatusError] without saying why.
	ErrTransport = errors.New("nbio: transport error")
)

// wouldBlockError is the concrete type of [ErrWouldBlock].
//
// It implements [net.Error] and reports itself as temporary, which tells
// [crypto/tls] that the read can be retried later.
type wouldBlockError struct{}

var _ net.Error = wouldBlockError{}

// Error implements [error].
func (wouldBlockError) Error() string {
	return "nbio: operation would block"
}

// Temporary implements [net.Error].
func (wouldBlockError) Temporary() bool {
	return true
}

// Timeout implements [net.Error].
func (wouldBlockError) Timeout() bool {
	return true
}

// transportErr returns the error that caused the last [StatusError] of txp.
func transportErr(txp Transport) error {
	if te, ok := txp.(transportErrorer); ok {
		if err := te.Err(); err != nil {
			return err
		}
	}
	return ErrTransport
}

// NewSocketTransport returns a [*SocketTransport] for a non-blocking connection.
//
// The conn must return [ErrWouldBlock] from Read and Write when the operation
// cannot make progress, which is what a [*Socket] does.
func NewSocketTransport(conn net.Conn) *SocketTransport {
	return &SocketTransport{conn: conn}
}

// SocketTransport is the plain [Transport] over a non-blocking [net.Conn].
//
// Reads only ever want readability and writes only ever want writability.
type SocketTransport struct {
	conn net.Conn
	err  error
}

var _ Transport = &SocketTransport{}

// Close implements [Transport].
func (t *SocketTransport) Close() error {
	return t.conn.Close()
}

// Err returns the error that caused the last [StatusError], if any.
func (t *SocketTransport) Err() error {
	return t.err
}

// TryRead implements [Transport].
func (t *SocketTransport) TryRead(maxLength int) (Status, []byte) {
	buf := make([]byte, maxLength)
	count, err := t.conn.Read(buf)
	switch {
	case count > 0:
		return StatusSuccess, buf[:count]
	case errors.Is(err, ErrWouldBlock):
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

// TryWrite implements [Transport].
func (t *SocketTransport) TryWrite(data []byte) (Status, int) {
	count, err := t.conn.Write(data)
	switch {
	case count > 0:
		return StatusSuccess, count
	case errors.Is(err, ErrWouldBlock):
		return StatusWantWrite, 0
	case err != nil:
		t.err = err
		return StatusError, 0
	default:
		return StatusWantWrite, 0
	}
}
