// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"errors"
	"io"
	"net"
	"time"
)

const (
	// tlsRecordHeaderLen is the length of the TLS record header.
	tlsRecordHeaderLen = 5

	// tlsMaxPlaintext is the maximum plaintext length of a TLS record.
	tlsMaxPlaintext = 16384

	// tlsMaxCiphertext bounds a TLS record including header and expansion.
	tlsMaxCiphertext = tlsRecordHeaderLen + tlsMaxPlaintext + 2048
)

// tlsBIO is the in-memory ciphertext pipe between a [TLSConn] and a
// non-blocking [net.Conn].
//
// Writes never touch the socket: they append to outbuf, which the
// transport flushes when the socket is writable. Reads consume inbuf,
// which the transport fills when the socket is readable. Each read
// returns at most the rest of the current TLS record, so that records
// not yet needed stay here, where [*tlsBIO.hasRecord] can see them.
// Socket reads do not respect record boundaries, hence we track the
// position inside the current record across reads.
//
// When inbuf is empty, Read invokes park if set (the handshake coroutine
// uses it to wait for the event loop), and otherwise fails with [ErrWouldBlock].
type tlsBIO struct {
	closed bool
	conn   net.Conn
	eof    bool
	err    error
	inbuf  []byte
	outbuf []byte
	park   func() bool

	// hdr and hdrLen hold the part of the current record header
	// already returned by Read.
	hdr    [tlsRecordHeaderLen]byte
	hdrLen int

	// remaining is the number of body bytes of the current record
	// not yet returned by Read, or zero when expecting a header.
	remaining int
}

var _ net.Conn = &tlsBIO{}

// newTLSBIO returns a new [*tlsBIO] wrapping conn.
func newTLSBIO(conn net.Conn) *tlsBIO {
	return &tlsBIO{conn: conn}
}

// Read implements [net.Conn].
func (b *tlsBIO) Read(buf []byte) (int, error) {
	for len(b.inbuf) <= 0 {
		switch {
		case b.closed:
			return 0, net.ErrClosed
		case b.err != nil:
			return 0, b.err
		case b.eof:
			return 0, io.EOF
		case b.park == nil || !b.park():
			return 0, ErrWouldBlock
		}
	}
	var count int
	for count < len(buf) && len(b.inbuf) > 0 {
		if b.remaining <= 0 {
			n := copy(buf[count:], b.inbuf[:min(len(b.inbuf), tlsRecordHeaderLen-b.hdrLen)])
			copy(b.hdr[b.hdrLen:], b.inbuf[:n])
			b.hdrLen += n
			b.inbuf = b.inbuf[n:]
			count += n
			if b.hdrLen < tlsRecordHeaderLen {
				continue
			}
			b.hdrLen = 0
			b.remaining = tlsRecordBodyLen(b.hdr[:])
			if b.remaining <= 0 {
				break
			}
			continue
		}
		n := copy(buf[count:], b.inbuf[:min(len(b.inbuf), b.remaining)])
		b.inbuf = b.inbuf[n:]
		b.remaining -= n
		count += n
		if b.remaining <= 0 {
			break
		}
	}
	return count, nil
}

// tlsRecordBodyLen returns the body length declared by a TLS record header.
func tlsRecordBodyLen(header []byte) int {
	return int(header[3])<<8 | int(header[4])
}

// hasRecord returns whether inbuf contains the rest of the current TLS record.
func (b *tlsBIO) hasRecord() bool {
	if b.remaining > 0 {
		return len(b.inbuf) >= b.remaining
	}
	need := tlsRecordHeaderLen - b.hdrLen
	if len(b.inbuf) < need {
		return false
	}
	var header [tlsRecordHeaderLen]byte
	copy(header[:], b.hdr[:b.hdrLen])
	copy(header[b.hdrLen:], b.inbuf[:need])
	return len(b.inbuf) >= need+tlsRecordBodyLen(header[:])
}

// Write implements [net.Conn].
func (b *tlsBIO) Write(data []byte) (int, error) {
	if b.closed {
		return 0, net.ErrClosed
	}
	b.outbuf = append(b.outbuf, data...)
	return len(data), nil
}

// fill reads ciphertext from the socket into inbuf and returns whether
// this changed what Read would return.
func (b *tlsBIO) fill() bool {
	if b.closed || b.eof || b.err != nil {
		return false
	}
	buf := make([]byte, tlsMaxCiphertext)
	count, err := b.conn.Read(buf)
	switch {
	case count > 0:
		b.inbuf = append(b.inbuf, buf[:count]...)
		return true
	case errors.Is(err, ErrWouldBlock):
		return false
	case errors.Is(err, io.EOF):
		b.eof = true
		return true
	case err != nil:
		b.err = err
		return true
	default:
		return false
	}
}

// flush writes outbuf to the socket. It returns [StatusSuccess] when
// outbuf is empty, [StatusWantWrite] when the socket is full, and
// [StatusError] on failure, storing the error.
func (b *tlsBIO) flush() Status {
	for len(b.outbuf) > 0 {
		if b.closed {
			return StatusError
		}
		count, err := b.conn.Write(b.outbuf)
		switch {
		case count > 0:
			b.outbuf = b.outbuf[count:]
		case errors.Is(err, ErrWouldBlock):
			return StatusWantWrite
		case err != nil:
			b.err = err
			return StatusError
		default:
			return StatusWantWrite
		}
	}
	b.outbuf = nil
	return StatusSuccess
}

// Close implements [net.Conn].
//
// It flushes what the socket accepts without blocking and closes the socket.
func (b *tlsBIO) Close() error {
	if b.closed {
		return net.ErrClosed
	}
	b.flush()
	b.closed = true
	return b.conn.Close()
}

// LocalAddr implements [net.Conn].
func (b *tlsBIO) LocalAddr() net.Addr {
	return b.conn.LocalAddr()
}

// RemoteAddr implements [net.Conn].
func (b *tlsBIO) RemoteAddr() net.Addr {
	return b.conn.RemoteAddr()
}

// SetDeadline implements [net.Conn].
func (b *tlsBIO) SetDeadline(t time.Time) error {
	return b.conn.SetDeadline(t)
}

// SetReadDeadline implements [net.Conn].
func (b *tlsBIO) SetReadDeadline(t time.Time) error {
	return b.conn.SetReadDeadline(t)
}

// SetWriteDeadline implements [net.Conn].
func (b *tlsBIO) SetWriteDeadline(t time.Time) error {
	return b.conn.SetWriteDeadline(t)
}
