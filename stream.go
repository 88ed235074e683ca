// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/bassosimone/runtimex"
)

// RecvFunc is the completion callback of [*Stream.Recv].
//
// On success, data is not empty and err is nil. Otherwise, data is nil
// and err is the reason why the stream was closed: [io.EOF] when the peer
// closed the connection, [ErrTimeout] for an idle timeout, [net.ErrClosed]
// for a local close, or the transport error.
type RecvFunc func(s *Stream, data []byte, err error)

// SendFunc is the completion callback of [*Stream.Send].
//
// On success, data is the buffer passed to Send and err is nil. Otherwise,
// data is nil and err is the reason why the stream was closed.
type SendFunc func(s *Stream, data []byte, err error)

// opState is the state of one direction of a [*Stream].
type opState int

const (
	opIdle opState = iota
	opPending
)

// slot names the pass that runs when a readiness event fires.
//
// The read slot belongs to the send pass when a TLS write needs the socket
// to be readable, and the write slot belongs to the recv pass when a TLS
// read needs the socket to be writable.
type slot int

const (
	slotNone slot = iota
	slotRecv
	slotSend
)

// recvOp is the read direction of a [*Stream].
type recvOp struct {
	fn        RecvFunc
	maxLength int
	state     opState
	t         time.Time
}

// sendOp is the write direction of a [*Stream].
type sendOp struct {
	data  []byte
	fn    SendFunc
	pos   int
	state opState
	t     time.Time
}

// Stream is a duplex, non-blocking connection driven by a [Poller].
//
// A Stream has at most one outstanding [*Stream.Recv] and one outstanding
// [*Stream.Send], and delivers exactly one completion for each of them. It
// registers itself with the poller only when it needs readiness, and
// runs its completion callbacks synchronously on the poller goroutine.
// Callbacks may start new operations or close the stream.
//
// Construct using [NewStream], or obtain one from [*Connector] or [*Listener].
type Stream struct {
	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewStream] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use.
	//
	// Set by [NewStream] to the user-provided logger.
	Logger SLogger

	// OnClosing, if not nil, is called once while closing, after the pending
	// completion callbacks. Owners holding a reference to the stream use it
	// to drop such a reference.
	OnClosing func()

	// Stats contains the statistics observers to update on every transfer.
	//
	// Set by [NewStream] to contain [Config.Stats], when not nil.
	Stats []*Stats

	// TimeNow is the function to get the current time.
	//
	// Set by [NewStream] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout is the maximum time a pending operation may go without progress.
	//
	// Set by [NewStream] from [Config.StreamTimeout].
	Timeout time.Duration

	closeErr   error
	closed     bool
	eof        bool
	fileno     int
	id         string
	inRecvPass bool
	inSendPass bool
	laddr      string
	poller     Poller
	raddr      string
	readSlot   slot
	recv       recvOp
	send       sendOp
	txp        Transport
	writeSlot  slot
}

var _ Pollable = &Stream{}

// NewStream returns a new [*Stream].
//
// The cfg argument contains the common configuration for nbio operations.
//
// The fileno argument is the descriptor the transport reads from and writes to.
//
// The txp argument is the [Transport], which the stream owns.
//
// The laddr and raddr arguments describe the endpoints for logging.
//
// The logger argument is the [SLogger] to use for structured logging.
func NewStream(cfg *Config, fileno int, txp Transport, laddr, raddr string, logger SLogger) *Stream {
	s := &Stream{
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		TimeNow:       cfg.TimeNow,
		Timeout:       cfg.StreamTimeout,
		fileno:        fileno,
		id:            NewSpanID(),
		laddr:         laddr,
		poller:        cfg.Poller,
		raddr:         raddr,
		txp:           txp,
	}
	if cfg.Stats != nil {
		s.Stats = append(s.Stats, cfg.Stats)
	}
	return s
}

// AddStats adds a statistics observer.
func (s *Stream) AddStats(stats *Stats) {
	s.Stats = append(s.Stats, stats)
}

// ID returns the unique identifier of the stream used in log events.
func (s *Stream) ID() string {
	return s.id
}

// Name returns a human readable description of the stream.
func (s *Stream) Name() string {
	return "with " + s.raddr
}

// LocalAddr returns the local endpoint.
func (s *Stream) LocalAddr() string {
	return s.laddr
}

// RemoteAddr returns the remote endpoint.
func (s *Stream) RemoteAddr() string {
	return s.raddr
}

// EOF returns whether the peer closed the connection.
func (s *Stream) EOF() bool {
	return s.eof
}

// IsClosed returns whether the stream has been closed.
func (s *Stream) IsClosed() bool {
	return s.closed
}

// Err returns the reason why the stream was closed or nil.
func (s *Stream) Err() error {
	return s.closeErr
}

// Fileno implements [Pollable].
func (s *Stream) Fileno() int {
	return s.fileno
}

// Recv arms a read of at most maxLength bytes.
//
// This method does nothing if the stream is closed. It panics if maxLength
// is not positive or if a read is already outstanding.
func (s *Stream) Recv(maxLength int, fn RecvFunc) {
	if s.closed {
		return
	}
	runtimex.Assert(maxLength > 0)
	runtimex.Assert(s.recv.state == opIdle)
	s.recv = recvOp{fn: fn, maxLength: maxLength, state: opPending, t: s.TimeNow()}

	// When we're inside the recv pass, we're being called by the completion
	// callback, and the pass will arm readability once the callback returns.
	if !s.inRecvPass {
		s.recvPass()
	}
}

// Send arms a write of the whole data buffer.
//
// The stream does not copy data, so the caller must not modify it until
// the completion callback runs. This method does nothing if the stream
// is closed. It panics if data is empty or if a write is already outstanding.
func (s *Stream) Send(data []byte, fn SendFunc) {
	if s.closed {
		return
	}
	runtimex.Assert(len(data) > 0)
	runtimex.Assert(s.send.state == opIdle)
	s.send = sendOp{data: data, fn: fn, state: opPending, t: s.TimeNow()}
	if !s.inSendPass {
		s.sendPass()
	}
}

// HandleReadable implements [Pollable].
func (s *Stream) HandleReadable() {
	switch s.readSlot {
	case slotRecv:
		s.recvPass()
	case slotSend:
		s.sendPass()
	}
}

// HandleWritable implements [Pollable].
func (s *Stream) HandleWritable() {
	switch s.writeSlot {
	case slotSend:
		s.sendPass()
	case slotRecv:
		s.recvPass()
	}
}

// ReadHasTimedOut implements [Pollable].
func (s *Stream) ReadHasTimedOut(now time.Time) bool {
	return s.recv.state == opPending && now.Sub(s.recv.t) > s.Timeout
}

// WriteHasTimedOut implements [Pollable].
func (s *Stream) WriteHasTimedOut(now time.Time) bool {
	return s.send.state == opPending && now.Sub(s.send.t) > s.Timeout
}

// HandleTimeout implements [Pollable].
//
// It closes the stream using [ErrTimeout] as the cause.
func (s *Stream) HandleTimeout() {
	s.closeWith(ErrTimeout)
}

// Close closes the stream.
//
// The first call invokes the pending recv callback and then the pending send
// callback with [net.ErrClosed], invokes OnClosing, and releases the transport,
// returning the transport's close error. Subsequent calls return [net.ErrClosed].
func (s *Stream) Close() error {
	if s.closed {
		return net.ErrClosed
	}
	return s.closeWith(net.ErrClosed)
}

func (s *Stream) recvPass() {
	// Readability is currently resuming a write that needs it.
	if s.closed || s.recv.state != opPending || s.readSlot == slotSend {
		return
	}
	s.inRecvPass = true
	defer func() { s.inRecvPass = false }()
	for s.recvOnce() {
		// A new read armed by the callback can be served using data the
		// transport already holds, for which no readiness event would fire.
	}
}

// recvOnce performs a single read attempt and returns whether to attempt again.
func (s *Stream) recvOnce() bool {
	// Writability was serving this read. Give it back to the write side.
	if s.writeSlot == slotRecv {
		s.setWriteSlot(s.sendWants())
	}

	status, data := s.txp.TryRead(s.recv.maxLength)
	switch status {
	case StatusSuccess:
		if len(data) <= 0 {
			s.eof = true
			s.closeWith(io.EOF)
			return false
		}
		for _, stats := range s.Stats {
			stats.Recv.Account(len(data))
		}

		// Clear the read state before notifying, so the callback can arm a new read.
		fn := s.recv.fn
		s.recv = recvOp{}
		if fn != nil {
			fn(s, data, nil)
		}

		if s.closed || s.readSlot == slotSend {
			return false
		}
		if s.recv.state == opPending && s.buffered() {
			return true
		}
		s.setReadSlot(s.recvWants())
		return false

	case StatusWantRead:
		s.setReadSlot(slotRecv)
		return false

	case StatusWantWrite:
		s.setWriteSlot(slotRecv)
		return false

	case StatusError:
		s.closeWith(transportErr(s.txp))
		return false

	default:
		panic("nbio: unexpected transport status: " + status.String())
	}
}

func (s *Stream) sendPass() {
	// Writability is currently resuming a read that needs it.
	if s.closed || s.send.state != opPending || s.writeSlot == slotRecv {
		return
	}
	s.inSendPass = true
	defer func() { s.inSendPass = false }()

	// Readability was serving this write. Give it back to the read side.
	if s.readSlot == slotSend {
		s.setReadSlot(s.recvWants())
	}

	status, count := s.txp.TryWrite(s.send.data[s.send.pos:])
	switch status {
	case StatusSuccess:
		runtimex.Assert(count > 0)
		for _, stats := range s.Stats {
			stats.Send.Account(count)
		}
		s.send.pos += count

		switch {
		case s.send.pos < len(s.send.data):
			s.send.t = s.TimeNow()
			s.setWriteSlot(slotSend)

		case s.send.pos == len(s.send.data):
			fn, data := s.send.fn, s.send.data
			s.send = sendOp{}
			if fn != nil {
				fn(s, data, nil)
			}
			if s.closed || s.writeSlot == slotRecv {
				return
			}
			s.setWriteSlot(s.sendWants())

		default:
			panic("nbio: transport wrote more bytes than pending")
		}

	case StatusWantWrite:
		s.setWriteSlot(slotSend)

	case StatusWantRead:
		s.setReadSlot(slotSend)

	case StatusError:
		s.closeWith(transportErr(s.txp))

	default:
		panic("nbio: unexpected transport status: " + status.String())
	}
}

// recvWants returns the read slot the read direction needs on its own.
func (s *Stream) recvWants() slot {
	if s.recv.state == opPending {
		return slotRecv
	}
	return slotNone
}

// sendWants returns the write slot the write direction needs on its own.
func (s *Stream) sendWants() slot {
	if s.send.state == opPending {
		return slotSend
	}
	return slotNone
}

// setReadSlot updates the read slot, registering with the poller only
// when switching between monitored and not monitored.
func (s *Stream) setReadSlot(v slot) {
	if s.closed || s.readSlot == v {
		return
	}
	switch {
	case s.readSlot == slotNone:
		s.poller.SetReadable(s)
	case v == slotNone:
		s.poller.UnsetReadable(s)
	}
	s.readSlot = v
}

// setWriteSlot is like setReadSlot but for the write slot.
func (s *Stream) setWriteSlot(v slot) {
	if s.closed || s.writeSlot == v {
		return
	}
	switch {
	case s.writeSlot == slotNone:
		s.poller.SetWritable(s)
	case v == slotNone:
		s.poller.UnsetWritable(s)
	}
	s.writeSlot = v
}

func (s *Stream) buffered() bool {
	bt, ok := s.txp.(BufferedTransport)
	return ok && bt.Buffered()
}

// closeWith runs the teardown exactly once.
func (s *Stream) closeWith(cause error) error {
	if s.closed {
		return net.ErrClosed
	}
	s.closed = true
	s.closeErr = cause

	t0 := s.TimeNow()
	s.Logger.Info(
		"streamCloseStart",
		slog.Any("cause", cause),
		slog.String("causeClass", s.ErrClassifier.Classify(cause)),
		slog.Bool("eof", s.eof),
		slog.String("localAddr", s.laddr),
		slog.String("remoteAddr", s.raddr),
		slog.String("streamID", s.id),
		slog.Time("t", t0),
	)

	if recv := s.recv; recv.state == opPending {
		s.recv = recvOp{}
		if recv.fn != nil {
			recv.fn(s, nil, cause)
		}
	}
	if send := s.send; send.state == opPending {
		s.send = sendOp{}
		if send.fn != nil {
			send.fn(s, nil, cause)
		}
	}
	if hook := s.OnClosing; hook != nil {
		s.OnClosing = nil
		hook()
	}

	s.recv = recvOp{}
	s.send = sendOp{}
	s.readSlot = slotNone
	s.writeSlot = slotNone
	err := s.txp.Close()
	s.poller.Close(s)

	s.Logger.Info(
		"streamCloseDone",
		slog.Any("err", err),
		slog.String("errClass", s.ErrClassifier.Classify(err)),
		slog.String("localAddr", s.laddr),
		slog.String("remoteAddr", s.raddr),
		slog.String("streamID", s.id),
		slog.Time("t0", t0),
		slog.Time("t", s.TimeNow()),
	)
	return err
}
