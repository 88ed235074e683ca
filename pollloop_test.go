// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePollable is a [Pollable] counting the calls it receives.
type fakePollable struct {
	fd int

	OnReadable func()
	OnTimeout  func()
	OnWritable func()
	TimedOut   bool

	readable int
	timeouts int
	writable int
}

var _ Pollable = &fakePollable{}

func (x *fakePollable) Fileno() int {
	return x.fd
}

func (x *fakePollable) HandleReadable() {
	x.readable++
	if x.OnReadable != nil {
		x.OnReadable()
	}
}

func (x *fakePollable) HandleWritable() {
	x.writable++
	if x.OnWritable != nil {
		x.OnWritable()
	}
}

func (x *fakePollable) ReadHasTimedOut(now time.Time) bool {
	return x.TimedOut
}

func (x *fakePollable) WriteHasTimedOut(now time.Time) bool {
	return false
}

func (x *fakePollable) HandleTimeout() {
	x.timeouts++
	if x.OnTimeout != nil {
		x.OnTimeout()
	}
}

// NewPollLoop populates the fields.
func TestNewPollLoop(t *testing.T) {
	logger := DefaultSLogger()
	loop := NewPollLoop(logger)
	assert.Equal(t, logger, loop.Logger)
	assert.Equal(t, DefaultSweepInterval, loop.SweepInterval)
	assert.NotNil(t, loop.TimeNow)
}

// pollTimeoutMillis rounds positive waits up to whole milliseconds.
func TestPollTimeoutMillis(t *testing.T) {
	type testcase struct {
		// wait is the wait to convert
		wait time.Duration

		// expect is the expected poll(2) timeout
		expect int
	}

	cases := []testcase{
		{wait: -time.Second, expect: 0},
		{wait: 0, expect: 0},
		{wait: time.Nanosecond, expect: 1},
		{wait: 999 * time.Microsecond, expect: 1},
		{wait: time.Millisecond, expect: 1},
		{wait: 1500 * time.Microsecond, expect: 2},
		{wait: pollMaxWait, expect: 250},
	}

	for _, tc := range cases {
		t.Run(tc.wait.String(), func(t *testing.T) {
			assert.Equal(t, tc.expect, pollTimeoutMillis(tc.wait))
		})
	}
}

// Loop returns immediately when there is nothing to do.
func TestPollLoopIdle(t *testing.T) {
	loop := NewPollLoop(DefaultSLogger())
	assert.NoError(t, loop.Loop(context.Background()))
}

// Scheduled tasks run in deadline order and the loop exits once idle.
func TestPollLoopSched(t *testing.T) {
	loop := NewPollLoop(DefaultSLogger())
	var order []string
	loop.Sched(20*time.Millisecond, func() { order = append(order, "second") })
	loop.Sched(0, func() {
		order = append(order, "first")
		loop.Sched(40*time.Millisecond, func() { order = append(order, "third") })
	})

	require.NoError(t, loop.Loop(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

// Break stops the loop even when pollables are registered.
func TestPollLoopBreak(t *testing.T) {
	_, right := newSocketPair(t)
	loop := NewPollLoop(DefaultSLogger())
	loop.SetReadable(&fakePollable{fd: right.Fileno()})
	loop.Sched(10*time.Millisecond, loop.Break)

	assert.NoError(t, loop.Loop(context.Background()))
}

// A done context stops the loop with the context error.
func TestPollLoopContext(t *testing.T) {
	t.Run("already canceled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		loop := NewPollLoop(DefaultSLogger())
		loop.Sched(time.Hour, func() {})
		assert.ErrorIs(t, loop.Loop(ctx), context.Canceled)
	})

	t.Run("deadline while waiting", func(t *testing.T) {
		_, right := newSocketPair(t)
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		loop := NewPollLoop(DefaultSLogger())
		loop.SetReadable(&fakePollable{fd: right.Fileno()})
		assert.ErrorIs(t, loop.Loop(ctx), context.DeadlineExceeded)
	})
}

// Readiness is dispatched to the registered pollables.
func TestPollLoopDispatch(t *testing.T) {
	left, right := newSocketPair(t)
	loop := NewPollLoop(DefaultSLogger())

	reader := &fakePollable{fd: right.Fileno()}
	reader.OnReadable = func() {
		buf := make([]byte, 64)
		count, err := right.Read(buf)
		require.NoError(t, err)
		assert.Equal(t, []byte("PING"), buf[:count])
		loop.UnsetReadable(reader)
	}
	writer := &fakePollable{fd: left.Fileno()}
	writer.OnWritable = func() {
		_, err := left.Write([]byte("PING"))
		require.NoError(t, err)
		loop.UnsetWritable(writer)
	}
	loop.SetReadable(reader)
	loop.SetWritable(writer)

	require.NoError(t, loop.Loop(context.Background()))
	assert.Equal(t, 1, reader.readable)
	assert.Equal(t, 1, writer.writable)
}

// Events for a descriptor re-registered during the round are not dispatched.
func TestPollLoopStaleDispatch(t *testing.T) {
	left, right := newSocketPair(t)
	_, err := left.Write([]byte("PING"))
	require.NoError(t, err)

	loop := NewPollLoop(DefaultSLogger())
	stale := &fakePollable{fd: right.Fileno()}
	fresh := &fakePollable{fd: right.Fileno()}
	reader := &fakePollable{fd: right.Fileno()}
	reader.OnReadable = func() {
		loop.UnsetWritable(stale)
		loop.SetWritable(fresh)
		loop.Break()
	}
	loop.SetReadable(reader)
	loop.SetWritable(stale)

	require.NoError(t, loop.Loop(context.Background()))
	assert.Equal(t, 1, reader.readable)
	assert.Equal(t, 0, stale.writable)
	assert.Equal(t, 0, fresh.writable)
}

// Unregistering a pollable does not affect another one owning the same descriptor.
func TestPollLoopUnregisterReused(t *testing.T) {
	loop := NewPollLoop(DefaultSLogger())
	old := &fakePollable{fd: 7}
	current := &fakePollable{fd: 7}
	loop.SetReadable(old)
	loop.SetReadable(current)

	loop.Close(old)
	assert.Same(t, current, loop.readset[7])

	loop.Close(current)
	assert.Empty(t, loop.readset)
}

// The sweep invokes HandleTimeout on pollables whose operations timed out.
func TestPollLoopSweep(t *testing.T) {
	_, right := newSocketPair(t)
	logger, records := newCapturingLogger()
	loop := NewPollLoop(logger)
	loop.SweepInterval = 10 * time.Millisecond

	idle := &fakePollable{fd: right.Fileno(), TimedOut: true}
	idle.OnTimeout = func() {
		loop.Close(idle)
	}
	loop.SetReadable(idle)

	require.NoError(t, loop.Loop(context.Background()))
	assert.Equal(t, 1, idle.timeouts)
	assert.Equal(t, 0, idle.readable)
	assert.Equal(t, []string{"pollTimeout"}, recordMessages(*records))
}
