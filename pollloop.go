// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// DefaultSweepInterval is the default [PollLoop.SweepInterval].
	DefaultSweepInterval = time.Second

	// pollMaxWait bounds the time spent inside poll(2) so that
	// [PollLoop.Loop] notices a done context in a timely fashion.
	pollMaxWait = 250 * time.Millisecond
)

// PollLoop is a single-goroutine [Poller] based on poll(2).
//
// Besides dispatching readiness, it runs scheduled tasks and periodically
// sweeps the registered pollables for idle timeouts.
//
// All methods must be called from the goroutine running [*PollLoop.Loop],
// or before the loop starts. Construct using [NewPollLoop].
type PollLoop struct {
	// Logger is the [SLogger] to use.
	//
	// Set by [NewPollLoop] to the user-provided logger.
	Logger SLogger

	// SweepInterval is the interval between timeout sweeps.
	//
	// Set by [NewPollLoop] to [DefaultSweepInterval].
	SweepInterval time.Duration

	// TimeNow is the function to get the current time.
	//
	// Set by [NewPollLoop] to [time.Now].
	TimeNow func() time.Time

	broken    bool
	lastSweep time.Time
	readset   map[int]Pollable
	tasks     []pollTask
	writeset  map[int]Pollable
}

// pollTask is a function scheduled to run at a given time.
type pollTask struct {
	deadline time.Time
	fn       func()
}

var _ Poller = &PollLoop{}

// NewPollLoop returns a new [*PollLoop].
//
// The logger argument is the [SLogger] to use for structured logging.
func NewPollLoop(logger SLogger) *PollLoop {
	return &PollLoop{
		Logger:        logger,
		SweepInterval: DefaultSweepInterval,
		TimeNow:       time.Now,
		readset:       map[int]Pollable{},
		writeset:      map[int]Pollable{},
	}
}

// SetReadable implements [Poller].
func (p *PollLoop) SetReadable(x Pollable) {
	p.readset[x.Fileno()] = x
}

// SetWritable implements [Poller].
func (p *PollLoop) SetWritable(x Pollable) {
	p.writeset[x.Fileno()] = x
}

// UnsetReadable implements [Poller].
func (p *PollLoop) UnsetReadable(x Pollable) {
	unregister(p.readset, x)
}

// UnsetWritable implements [Poller].
func (p *PollLoop) UnsetWritable(x Pollable) {
	unregister(p.writeset, x)
}

// Close implements [Poller].
func (p *PollLoop) Close(x Pollable) {
	unregister(p.readset, x)
	unregister(p.writeset, x)
}

// unregister removes x from set unless its descriptor now belongs to another pollable.
func unregister(set map[int]Pollable, x Pollable) {
	fd := x.Fileno()
	if set[fd] == x {
		delete(set, fd)
	}
}

// Sched arranges for fn to run on the loop goroutine after delay.
func (p *PollLoop) Sched(delay time.Duration, fn func()) {
	task := pollTask{deadline: p.TimeNow().Add(delay), fn: fn}
	idx, _ := slices.BinarySearchFunc(p.tasks, task, func(a, b pollTask) int {
		return a.deadline.Compare(b.deadline)
	})
	p.tasks = slices.Insert(p.tasks, idx, task)
}

// Break causes [*PollLoop.Loop] to return once the current dispatch round ends.
func (p *PollLoop) Break() {
	p.broken = true
}

// Loop runs the event loop.
//
// It returns nil after [*PollLoop.Break] or when nothing is registered
// and no task is scheduled, the context error when the context is done,
// or the poll(2) error on failure.
func (p *PollLoop) Loop(ctx context.Context) error {
	p.broken = false
	p.lastSweep = p.TimeNow()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p.runExpiredTasks()
		if p.broken || p.idle() {
			return nil
		}
		if err := p.pollOnce(p.nextWait()); err != nil {
			return err
		}
		if p.broken {
			return nil
		}
		p.maybeSweep()
	}
}

func (p *PollLoop) idle() bool {
	return len(p.readset) <= 0 && len(p.writeset) <= 0 && len(p.tasks) <= 0
}

func (p *PollLoop) runExpiredTasks() {
	now := p.TimeNow()
	for len(p.tasks) > 0 && !p.tasks[0].deadline.After(now) {
		task := p.tasks[0]
		p.tasks = p.tasks[1:]
		task.fn()
	}
}

// nextWait returns how long poll(2) may wait.
func (p *PollLoop) nextWait() time.Duration {
	now := p.TimeNow()
	wait := pollMaxWait
	if len(p.tasks) > 0 {
		wait = min(wait, p.tasks[0].deadline.Sub(now))
	}
	wait = min(wait, p.lastSweep.Add(p.SweepInterval).Sub(now))
	return max(wait, 0)
}

// pollTimeoutMillis converts wait to a poll(2) timeout, rounding up
// positive waits to at least one millisecond.
func pollTimeoutMillis(wait time.Duration) int {
	if wait <= 0 {
		return 0
	}
	return int((wait + time.Millisecond - 1) / time.Millisecond)
}

// pollEntry is what we knew about a descriptor when calling poll(2).
type pollEntry struct {
	fd     int
	reader Pollable
	writer Pollable
}

func (p *PollLoop) pollOnce(wait time.Duration) error {
	entries := make([]pollEntry, 0, len(p.readset)+len(p.writeset))
	index := make(map[int]int, cap(entries))
	for fd, x := range p.readset {
		index[fd] = len(entries)
		entries = append(entries, pollEntry{fd: fd, reader: x})
	}
	for fd, x := range p.writeset {
		if idx, found := index[fd]; found {
			entries[idx].writer = x
			continue
		}
		entries = append(entries, pollEntry{fd: fd, writer: x})
	}

	fds := make([]unix.PollFd, len(entries))
	for idx, entry := range entries {
		fds[idx].Fd = int32(entry.fd)
		if entry.reader != nil {
			fds[idx].Events |= unix.POLLIN
		}
		if entry.writer != nil {
			fds[idx].Events |= unix.POLLOUT
		}
	}

	if _, err := unix.Poll(fds, pollTimeoutMillis(wait)); err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return os.NewSyscallError("poll", err)
	}

	const (
		readMask  = unix.POLLIN | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
		writeMask = unix.POLLOUT | unix.POLLHUP | unix.POLLERR | unix.POLLNVAL
	)
	for idx, entry := range entries {
		revents := fds[idx].Revents
		if revents == 0 {
			continue
		}
		// A handler may have closed this descriptor and a new pollable
		// may have reused it: only dispatch to what we polled for.
		if entry.reader != nil && revents&readMask != 0 && p.readset[entry.fd] == entry.reader {
			entry.reader.HandleReadable()
		}
		if entry.writer != nil && revents&writeMask != 0 && p.writeset[entry.fd] == entry.writer {
			entry.writer.HandleWritable()
		}
	}
	return nil
}

func (p *PollLoop) maybeSweep() {
	now := p.TimeNow()
	if now.Sub(p.lastSweep) < p.SweepInterval {
		return
	}
	p.lastSweep = now
	p.sweep(now)
}

// sweep invokes HandleTimeout on the pollables whose pending operations timed out.
func (p *PollLoop) sweep(now time.Time) {
	seen := make(map[Pollable]struct{}, len(p.readset)+len(p.writeset))
	var all []Pollable
	for _, set := range []map[int]Pollable{p.readset, p.writeset} {
		for _, x := range set {
			if _, found := seen[x]; !found {
				seen[x] = struct{}{}
				all = append(all, x)
			}
		}
	}
	for _, x := range all {
		if !p.registered(x) {
			continue
		}
		if x.ReadHasTimedOut(now) || x.WriteHasTimedOut(now) {
			p.Logger.Info(
				"pollTimeout",
				slog.Int("fileno", x.Fileno()),
				slog.Time("t", now),
			)
			x.HandleTimeout()
		}
	}
}

func (p *PollLoop) registered(x Pollable) bool {
	fd := x.Fileno()
	return p.readset[fd] == x || p.writeset[fd] == x
}
