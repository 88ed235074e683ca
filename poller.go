// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import "time"

// Pollable is something a [Poller] monitors for readiness.
//
// [*Stream], the connect attempts of [*Connector], and [*Listener]
// implement this interface. The poller invokes these methods on its
// own goroutine and never concurrently for the same Pollable.
type Pollable interface {
	// Fileno returns the file descriptor to monitor.
	Fileno() int

	// HandleReadable is called when the descriptor is readable.
	HandleReadable()

	// HandleWritable is called when the descriptor is writable.
	HandleWritable()

	// ReadHasTimedOut returns whether a pending read has been idle too long.
	ReadHasTimedOut(now time.Time) bool

	// WriteHasTimedOut returns whether a pending write has been idle too long.
	WriteHasTimedOut(now time.Time) bool

	// HandleTimeout is called by the periodic sweep when either of the
	// timeout predicates returned true.
	HandleTimeout()
}

// Poller is the event loop contract consumed by this package.
//
// Registration is cheap but not free, hence callers only invoke these
// methods when the desired registration actually changes.
type Poller interface {
	// SetReadable starts monitoring p for readability.
	SetReadable(p Pollable)

	// SetWritable starts monitoring p for writability.
	SetWritable(p Pollable)

	// UnsetReadable stops monitoring p for readability.
	UnsetReadable(p Pollable)

	// UnsetWritable stops monitoring p for writability.
	UnsetWritable(p Pollable)

	// Close forgets about p entirely.
	Close(p Pollable)
}
