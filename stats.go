// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

// Counter accumulates a number of bytes.
//
// Counters are only ever incremented. Like everything else in this
// package, they are meant to be used from the event-loop goroutine only.
type Counter struct {
	total int64
}

// Account adds count bytes to the counter.
func (c *Counter) Account(count int) {
	c.total += int64(count)
}

// Total returns the number of bytes accounted so far.
func (c *Counter) Total() int64 {
	return c.total
}

// Stats aggregates the bytes received and sent by one or more [*Stream].
//
// A [*Stats] is shared by reference: every stream holding it in its
// Stats field reports each successful transfer through it.
type Stats struct {
	Recv Counter
	Send Counter
}

// NewStats returns a new zero-initialized [*Stats].
func NewStats() *Stats {
	return &Stats{}
}
