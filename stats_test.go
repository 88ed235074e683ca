// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCounter(t *testing.T) {
	var counter Counter
	assert.Equal(t, int64(0), counter.Total())

	counter.Account(4)
	counter.Account(0)
	counter.Account(8000)
	assert.Equal(t, int64(8004), counter.Total())
}

func TestNewStats(t *testing.T) {
	stats := NewStats()
	stats.Recv.Account(3)
	stats.Send.Account(5)
	assert.Equal(t, int64(3), stats.Recv.Total())
	assert.Equal(t, int64(5), stats.Send.Total())
}
