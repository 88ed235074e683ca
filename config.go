// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"net"
	"time"
)

const (
	// DefaultConnectTimeout is the default [Config.ConnectTimeout].
	DefaultConnectTimeout = 10 * time.Second

	// DefaultStreamTimeout is the default [Config.StreamTimeout].
	DefaultStreamTimeout = 300 * time.Second
)

// Config holds common configuration for nbio operations.
//
// Pass this to constructor functions to pre-wire dependencies.
// All fields have sensible defaults set by [NewConfig].
type Config struct {
	// ConnectTimeout is the default [Connector.Timeout].
	//
	// Set by [NewConfig] to [DefaultConnectTimeout].
	ConnectTimeout time.Duration

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// Poller is the event loop that streams, connectors, and
	// listeners register with.
	//
	// Set by [NewConfig] to the user-provided [Poller].
	Poller Poller

	// Resolver maps domain names to candidate addresses.
	//
	// Set by [NewConfig] to [net.DefaultResolver].
	Resolver Resolver

	// Stats receives the bytes transferred by every [*Stream]
	// created using this configuration.
	//
	// Set by [NewConfig] to a new [*Stats].
	Stats *Stats

	// StreamTimeout is the initial [Stream.Timeout].
	//
	// Set by [NewConfig] to [DefaultStreamTimeout].
	StreamTimeout time.Duration

	// TLSEngine creates TLS client and server connections.
	//
	// Set by [NewConfig] to [TLSEngineStdlib].
	TLSEngine TLSEngine

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
//
// The poller argument is the event loop to use, typically a [*PollLoop].
func NewConfig(poller Poller) *Config {
	return &Config{
		ConnectTimeout: DefaultConnectTimeout,
		ErrClassifier:  DefaultErrClassifier,
		Poller:         poller,
		Resolver:       net.DefaultResolver,
		Stats:          NewStats(),
		StreamTimeout:  DefaultStreamTimeout,
		TLSEngine:      TLSEngineStdlib{},
		TimeNow:        time.Now,
	}
}
