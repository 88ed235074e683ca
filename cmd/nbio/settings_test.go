// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestFlags returns the settings bound to a flag set parsed from args.
func newTestFlags(t *testing.T, port uint16, args ...string) (*settings, *pflag.FlagSet) {
	cli := newSettings(port)
	flags := pflag.NewFlagSet("nbio", pflag.ContinueOnError)
	cli.bindFlags(flags)
	require.NoError(t, flags.Parse(args))
	return cli, flags
}

// Without a configuration file, the command line settings win.
func TestLoadSettingsWithoutFile(t *testing.T) {
	cli, flags := newTestFlags(t, discardPort, "--port", "9000", "-S")

	s, err := loadSettings("", newSettings(discardPort), cli, flags)

	require.NoError(t, err)
	assert.Equal(t, uint16(9000), s.Port)
	assert.True(t, s.Secure)
	assert.Equal(t, "127.0.0.1", s.Address)
	assert.NotSame(t, cli, s)
}

// The configuration file overrides the defaults and the flags explicitly
// set on the command line override the configuration file.
func TestLoadSettingsWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nbio.toml")
	content := `
address = "::1"
family = "ip6"
port = 8443
secure = true
stream_timeout = "30s"
verbose = true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	cli, flags := newTestFlags(t, echoPort, "--port", "9000", "--stats-interval", "1s")

	s, err := loadSettings(path, newSettings(echoPort), cli, flags)

	require.NoError(t, err)
	assert.Equal(t, "::1", s.Address)
	assert.Equal(t, "ip6", s.Family)
	assert.Equal(t, uint16(9000), s.Port)
	assert.True(t, s.Secure)
	assert.True(t, s.Verbose)
	assert.Equal(t, "1s", s.StatsInterval)
	assert.Equal(t, "30s", s.StreamTimeout)
}

// An invalid configuration file is an error.
func TestLoadSettingsInvalidFile(t *testing.T) {
	cli, flags := newTestFlags(t, echoPort)

	t.Run("missing", func(t *testing.T) {
		_, err := loadSettings(filepath.Join(t.TempDir(), "missing.toml"), newSettings(echoPort), cli, flags)
		assert.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nbio.toml")
		require.NoError(t, os.WriteFile(path, []byte("port = \"not a number\"\n"), 0600))
		_, err := loadSettings(path, newSettings(echoPort), cli, flags)
		assert.Error(t, err)
	})
}

// durations parses valid durations and rejects invalid ones.
func TestSettingsDurations(t *testing.T) {
	s := newSettings(echoPort)
	statsInterval, streamTimeout, err := s.durations()
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, statsInterval)
	assert.Equal(t, 300*time.Second, streamTimeout)

	s.StatsInterval = "forever"
	_, _, err = s.durations()
	assert.ErrorContains(t, err, "invalid stats interval")

	s = newSettings(echoPort)
	s.StreamTimeout = "forever"
	_, _, err = s.durations()
	assert.ErrorContains(t, err, "invalid stream timeout")
}
