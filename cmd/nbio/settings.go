// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/pflag"
)

// settings contains the command settings, read from the optional
// TOML configuration file and overridden by the command line flags.
type settings struct {
	Address       string `toml:"address"`
	CertFile      string `toml:"cert_file"`
	DNSServer     string `toml:"dns_server"`
	Family        string `toml:"family"`
	Insecure      bool   `toml:"insecure"`
	KeyFile       string `toml:"key_file"`
	Port          uint16 `toml:"port"`
	Secure        bool   `toml:"secure"`
	StatsInterval string `toml:"stats_interval"`
	StreamTimeout string `toml:"stream_timeout"`
	Verbose       bool   `toml:"verbose"`
}

// newSettings returns the default settings for the given default port.
func newSettings(port uint16) *settings {
	return &settings{
		Address:       "127.0.0.1",
		Family:        "ip4",
		Port:          port,
		StatsInterval: "5s",
		StreamTimeout: "300s",
	}
}

// bindFlags registers the flags that override the settings.
func (s *settings) bindFlags(flags *pflag.FlagSet) {
	flags.StringVarP(&s.Address, "address", "A", s.Address, "Set the address to listen on or connect to.")
	flags.StringVar(&s.CertFile, "cert", s.CertFile, "Set the server certificate file (PEM).")
	flags.StringVar(&s.DNSServer, "dns-server", s.DNSServer, "Resolve domain names using this DNS server (e.g., 8.8.8.8:53).")
	flags.StringVar(&s.Family, "family", s.Family, "Set the address family: ip, ip4, or ip6.")
	flags.BoolVarP(&s.Insecure, "insecure", "k", s.Insecure, "Do not verify the server certificate.")
	flags.StringVar(&s.KeyFile, "key", s.KeyFile, "Set the server private key file (PEM).")
	flags.Uint16VarP(&s.Port, "port", "p", s.Port, "Set the port to listen on or connect to.")
	flags.BoolVarP(&s.Secure, "secure", "S", s.Secure, "Use TLS.")
	flags.StringVar(&s.StatsInterval, "stats-interval", s.StatsInterval, "Set the interval between statistics reports.")
	flags.StringVar(&s.StreamTimeout, "timeout", s.StreamTimeout, "Set the stream idle timeout.")
	flags.BoolVarP(&s.Verbose, "verbose", "v", s.Verbose, "Enable verbose mode.")
}

// loadSettings merges the configuration file at path into the defaults
// and then applies the flags explicitly set on the command line, which
// have been parsed into cli.
func loadSettings(path string, defaults *settings, cli *settings, flags *pflag.FlagSet) (*settings, error) {
	if path == "" {
		out := *cli
		return &out, nil
	}
	out := *defaults
	if _, err := toml.DecodeFile(path, &out); err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", path, err)
	}
	flags.Visit(func(flag *pflag.Flag) {
		switch flag.Name {
		case "address":
			out.Address = cli.Address
		case "cert":
			out.CertFile = cli.CertFile
		case "dns-server":
			out.DNSServer = cli.DNSServer
		case "family":
			out.Family = cli.Family
		case "insecure":
			out.Insecure = cli.Insecure
		case "key":
			out.KeyFile = cli.KeyFile
		case "port":
			out.Port = cli.Port
		case "secure":
			out.Secure = cli.Secure
		case "stats-interval":
			out.StatsInterval = cli.StatsInterval
		case "timeout":
			out.StreamTimeout = cli.StreamTimeout
		case "verbose":
			out.Verbose = cli.Verbose
		}
	})
	return &out, nil
}

// durations parses the duration settings.
func (s *settings) durations() (statsInterval, streamTimeout time.Duration, err error) {
	if statsInterval, err = time.ParseDuration(s.StatsInterval); err != nil {
		return 0, 0, fmt.Errorf("invalid stats interval: %w", err)
	}
	if streamTimeout, err = time.ParseDuration(s.StreamTimeout); err != nil {
		return 0, 0, fmt.Errorf("invalid stream timeout: %w", err)
	}
	return statsInterval, streamTimeout, nil
}
