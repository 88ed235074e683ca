// SPDX-License-Identifier: GPL-3.0-or-later

// Command nbio runs the discard, echo, and source test programs.
//
// The discard and echo commands listen for connections and respectively
// throw away or send back what they receive. The source command connects
// to a discard server and sends data as fast as possible. All commands
// periodically report the transfer rates.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bassosimone/nbio"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

const (
	// discardPort is the default port of discard and source.
	discardPort = 8009

	// echoPort is the default port of echo.
	echoPort = 8007
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "nbio: %s\n", err.Error())
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "nbio",
		Short:        "Non-blocking stream test programs",
		SilenceUsage: true,
	}
	root.AddCommand(
		newAppCommand("discard", "Accept connections and discard incoming data", discardPort, server(discard)),
		newAppCommand("echo", "Accept connections and echo incoming data", echoPort, server(echo)),
		newAppCommand("source", "Connect to a discard server and send data", discardPort, client(source)),
	)
	return root
}

// app starts an application on the loop.
type app func(env *environ) error

// environ is what an app needs to run.
type environ struct {
	cfg      *nbio.Config
	ctx      context.Context
	err      error
	logger   *slog.Logger
	loop     *nbio.PollLoop
	settings *settings
}

func newAppCommand(use, short string, port uint16, start app) *cobra.Command {
	var configFile string
	defaults := newSettings(port)
	cli := newSettings(port)
	command := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(configFile, defaults, cli, cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, s, start, cmd.ErrOrStderr())
		},
	}
	cli.bindFlags(command.Flags())
	command.Flags().StringVarP(&configFile, "config", "c", "", "Use a TOML configuration file.")
	return command
}

// run runs the app until it stops or the context is done.
func run(ctx context.Context, s *settings, start app, stderr io.Writer) error {
	statsInterval, streamTimeout, err := s.durations()
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if s.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	loop := nbio.NewPollLoop(logger)
	cfg := nbio.NewConfig(loop)
	cfg.StreamTimeout = streamTimeout
	if s.DNSServer != "" {
		cfg.Resolver = nbio.NewDNSResolver(cfg, s.DNSServer, logger)
	}
	env := &environ{cfg: cfg, ctx: ctx, logger: logger, loop: loop, settings: s}

	if err := start(env); err != nil {
		return err
	}
	if statsInterval > 0 {
		reportStats(env, statsInterval)
	}

	err = loop.Loop(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if err == nil {
		err = env.err
	}
	return err
}

// server returns an [app] listening for connections and running fn on each.
func server(fn func(*nbio.Stream)) app {
	return func(env *environ) error {
		s := env.settings
		listener := nbio.NewListener(env.cfg, env.logger)
		listener.Family = s.Family
		if s.Secure {
			cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
			if err != nil {
				return err
			}
			listener.Secure = true
			listener.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		var failed bool
		listener.Listen(env.ctx, s.Address, s.Port, fn, func() {
			failed = true
		}, func() {
			env.logger.Info("listening", slog.String("addr", listener.Addr().String()))
		})
		if failed {
			return fmt.Errorf("cannot listen on %s:%d", s.Address, s.Port)
		}
		return nil
	}
}

// client returns an [app] connecting and running fn on the connection.
//
// The loop stops when the connection fails or closes.
func client(fn func(*nbio.Stream)) app {
	return func(env *environ) error {
		s := env.settings
		connector := nbio.NewConnector(env.cfg, env.logger)
		connector.Family = s.Family
		connector.Secure = s.Secure
		connector.TLSConfig = &tls.Config{InsecureSkipVerify: s.Insecure}
		connector.Connect(env.ctx, s.Address, s.Port, func(stream *nbio.Stream) {
			stream.OnClosing = env.loop.Break
			fn(stream)
		}, func() {
			env.err = fmt.Errorf("cannot connect to %s:%d", s.Address, s.Port)
			env.loop.Break()
		})
		return env.err
	}
}

// reportStats periodically logs the transfer rates.
func reportStats(env *environ, interval time.Duration) {
	var recv, send int64
	var report func()
	report = func() {
		stats := env.cfg.Stats
		env.logger.Info(
			"stats",
			slog.String("recvRate", rate(stats.Recv.Total()-recv, interval)),
			slog.String("sendRate", rate(stats.Send.Total()-send, interval)),
			slog.String("recvTotal", humanize.Bytes(uint64(stats.Recv.Total()))),
			slog.String("sendTotal", humanize.Bytes(uint64(stats.Send.Total()))),
		)
		recv, send = stats.Recv.Total(), stats.Send.Total()
		env.loop.Sched(interval, report)
	}
	env.loop.Sched(interval, report)
}

func rate(count int64, interval time.Duration) string {
	return humanize.Bytes(uint64(float64(count)/interval.Seconds())) + "/s"
}
