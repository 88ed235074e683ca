// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/bassosimone/dnscodec"
	"github.com/bassosimone/minest"
	"github.com/bassosimone/safeconn"
	"github.com/miekg/dns"
)

// Resolver maps a domain name to candidate addresses.
//
// The network argument is "ip", "ip4", or "ip6". The [*net.Resolver] type
// satisfies this interface, and so does [*DNSResolver].
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// ResolverFunc adapts a function to the [Resolver] interface.
type ResolverFunc func(ctx context.Context, network, host string) ([]netip.Addr, error)

var _ Resolver = ResolverFunc(nil)

// LookupNetIP implements [Resolver].
func (f ResolverFunc) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	return f(ctx, network, host)
}

var (
	// ErrNoCandidates indicates that there is no address to try.
	ErrNoCandidates = errors.New("nbio: no candidate addresses")

	// ErrUnsupportedFamily indicates a family other than "ip", "ip4", or "ip6".
	ErrUnsupportedFamily = errors.New("nbio: unsupported address family")
)

// resolveCandidates returns the addresses of the given family to try for address.
//
// IP address literals are returned as is, without querying the resolver.
func resolveCandidates(ctx context.Context, resolver Resolver, family, address string) ([]netip.Addr, error) {
	if !validFamily(family) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFamily, family)
	}
	var addrs []netip.Addr
	if addr, err := netip.ParseAddr(address); err == nil {
		addrs = []netip.Addr{addr}
	} else {
		addrs, err = resolver.LookupNetIP(ctx, family, address)
		if err != nil {
			return nil, err
		}
	}
	var out []netip.Addr
	for _, addr := range addrs {
		if familyMatches(family, addr) {
			out = append(out, addr)
		}
	}
	if len(out) <= 0 {
		return nil, ErrNoCandidates
	}
	return out, nil
}

func validFamily(family string) bool {
	switch family {
	case "ip", "ip4", "ip6":
		return true
	default:
		return false
	}
}

func familyMatches(family string, addr netip.Addr) bool {
	switch family {
	case "ip4":
		return addr.Unmap().Is4()
	case "ip6":
		return addr.Is6() && !addr.Is4In6()
	default:
		return addr.IsValid()
	}
}

// firstOK calls try on each candidate in order and returns the first success.
//
// When every candidate fails, it returns all the errors joined.
func firstOK[T any](candidates []netip.Addr, try func(netip.Addr) (T, error)) (T, error) {
	var errv []error
	for _, candidate := range candidates {
		value, err := try(candidate)
		if err == nil {
			return value, nil
		}
		errv = append(errv, err)
	}
	var zero T
	if len(errv) <= 0 {
		return zero, ErrNoCandidates
	}
	return zero, errors.Join(errv...)
}

// DefaultDNSTimeout is the default [DNSResolver] timeout.
const DefaultDNSTimeout = 5 * time.Second

// NewDNSResolver returns a new [*DNSResolver] querying the given server.
//
// The cfg argument contains the common configuration for nbio operations.
//
// The server argument is the DNS server endpoint (e.g., "8.8.8.8:53").
//
// The logger argument is the [SLogger] to use for structured logging.
func NewDNSResolver(cfg *Config, server string, logger SLogger) *DNSResolver {
	return &DNSResolver{
		Dialer:        &net.Dialer{},
		ErrClassifier: cfg.ErrClassifier,
		Logger:        logger,
		Server:        server,
		TimeNow:       cfg.TimeNow,
		Timeout:       DefaultDNSTimeout,
	}
}

// DNSResolver is a [Resolver] sending A and AAAA queries over UDP to an
// explicit server.
//
// Lookups block the calling goroutine until the server responds or the
// timeout expires, like the system resolver does.
//
// All fields are safe to modify after construction but before first use.
type DNSResolver struct {
	// Dialer creates the UDP connection used for each exchange.
	//
	// Set by [NewDNSResolver] to a zero-value [*net.Dialer].
	Dialer *net.Dialer

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewDNSResolver] from [Config.ErrClassifier].
	ErrClassifier ErrClassifier

	// Logger is the [SLogger] to use (configurable for testing or custom logging).
	//
	// Set by [NewDNSResolver] to the user-provided logger.
	Logger SLogger

	// Server is the DNS server endpoint.
	//
	// Set by [NewDNSResolver] to the user-provided value.
	Server string

	// TimeNow is the function to get the current time (configurable for testing).
	//
	// Set by [NewDNSResolver] from [Config.TimeNow].
	TimeNow func() time.Time

	// Timeout bounds each exchange.
	//
	// Set by [NewDNSResolver] to [DefaultDNSTimeout].
	Timeout time.Duration
}

var _ Resolver = &DNSResolver{}

// LookupNetIP implements [Resolver].
func (r *DNSResolver) LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error) {
	var qtypes []uint16
	switch network {
	case "ip4":
		qtypes = []uint16{dns.TypeA}
	case "ip6":
		qtypes = []uint16{dns.TypeAAAA}
	case "ip":
		qtypes = []uint16{dns.TypeA, dns.TypeAAAA}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFamily, network)
	}

	var (
		addrs []netip.Addr
		errv  []error
	)
	for _, qtype := range qtypes {
		found, err := r.exchange(ctx, host, qtype)
		if err != nil {
			errv = append(errv, err)
			continue
		}
		addrs = append(addrs, found...)
	}
	if len(addrs) > 0 {
		return addrs, nil
	}
	if len(errv) > 0 {
		return nil, errors.Join(errv...)
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, Server: r.Server, IsNotFound: true}
}

// dnsUnusedDialer is the dialer of the DNS transport, which must
// only use the connection we pass to it.
type dnsUnusedDialer struct{}

// DialContext always panics.
func (dnsUnusedDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	panic("nbio: DNS transport must not dial; this is a programming error")
}

func (r *DNSResolver) exchange(ctx context.Context, host string, qtype uint16) ([]netip.Addr, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	t0 := r.TimeNow()
	deadline, _ := ctx.Deadline()
	r.Logger.Info(
		"dnsExchangeStart",
		slog.Time("deadline", deadline),
		slog.String("dnsQueryName", host),
		slog.String("dnsQueryType", dns.TypeToString[qtype]),
		slog.String("remoteAddr", r.Server),
		slog.String("serverProtocol", "udp"),
		slog.Time("t", t0),
	)

	addrs, err := r.exchangeAndParse(ctx, t0, host, qtype)

	r.Logger.Info(
		"dnsExchangeDone",
		slog.Any("dnsAddrs", addrs),
		slog.String("dnsQueryName", host),
		slog.String("dnsQueryType", dns.TypeToString[qtype]),
		slog.Time("deadline", deadline),
		slog.Any("err", err),
		slog.String("errClass", r.ErrClassifier.Classify(err)),
		slog.String("remoteAddr", r.Server),
		slog.String("serverProtocol", "udp"),
		slog.Time("t0", t0),
		slog.Time("t", r.TimeNow()),
	)
	return addrs, err
}

func (r *DNSResolver) exchangeAndParse(ctx context.Context, t0 time.Time, host string, qtype uint16) ([]netip.Addr, error) {
	conn, err := r.Dialer.DialContext(ctx, "udp", r.Server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	// The transport parses the response, but we keep the raw bytes to
	// extract the addresses and the rcode ourselves.
	var rawResp []byte
	txp := minest.NewDNSOverUDPTransport(dnsUnusedDialer{}, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
	txp.ObserveRawQuery = func(rawQuery []byte) {
		r.Logger.Debug(
			"dnsQuery",
			slog.Any("dnsRawQuery", rawQuery),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.String("serverProtocol", "udp"),
			slog.Time("t", t0),
		)
	}
	txp.ObserveRawResponse = func(raw []byte) {
		r.Logger.Debug(
			"dnsResponse",
			slog.Any("dnsRawResponse", raw),
			slog.String("localAddr", safeconn.LocalAddr(conn)),
			slog.String("remoteAddr", safeconn.RemoteAddr(conn)),
			slog.String("serverProtocol", "udp"),
			slog.Time("t0", t0),
			slog.Time("t", r.TimeNow()),
		)
		rawResp = append([]byte(nil), raw...)
	}

	query := dnscodec.NewQuery(host, qtype)
	_, err = txp.ExchangeWithConn(ctx, conn, query)
	if len(rawResp) <= 0 {
		if err == nil {
			err = errors.New("nbio: DNS transport returned no response")
		}
		return nil, err
	}
	resp := new(dns.Msg)
	if perr := resp.Unpack(rawResp); perr != nil {
		return nil, errors.Join(err, perr)
	}
	addrs, perr := r.parseResponse(host, resp)
	switch {
	case perr != nil:
		return nil, perr
	case err != nil && len(addrs) > 0:
		return nil, err
	default:
		return addrs, nil
	}
}

func (r *DNSResolver) parseResponse(host string, resp *dns.Msg) ([]netip.Addr, error) {
	if resp.Rcode != dns.RcodeSuccess {
		return nil, &net.DNSError{
			Err:        "server responded with " + dns.RcodeToString[resp.Rcode],
			Name:       host,
			Server:     r.Server,
			IsNotFound: resp.Rcode == dns.RcodeNameError,
		}
	}
	var addrs []netip.Addr
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *dns.A:
			if addr, ok := netip.AddrFromSlice(v.A); ok {
				addrs = append(addrs, addr.Unmap())
			}
		case *dns.AAAA:
			if addr, ok := netip.AddrFromSlice(v.AAAA); ok {
				addrs = append(addrs, addr)
			}
		}
	}
	return addrs, nil
}
