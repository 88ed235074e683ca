// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resolveCandidates resolves names, bypasses the resolver for literals, and filters by family.
func TestResolveCandidates(t *testing.T) {
	boom := errors.New("boom")

	type testcase struct {
		// name is the name of the test case
		name string

		// family is the address family
		family string

		// address is the address to resolve
		address string

		// addrs and err are returned by the resolver
		addrs []netip.Addr
		err   error

		// expectCalled is whether we expect the resolver to be called
		expectCalled bool

		// expectAddrs is the expected result
		expectAddrs []netip.Addr

		// expectErr is the expected error
		expectErr error
	}

	dual := []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("2001:db8::1")}

	cases := []testcase{
		{
			name:        "IPv4 literal",
			family:      "ip4",
			address:     "127.0.0.1",
			expectAddrs: []netip.Addr{netip.MustParseAddr("127.0.0.1")},
		},
		{
			name:      "IPv6 literal with ip4 family",
			family:    "ip4",
			address:   "::1",
			expectErr: ErrNoCandidates,
		},
		{
			name:         "domain with ip4 family",
			family:       "ip4",
			address:      "www.example.com",
			addrs:        dual,
			expectCalled: true,
			expectAddrs:  dual[:1],
		},
		{
			name:         "domain with ip6 family",
			family:       "ip6",
			address:      "www.example.com",
			addrs:        dual,
			expectCalled: true,
			expectAddrs:  dual[1:],
		},
		{
			name:         "domain with ip family",
			family:       "ip",
			address:      "www.example.com",
			addrs:        dual,
			expectCalled: true,
			expectAddrs:  dual,
		},
		{
			name:         "resolver error",
			family:       "ip4",
			address:      "www.example.com",
			err:          boom,
			expectCalled: true,
			expectErr:    boom,
		},
		{
			name:      "unsupported family",
			family:    "tcp",
			address:   "127.0.0.1",
			expectErr: ErrUnsupportedFamily,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var called bool
			resolver := ResolverFunc(func(ctx context.Context, network, host string) ([]netip.Addr, error) {
				called = true
				assert.Equal(t, tc.family, network)
				assert.Equal(t, tc.address, host)
				return tc.addrs, tc.err
			})

			addrs, err := resolveCandidates(context.Background(), resolver, tc.family, tc.address)

			assert.Equal(t, tc.expectCalled, called)
			if tc.expectErr != nil {
				assert.ErrorIs(t, err, tc.expectErr)
				assert.Nil(t, addrs)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expectAddrs, addrs)
		})
	}
}

// firstOK returns the first success or all the errors.
func TestFirstOK(t *testing.T) {
	first := netip.MustParseAddr("192.0.2.1")
	second := netip.MustParseAddr("192.0.2.2")
	errFirst := errors.New("first")
	errSecond := errors.New("second")

	t.Run("no candidates", func(t *testing.T) {
		_, err := firstOK(nil, func(netip.Addr) (int, error) {
			t.Fatal("should not be called")
			return 0, nil
		})
		assert.ErrorIs(t, err, ErrNoCandidates)
	})

	t.Run("second succeeds", func(t *testing.T) {
		var tried []netip.Addr
		value, err := firstOK([]netip.Addr{first, second}, func(addr netip.Addr) (int, error) {
			tried = append(tried, addr)
			if addr == first {
				return 0, errFirst
			}
			return 42, nil
		})
		require.NoError(t, err)
		assert.Equal(t, 42, value)
		assert.Equal(t, []netip.Addr{first, second}, tried)
	})

	t.Run("all fail", func(t *testing.T) {
		value, err := firstOK([]netip.Addr{first, second}, func(addr netip.Addr) (int, error) {
			if addr == first {
				return 1, errFirst
			}
			return 2, errSecond
		})
		assert.Equal(t, 0, value)
		assert.ErrorIs(t, err, errFirst)
		assert.ErrorIs(t, err, errSecond)
	})
}

// newTestDNSServer starts a UDP DNS server on localhost and returns its endpoint.
//
// It answers "www.example.com" with 192.0.2.1 and 2001:db8::1, answers
// "empty.example.com" without records, and responds NXDOMAIN otherwise.
func newTestDNSServer(t *testing.T) string {
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	handler := dns.HandlerFunc(func(w dns.ResponseWriter, query *dns.Msg) {
		resp := new(dns.Msg)
		resp.SetReply(query)
		question := query.Question[0]
		header := dns.RR_Header{Name: question.Name, Rrtype: question.Qtype, Class: dns.ClassINET, Ttl: 60}
		switch question.Name {
		case "www.example.com.":
			switch question.Qtype {
			case dns.TypeA:
				resp.Answer = append(resp.Answer, &dns.A{Hdr: header, A: net.ParseIP("192.0.2.1")})
			case dns.TypeAAAA:
				resp.Answer = append(resp.Answer, &dns.AAAA{Hdr: header, AAAA: net.ParseIP("2001:db8::1")})
			}
		case "empty.example.com.":
			// nothing
		default:
			resp.SetRcode(query, dns.RcodeNameError)
		}
		w.WriteMsg(resp)
	})

	started := make(chan struct{})
	server := &dns.Server{
		PacketConn:        pconn,
		Handler:           handler,
		NotifyStartedFunc: func() { close(started) },
	}
	go server.ActivateAndServe()
	<-started
	t.Cleanup(func() {
		server.Shutdown()
	})
	return pconn.LocalAddr().String()
}

// NewDNSResolver populates the fields.
func TestNewDNSResolver(t *testing.T) {
	cfg := NewConfig(newFakePoller())
	resolver := NewDNSResolver(cfg, "8.8.8.8:53", DefaultSLogger())

	assert.NotNil(t, resolver.Dialer)
	assert.Equal(t, DefaultDNSTimeout, resolver.Timeout)
	assert.NotNil(t, resolver.ErrClassifier)
	assert.NotNil(t, resolver.Logger)
	assert.Equal(t, "8.8.8.8:53", resolver.Server)
	assert.NotNil(t, resolver.TimeNow)
}

// DNSResolver queries A and AAAA records according to the family.
func TestDNSResolverLookupNetIP(t *testing.T) {
	server := newTestDNSServer(t)

	type testcase struct {
		// name is the name of the test case
		name string

		// network is the address family
		network string

		// expectAddrs is the expected result
		expectAddrs []netip.Addr

		// expectExchanges is the expected number of DNS exchanges
		expectExchanges int
	}

	cases := []testcase{
		{
			name:            "ip4",
			network:         "ip4",
			expectAddrs:     []netip.Addr{netip.MustParseAddr("192.0.2.1")},
			expectExchanges: 1,
		},
		{
			name:            "ip6",
			network:         "ip6",
			expectAddrs:     []netip.Addr{netip.MustParseAddr("2001:db8::1")},
			expectExchanges: 1,
		},
		{
			name:    "ip",
			network: "ip",
			expectAddrs: []netip.Addr{
				netip.MustParseAddr("192.0.2.1"),
				netip.MustParseAddr("2001:db8::1"),
			},
			expectExchanges: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			logger, records := newCapturingLogger()
			resolver := NewDNSResolver(NewConfig(newFakePoller()), server, logger)

			addrs, err := resolver.LookupNetIP(context.Background(), tc.network, "www.example.com")

			require.NoError(t, err)
			assert.Equal(t, tc.expectAddrs, addrs)
			var expectMessages []string
			for range tc.expectExchanges {
				expectMessages = append(expectMessages, "dnsExchangeStart", "dnsQuery", "dnsResponse", "dnsExchangeDone")
			}
			assert.Equal(t, expectMessages, recordMessages(*records))
		})
	}
}

// DNSResolver maps NXDOMAIN and empty answers to not-found errors.
func TestDNSResolverNotFound(t *testing.T) {
	server := newTestDNSServer(t)
	resolver := NewDNSResolver(NewConfig(newFakePoller()), server, DefaultSLogger())

	for _, name := range []string{"nxdomain.example.com", "empty.example.com"} {
		t.Run(name, func(t *testing.T) {
			addrs, err := resolver.LookupNetIP(context.Background(), "ip4", name)
			assert.Nil(t, addrs)
			var dnsErr *net.DNSError
			require.True(t, errors.As(err, &dnsErr))
			assert.True(t, dnsErr.IsNotFound)
		})
	}
}

// DNSResolver rejects unsupported families without querying.
func TestDNSResolverUnsupportedFamily(t *testing.T) {
	logger, records := newCapturingLogger()
	resolver := NewDNSResolver(NewConfig(newFakePoller()), "127.0.0.1:1", logger)

	addrs, err := resolver.LookupNetIP(context.Background(), "tcp", "www.example.com")

	assert.Nil(t, addrs)
	assert.ErrorIs(t, err, ErrUnsupportedFamily)
	assert.Empty(t, *records)
}

// DNSResolver fails when the server does not respond in time.
func TestDNSResolverTimeout(t *testing.T) {
	pconn, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pconn.Close()

	resolver := NewDNSResolver(NewConfig(newFakePoller()), pconn.LocalAddr().String(), DefaultSLogger())
	resolver.Timeout = 50 * time.Millisecond

	t0 := time.Now()
	addrs, err := resolver.LookupNetIP(context.Background(), "ip4", "www.example.com")

	assert.Nil(t, addrs)
	assert.Error(t, err)
	assert.Less(t, time.Since(t0), DefaultDNSTimeout)
}

// dnsUnusedDialer panics when DialContext is called.
func TestDNSUnusedDialerPanics(t *testing.T) {
	dialer := dnsUnusedDialer{}
	assert.Panics(t, func() {
		dialer.DialContext(context.Background(), "udp", "127.0.0.1:53")
	})
}
