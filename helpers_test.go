// SPDX-License-Identifier: GPL-3.0-or-later

package nbio

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"log/slog"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/bassosimone/netstub"
	"github.com/bassosimone/slogstub"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// newCapturingLogger returns a logger that captures all log records into the
// returned slice. The caller can inspect the slice after exercising the code
// under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordMessages returns the messages of the captured records.
func recordMessages(records []slog.Record) (out []string) {
	for _, record := range records {
		out = append(out, record.Message)
	}
	return
}

// recordErr returns the err attribute of the last captured record.
func recordErr(records []slog.Record) (err error) {
	if len(records) <= 0 {
		return nil
	}
	records[len(records)-1].Attrs(func(attr slog.Attr) bool {
		if attr.Key == "err" {
			err, _ = attr.Value.Any().(error)
		}
		return true
	})
	return
}

// fakePoller is a [Poller] recording registrations and calls.
type fakePoller struct {
	calls    []string
	readable map[Pollable]bool
	writable map[Pollable]bool
}

var _ Poller = &fakePoller{}

func newFakePoller() *fakePoller {
	return &fakePoller{
		readable: map[Pollable]bool{},
		writable: map[Pollable]bool{},
	}
}

func (p *fakePoller) SetReadable(x Pollable) {
	p.calls = append(p.calls, "SetReadable")
	p.readable[x] = true
}

func (p *fakePoller) SetWritable(x Pollable) {
	p.calls = append(p.calls, "SetWritable")
	p.writable[x] = true
}

func (p *fakePoller) UnsetReadable(x Pollable) {
	p.calls = append(p.calls, "UnsetReadable")
	delete(p.readable, x)
}

func (p *fakePoller) UnsetWritable(x Pollable) {
	p.calls = append(p.calls, "UnsetWritable")
	delete(p.writable, x)
}

func (p *fakePoller) Close(x Pollable) {
	p.calls = append(p.calls, "Close")
	delete(p.readable, x)
	delete(p.writable, x)
}

// fakeTransport is a [BufferedTransport] whose behavior is set by functions.
//
// Nil functions make TryRead return [StatusWantRead], TryWrite return
// [StatusWantWrite], and Buffered return false.
type fakeTransport struct {
	BufferedFunc func() bool
	CloseErr     error
	Error        error
	ReadFunc     func(maxLength int) (Status, []byte)
	WriteFunc    func(data []byte) (Status, int)

	closeCount int
	reads      int
	writes     int
}

var _ BufferedTransport = &fakeTransport{}

func (t *fakeTransport) Buffered() bool {
	return t.BufferedFunc != nil && t.BufferedFunc()
}

func (t *fakeTransport) Close() error {
	t.closeCount++
	return t.CloseErr
}

func (t *fakeTransport) Err() error {
	return t.Error
}

func (t *fakeTransport) TryRead(maxLength int) (Status, []byte) {
	t.reads++
	if t.ReadFunc == nil {
		return StatusWantRead, nil
	}
	return t.ReadFunc(maxLength)
}

func (t *fakeTransport) TryWrite(data []byte) (Status, int) {
	t.writes++
	if t.WriteFunc == nil {
		return StatusWantWrite, 0
	}
	return t.WriteFunc(data)
}

// fakeClock is a controllable time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// newTestStream returns a [*Stream] using txp, a [*fakePoller], and a [*fakeClock].
func newTestStream(txp Transport) (*Stream, *fakePoller, *fakeClock) {
	poller := newFakePoller()
	clock := newFakeClock()
	cfg := NewConfig(poller)
	cfg.TimeNow = clock.Now
	stream := NewStream(cfg, 17, txp, "127.0.0.1:54321", "127.0.0.1:8009", DefaultSLogger())
	return stream, poller, clock
}

// mockTLSEngine is a [TLSEngine] returning a fixed [TLSConn].
type mockTLSEngine struct {
	conn TLSConn
}

var _ TLSEngine = mockTLSEngine{}

func (e mockTLSEngine) Client(conn net.Conn, config *tls.Config) TLSConn {
	return e.conn
}

func (e mockTLSEngine) Server(conn net.Conn, config *tls.Config) TLSConn {
	return e.conn
}

func (mockTLSEngine) Name() string {
	return "mock"
}

func (mockTLSEngine) Parrot() string {
	return ""
}

// newMinimalConn returns a [*netstub.FuncConn] with only LocalAddrFunc and
// RemoteAddrFunc set. This is the minimum needed for code that calls
// [safeconn.LocalAddr], [safeconn.RemoteAddr], and [safeconn.Network]
// during construction.
func newMinimalConn() *netstub.FuncConn {
	return &netstub.FuncConn{
		LocalAddrFunc:  func() net.Addr { return &net.TCPAddr{} },
		RemoteAddrFunc: func() net.Addr { return &net.TCPAddr{} },
	}
}

// newSocketPair returns two connected non-blocking [*Socket].
func newSocketPair(t *testing.T) (*Socket, *Socket) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	left, err := NewSocket(fds[0])
	require.NoError(t, err)
	right, err := NewSocket(fds[1])
	require.NoError(t, err)
	t.Cleanup(func() {
		left.Close()
		right.Close()
	})
	return left, right
}

// newTestCertificate returns a self-signed certificate valid for "localhost"
// and 127.0.0.1, along with a pool trusting it.
func newTestCertificate(t *testing.T) (tls.Certificate, *x509.CertPool) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1)},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}
	return cert, pool
}

// newRandomPayload returns size random bytes.
func newRandomPayload(t *testing.T, size int) []byte {
	payload := make([]byte, size)
	_, err := rand.Read(payload)
	require.NoError(t, err)
	return payload
}
