//go:build linux

package reactor_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/adapters"
	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/filter"
	"github.com/momentics/hioload-tcp/reactor"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 5 * time.Millisecond
)

// recorder collects handler callbacks.
type recorder struct {
	mu      sync.Mutex
	frames  []string
	data    []byte
	closing []api.OOBType
	residue [][]byte
	errs    []error
	oobs    []api.OOBEvent
	binds   int
	closes  int
	closed  chan struct{}

	// echo sends every received message back
	echo bool
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) handler() *adapters.HandlerFuncs {
	return &adapters.HandlerFuncs{
		Bind: func(api.Conn) {
			r.mu.Lock()
			r.binds++
			r.mu.Unlock()
		},
		Receive: func(c api.Conn, data []byte) {
			r.mu.Lock()
			r.frames = append(r.frames, string(data))
			r.data = append(r.data, data...)
			echo := r.echo
			r.mu.Unlock()
			if echo {
				c.Send(data)
			}
		},
		Closing: func(_ api.Conn, reason api.OOBType, residual []byte) {
			r.mu.Lock()
			r.closing = append(r.closing, reason)
			r.residue = append(r.residue, residual)
			r.mu.Unlock()
		},
		Close: func(api.Conn) {
			r.mu.Lock()
			r.closes++
			if r.closes == 1 {
				close(r.closed)
			}
			r.mu.Unlock()
		},
		Error: func(_ api.Conn, err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
		OOB: func(_ api.Conn, ev api.OOBEvent) {
			r.mu.Lock()
			r.oobs = append(r.oobs, ev)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) Frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.frames...)
}

func (r *recorder) Data() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return string(r.data)
}

func (r *recorder) Closes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closes
}

func (r *recorder) Closing() []api.OOBType {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.OOBType(nil), r.closing...)
}

func (r *recorder) OOBs() []api.OOBEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]api.OOBEvent(nil), r.oobs...)
}

func (r *recorder) Binds() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.binds
}

func newReactor(t *testing.T, opts ...reactor.Option) *reactor.Reactor {
	t.Helper()
	opts = append([]reactor.Option{reactor.WithSelectTimeout(50 * time.Millisecond)}, opts...)
	r, err := reactor.New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown() })
	return r
}

// listenAddr waits for an accepting connection to learn its listener address.
func listenAddr(t *testing.T, c *reactor.Connection) net.Addr {
	t.Helper()
	require.Eventually(t, func() bool { return c.LocalAddr() != nil }, testTimeout, testTick)
	return c.LocalAddr()
}

// link accepts on server, connects client to it and waits for both.
func link(t *testing.T, server, client *reactor.Connection) {
	t.Helper()
	require.NoError(t, server.Accept("127.0.0.1:0"))
	require.NoError(t, client.Connect(listenAddr(t, server).String()))
	require.NoError(t, server.GetTimeout(testTimeout))
	require.NoError(t, client.GetTimeout(testTimeout))
}

func nulFrames(t *testing.T, limit int) filter.Factory {
	t.Helper()
	f, err := filter.NewFrameFactory(filter.FrameConfig{Delimiter: []byte{0}, MaxSize: limit})
	require.NoError(t, err)
	return f
}

func waitClosed(t *testing.T, c *reactor.Connection) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(testTimeout):
		t.Fatalf("%s did not close", c.Name())
	}
}

// selfSigned returns a certificate for localhost and a pool trusting it.
func selfSigned(t *testing.T) (tls.Certificate, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "localhost"},
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	pool.AddCert(leaf)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf}, pool
}
