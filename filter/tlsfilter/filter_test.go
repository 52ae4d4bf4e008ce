package tlsfilter

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/filter"
	"github.com/momentics/hioload-tcp/internal/concurrency"
)

const (
	testTimeout = 5 * time.Second
	testTick    = 5 * time.Millisecond
)

// pipeConn is a FilterConn whose network is an in-memory link to a peer.
// One goroutine per side plays the I/O thread and runs inbound passes.
type pipeConn struct {
	name string
	exec api.Executor

	mu   sync.Mutex // connection monitor
	flt  filter.Filter
	peer *pipeConn

	inMu  sync.Mutex
	inbox []byte
	kick  chan struct{}
	stop  chan struct{}

	recMu    sync.Mutex
	received []byte
	err      error
}

func newPipeConn(name string, exec api.Executor) *pipeConn {
	return &pipeConn{
		name: name,
		exec: exec,
		kick: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
}

func (c *pipeConn) Name() string { return c.name }
func (c *pipeConn) Lock() { c.mu.Lock() }
func (c *pipeConn) Unlock() { c.mu.Unlock() }
func (c *pipeConn) Executor() api.Executor { return c.exec }
func (c *pipeConn) ForceRead() { c.signal() }
func (c *pipeConn) Flush() error { return c.send(nil) }

func (c *pipeConn) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *pipeConn) send(p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	in, out := filter.NewDataQueue(), filter.NewDataQueue()
	if len(p) > 0 {
		in.Writer().Add(p)
	}
	err := c.flt.Outbound(in.Reader(), out.Writer())
	for _, b := range out.Drain() {
		c.peer.deliver(b)
	}
	return err
}

func (c *pipeConn) deliver(b []byte) {
	c.inMu.Lock()
	c.inbox = append(c.inbox, b...)
	c.inMu.Unlock()
	c.signal()
}

func (c *pipeConn) run() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.kick:
		}
		c.inMu.Lock()
		data := c.inbox
		c.inbox = nil
		c.inMu.Unlock()

		in, out := filter.NewDataQueue(), filter.NewDataQueue()
		if len(data) > 0 {
			in.Writer().Add(data)
		}
		err := c.flt.Inbound(in.Reader(), out.Writer())
		c.recMu.Lock()
		for _, b := range out.Drain() {
			c.received = append(c.received, b...)
		}
		if err != nil && c.err == nil {
			c.err = err
		}
		c.recMu.Unlock()
	}
}

func (c *pipeConn) got() (string, error) {
	c.recMu.Lock()
	defer c.recMu.Unlock()
	return string(c.received), c.err
}

func (c *pipeConn) closeUser() error {
	q, out := filter.NewOOBQueue(), filter.NewOOBQueue()
	q.Writer().Add(api.OOBEvent{Type: api.OOBCloseUser})
	if err := filter.PassOOB(c.flt, q.Reader(), out.Writer()); err != nil {
		return err
	}
	if out.Len() != 1 {
		return errors.New("close event was not forwarded")
	}
	return c.Flush()
}

// linkPair wires a client and a server filter and starts both sides.
func linkPair(t *testing.T, clientF, serverF *Factory) (client, server *pipeConn) {
	t.Helper()
	exec := concurrency.NewExecutor(2, 16)
	t.Cleanup(exec.Close)

	client = newPipeConn("client", exec)
	server = newPipeConn("server", exec)
	client.peer, server.peer = server, client

	var err error
	client.flt, err = clientF.NewFilter(client)
	require.NoError(t, err)
	server.flt, err = serverF.NewFilter(server)
	require.NoError(t, err)

	go client.run()
	go server.run()
	t.Cleanup(func() {
		close(client.stop)
		close(server.stop)
		filter.Release(client.flt)
		filter.Release(server.flt)
	})

	// what the connection does right after bind
	require.NoError(t, server.Flush())
	require.NoError(t, client.Flush())
	return client, server
}

func factories(t *testing.T, pki *testPKI, bufSize int) (clientF, serverF *Factory) {
	t.Helper()
	clientF = NewFactory(true)
	require.NoError(t, clientF.SetRootCAs(pki.pool))
	require.NoError(t, clientF.SetServerName("localhost"))
	require.NoError(t, clientF.SetBufferSize(bufSize))

	serverF = NewFactory(false)
	require.NoError(t, serverF.SetCertificates(pki.leaf))
	require.NoError(t, serverF.SetBufferSize(bufSize))
	return clientF, serverF
}

func waitFor(t *testing.T, c *pipeConn, want string) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, err := c.got()
		return err == nil && s == want
	}, testTimeout, testTick)
	_, err := c.got()
	require.NoError(t, err)
}

func TestFilterExchangeWithTinyBuffers(t *testing.T) {
	pki := generateTestPKI(t)
	clientF, serverF := factories(t, pki, 1)
	client, server := linkPair(t, clientF, serverF)

	// written before the handshake finishes; held in writeBuffer until then
	require.NoError(t, client.send([]byte("hello")))
	waitFor(t, server, "hello")

	require.NoError(t, server.send([]byte("world")))
	waitFor(t, client, "world")

	big := make([]byte, 40000)
	for i := range big {
		big[i] = 'a' + byte(i%26)
	}
	require.NoError(t, client.send(big))
	waitFor(t, server, "hello"+string(big))
}

func TestFilterDefaultBuffers(t *testing.T) {
	pki := generateTestPKI(t)
	clientF, serverF := factories(t, pki, DefaultBufferSize)
	client, server := linkPair(t, clientF, serverF)

	require.NoError(t, client.send([]byte("one")))
	require.NoError(t, client.send([]byte("two")))
	waitFor(t, server, "onetwo")
}

func TestFilterUserCloseSendsCloseNotify(t *testing.T) {
	pki := generateTestPKI(t)
	clientF, serverF := factories(t, pki, 64)
	client, server := linkPair(t, clientF, serverF)

	require.NoError(t, client.send([]byte("bye")))
	waitFor(t, server, "bye")

	require.NoError(t, client.closeUser())
	assert.True(t, client.flt.(*Filter).Engine().IsOutboundDone())
	require.Eventually(t, func() bool {
		return server.flt.(*Filter).Engine().IsInboundDone()
	}, testTimeout, testTick)
}

func TestFilterCloseDuringHandshakeKeepsData(t *testing.T) {
	pki := generateTestPKI(t)
	clientF, serverF := factories(t, pki, 64)
	client, server := linkPair(t, clientF, serverF)

	require.NoError(t, client.send([]byte("last-words")))
	require.NoError(t, client.closeUser())

	waitFor(t, server, "last-words")
	require.Eventually(t, func() bool {
		client.Lock()
		defer client.Unlock()
		return client.flt.(*Filter).Held() == 0 && client.flt.(*Filter).Engine().IsOutboundDone()
	}, testTimeout, testTick)
	require.Eventually(t, func() bool {
		return server.flt.(*Filter).Engine().IsInboundDone()
	}, testTimeout, testTick)
}

func TestFilterBindStartsHandshake(t *testing.T) {
	pki := generateTestPKI(t)
	clientF, _ := factories(t, pki, 64)
	c := newPipeConn("c", nil)
	flt, err := clientF.NewFilter(c)
	require.NoError(t, err)
	defer filter.Release(flt)

	f := flt.(*Filter)
	assert.Equal(t, NotHandshaking, f.Engine().HandshakeStatus())

	q, out := filter.NewOOBQueue(), filter.NewOOBQueue()
	q.Writer().Add(api.OOBEvent{Type: api.OOBBind})
	require.NoError(t, filter.PassOOB(flt, q.Reader(), out.Writer()))
	assert.Equal(t, 1, out.Len())
	require.Eventually(t, func() bool {
		return f.Engine().HandshakeStatus() != NotHandshaking
	}, testTimeout, testTick)
}

func TestFilterUntrustedServerFails(t *testing.T) {
	pki := generateTestPKI(t)
	other := generateTestPKI(t)

	clientF := NewFactory(true)
	require.NoError(t, clientF.SetRootCAs(other.pool))
	require.NoError(t, clientF.SetServerName("localhost"))
	serverF := NewFactory(false)
	require.NoError(t, serverF.SetCertificates(pki.leaf))

	client, _ := linkPair(t, clientF, serverF)
	require.Eventually(t, func() bool {
		_, err := client.got()
		return err != nil
	}, testTimeout, testTick)
}

func TestFilterMutualAuth(t *testing.T) {
	pki := generateTestPKI(t)
	clientF, serverF := factories(t, pki, 256)
	require.NoError(t, clientF.SetCertificates(pki.leaf))
	require.NoError(t, serverF.SetClientCAs(pki.pool))
	require.NoError(t, serverF.SetRequireClientAuth(true))

	client, server := linkPair(t, clientF, serverF)
	require.NoError(t, client.send([]byte("authenticated")))
	waitFor(t, server, "authenticated")
}

func TestFactoryFreezesOnFirstFilter(t *testing.T) {
	pki := generateTestPKI(t)
	f := NewFactory(false)
	require.NoError(t, f.SetCertificates(pki.leaf))
	assert.False(t, f.Initialized())

	c := newPipeConn("c", nil)
	flt, err := f.NewFilter(c)
	require.NoError(t, err)
	defer filter.Release(flt)
	assert.True(t, f.Initialized())

	assert.ErrorIs(t, f.SetServerName("x"), api.ErrFactoryInitialized)
	assert.ErrorIs(t, f.SetCertificates(), api.ErrFactoryInitialized)
	assert.ErrorIs(t, f.SetRequireClientAuth(true), api.ErrFactoryInitialized)
	assert.ErrorIs(t, f.SetBufferSize(10), api.ErrFactoryInitialized)
}

func TestFactoryServerWithoutCertificate(t *testing.T) {
	f := NewFactory(false)
	_, err := f.NewFilter(newPipeConn("c", nil))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
	assert.False(t, f.Initialized())
}

func TestLoadFactory(t *testing.T) {
	pki := generateTestPKI(t)
	certFile, keyFile, caFile := pki.writeFiles(t)

	serverF, err := LoadFactory(FileConfig{CertFile: certFile, KeyFile: keyFile, CAFile: caFile}, false)
	require.NoError(t, err)
	clientF, err := LoadFactory(FileConfig{CAFile: caFile, ServerName: "localhost"}, true)
	require.NoError(t, err)

	client, server := linkPair(t, clientF, serverF)
	require.NoError(t, client.send([]byte("from files")))
	waitFor(t, server, "from files")

	_, err = LoadFactory(FileConfig{CertFile: "/nonexistent", KeyFile: keyFile}, false)
	assert.Error(t, err)
}
