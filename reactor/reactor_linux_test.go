//go:build linux

package reactor_test

import (
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-tcp/adapters"
	"github.com/momentics/hioload-tcp/api"
	"github.com/momentics/hioload-tcp/config"
	"github.com/momentics/hioload-tcp/filter"
	"github.com/momentics/hioload-tcp/filter/tlsfilter"
	"github.com/momentics/hioload-tcp/metrics"
	"github.com/momentics/hioload-tcp/reactor"
)

func TestFramesClientToServer(t *testing.T) {
	r := newReactor(t, reactor.WithIOThreads(2))
	srv, cli := newRecorder(), newRecorder()
	server := r.NewConnection(srv.handler(), reactor.WithName("server"), reactor.WithFilter(nulFrames(t, 64)))
	client := r.NewConnection(cli.handler(), reactor.WithName("client"), reactor.WithFilter(nulFrames(t, 64)))
	link(t, server, client)

	for _, m := range []string{"hello", "from", "the", "client"} {
		_, err := client.Send([]byte(m))
		require.NoError(t, err)
	}
	want := []string{"hello", "from", "the", "client"}
	require.Eventually(t, func() bool { return len(srv.Frames()) >= len(want) }, testTimeout, testTick)
	assert.Equal(t, want, srv.Frames())
	assert.Equal(t, 1, srv.Binds())
	assert.Equal(t, 1, cli.Binds())
	assert.Equal(t, "server", server.Name())
	assert.Equal(t, reactor.StateActive, server.State())
}

func TestAcceptSpreadsOverIOThreads(t *testing.T) {
	r := newReactor(t, reactor.WithIOThreads(2))
	conns := make([]*reactor.Connection, 5)
	for i := range conns {
		conns[i] = r.NewConnection(nil)
		require.NoError(t, conns[i].Accept("127.0.0.1:0"))
	}
	addr := listenAddr(t, conns[0]).String()

	var g errgroup.Group
	for range conns {
		g.Go(func() error {
			nc, err := net.Dial("tcp", addr)
			if err != nil {
				return err
			}
			return nc.Close()
		})
	}
	require.NoError(t, g.Wait())

	perThread := map[int]int{}
	for _, c := range conns {
		require.NoError(t, c.GetTimeout(testTimeout))
		perThread[c.ThreadID()]++
	}
	require.Len(t, perThread, 2)
	assert.ElementsMatch(t, []int{2, 3}, []int{perThread[1], perThread[2]})

	// every waiter was served, so the listener is gone
	require.Eventually(t, func() bool {
		addrs, err := r.BoundAddresses()
		return err == nil && len(addrs) == 0
	}, testTimeout, testTick)
}

func TestDoubleCloseKeepsRegistryCount(t *testing.T) {
	r := newReactor(t)
	first, second := newRecorder(), newRecorder()
	a := r.NewConnection(first.handler())
	b := r.NewConnection(second.handler())
	require.NoError(t, a.Accept("127.0.0.1:0"))
	require.NoError(t, b.Accept("127.0.0.1:0"))
	listenAddr(t, b)

	addrs, err := r.BoundAddresses()
	require.NoError(t, err)
	require.Len(t, addrs, 1)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	waitClosed(t, a)

	// b still holds the listener
	addrs, err = r.BoundAddresses()
	require.NoError(t, err)
	assert.Len(t, addrs, 1)
	assert.Equal(t, 1, first.Closes())
	assert.Equal(t, reactor.StateClosed, a.State())
	assert.NoError(t, a.Err())

	require.NoError(t, b.Close())
	waitClosed(t, b)
	addrs, err = r.BoundAddresses()
	require.NoError(t, err)
	assert.Empty(t, addrs)
	assert.Equal(t, 1, first.Closes())
	assert.Equal(t, 1, second.Closes())
}

func TestConnectRefused(t *testing.T) {
	r := newReactor(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := newRecorder()
	c := r.NewConnection(rec.handler())
	require.NoError(t, c.Connect(addr))
	err = c.GetTimeout(testTimeout)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeIO, api.CodeOf(err))
	assert.True(t, errors.Is(err, syscall.ECONNREFUSED), "%v", err)
	assert.Equal(t, reactor.StateClosed, c.State())
	assert.Equal(t, 1, rec.Closes())
	assert.False(t, c.IsBound())
}

func TestSubmissionErrors(t *testing.T) {
	r := newReactor(t)
	c := r.NewConnection(nil)

	err := c.Connect("not an address")
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeSetup, api.CodeOf(err))

	require.NoError(t, c.Accept("127.0.0.1:0"))
	err = c.Connect("127.0.0.1:1")
	assert.True(t, errors.Is(err, api.ErrInvalidState))
	err = c.SetFilter(filter.IdentityFactory{})
	assert.True(t, errors.Is(err, api.ErrInvalidState))

	srv := tlsfilter.NewFactory(false)
	err = r.NewConnection(nil, reactor.WithFilter(srv)).Accept("127.0.0.1:0")
	assert.True(t, errors.Is(err, api.ErrInvalidArgument), "server TLS without certificate: %v", err)
}

func TestGetTimeoutDoesNotCancel(t *testing.T) {
	r := newReactor(t)
	c := r.NewConnection(nil)
	require.NoError(t, c.Accept("127.0.0.1:0"))

	err := c.GetTimeout(50 * time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, api.ErrCodeTimeout, api.CodeOf(err))
	assert.True(t, errors.Is(err, api.ErrTimeout))
	assert.False(t, c.Cancel())
	assert.False(t, c.IsClosed())

	nc, err := net.Dial("tcp", listenAddr(t, c).String())
	require.NoError(t, err)
	defer nc.Close()
	assert.NoError(t, c.GetTimeout(testTimeout))
}

func TestManagement(t *testing.T) {
	store := config.NewStoreFrom(config.Default())
	m := metrics.New()
	r := newReactor(t, reactor.WithIOThreads(2), reactor.WithStore(store), reactor.WithMetrics(m))

	n, err := r.Backlog()
	require.NoError(t, err)
	assert.Equal(t, config.DefaultBacklog, n)

	require.NoError(t, r.SetBacklog(16))
	n, err = r.Backlog()
	require.NoError(t, err)
	assert.Equal(t, 16, n)
	assert.True(t, errors.Is(r.SetBacklog(0), api.ErrInvalidArgument))

	store.SetSync(map[string]any{config.KeyBacklog: 32})
	n, err = r.Backlog()
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	server, client := r.NewConnection(nil), r.NewConnection(nil)
	link(t, server, client)
	conns, err := r.Connections()
	require.NoError(t, err)
	assert.ElementsMatch(t, []*reactor.Connection{server, client}, conns)

	stats := r.Stats()
	assert.EqualValues(t, 2, stats["io_threads"])
	assert.EqualValues(t, 2, stats["connections"])
	assert.False(t, m.Updated().IsZero())
}

func TestTLSEcho(t *testing.T) {
	cert, pool := selfSigned(t)
	serverTLS := tlsfilter.NewFactory(false)
	require.NoError(t, serverTLS.SetCertificates(cert))
	clientTLS := tlsfilter.NewFactory(true)
	require.NoError(t, clientTLS.SetRootCAs(pool))
	require.NoError(t, clientTLS.SetServerName("localhost"))

	r := newReactor(t, reactor.WithIOThreads(2))
	srv, cli := newRecorder(), newRecorder()
	srv.echo = true
	server := r.NewConnection(srv.handler(), reactor.WithFilter(filter.NewChain(serverTLS, nulFrames(t, 1024))))
	client := r.NewConnection(cli.handler(), reactor.WithFilter(filter.NewChain(clientTLS, nulFrames(t, 1024))))
	link(t, server, client)

	var want []string
	for i := 0; i < 20; i++ {
		m := fmt.Sprintf("message-%02d", i)
		want = append(want, m)
		_, err := client.Send([]byte(m))
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return len(cli.Frames()) >= len(want) }, testTimeout, testTick)
	assert.Equal(t, want, cli.Frames())
	assert.Equal(t, want, srv.Frames())
	assert.True(t, serverTLS.Initialized())

	require.NoError(t, client.Close())
	waitClosed(t, client)
	waitClosed(t, server)
	assert.Equal(t, []api.OOBType{api.OOBCloseUser}, cli.Closing())
}

func TestRegisterAdoptsConn(t *testing.T) {
	r := newReactor(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		nc, err := ln.Accept()
		if err == nil {
			accepted <- nc
		}
	}()
	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	rec := newRecorder()
	c := r.NewConnection(rec.handler())
	require.NoError(t, c.Register(dialed))
	require.NoError(t, c.GetTimeout(testTimeout))
	assert.Equal(t, ln.Addr().String(), c.RemoteAddr().String())

	peer := <-accepted
	defer peer.Close()
	_, err = c.Send([]byte("abc"))
	require.NoError(t, err)
	buf := make([]byte, 3)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(testTimeout)))
	_, err = io.ReadFull(peer, buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))

	_, err = peer.Write([]byte("xyz"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return rec.Data() == "xyz" }, testTimeout, testTick)

	// peer close is an end of stream
	require.NoError(t, peer.Close())
	waitClosed(t, c)
	assert.Equal(t, []api.OOBType{api.OOBCloseEOS}, rec.Closing())
	assert.NoError(t, c.Err())
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	r := newReactor(t, reactor.WithBufferSize(4096))
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	payload := make([]byte, 4<<20)
	for i := range payload {
		payload[i] = byte(i)
	}
	received := make(chan []byte, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			close(received)
			return
		}
		defer nc.Close()
		// let the client fill its socket buffer first
		time.Sleep(50 * time.Millisecond)
		data, _ := io.ReadAll(nc)
		received <- data
	}()

	c := r.NewConnection(nil)
	require.NoError(t, c.Connect(ln.Addr().String()))
	require.NoError(t, c.GetTimeout(testTimeout))
	_, err = c.Send(payload)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	select {
	case data := <-received:
		assert.Equal(t, len(payload), len(data))
		assert.Equal(t, payload, data)
	case <-time.After(testTimeout):
		t.Fatal("payload not delivered")
	}
	waitClosed(t, c)
	assert.NoError(t, c.Err())
}

func TestSendAfterCloseIsDiscarded(t *testing.T) {
	r := newReactor(t)
	server, client := r.NewConnection(nil), r.NewConnection(nil)
	link(t, server, client)
	require.NoError(t, client.Close())
	waitClosed(t, client)

	n, err := client.Send([]byte("late"))
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestSendReportsQueuedBytes(t *testing.T) {
	r := newReactor(t)
	c := r.NewConnection(nil)
	n, err := c.Send([]byte("queued"))
	require.NoError(t, err)
	assert.Equal(t, len("queued"), n)
	n, err = c.Send([]byte("more"))
	require.NoError(t, err)
	assert.Equal(t, len("queuedmore"), n)
	require.NoError(t, c.Close())
	waitClosed(t, c)
}

func TestTLSCloseRightAfterBind(t *testing.T) {
	cert, pool := selfSigned(t)
	serverTLS := tlsfilter.NewFactory(false)
	require.NoError(t, serverTLS.SetCertificates(cert))
	clientTLS := tlsfilter.NewFactory(true)
	require.NoError(t, clientTLS.SetRootCAs(pool))
	require.NoError(t, clientTLS.SetServerName("localhost"))

	r := newReactor(t, reactor.WithIOThreads(2))
	srv, cli := newRecorder(), newRecorder()
	server := r.NewConnection(srv.handler(), reactor.WithFilter(filter.NewChain(serverTLS, nulFrames(t, 1024))))
	client := r.NewConnection(cli.handler(), reactor.WithFilter(filter.NewChain(clientTLS, nulFrames(t, 1024))))
	link(t, server, client)

	// the handshake is most likely still running here
	_, err := client.Send([]byte("last-words"))
	require.NoError(t, err)
	require.NoError(t, client.Close())

	waitClosed(t, client)
	assert.NoError(t, client.Err())
	assert.Equal(t, []api.OOBType{api.OOBCloseUser}, cli.Closing())
	require.Eventually(t, func() bool { return len(srv.Frames()) == 1 }, testTimeout, testTick)
	assert.Equal(t, []string{"last-words"}, srv.Frames())
	waitClosed(t, server)
}

func TestHandlerPanicStopsOnlyItsThread(t *testing.T) {
	r, err := reactor.New(reactor.WithIOThreads(2), reactor.WithSelectTimeout(50*time.Millisecond))
	require.NoError(t, err)
	defer r.Shutdown()

	cli := newRecorder()
	faulty := &adapters.HandlerFuncs{
		Receive: func(api.Conn, []byte) { panic("handler bug") },
	}
	server, client := r.NewConnection(faulty), r.NewConnection(cli.handler())
	link(t, server, client)
	require.NotEqual(t, server.ThreadID(), client.ThreadID())

	_, err = client.Send([]byte("x"))
	require.NoError(t, err)

	waitClosed(t, server)
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(server.Err()), "%v", server.Err())
	assert.True(t, errors.Is(server.Err(), api.ErrReactorClosed))

	// the peer sees an orderly end of stream from the surviving thread
	waitClosed(t, client)
	assert.NoError(t, client.Err())
	assert.Equal(t, []api.OOBType{api.OOBCloseEOS}, cli.Closing())

	err = r.Shutdown()
	assert.Equal(t, api.ErrCodeInternal, api.CodeOf(err), "%v", err)
}

func TestCustomOOB(t *testing.T) {
	r := newReactor(t)
	rec := newRecorder()
	server, client := r.NewConnection(nil), r.NewConnection(rec.handler())
	link(t, server, client)

	require.NoError(t, client.SendOOB(api.OOBEvent{Type: api.OOBCustom, Source: "ping"}))
	require.Eventually(t, func() bool { return len(rec.OOBs()) == 1 }, testTimeout, testTick)
	assert.Equal(t, "ping", rec.OOBs()[0].Source)

	err := client.SendOOB(api.OOBEvent{Type: api.OOBBind})
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}

func TestOversizeFrameFailsConnection(t *testing.T) {
	r := newReactor(t)
	srv := newRecorder()
	server := r.NewConnection(srv.handler(), reactor.WithFilter(nulFrames(t, 8)))
	client := r.NewConnection(nil)
	link(t, server, client)

	_, err := client.Send([]byte("ok\x00this frame is too long\x00"))
	require.NoError(t, err)
	waitClosed(t, server)
	assert.Equal(t, []string{"ok"}, srv.Frames())
	assert.Equal(t, api.ErrCodeProtocol, api.CodeOf(server.Err()))
	assert.True(t, errors.Is(server.Err(), api.ErrFrameTooLarge))
	assert.Equal(t, []api.OOBType{api.OOBCloseError}, srv.Closing())
}

func TestOutboundOversizeIsCallerError(t *testing.T) {
	r := newReactor(t)
	server := r.NewConnection(nil)
	client := r.NewConnection(nil, reactor.WithFilter(nulFrames(t, 4)))
	link(t, server, client)

	_, err := client.Send([]byte("too long"))
	require.True(t, errors.Is(err, api.ErrFrameTooLarge), "%v", err)
	_, err = client.Send([]byte("ok"))
	assert.NoError(t, err)
	assert.Equal(t, reactor.StateActive, client.State())
}

func TestShutdownFailsConnections(t *testing.T) {
	r, err := reactor.New(reactor.WithIOThreads(1), reactor.WithSelectTimeout(50*time.Millisecond))
	require.NoError(t, err)
	srv := newRecorder()
	server, client := r.NewConnection(srv.handler()), r.NewConnection(nil)
	link(t, server, client)
	pending := r.NewConnection(nil)
	require.NoError(t, pending.Accept("127.0.0.1:0"))
	listenAddr(t, pending)

	require.NoError(t, r.Shutdown())
	require.NoError(t, r.Shutdown())
	for _, c := range []*reactor.Connection{server, client, pending} {
		waitClosed(t, c)
		assert.True(t, errors.Is(c.Err(), api.ErrReactorClosed), "%s: %v", c.Name(), c.Err())
	}
	assert.Equal(t, []api.OOBType{api.OOBCloseError}, srv.Closing())

	_, err = r.Backlog()
	assert.True(t, errors.Is(err, api.ErrReactorClosed))
	err = r.NewConnection(nil).Accept("127.0.0.1:0")
	assert.True(t, errors.Is(err, api.ErrReactorClosed))
}

func TestDefaultReactor(t *testing.T) {
	a, err := reactor.Default()
	require.NoError(t, err)
	b, err := reactor.Default()
	require.NoError(t, err)
	assert.Same(t, a, b)
	require.NoError(t, reactor.ShutdownDefault())
	require.NoError(t, reactor.ShutdownDefault())
}

func TestNewRejectsBadOptions(t *testing.T) {
	_, err := reactor.New(reactor.WithIOThreads(-1))
	assert.Equal(t, api.ErrCodeConfig, api.CodeOf(err))
	_, err = reactor.New(reactor.WithBacklog(0))
	assert.True(t, errors.Is(err, api.ErrInvalidArgument))
}
