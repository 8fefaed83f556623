//go:build linux

package reactor

import (
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/libp2p/go-sockaddr"
	sockaddrnet "github.com/libp2p/go-sockaddr/net"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"
)

const waitFor = 5 * time.Second

type ReactorTestSuite struct {
	suite.Suite

	backend  BackendType
	registry *prometheus.Registry
	reactor  *Reactor
}

func (ts *ReactorTestSuite) SetupTest() {
	ts.registry = prometheus.NewRegistry()
	ts.reactor = ts.newReactor(func(b *Builder) {
		b.Registerer = ts.registry
	})
	ts.Require().NoError(ts.reactor.Start())
}

func (ts *ReactorTestSuite) TearDownTest() {
	ts.reactor.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ts.Require().NoError(ts.reactor.AwaitTermination(ctx))
	ts.Equal(Terminated, ts.reactor.State())
}

func (ts *ReactorTestSuite) newReactor(configure func(b *Builder)) *Reactor {
	b := NewBuilder()
	b.Name = ts.T().Name()
	b.Backend = ts.backend
	b.ParkTimeout = 50 * time.Millisecond
	if configure != nil {
		configure(b)
	}

	r, err := b.Build()
	if ts.backend == BackendIoUring && err != nil {
		ts.T().Skipf("io_uring is not available: %v", err)
	}
	ts.Require().NoError(err)
	return r
}

// echoReader writes back everything it reads.
type echoReader struct {
	socket *AsyncSocket
}

func (r *echoReader) Init(socket *AsyncSocket) {
	r.socket = socket
}

func (r *echoReader) OnRead(buf []byte) {
	r.socket.WriteAndFlush(append([]byte(nil), buf...))
}

// chanReader forwards copies of what it reads.
type chanReader struct {
	reads chan []byte
}

func (r *chanReader) Init(*AsyncSocket) {}

func (r *chanReader) OnRead(buf []byte) {
	r.reads <- append([]byte(nil), buf...)
}

func (ts *ReactorTestSuite) startServer(acceptFn func(req *AcceptRequest)) *AsyncServerSocket {
	b, err := ts.reactor.NewAsyncServerSocketBuilder()
	ts.Require().NoError(err)
	b.AcceptFn = acceptFn

	server, err := b.Build()
	ts.Require().NoError(err)
	ts.Require().NoError(server.Bind("127.0.0.1:0"))
	ts.Require().NoError(server.Start())
	return server
}

func (ts *ReactorTestSuite) echoAcceptFn(closed chan<- error) func(req *AcceptRequest) {
	// runs on the reactor goroutine, so no Require
	return func(req *AcceptRequest) {
		b, err := req.Reactor().NewAsyncSocketBuilder(req)
		if !ts.NoError(err) {
			return
		}
		b.Reader = &echoReader{}
		if closed != nil {
			b.CloseFn = func(_ *AsyncSocket, err error) { closed <- err }
		}

		socket, err := b.Build()
		if ts.NoError(err) {
			ts.NoError(socket.Start())
		}
	}
}

func (ts *ReactorTestSuite) TestServerSocketRequiresAcceptFn() {
	b, err := ts.reactor.NewAsyncServerSocketBuilder()
	ts.Require().NoError(err)

	_, err = b.Build()
	ts.True(errors.Is(err, errors.NotValid))
	ts.Zero(ts.reactor.SocketCount())
}

func (ts *ReactorTestSuite) TestSocketRequiresReader() {
	b, err := ts.reactor.NewAsyncSocketBuilder(nil)
	ts.Require().NoError(err)

	_, err = b.Build()
	ts.True(errors.Is(err, errors.NotValid))
}

func (ts *ReactorTestSuite) TestBindAndStart() {
	server := ts.startServer(func(*AcceptRequest) {})

	ts.False(server.IsClosed())
	ts.Positive(server.LocalPort())
	ts.Equal(1, ts.reactor.SocketCount())

	ts.ErrorIs(server.Start(), ErrSocketState)
	ts.ErrorIs(server.Bind("127.0.0.1:0"), ErrSocketState)

	server.Close()
	ts.True(server.IsClosed())
	server.Close()

	ts.Eventually(func() bool { return ts.reactor.SocketCount() == 0 }, waitFor, 10*time.Millisecond)
}

func (ts *ReactorTestSuite) TestEcho() {
	closed := make(chan error, 1)
	server := ts.startServer(ts.echoAcceptFn(closed))

	conn, err := net.Dial("tcp", server.LocalAddress().String())
	ts.Require().NoError(err)

	for _, msg := range []string{"hello", "thread per core", "bye"} {
		_, err = conn.Write([]byte(msg))
		ts.Require().NoError(err)

		got := make([]byte, len(msg))
		ts.Require().NoError(conn.SetReadDeadline(time.Now().Add(waitFor)))
		_, err = io.ReadFull(conn, got)
		ts.Require().NoError(err)
		ts.Equal(msg, string(got))
	}

	ts.Require().NoError(conn.Close())
	select {
	case err := <-closed:
		ts.Error(err, "closed by peer")
	case <-time.After(waitFor):
		ts.Fail("accepted socket was not closed")
	}
	ts.Eventually(func() bool { return ts.reactor.SocketCount() == 1 }, waitFor, 10*time.Millisecond)
}

func (ts *ReactorTestSuite) TestLargeWrite() {
	server := ts.startServer(ts.echoAcceptFn(nil))

	conn, err := net.Dial("tcp", server.LocalAddress().String())
	ts.Require().NoError(err)
	defer conn.Close()

	payload := make([]byte, 1<<20)
	for i := range payload {
		payload[i] = byte(i)
	}

	go func() {
		_, _ = conn.Write(payload)
	}()

	got := make([]byte, len(payload))
	ts.Require().NoError(conn.SetReadDeadline(time.Now().Add(4 * waitFor)))
	_, err = io.ReadFull(conn, got)
	ts.Require().NoError(err)
	ts.Equal(payload, got)

	ts.Eventually(func() bool {
		return testutil.ToFloat64(ts.reactor.Metrics().writtenBytes) >= float64(len(payload))
	}, waitFor, 10*time.Millisecond)
}

func (ts *ReactorTestSuite) TestConnect() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	ts.Require().NoError(err)
	defer l.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := l.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	b, err := ts.reactor.NewAsyncSocketBuilder(nil)
	ts.Require().NoError(err)
	reader := &chanReader{reads: make(chan []byte, 16)}
	b.Reader = reader
	client, err := b.Build()
	ts.Require().NoError(err)

	connected := client.Connect(l.Addr())
	ts.ErrorIs(<-connected, ErrSocketState, "connect before start")

	ts.Require().NoError(client.Start())
	select {
	case err := <-client.Connect(l.Addr()):
		ts.Require().NoError(err)
	case <-time.After(waitFor):
		ts.FailNow("connect timed out")
	}

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(waitFor):
		ts.FailNow("accept timed out")
	}
	defer server.Close()

	ts.Equal(l.Addr().String(), client.RemoteAddress().String())
	ts.Eventually(func() bool { return client.LocalAddress() != nil }, waitFor, 10*time.Millisecond)

	ts.True(client.WriteAndFlush([]byte("ping")))
	got := make([]byte, 4)
	ts.Require().NoError(server.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = io.ReadFull(server, got)
	ts.Require().NoError(err)
	ts.Equal("ping", string(got))

	_, err = server.Write([]byte("pong"))
	ts.Require().NoError(err)
	select {
	case buf := <-reader.reads:
		ts.Equal("pong", string(buf))
	case <-time.After(waitFor):
		ts.Fail("nothing read")
	}

	client.Close()
	ts.True(client.IsClosed())
	ts.False(client.Write([]byte("late")))
	ts.NoError(client.CloseErr())
}

func (ts *ReactorTestSuite) TestConnectRefused() {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	ts.Require().NoError(err)
	addr := l.Addr()
	ts.Require().NoError(l.Close())

	b, err := ts.reactor.NewAsyncSocketBuilder(nil)
	ts.Require().NoError(err)
	b.Reader = DevNullReader{}
	client, err := b.Build()
	ts.Require().NoError(err)
	ts.Require().NoError(client.Start())

	select {
	case err := <-client.Connect(addr):
		ts.Error(err)
	case <-time.After(waitFor):
		ts.FailNow("connect timed out")
	}
	ts.Eventually(client.IsClosed, waitFor, 10*time.Millisecond)
	ts.Error(client.CloseErr())
}

func (ts *ReactorTestSuite) TestAcceptRequestNotTakenIsClosed() {
	server := ts.startServer(func(*AcceptRequest) {})

	conn, err := net.Dial("tcp", server.LocalAddress().String())
	ts.Require().NoError(err)
	defer conn.Close()

	ts.Require().NoError(conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, err = conn.Read(make([]byte, 1))
	ts.ErrorIs(err, io.EOF)
}

func (ts *ReactorTestSuite) TestOfferAndSchedule() {
	ran := make(chan string, 3)

	ts.True(ts.reactor.Offer(func() { ran <- "offered" }))
	ts.Equal("offered", <-ran)

	start := time.Now()
	_, ok := ts.reactor.Schedule(func() { ran <- "scheduled" }, 30*time.Millisecond)
	ts.True(ok)
	cancelled, ok := ts.reactor.Schedule(func() { ran <- "cancelled" }, 10*time.Millisecond)
	ts.True(ok)
	cancelled.Cancel()

	select {
	case name := <-ran:
		ts.Equal("scheduled", name)
		ts.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
	case <-time.After(waitFor):
		ts.Fail("scheduled task did not run")
	}

	ts.True(ts.reactor.Offer(func() { panic("boom") }))
	ts.True(ts.reactor.Offer(func() { ran <- "after panic" }))
	ts.Equal("after panic", <-ran)

	ts.GreaterOrEqual(testutil.ToFloat64(ts.reactor.Metrics().tasks), float64(4))
}

func (ts *ReactorTestSuite) TestMetricsRegistered() {
	n, err := testutil.GatherAndCount(ts.registry, "tpc_reactor_tasks_total", "tpc_reactor_sockets")
	ts.Require().NoError(err)
	ts.Equal(2, n)
}

func (ts *ReactorTestSuite) TestShutdownClosesSockets() {
	accepted := make(chan *AsyncSocket, 1)
	server := ts.startServer(func(req *AcceptRequest) {
		b, err := req.Reactor().NewAsyncSocketBuilder(req)
		if !ts.NoError(err) {
			return
		}
		b.Reader = DevNullReader{}
		socket, err := b.Build()
		if ts.NoError(err) && ts.NoError(socket.Start()) {
			accepted <- socket
		}
	})

	conn, err := net.Dial("tcp", server.LocalAddress().String())
	ts.Require().NoError(err)
	defer conn.Close()

	var socket *AsyncSocket
	select {
	case socket = <-accepted:
	case <-time.After(waitFor):
		ts.FailNow("nothing accepted")
	}

	ts.reactor.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	ts.Require().NoError(ts.reactor.AwaitTermination(ctx))

	ts.True(server.IsClosed())
	ts.True(socket.IsClosed())
	ts.Zero(ts.reactor.SocketCount())
	ts.False(ts.reactor.Offer(func() {}))

	_, err = ts.reactor.NewAsyncServerSocketBuilder()
	ts.ErrorIs(err, ErrReactorNotRunning)
}

func TestPollReactor(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite.Run(t, &ReactorTestSuite{backend: BackendPoll})
}

func TestIoUringReactor(t *testing.T) {
	defer goleak.VerifyNone(t)
	suite.Run(t, &ReactorTestSuite{backend: BackendIoUring})
}

func TestBuildersRequireRunningReactor(t *testing.T) {
	b := NewBuilder()
	b.Backend = BackendPoll
	r, err := b.Build()
	require.NoError(t, err)

	_, err = r.NewAsyncServerSocketBuilder()
	assert.ErrorIs(t, err, ErrReactorNotRunning)
	_, err = r.NewAsyncSocketBuilder(nil)
	assert.ErrorIs(t, err, ErrReactorNotRunning)

	require.NoError(t, r.Start())
	assert.ErrorIs(t, r.Start(), ErrReactorState)

	_, err = r.NewAsyncServerSocketBuilder()
	assert.NoError(t, err)
	_, err = r.NewAsyncSocketBuilder(nil)
	assert.NoError(t, err)

	r.Shutdown()
	require.NoError(t, r.AwaitTermination(context.Background()))
}

func TestShutdownUnstartedReactor(t *testing.T) {
	b := NewBuilder()
	b.Backend = BackendPoll
	r, err := b.Build()
	require.NoError(t, err)

	r.Shutdown()
	assert.Equal(t, Terminated, r.State())
	assert.NoError(t, r.AwaitTermination(context.Background()))
	assert.ErrorIs(t, r.Start(), ErrReactorState)
}

func buildTestReactor(t *testing.T, backend BackendType, configure func(b *Builder)) *Reactor {
	b := NewBuilder()
	b.Name = t.Name()
	b.Backend = backend
	if configure != nil {
		configure(b)
	}
	r, err := b.Build()
	if backend == BackendIoUring && err != nil {
		t.Skipf("io_uring is not available: %v", err)
	}
	require.NoError(t, err)
	return r
}

func TestShutdownConcurrentWithWakeups(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, backend := range []BackendType{BackendPoll, BackendIoUring} {
		t.Run(backend.String(), func(t *testing.T) {
			for i := 0; i < 20; i++ {
				r := buildTestReactor(t, backend, func(b *Builder) {
					b.Spin = true
				})
				require.NoError(t, r.Start())

				wg := &sync.WaitGroup{}
				wg.Add(2)
				go func() {
					defer wg.Done()
					r.Shutdown()
				}()
				go func() {
					defer wg.Done()
					for j := 0; j < 100; j++ {
						r.Offer(func() {})
						r.Shutdown()
					}
				}()
				wg.Wait()

				ctx, cancel := context.WithTimeout(context.Background(), waitFor)
				require.NoError(t, r.AwaitTermination(ctx))
				cancel()
			}
		})
	}
}

func TestWakeupAfterTerminationIsNoop(t *testing.T) {
	for _, backend := range []BackendType{BackendPoll, BackendIoUring} {
		t.Run(backend.String(), func(t *testing.T) {
			r := buildTestReactor(t, backend, nil)
			require.NoError(t, r.Start())
			r.Shutdown()
			require.NoError(t, r.AwaitTermination(context.Background()))

			// the descriptor numbers the backend released are handed out again
			var p [2]int
			require.NoError(t, unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
			defer unix.Close(p[0])
			defer unix.Close(p[1])

			assert.NoError(t, r.backend.wakeup())
			r.Shutdown()

			_, err := unix.Read(p[0], make([]byte, 8))
			assert.Equal(t, unix.EAGAIN, err)
		})
	}
}

func TestIoUringParkTimeoutShortened(t *testing.T) {
	r := buildTestReactor(t, BackendIoUring, nil)
	defer r.Shutdown()

	b := r.backend.(*IoUringBackend)
	// the path of kernels without IORING_ENTER_EXT_ARG
	b.extArg = false

	require.True(t, b.armTimeout(time.Hour))
	_, err := b.ring.Submit()
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 10 && (i == 0 || b.timeoutArmed); i++ {
		require.NoError(t, b.park(50*time.Millisecond))
		b.processEvents()
	}
	assert.False(t, b.timeoutArmed)
	assert.Less(t, time.Since(start), waitFor)
}

func TestSockaddrConversions(t *testing.T) {
	addr := &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5701}

	sa := sockaddrnet.NetAddrToSockaddr(addr)
	require.IsType(t, &unix.SockaddrInet4{}, sa)
	assert.Equal(t, addr.String(), tcpAddr(sa).String())

	// the raw form handed to io_uring accept and connect
	raw, l, err := sockaddr.SockaddrToAny(sa)
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.SizeofSockaddrInet4), uint32(l))
	back, err := sockaddr.AnyToSockaddr(raw)
	require.NoError(t, err)
	assert.Equal(t, addr.String(), tcpAddr(back).String())

	assert.Nil(t, tcpAddr(&unix.SockaddrUnix{Name: "/tmp/x"}))
}

func TestMaxSockets(t *testing.T) {
	b := NewBuilder()
	b.Backend = BackendPoll
	b.MaxSockets = 1
	r, err := b.Build()
	require.NoError(t, err)
	require.NoError(t, r.Start())
	defer func() {
		r.Shutdown()
		require.NoError(t, r.AwaitTermination(context.Background()))
	}()

	build := func() error {
		sb, err := r.NewAsyncServerSocketBuilder()
		require.NoError(t, err)
		sb.AcceptFn = func(*AcceptRequest) {}
		_, err = sb.Build()
		return err
	}
	assert.NoError(t, build())
	assert.ErrorIs(t, build(), ErrTooManySockets)
}

func TestAcceptRequestFromOtherReactor(t *testing.T) {
	reactors := make([]*Reactor, 2)
	for i := range reactors {
		b := NewBuilder()
		b.Backend = BackendPoll
		r, err := b.Build()
		require.NoError(t, err)
		require.NoError(t, r.Start())
		reactors[i] = r
	}
	defer func() {
		for _, r := range reactors {
			r.Shutdown()
			require.NoError(t, r.AwaitTermination(context.Background()))
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	var buildErr error
	sb, err := reactors[0].NewAsyncServerSocketBuilder()
	require.NoError(t, err)
	sb.AcceptFn = func(req *AcceptRequest) {
		defer wg.Done()
		_, buildErr = reactors[1].NewAsyncSocketBuilder(req)
	}
	server, err := sb.Build()
	require.NoError(t, err)
	require.NoError(t, server.Bind("127.0.0.1:0"))
	require.NoError(t, server.Start())

	conn, err := net.Dial("tcp", server.LocalAddress().String())
	require.NoError(t, err)
	defer conn.Close()

	wg.Wait()
	assert.True(t, errors.Is(buildErr, errors.NotValid))
}

func TestBuilderValidation(t *testing.T) {
	for _, configure := range []func(b *Builder){
		func(b *Builder) { b.MaxSockets = 0 },
		func(b *Builder) { b.ExternalTaskQueueCapacity = -1 },
		func(b *Builder) { b.ParkTimeout = 0 },
		func(b *Builder) { b.RingEntries = 100 },
		func(b *Builder) { b.Backend = BackendType(7) },
	} {
		b := NewBuilder()
		configure(b)
		_, err := b.Build()
		assert.True(t, errors.Is(err, errors.NotValid), "%v", err)
	}
}

func TestParseBackendType(t *testing.T) {
	for s, want := range map[string]BackendType{"io_uring": BackendIoUring, "uring": BackendIoUring, "poll": BackendPoll, "EPOLL": BackendPoll} {
		got, err := ParseBackendType(s)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
		assert.Equal(t, want, must(ParseBackendType(got.String())))
	}
	_, err := ParseBackendType("kqueue")
	assert.Error(t, err)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
