//go:build linux
// +build linux

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/victorlira/hazelcast/engine"
	"github.com/victorlira/hazelcast/internal/logging"
	uringnet "github.com/victorlira/hazelcast/net"
	"github.com/victorlira/hazelcast/reactor"
)

const (
	modeReactor = "reactor"
	modeNet     = "net"
)

var mode = flag.String("mode", modeReactor, "echo implementation: reactor/net")
var backend = flag.String("backend", "uring", "reactor backend: uring/poll")
var reactorCount = flag.Int("reactors", runtime.NumCPU(), "reactors count")
var metricsAddr = flag.String("metrics", "", "address to serve prometheus metrics on, disabled when empty")

// echoReader writes back everything it reads.
type echoReader struct {
	socket *reactor.AsyncSocket
}

func (e *echoReader) Init(socket *reactor.AsyncSocket) {
	e.socket = socket
}

func (e *echoReader) OnRead(buf []byte) {
	if !e.socket.WriteAndFlush(append([]byte(nil), buf...)) {
		e.socket.Close()
	}
}

func main() {
	flag.Parse()
	port, _ := strconv.Atoi(flag.Arg(0))

	backendType, err := reactor.ParseBackendType(*backend)
	checkErr(err)

	registry := prometheus.NewRegistry()

	b := engine.NewBuilder()
	b.ReactorCount = *reactorCount
	b.Reactor = func(i int) *reactor.Builder {
		rb := reactor.NewBuilder()
		rb.Name = fmt.Sprintf("echo-%d", i)
		rb.Backend = backendType
		rb.Registerer = registry
		return rb
	}
	e, err := b.Build()
	checkErr(err)
	checkErr(e.Start())

	address := net.JoinHostPort("", strconv.Itoa(port))
	switch *mode {
	case modeReactor:
		// every reactor listens on the same port, the kernel spreads connections
		for _, r := range e.Reactors() {
			serveReactor(r, address)
		}
	case modeNet:
		serveNet(e.Next(), address)
	default:
		log.Fatalf("unknown mode %q", *mode)
	}

	if *metricsAddr != "" {
		go func() {
			checkErr(http.ListenAndServe(*metricsAddr, promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
		}()
	}

	fmt.Printf("%s echo server (%s, %d reactors) listening for connections on port: %d\n", *mode, backendType, e.ReactorCount(), port)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	e.Shutdown()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	checkErr(e.AwaitTermination(ctx))
}

func serveReactor(r *reactor.Reactor, address string) {
	sb, err := r.NewAsyncServerSocketBuilder()
	checkErr(err)
	sb.ReusePort = true
	sb.AcceptFn = func(req *reactor.AcceptRequest) {
		b, err := req.Reactor().NewAsyncSocketBuilder(req)
		if err != nil {
			log.Println("accept:", err)
			return
		}
		b.Reader = &echoReader{}
		socket, err := b.Build()
		if err != nil {
			log.Println("accept:", err)
			return
		}
		if err = socket.Start(); err != nil {
			log.Println("accept:", err)
		}
	}

	server, err := sb.Build()
	checkErr(err)
	checkErr(server.Bind(address))
	checkErr(server.Start())
}

func serveNet(r *reactor.Reactor, address string) {
	l, err := uringnet.ListenWithLogger(r, address, logging.New("echo.net"))
	checkErr(err)

	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = io.Copy(conn, conn)
			}()
		}
	}()
}

func checkErr(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
