// Package mockworker implements an in-process conversion worker.
// It speaks every codec of the protocol package and is used by tests
// and by the mockworker command for local experiments.
package mockworker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/protocol"
)

// Produces the response to a request.
// Returning nil drops the connection without answering.
type Handler func(req *protocol.Request) *protocol.Response

// Converts every payload into a trivial math element.
func Echo(req *protocol.Request) *protocol.Response {
	return &protocol.Response{
		StatusCode: protocol.StatusOK,
		Status:     "No obvious problems",
		Result:     "<math>" + req.Payload + "</math>",
	}
}

// Wraps a handler, making every nth conversion fail with a worker reported error.
func FailEvery(n int, next Handler) Handler {
	var count atomic.Int64
	return func(req *protocol.Request) *protocol.Response {
		if n > 0 && req.Kind == protocol.RequestConvert && req.Payload != protocol.InitSource {
			if count.Add(1)%int64(n) == 0 {
				return &protocol.Response{
					StatusCode: protocol.StatusError,
					Status:     "Error:undefined:\\foo",
					Log:        "Error:undefined:\\foo The control sequence \\foo is undefined.",
				}
			}
		}
		return next(req)
	}
}

// Wraps a handler, delaying every response.
func Delay(delay time.Duration, next Handler) Handler {
	return func(req *protocol.Request) *protocol.Response {
		time.Sleep(delay)
		return next(req)
	}
}

type Worker struct {
	codec    protocol.Codec
	handler  Handler
	listener net.Listener

	mu       sync.Mutex
	conns    map[net.Conn]struct{}
	requests []protocol.Request
	closed   bool

	wg sync.WaitGroup

	connections atomic.Int64
}

// Creates a worker answering requests with the given handler.
func New(codec protocol.Codec, handler Handler) *Worker {
	if handler == nil {
		handler = Echo
	}
	return &Worker{
		codec:   codec,
		handler: handler,
		conns:   map[net.Conn]struct{}{},
	}
}

// Starts listening on address and serves connections in the background.
// Use port 0 to pick a free port.
func (w *Worker) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	w.listener = listener
	log.Debug("new - mockworker - addr:", listener.Addr().String())

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.serve()
	}()

	return nil
}

// Serves until the context is cancelled.
func (w *Worker) ListenAndServe(ctx context.Context, address string) error {
	if err := w.Listen(address); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Close()
}

func (w *Worker) Addr() string {
	return w.listener.Addr().String()
}

func (w *Worker) Port() int {
	_, port, _ := net.SplitHostPort(w.Addr())
	value, _ := strconv.Atoi(port)
	return value
}

// Number of accepted connections.
func (w *Worker) Connections() int {
	return int(w.connections.Load())
}

// Returns a copy of all requests received so far.
func (w *Worker) Requests() []protocol.Request {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]protocol.Request(nil), w.requests...)
}

// Returns the payloads of all received requests, in arrival order.
func (w *Worker) Payloads() []string {
	var payloads []string
	for _, req := range w.Requests() {
		payloads = append(payloads, req.Payload)
	}
	return payloads
}

// Drops every open connection, keeping the listener.
func (w *Worker) Disconnect() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for conn := range w.conns {
		conn.Close()
	}
}

// Stops listening and drops all connections.
func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	if w.listener == nil {
		return nil
	}

	err := w.listener.Close()
	w.Disconnect()
	w.wg.Wait()

	log.Debug("del - mockworker - addr:", w.Addr())
	return err
}

func (w *Worker) serve() {
	for {
		conn, err := w.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn("err - mockworker - accept:", err)
			}
			return
		}

		w.mu.Lock()
		if w.closed {
			w.mu.Unlock()
			conn.Close()
			return
		}
		w.conns[conn] = struct{}{}
		w.mu.Unlock()

		w.connections.Add(1)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.handleConnection(conn)
		}()
	}
}

func (w *Worker) handleConnection(conn net.Conn) {
	defer func() {
		w.mu.Lock()
		delete(w.conns, conn)
		w.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)

	for {
		req, err := w.codec.ReadRequest(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				log.Debug("err - mockworker - read:", err)
			}
			return
		}

		w.mu.Lock()
		w.requests = append(w.requests, *req)
		w.mu.Unlock()

		resp := w.handler(req)
		if resp == nil {
			log.Trace("int - mockworker - dropping connection")
			return
		}

		if err := w.codec.WriteResponse(conn, resp); err != nil {
			log.Debug("err - mockworker - write:", err)
			return
		}

		if !w.codec.KeepAlive() {
			return
		}
	}
}

func (w *Worker) String() string {
	return fmt.Sprintf("mockworker(%s, %s)", w.codec.Name(), w.Addr())
}
