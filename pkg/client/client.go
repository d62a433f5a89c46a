// Package client implements the runner side of the worker protocol.
// A client owns the connection to a single worker endpoint and carries
// at most one exchange at a time.
package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dginev/latexml-runner/pkg/log"
	"github.com/dginev/latexml-runner/pkg/protocol"
	"github.com/dginev/latexml-runner/pkg/utils"
)

var (
	// The worker did not answer before the deadline.
	ErrTimeout = errors.New("timeout")

	// The connection failed or the worker sent an undecodable response.
	ErrConnection = errors.New("connection failure")

	// The session initializer was rejected or could not be delivered.
	ErrSessionInit = errors.New("session initialization failed")

	// The client was closed.
	ErrClosed = errors.New("client closed")
)

type Config struct {
	// Maximum time spent establishing a connection.
	ConnectTimeout time.Duration

	// Maximum time the worker may spend on the session initializer.
	InitTimeout time.Duration

	// Key binding worker side state to this run.
	CacheKey string

	// Conversion options sent with every conversion.
	Options []protocol.Directive
}

type Client struct {
	address string
	codec   protocol.Codec
	config  Config

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	closed bool
}

// Creates a client for the worker listening on address (host:port).
// No connection is made until Dial is called.
func New(address string, codec protocol.Codec, config Config) *Client {
	return &Client{
		address: address,
		codec:   codec,
		config:  config,
	}
}

func (c *Client) Address() string {
	return c.address
}

// Establishes the connection to the worker.
func (c *Client) Dial(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.mu.Unlock()

	_, _, err := c.connection(ctx)
	return err
}

// Sends the session initializer. Must succeed once per fresh session
// before any task is submitted. On failure the connection is discarded.
func (c *Client) InitializeSession(ctx context.Context, preload []string) error {
	req := &protocol.Request{
		Kind:     protocol.RequestInit,
		CacheKey: c.config.CacheKey,
		Payload:  protocol.InitSource,
		Preload:  preload,
		Options:  c.config.Options,
	}

	resp, err := c.exchange(ctx, req, c.config.InitTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionInit, err)
	}

	if resp.StatusCode >= protocol.StatusError {
		c.discard()
		message := fmt.Sprintf("%v: worker status %d: %s", ErrSessionInit, resp.StatusCode, resp.Status)
		return utils.NewDetailedError(message, resp.Log, ErrSessionInit)
	}

	log.Debugf("ini - session - addr: %s, status: %d", c.address, resp.StatusCode)
	return nil
}

// Submits a task and waits for its result.
//
// A nil error means the worker answered, the result then carries the
// worker reported status. ErrTimeout and ErrConnection are returned
// together with a failed result carrying the matching runner status.
// The connection is torn down in both cases and never reused.
func (c *Client) Submit(ctx context.Context, task protocol.Task, timeout time.Duration) (protocol.Result, error) {
	req := &protocol.Request{
		Kind:     protocol.RequestConvert,
		CacheKey: c.config.CacheKey,
		Payload:  task.Payload,
		Options:  c.config.Options,
	}

	resp, err := c.exchange(ctx, req, timeout)
	if errors.Is(err, ErrTimeout) {
		return protocol.Failed(task.Index, protocol.StatusTimeout, err.Error()), err
	} else if err != nil {
		return protocol.Failed(task.Index, protocol.StatusConnection, err.Error()), err
	}

	status := resp.StatusCode
	if status > protocol.StatusFatal {
		// Codes above fatal are reserved for the runner.
		status = protocol.StatusFatal
	}

	result := protocol.Result{
		Index:   task.Index,
		Status:  status,
		Content: resp.Result,
		Log:     resp.Log,
	}
	if status.IsFailure() {
		result.Message = resp.Status
	}

	return result, nil
}

// Drops the current connection, the client stays usable.
// The next Dial or exchange connects again.
func (c *Client) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.discardNoLock()
}

// Tears down the connection for good. Pending exchanges fail with
// ErrConnection, later ones with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return c.discardNoLock()
}

func (c *Client) String() string {
	return fmt.Sprintf("%s://%s", c.codec.Name(), c.address)
}

// Returns the current connection, dialing a new one if needed.
func (c *Client) connection(ctx context.Context) (net.Conn, *bufio.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, nil, ErrClosed
	}

	if c.conn != nil {
		return c.conn, c.reader, nil
	}

	dialer := net.Dialer{Timeout: c.config.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.address)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	log.Trace("new - connection - addr:", c.address)

	c.conn = conn
	c.reader = bufio.NewReader(conn)
	return c.conn, c.reader, nil
}

// Performs a single request/response exchange.
// The connection is discarded on any error and after every exchange of
// a protocol without keep-alive.
func (c *Client) exchange(ctx context.Context, req *protocol.Request, timeout time.Duration) (*protocol.Response, error) {
	conn, reader, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if ctxDeadline, ok := ctx.Deadline(); ok && (deadline.IsZero() || ctxDeadline.Before(deadline)) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		c.discard()
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}

	// Cancellation interrupts blocked reads and writes through the deadline.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	resp, err := c.roundTrip(conn, reader, req)
	if err != nil {
		c.discard()

		switch {
		case ctx.Err() != nil:
			return nil, ctx.Err()
		case errors.Is(err, os.ErrDeadlineExceeded):
			return nil, fmt.Errorf("%w: no response within %s", ErrTimeout, timeout)
		default:
			return nil, fmt.Errorf("%w: %w", ErrConnection, err)
		}
	}

	if !c.codec.KeepAlive() {
		c.discard()
	} else {
		conn.SetDeadline(time.Time{})
	}

	return resp, nil
}

func (c *Client) roundTrip(conn net.Conn, reader *bufio.Reader, req *protocol.Request) (*protocol.Response, error) {
	if err := c.codec.WriteRequest(conn, req); err != nil {
		return nil, err
	}
	return c.codec.ReadResponse(reader)
}

func (c *Client) discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discardNoLock()
}

func (c *Client) discardNoLock() error {
	if c.conn == nil {
		return nil
	}

	log.Trace("del - connection - addr:", c.address)

	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	return err
}
