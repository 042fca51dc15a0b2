// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package connection owns one backend TCP (optionally TLS) socket: dial,
// reconnect with bounded attempts/delay, keepalive, idle tracking, and the
// single reader goroutine that feeds the connection's ResponseParser and
// drains its Pipeline.
package connection

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	perrors "github.com/jordan-breton/uws-reverse-proxy/pkg/errors"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/pipeline"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/respparser"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/sender"
)

// State is a Connection's lifecycle stage. Transitions only ever move
// forward: Connecting -> Connected -> Closed.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Options configures reconnection, keepalive, and the owned Pipeline/Sender.
type Options struct {
	ReconnectionAttempts int
	ReconnectionDelay    time.Duration
	KeepAlive            time.Duration
	KeepAliveInitialDelay time.Duration // accepted for interface parity; net.TCPConn exposes only a period, not a separate initial delay
	ConnectionTimeout    time.Duration // dial timeout; the Client also evicts an available connection idle for longer than this
	Timeout              time.Duration // per-request response timeout
	MaxPipelinedRequestsByConnection int
	MaxStackedBuffers    int
}

// DefaultOptions mirrors the reverse proxy's documented Client defaults.
func DefaultOptions() Options {
	return Options{
		ReconnectionAttempts:             3,
		ReconnectionDelay:                1000 * time.Millisecond,
		KeepAlive:                        5000 * time.Millisecond,
		KeepAliveInitialDelay:            1000 * time.Millisecond,
		ConnectionTimeout:                5000 * time.Millisecond,
		Timeout:                          300000 * time.Millisecond,
		MaxPipelinedRequestsByConnection: 100000,
		MaxStackedBuffers:                4096,
	}
}

// Connection is one backend socket with its own parser, pipeline, and
// sender. Exactly one goroutine (the read loop) ever mutates the parser or
// feeds the pipeline; Send may be called from any goroutine but serializes
// its own socket writes so pipelined requests land on the wire back to
// back.
type Connection struct {
	host string
	port string
	sessionID string
	tlsConfig *tls.Config
	opts Options
	logger *slog.Logger

	onClosed func(*Connection, error)

	state atomic.Int32
	lastActivity atomic.Int64 // unix nano

	mu   sync.Mutex
	conn net.Conn

	sendMu sync.Mutex

	reopenAttempts int

	pipeline *pipeline.Pipeline
	sender   *sender.Sender
	parser   *respparser.Parser

	stopCh    chan struct{}
	closeOnce sync.Once

	ready     chan struct{} // closed once the connection leaves Connecting, one way or another
	readyOnce sync.Once

	dial func(network, addr string, timeout time.Duration) (net.Conn, error)
}

// New creates a Connection and immediately starts dialing in the
// background. onClosed, if non-nil, is invoked exactly once when the
// connection terminates for any reason, so the owning pool can drop it.
func New(host, port string, tlsConfig *tls.Config, opts Options, logger *slog.Logger, onClosed func(*Connection, error)) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		host:      host,
		port:      port,
		sessionID: uuid.New().String(),
		tlsConfig: tlsConfig,
		opts:      opts,
		logger:    logger,
		onClosed:  onClosed,
		stopCh:    make(chan struct{}),
		ready:     make(chan struct{}),
		dial:      dialTCP,
	}
	c.pipeline = pipeline.New(opts.MaxPipelinedRequestsByConnection)
	c.sender = sender.New(opts.MaxStackedBuffers, logger)
	c.parser = respparser.New(respparser.SinkFunc(func(e respparser.Event) {
		c.pipeline.OnEvent(e)
		if ev, ok := e.(respparser.FatalEvent); ok {
			code := perrors.CodeInvalidContentLength
			if ev.Code == respparser.InvalidChunkSize {
				code = perrors.CodeInvalidChunkSize
			}
			c.terminate(perrors.New("parse", code, c.Key(), fmt.Errorf("malformed backend response")))
		}
	}))
	c.state.Store(int32(StateConnecting))

	go c.connectLoop()
	return c
}

// Key identifies this connection's backend target, matching the pool's
// keying scheme.
func (c *Connection) Key() string { return c.host + ":" + c.port }

// SessionID uniquely identifies this Connection across its lifetime, for
// correlating log lines belonging to the same backend socket.
func (c *Connection) SessionID() string { return c.sessionID }

// State returns the connection's current lifecycle stage.
func (c *Connection) State() State { return State(c.state.Load()) }

// LastActivity returns the time of the most recent socket read or connect.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// IsAvailable reports whether the connection is connected and its pipeline
// can accept another request.
func (c *Connection) IsAvailable() bool {
	return c.State() == StateConnected && c.pipeline.AcceptsMoreRequests()
}

func dialTCP(network, addr string, timeout time.Duration) (net.Conn, error) {
	d := net.Dialer{Timeout: timeout}
	return d.Dial(network, addr)
}

func (c *Connection) connectLoop() {
	addr := net.JoinHostPort(c.host, c.port)
	for {
		conn, err := c.dial("tcp", addr, c.opts.ConnectionTimeout)
		if err != nil {
			if isConnRefused(err) && c.reopenAttempts < c.opts.ReconnectionAttempts {
				c.reopenAttempts++
				c.logger.Warn("backend connection refused, retrying",
					slog.String("backend", c.Key()),
					slog.String("session", c.sessionID),
					slog.Int("attempt", c.reopenAttempts))
				select {
				case <-time.After(c.opts.ReconnectionDelay):
					continue
				case <-c.stopCh:
					return
				}
			}
			c.terminate(perrors.New("dial", perrors.CodeConnRefused, c.Key(), err))
			return
		}

		if c.tlsConfig != nil {
			tlsConn := tls.Client(conn, c.tlsConfig)
			if err := tlsConn.Handshake(); err != nil {
				conn.Close()
				c.terminate(perrors.New("tls-handshake", perrors.CodeConnReset, c.Key(), err))
				return
			}
			conn = tlsConn
		} else if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetKeepAlive(true)
			tcpConn.SetKeepAlivePeriod(c.opts.KeepAlive)
		}

		c.mu.Lock()
		c.conn = conn
		c.mu.Unlock()
		c.reopenAttempts = 0
		c.touch()
		c.state.Store(int32(StateConnected))
		c.markReady()

		go c.readLoop(conn)
		return
	}
}

// Ready returns a channel closed once the connection has left Connecting,
// whether it succeeded or failed. Callers that created the connection
// eagerly (the Client's pool on a cache miss) wait on this before sending.
func (c *Connection) Ready() <-chan struct{} { return c.ready }

func (c *Connection) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *Connection) readLoop(conn net.Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			c.touch()
			c.parser.Feed(buf[:n])
		}
		if err != nil {
			c.handleReadError(err)
			return
		}
	}
}

func (c *Connection) handleReadError(err error) {
	if errors.Is(err, io.EOF) {
		c.parser.Close()
		c.terminate(perrors.New("read", perrors.CodeConnReset, c.Key(), err))
		return
	}
	if isConnAborted(err) {
		c.terminate(perrors.New("read", perrors.CodeRecipientAborted, c.Key(), err))
		return
	}
	c.terminate(perrors.New("read", perrors.CodeConnReset, c.Key(), err))
}

// Send writes req's head and (if present) body onto the connection's
// socket, serialized with any other in-flight Send on this Connection so
// pipelined requests remain strictly ordered on the wire. It returns once
// the request has been written, not once it has been answered; use the
// req.Reply surface (driven asynchronously by the read loop) to observe
// completion.
func (c *Connection) Send(req *request.Request) error {
	if c.State() != StateConnected {
		return perrors.New("send", perrors.CodeConnReset, c.Key(), fmt.Errorf("connection is %s", c.State()))
	}

	done := make(chan error, 1)
	c.sendMu.Lock()
	if err := c.pipeline.ScheduleSend(req, func(started bool, err error) {
		select {
		case done <- err:
		default:
		}
	}); err != nil {
		c.sendMu.Unlock()
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	writeErr := c.sender.Send(conn, req)
	c.sendMu.Unlock()

	if writeErr != nil {
		c.terminate(writeErr)
		return writeErr
	}

	if c.opts.Timeout > 0 {
		go c.watchTimeout(done)
	}
	return nil
}

func (c *Connection) watchTimeout(done <-chan error) {
	timer := time.NewTimer(c.opts.Timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		c.terminate(perrors.New("timeout", perrors.CodeTimedOut, c.Key(), fmt.Errorf("no response within %s", c.opts.Timeout)))
	}
}

// Close tears the connection down deliberately (idle eviction, pool
// shutdown). Safe to call more than once and concurrently with the read
// loop's own teardown.
func (c *Connection) Close() {
	c.terminate(perrors.New("close", perrors.CodeConnAborted, c.Key(), errors.New("connection closed by pool")))
}

func (c *Connection) terminate(err error) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.stopCh)
		c.markReady()

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			conn.Close()
		}

		c.pipeline.Close(err)
		c.sender.Close()

		if c.onClosed != nil {
			c.onClosed(c, err)
		}
	})
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isConnAborted(err error) bool {
	return errors.Is(err, syscall.ECONNABORTED)
}
