// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package client implements the keyed backend connection pool: one ordered
// set of Connections per "host:port", lazy creation up to a per-key cap,
// uniform-random selection among available connections, and an idle
// watcher that evicts connections sitting unused past a timeout. Adapted
// from the teacher's generic single-key pkg/pool.Pool into a keyed pool
// whose occupants are connection.Connection objects (each carrying its own
// parser/pipeline/sender) rather than bare net.Conn values.
package client

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/connection"
	perrors "github.com/jordan-breton/uws-reverse-proxy/pkg/errors"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
)

// Client is a keyed pool of backend connections.
type Client struct {
	mu     sync.Mutex
	conns  map[string][]*connection.Connection
	opts   connection.Options
	maxConnectionsByHost int
	watcherInterval      time.Duration
	logger *slog.Logger
	closed bool

	stopWatcher chan struct{}
	watcherOnce sync.Once
}

// Options bundles the Client-level settings layered on top of per-Connection
// Options.
type Options struct {
	connection.Options
	MaxConnectionsByHost      int
	ConnectionWatcherInterval time.Duration
}

// DefaultOptions mirrors the documented Client defaults.
func DefaultOptions() Options {
	return Options{
		Options:                   connection.DefaultOptions(),
		MaxConnectionsByHost:      10,
		ConnectionWatcherInterval: 1000 * time.Millisecond,
	}
}

// New creates a Client and starts its idle watcher.
func New(opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConnectionsByHost <= 0 {
		opts.MaxConnectionsByHost = 10
	}
	if opts.ConnectionWatcherInterval <= 0 {
		opts.ConnectionWatcherInterval = 1000 * time.Millisecond
	}
	c := &Client{
		conns:                make(map[string][]*connection.Connection),
		opts:                 opts.Options,
		maxConnectionsByHost: opts.MaxConnectionsByHost,
		watcherInterval:      opts.ConnectionWatcherInterval,
		logger:               logger,
		stopWatcher:          make(chan struct{}),
	}
	go c.watchIdle()
	return c
}

func key(host, port string) string { return host + ":" + port }

// Request picks or creates a Connection for (host, port) and forwards req
// to it. It blocks until a freshly created Connection leaves Connecting
// (connected, or failed after its reconnection attempts) and the request
// has been written — response streaming itself happens asynchronously
// through req.Reply.
func (c *Client) Request(host, port string, tlsConfig *tls.Config, req *request.Request) error {
	conn, err := c.getConnection(host, port, tlsConfig)
	if err != nil {
		return err
	}

	<-conn.Ready()
	if conn.State() != connection.StateConnected {
		return perrors.New("request", perrors.CodeConnRefused, key(host, port), fmt.Errorf("backend connection failed to establish"))
	}

	return conn.Send(req)
}

func (c *Client) getConnection(host, port string, tlsConfig *tls.Config) (*connection.Connection, error) {
	k := key(host, port)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, perrors.ErrPoolClosed
	}

	existing := c.conns[k]
	if len(existing) < c.maxConnectionsByHost {
		conn := connection.New(host, port, tlsConfig, c.opts, c.logger, c.onConnectionClosed)
		c.conns[k] = append(c.conns[k], conn)
		c.mu.Unlock()
		return conn, nil
	}

	var available []*connection.Connection
	for _, conn := range existing {
		if conn.IsAvailable() {
			available = append(available, conn)
		}
	}
	c.mu.Unlock()

	if len(available) == 0 {
		return nil, perrors.New("get-connection", perrors.CodeMaxConnections, k, fmt.Errorf("all %d connections to %s are busy", c.maxConnectionsByHost, k))
	}
	return available[rand.Intn(len(available))], nil
}

func (c *Client) onConnectionClosed(conn *connection.Connection, _ error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := conn.Key()
	conns := c.conns[k]
	for i, candidate := range conns {
		if candidate == conn {
			c.conns[k] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	if len(c.conns[k]) == 0 {
		delete(c.conns, k)
	}
}

func (c *Client) watchIdle() {
	ticker := time.NewTicker(c.watcherInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.evictIdle()
		case <-c.stopWatcher:
			return
		}
	}
}

func (c *Client) evictIdle() {
	c.mu.Lock()
	var toClose []*connection.Connection
	for _, conns := range c.conns {
		for _, conn := range conns {
			if conn.IsAvailable() && time.Since(conn.LastActivity()) > c.opts.ConnectionTimeout {
				toClose = append(toClose, conn)
			}
		}
	}
	c.mu.Unlock()

	for _, conn := range toClose {
		conn.Close()
	}
}

// Close shuts the pool down: every connection is closed, the idle watcher
// stops, and further Request calls fail immediately. If host and port are
// both non-empty, only that key's connections are closed and the pool
// otherwise stays open.
func (c *Client) Close(host, port string) {
	if host == "" && port == "" {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.closed = true
		all := c.conns
		c.conns = make(map[string][]*connection.Connection)
		c.mu.Unlock()

		c.watcherOnce.Do(func() { close(c.stopWatcher) })

		for _, conns := range all {
			for _, conn := range conns {
				conn.Close()
			}
		}
		return
	}

	k := key(host, port)
	c.mu.Lock()
	conns := c.conns[k]
	delete(c.conns, k)
	c.mu.Unlock()
	for _, conn := range conns {
		conn.Close()
	}
}

// Stats reports the current pool occupancy for a key, mostly for metrics
// and tests.
func (c *Client) Stats(host, port string) (total, available int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	conns := c.conns[key(host, port)]
	total = len(conns)
	for _, conn := range conns {
		if conn.IsAvailable() {
			available++
		}
	}
	return total, available
}
