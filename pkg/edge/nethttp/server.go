// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package nethttp is the edge: the single-port net/http listener that
// terminates inbound HTTP and WebSocket traffic, decodes plain HTTP
// requests into edge.Request/edge.Reply for the Proxy dispatcher, and
// upgrades WebSocket requests directly to a caller-supplied handler
// (backend WebSocket proxying is out of the core's scope; see DESIGN.md).
package nethttp

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/edge"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/proxy"
)

// WebSocketHandler takes over an upgraded connection. The edge hands it the
// hijacked connection and the originating request; it owns the connection
// until it returns.
type WebSocketHandler func(conn *websocket.Conn, r *http.Request)

// Config configures the edge listener.
type Config struct {
	Addr            string
	TLSCertFile     string
	TLSKeyFile      string
	ShutdownTimeout time.Duration
	BodyChunkSize   int
	WebSocket       WebSocketHandler
	Logger          *slog.Logger
}

// Server is the single-port HTTP/WebSocket edge.
type Server struct {
	cfg      Config
	proxy    *proxy.Proxy
	server   *http.Server
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// New creates a Server that forwards every non-upgrade request through p.
func New(cfg Config, p *proxy.Proxy) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	s := &Server{
		cfg:    cfg,
		proxy:  p,
		logger: cfg.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.server = &http.Server{
		Addr:    cfg.Addr,
		Handler: s,
	}
	return s
}

var _ http.Handler = (*Server)(nil)

// ServeHTTP dispatches an upgrade request to the configured WebSocketHandler
// (if any) or decodes and forwards a plain HTTP request through the Proxy,
// blocking until the reply has ended.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.cfg.WebSocket != nil && isWebSocketUpgrade(r) {
		s.serveWebSocket(w, r)
		return
	}
	s.serveHTTP(w, r)
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed",
			slog.String("remote", r.RemoteAddr), slog.String("error", err.Error()))
		return
	}
	defer conn.Close()
	s.cfg.WebSocket(conn, r)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	reply := newReply(w, r.RemoteAddr)
	go func() {
		select {
		case <-r.Context().Done():
			reply.markAborted()
		case <-reply.Done():
		}
	}()

	var body *bodySource
	if hasBody(r) {
		body = newBodySource(r, s.cfg.BodyChunkSize)
	}

	decoded := decodeRequest(r)
	if body != nil {
		s.proxy.Forward(decoded, reply, body)
	} else {
		s.proxy.Forward(decoded, reply, nil)
	}

	<-reply.Done()
}

func decodeRequest(r *http.Request) *edge.Request {
	header := edge.Header{}
	for k, vs := range r.Header {
		header[strings.ToLower(k)] = append([]string(nil), vs...)
	}
	if header.Get("host") == "" && r.Host != "" {
		header.Set("host", r.Host)
	}
	return &edge.Request{
		Method: r.Method,
		URL:    r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: header,
	}
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// Listen starts the edge and blocks until ctx is cancelled, then shuts down
// gracefully within ShutdownTimeout.
func (s *Server) Listen(ctx context.Context) error {
	useTLS := s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != ""
	s.logger.Info("edge server started", slog.String("address", s.cfg.Addr), slog.Bool("tls", useTLS))

	errCh := make(chan error, 1)
	go func() {
		if useTLS {
			errCh <- s.server.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		} else {
			errCh <- s.server.ListenAndServe()
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received, closing edge server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("edge server shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
