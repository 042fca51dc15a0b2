// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"log/slog"

	"github.com/google/uuid"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/breaker"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/client"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/edge"
	perrors "github.com/jordan-breton/uws-reverse-proxy/pkg/errors"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/metrics"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/ratelimit"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
)

// Backend identifies the single backend every forwarded request targets.
type Backend struct {
	Protocol string // "http" or "https"
	Host     string
	Port     string
}

func (b Backend) key() string { return b.Host + ":" + b.Port }

// ErrorResponse is the HTTP response an ErrorHook may substitute for the
// default one synthesized from a forwarding failure.
type ErrorResponse struct {
	Status  string // e.g. "502 Bad Gateway"
	Headers map[string]string
	Body    []byte
}

// ErrorHook lets a caller override the response synthesized for a
// forwarding failure. Returning ok=false falls back to the default
// translation. A panicking or erroring hook is recovered and logged, and
// the default response is used in its place.
type ErrorHook func(req *request.Request, err error) (resp *ErrorResponse, ok bool)

// Options configures a Proxy's header rewriting and error translation.
type Options struct {
	// Headers are added to every forwarded request, on top of anything the
	// edge decoded from the inbound request.
	Headers map[string][]string
	OnError ErrorHook

	// Breaker, when set, trips after repeated backend failures and rejects
	// further requests until it recovers. Shared across every request this
	// Proxy forwards, since a Proxy targets a single backend.
	Breaker *breaker.CircuitBreaker

	// RateLimiter, when set, is consulted per remote address before a
	// request reaches the backend.
	RateLimiter *ratelimit.Limiter

	// Metrics, when set, records dispatch-time counters. Response-side
	// metrics (duration, size) are the edge adapter's responsibility, since
	// the Proxy returns as soon as a request is queued, well before the
	// response is known.
	Metrics *metrics.Metrics
}

// Proxy is the dispatcher sitting between the edge and the Client pool: for
// every decoded inbound request it rewrites the forwarding headers and
// hands the result to the Client, translating any failure the Client
// reports synchronously (pool exhaustion, dial refusal, a full pipeline)
// into an HTTP response on the caller's reply-handle. Failures that
// surface only after the request was already written to the backend
// socket (a backend timeout, a reset mid-response) are handled by the
// Pipeline itself, which has its own best-effort default response for
// exactly that case.
type Proxy struct {
	client  *client.Client
	backend Backend
	opts    Options
	logger  *slog.Logger
}

// New creates a Proxy forwarding every request to backend through pool.
func New(pool *client.Client, backend Backend, opts Options, logger *slog.Logger) *Proxy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Proxy{client: pool, backend: backend, opts: opts, logger: logger}
}

// Forward decodes req, rewrites its headers, and hands it to the backend
// connection pool. body is nil for requests without one. It never panics:
// an ErrorHook panic is recovered and logged, falling back to the default
// error translation.
func (p *Proxy) Forward(req *edge.Request, reply edge.Reply, body request.BodySource) {
	header := p.buildForwardHeader(req, reply)

	path := req.URL
	if req.Query != "" {
		path += "?" + req.Query
	}

	requestID := header.Get("X-Request-Id")

	fwd := &request.Request{
		Method:   req.Method,
		Path:     path,
		Host:     p.backend.Host,
		Port:     p.backend.Port,
		Protocol: p.backend.Protocol,
		Header:   header,
		Reply:    reply,
		Body:     body,
	}

	if p.opts.RateLimiter != nil && !p.opts.RateLimiter.Allow(reply.GetRemoteAddressAsText()) {
		if p.opts.Metrics != nil {
			p.opts.Metrics.RateLimitedRequests.WithLabelValues(reply.GetRemoteAddressAsText()).Inc()
		}
		err := perrors.New("rate_limit", perrors.CodeRateLimited, p.backend.key(), ratelimit.ErrRateLimitExceeded)
		p.writeError(fwd, reply, err)
		return
	}

	err := p.send(fwd)
	if p.opts.Metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
			p.opts.Metrics.BackendErrors.WithLabelValues(p.backend.key(), perrors.CodeOf(err).String()).Inc()
		}
		p.opts.Metrics.BackendRequestsTotal.WithLabelValues(p.backend.key(), status).Inc()
	}
	if err != nil {
		p.logger.Warn("forwarding failed before reaching the backend",
			slog.String("backend", p.backend.key()),
			slog.String("request_id", requestID),
			slog.String("method", req.Method),
			slog.String("path", path),
			slog.String("error", err.Error()))
		p.writeError(fwd, reply, err)
	}
}

// send hands fwd to the Client, routed through the circuit breaker when one
// is configured.
func (p *Proxy) send(fwd *request.Request) error {
	if p.opts.Breaker == nil {
		return p.client.Request(p.backend.Host, p.backend.Port, nil, fwd)
	}
	err := p.opts.Breaker.Call(func() error {
		return p.client.Request(p.backend.Host, p.backend.Port, nil, fwd)
	})
	if err == breaker.ErrCircuitOpen {
		return perrors.New("circuit_breaker", perrors.CodeCircuitOpen, p.backend.key(), err)
	}
	return err
}

// buildForwardHeader clones req's headers, rewrites the X-Forwarded-*
// family, strips the hop-by-hop headers the Sender itself controls, and
// merges the caller-configured extra headers on top.
func (p *Proxy) buildForwardHeader(req *edge.Request, reply edge.Reply) edge.Header {
	header := edge.Header{}
	for k, vs := range req.Header {
		header[k] = append([]string(nil), vs...)
	}

	remoteAddr := reply.GetRemoteAddressAsText()
	header.Add("X-Forwarded-For", remoteAddr)
	header.Add("X-Forwarded-Port", p.backend.Port)
	header.Add("X-Forwarded-Proto", p.backend.Protocol)

	if header.Get("X-Forwarded-Host") == "" {
		header.Set("X-Forwarded-Host", header.Get("Host"))
	}

	if header.Get("X-Request-Id") == "" {
		header.Set("X-Request-Id", uuid.New().String())
	}

	header.Del("Connection")
	header.Del("Keep-Alive")

	for k, vs := range p.opts.Headers {
		for _, v := range vs {
			header.Add(k, v)
		}
	}
	return header
}

// writeError translates err into a response on reply, giving opts.OnError
// first refusal. Safe to call only when nothing has yet been written to
// reply — true for every error Client.Request can return synchronously,
// since a Send that actually reaches the wire never fails here.
func (p *Proxy) writeError(req *request.Request, reply edge.Reply, err error) {
	resp := p.runErrorHook(req, err)
	if resp == nil {
		resp = &ErrorResponse{
			Status: perrors.DefaultStatusLine(err),
			Body:   perrors.DefaultBody(err),
		}
	}

	if reply.Aborted() {
		return
	}
	reply.Cork(func() {
		reply.WriteStatus(resp.Status)
		if resp.Headers["Content-Type"] == "" {
			reply.WriteHeader("Content-Type", "text/plain; charset=utf-8")
		}
		for k, v := range resp.Headers {
			reply.WriteHeader(k, v)
		}
		reply.End(resp.Body)
	})
}

func (p *Proxy) runErrorHook(req *request.Request, err error) (resp *ErrorResponse) {
	if p.opts.OnError == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("error hook panicked, falling back to default response",
				slog.Any("panic", r))
			resp = nil
		}
	}()
	hookResp, ok := p.opts.OnError(req, err)
	if !ok {
		return nil
	}
	return hookResp
}
