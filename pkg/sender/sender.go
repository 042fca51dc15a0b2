// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package sender serializes a single logical request onto a backend
// socket: the request line and headers, then (if present) the request
// body streamed from the edge's body source, honoring a bounded buffer so
// a slow backend cannot let an unbounded number of body chunks accumulate
// in memory.
package sender

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	perrors "github.com/jordan-breton/uws-reverse-proxy/pkg/errors"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
)

// DefaultMaxStackedBuffers is the default bound on body chunks queued
// between the edge's body source and the backend socket.
const DefaultMaxStackedBuffers = 4096

// Sender serializes requests onto a backend socket.
type Sender struct {
	maxStackedBuffers int
	logger            *slog.Logger

	closed bool
}

// New creates a Sender bounding body backpressure at maxStackedBuffers
// queued chunks (DefaultMaxStackedBuffers if zero).
func New(maxStackedBuffers int, logger *slog.Logger) *Sender {
	if maxStackedBuffers <= 0 {
		maxStackedBuffers = DefaultMaxStackedBuffers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{maxStackedBuffers: maxStackedBuffers, logger: logger}
}

// Close marks the sender closed; further Send calls fail.
func (s *Sender) Close() {
	s.closed = true
}

// bodyChunk is an internal queue item carrying a body chunk and its
// is-last marker.
type bodyChunk struct {
	data []byte
	last bool
}

// Send writes the request line, headers, and (if present) body to conn, in
// full, before returning. It blocks for the duration of the request body
// transfer; callers that want concurrent sends across multiple requests on
// the same connection must serialize calls to Send themselves (the
// Connection owning this Sender does so, since HTTP/1.1 pipelining
// requires requests to appear on the wire strictly back to back).
func (s *Sender) Send(conn io.Writer, req *request.Request) error {
	if s.closed {
		return perrors.ErrSenderClosed
	}

	if err := s.writeHead(conn, req); err != nil {
		return perrors.New("write-head", perrors.CodeConnReset, "", err)
	}

	if !req.HasBody() {
		return nil
	}

	return s.streamBody(conn, req)
}

func (s *Sender) writeHead(conn io.Writer, req *request.Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method, req.Path)
	fmt.Fprintf(&b, "host: %s:%s\r\n", req.Host, req.Port)
	b.WriteString("connection: keep-alive\r\n")

	for name, values := range req.Header {
		switch name {
		case "host", "connection", "keep-alive":
			continue
		}
		for _, v := range values {
			fmt.Fprintf(&b, "%s: %s\r\n", name, v)
		}
	}
	b.WriteString("\r\n")

	_, err := io.WriteString(conn, b.String())
	return err
}

// streamBody pumps the request body's chunks onto conn with a bounded
// queue between the (possibly bursty) edge body source and the (possibly
// slow) backend socket. If the queue saturates, the request is declined
// with a synthesized 504, body streaming stops, and a CodePipelineOverflow
// error is returned even while a write to conn is still blocked; the owning
// Connection tears itself down on any Send error.
func (s *Sender) streamBody(conn io.Writer, req *request.Request) error {
	queue := make(chan bodyChunk, s.maxStackedBuffers)
	errCh := make(chan error, 1)

	go func() {
		defer close(queue)
		for c := range req.Body.Chunks() {
			select {
			case <-req.Body.Aborted():
				return
			default:
			}
			select {
			case queue <- bodyChunk{data: c.Data, last: c.Last}:
			default:
				s.declineOverflow(req)
				errCh <- perrors.New("body-queue", perrors.CodePipelineOverflow, "", fmt.Errorf("stacked buffer limit (%d) exceeded", s.maxStackedBuffers))
				return
			}
			if c.Last {
				return
			}
		}
	}()

	written := int64(0)
	contentLength, hasContentLength := parseContentLength(req)
	chunkedRequest := isChunkedRequest(req)

	for {
		select {
		case c, ok := <-queue:
			if !ok {
				select {
				case err := <-errCh:
					return err
				default:
				}
				return nil
			}
			var n int
			var err error
			wrote := make(chan struct{})
			go func() {
				n, err = conn.Write(c.data)
				close(wrote)
			}()
			select {
			case <-wrote:
			case overflow := <-errCh:
				return overflow
			}
			written += int64(n)
			if err != nil {
				return perrors.New("write-body", perrors.CodeConnReset, "", err)
			}
			if c.last {
				return nil
			}
		case <-req.Body.Aborted():
			return s.compensateAbort(conn, written, contentLength, hasContentLength, chunkedRequest)
		}
	}
}

// declineOverflow synthesizes a 504 directly through the request's reply
// handle: the sender's own bounded buffer is full, so the request cannot
// be forwarded without risking unbounded memory growth.
func (s *Sender) declineOverflow(req *request.Request) {
	reply := req.Reply
	if reply == nil || reply.Aborted() {
		return
	}
	reply.Cork(func() {
		reply.WriteStatus("504 Gateway Timeout")
		reply.End([]byte("the server is too busy to handle your request"))
	})
}

// compensateAbort preserves pipeline framing after the edge aborts a
// request mid-body: a Content-Length body is zero-padded to its declared
// length; a chunked body is closed with a premature terminator chunk.
// Aborting the TCP connection outright would take down every other
// pipelined request sharing it, which this avoids.
func (s *Sender) compensateAbort(conn io.Writer, written, contentLength int64, hasContentLength bool, chunked bool) error {
	switch {
	case hasContentLength:
		remaining := contentLength - written
		if remaining > 0 {
			padding := make([]byte, remaining)
			if _, err := conn.Write(padding); err != nil {
				return perrors.New("abort-pad", perrors.CodeConnReset, "", err)
			}
		}
	case chunked:
		if _, err := io.WriteString(conn, "0\r\n\r\n"); err != nil {
			return perrors.New("abort-terminate", perrors.CodeConnReset, "", err)
		}
	}
	return perrors.New("body-aborted", perrors.CodeBodyStream, "", fmt.Errorf("request body aborted by client"))
}

func parseContentLength(req *request.Request) (int64, bool) {
	v := req.Header.Get("content-length")
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func isChunkedRequest(req *request.Request) bool {
	return strings.Contains(strings.ToLower(req.Header.Get("transfer-encoding")), "chunked")
}
