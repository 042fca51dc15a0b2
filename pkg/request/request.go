// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package request defines the logical forwarded request that flows from
// the Proxy dispatcher down through the Client, Connection, and
// RequestSender. A Request is created once per inbound edge call, consumed
// exactly once, and discarded after the pipeline terminates it.
package request

import "github.com/jordan-breton/uws-reverse-proxy/pkg/edge"

// Chunk is one piece of a request body, with an is-last marker.
type Chunk struct {
	Data []byte
	Last bool
}

// BodySource yields the request body as a lazy sequence of chunks. It is
// owned by the edge for the duration of the forwarding call.
type BodySource interface {
	// Chunks returns a channel yielding the body's chunks in order; it is
	// closed once the body completes or the source stops early.
	// Cancellation is observed separately via Aborted.
	Chunks() <-chan Chunk

	// Aborted returns a channel that is closed if the edge signals the
	// request body was aborted before completion (e.g. client disconnect
	// mid-upload).
	Aborted() <-chan struct{}
}

// Request is one logical request to forward to a backend.
type Request struct {
	Method   string
	Path     string // path + "?" + query, already combined
	Host     string
	Port     string
	Protocol string // "http" or "https"
	Header   edge.Header

	Reply edge.Reply
	Body  BodySource // nil if the request has no body
}

// HasBody reports whether this request carries a body source at all. It
// does not by itself determine Content-Length vs chunked framing — that is
// decided by the Header.
func (r *Request) HasBody() bool {
	return r.Body != nil
}
