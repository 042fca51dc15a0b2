// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package edge defines the capability contract the proxy's core expects
// from its front-facing HTTP/WebSocket server. The edge itself — the
// listener that terminates external traffic and decides which requests are
// WebSocket upgrades (handled natively, entirely outside this module) and
// which are plain HTTP (decoded into a Request and handed to the proxy
// dispatcher) — is an external collaborator. This package only names the
// shape of the capability it must expose; pkg/edge/nethttp provides one
// concrete implementation over net/http.
package edge

// Reply is the single-owner, write-once-per-request capability the edge
// gives the proxy for a single forwarded request. Status lines, headers and
// synthesized error responses are written from within Cork for IO
// coalescing; the pipeline's body writes (TryEnd, Write, End) are made
// directly, outside Cork. A Reply must be written to by exactly one of {the pipeline,
// the proxy's error path} — whichever reports it started first.
type Reply interface {
	// WriteStatus sets the HTTP status line. Must be called before any
	// WriteHeader/Write/TryEnd/End call.
	WriteStatus(status string)

	// WriteHeader appends a response header. Repeated calls with the same
	// key append additional values rather than replacing.
	WriteHeader(key, value string)

	// Write sends a body chunk through the unknown-length write path.
	// Returns false if the underlying transport applied backpressure; the
	// caller must wait for the next OnWritable signal before writing again.
	Write(buf []byte) bool

	// TryEnd sends a body chunk through the known-length write path,
	// declaring totalSize as the full response body size. Returns
	// (accepted, done): accepted mirrors Write's backpressure signal; done
	// is true once totalSize bytes have been written in total, and the reply
	// is then complete: no End call follows.
	TryEnd(buf []byte, totalSize int64) (accepted bool, done bool)

	// End finalizes the response. buf, if non-nil, is a final chunk to send
	// before closing out the reply.
	End(buf []byte)

	// OnWritable registers a callback invoked when backpressure clears,
	// passed the write offset the transport has reached. The callback
	// returns true if it fully drained its pending data (the edge may then
	// stop calling it), false if it should be invoked again after the next
	// drain.
	OnWritable(fn func(offset int64) bool)

	// OnAborted registers a callback invoked if the client disconnects
	// before the reply completes.
	OnAborted(fn func())

	// Cork batches the writes performed inside fn into a single underlying
	// flush where the transport supports it.
	Cork(fn func())

	// GetWriteOffset returns the number of response body bytes written so far.
	GetWriteOffset() int64

	// GetRemoteAddressAsText returns the client's remote address.
	GetRemoteAddressAsText() string

	// Aborted reports whether the client has already disconnected.
	Aborted() bool
}

// Header is a case-insensitive, multi-valued mapping of request header
// names to values, matching the shape spec'd for both Request.Header and
// the headers decoded from the edge.
type Header map[string][]string

// Get returns the first value associated with the case-insensitively
// matched key, or "" if absent.
func (h Header) Get(key string) string {
	vs := h.Values(key)
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

// Values returns all values associated with the case-insensitively matched
// key.
func (h Header) Values(key string) []string {
	return h[canonicalHeaderKey(key)]
}

// Set replaces any existing values for key with a single value.
func (h Header) Set(key, value string) {
	h[canonicalHeaderKey(key)] = []string{value}
}

// Add appends value to any existing values for key.
func (h Header) Add(key, value string) {
	k := canonicalHeaderKey(key)
	h[k] = append(h[k], value)
}

// Del removes all values for key.
func (h Header) Del(key string) {
	delete(h, canonicalHeaderKey(key))
}

func canonicalHeaderKey(key string) string {
	b := []byte(key)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

// Request is the decoded view of an inbound edge request, handed to the
// proxy dispatcher.
type Request struct {
	Method string
	URL    string // path only, no query
	Query  string // without the leading '?'
	Header Header
}
