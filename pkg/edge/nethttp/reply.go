// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nethttp

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// reply adapts an http.ResponseWriter into an edge.Reply. Because net/http's
// write path blocks rather than returning a backpressure signal, Write and
// TryEnd always report accepted=true: backpressure is realized by the
// blocking write itself rather than by a not-accepted return value. This is
// a deliberate, documented simplification (see DESIGN.md) rather than an
// attempt to fake the uWS-style cooperative-writable contract on top of a
// transport that doesn't expose one.
type reply struct {
	w          http.ResponseWriter
	flusher    http.Flusher
	remoteAddr string

	mu         sync.Mutex
	statusCode int
	headerSent bool

	writeOffset atomic.Int64
	aborted     atomic.Bool
	ended       atomic.Bool

	onAbortedMu sync.Mutex
	onAborted   []func()

	done chan struct{}
	doneOnce sync.Once
}

func newReply(w http.ResponseWriter, remoteAddr string) *reply {
	flusher, _ := w.(http.Flusher)
	return &reply{w: w, flusher: flusher, remoteAddr: remoteAddr, done: make(chan struct{})}
}

// Done returns a channel closed once the reply has ended or the client has
// aborted. The edge's ServeHTTP blocks on it: the handler goroutine must
// stay alive for as long as the proxy may still write to w, since net/http
// invalidates the ResponseWriter the instant ServeHTTP returns.
func (r *reply) Done() <-chan struct{} { return r.done }

func (r *reply) WriteStatus(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusCode = parseStatusCode(status)
}

func (r *reply) WriteHeader(key, value string) {
	r.w.Header().Add(key, value)
}

func (r *reply) flushHeaders() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.headerSent {
		return
	}
	if r.statusCode == 0 {
		r.statusCode = http.StatusOK
	}
	r.w.WriteHeader(r.statusCode)
	r.headerSent = true
}

func (r *reply) Write(buf []byte) bool {
	r.flushHeaders()
	if len(buf) > 0 {
		n, _ := r.w.Write(buf)
		r.writeOffset.Add(int64(n))
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	return true
}

func (r *reply) TryEnd(buf []byte, totalSize int64) (accepted bool, done bool) {
	accepted = r.Write(buf)
	done = r.writeOffset.Load() >= totalSize
	if done {
		r.ended.Store(true)
		r.doneOnce.Do(func() { close(r.done) })
	}
	return accepted, done
}

func (r *reply) End(buf []byte) {
	r.flushHeaders()
	if len(buf) > 0 {
		n, _ := r.w.Write(buf)
		r.writeOffset.Add(int64(n))
	}
	if r.flusher != nil {
		r.flusher.Flush()
	}
	r.ended.Store(true)
	r.doneOnce.Do(func() { close(r.done) })
}

// OnWritable is invoked immediately with the current write offset: net/http
// gives no writable-again signal to wait for, so there is never a pending
// drain to resume later.
func (r *reply) OnWritable(fn func(offset int64) bool) {
	fn(r.writeOffset.Load())
}

func (r *reply) OnAborted(fn func()) {
	r.onAbortedMu.Lock()
	if r.aborted.Load() {
		r.onAbortedMu.Unlock()
		fn()
		return
	}
	r.onAborted = append(r.onAborted, fn)
	r.onAbortedMu.Unlock()
}

// Cork runs fn directly. net/http has no write-coalescing primitive; the
// individual Write/WriteHeader calls it performs are already as batched as
// the transport allows.
func (r *reply) Cork(fn func()) { fn() }

func (r *reply) GetWriteOffset() int64 { return r.writeOffset.Load() }

func (r *reply) GetRemoteAddressAsText() string { return r.remoteAddr }

func (r *reply) Aborted() bool { return r.aborted.Load() }

// markAborted is called once by the request-context watcher started in
// ServeHTTP. It is idempotent with End: whichever happens first closes done.
func (r *reply) markAborted() {
	if !r.aborted.CompareAndSwap(false, true) {
		return
	}
	r.onAbortedMu.Lock()
	callbacks := r.onAborted
	r.onAborted = nil
	r.onAbortedMu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
	r.doneOnce.Do(func() { close(r.done) })
}

func parseStatusCode(status string) int {
	fields := strings.SplitN(strings.TrimSpace(status), " ", 2)
	code, err := strconv.Atoi(fields[0])
	if err != nil || code < 100 || code > 599 {
		return http.StatusOK
	}
	return code
}
