// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the SendingStrategy: the FIFO bookkeeping
// that correlates respparser events with the oldest in-flight request on a
// backend connection, and the two backpressure-aware loops that forward
// response bytes through that request's edge reply-handle.
package pipeline

import (
	"fmt"
	"sync"

	perrors "github.com/jordan-breton/uws-reverse-proxy/pkg/errors"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/respparser"
)

// DefaultMaxRequests is the default pipeline depth cap per connection.
const DefaultMaxRequests = 100000

// DoneFunc is invoked exactly once per scheduled request, when its entry
// leaves the pipeline (successfully, on abort, or on pipeline close).
// started reports whether the Pipeline had already begun writing a
// response (status/headers) through the request's reply-handle — if true,
// a caller-provided error hook must not attempt to write its own error
// response, since the reply-handle can only be written to once.
type DoneFunc func(started bool, err error)

type entry struct {
	req     *request.Request
	onDone  DoneFunc
	done    bool
	stale   bool
	started bool

	hasContentLength bool
	contentLength    int64

	paused        bool
	pending       []byte
	pendingOffset int64
	pendingLast   bool
}

// Pipeline is a FIFO queue of in-flight requests for one backend
// connection. It implements respparser.Sink: feed it the events emitted by
// the connection's ResponseParser and it drives replies accordingly.
type Pipeline struct {
	mu          sync.Mutex
	queue       []*entry
	maxRequests int
	locked      bool // true once an UntilClose body has been observed
	closed      bool
}

var _ respparser.Sink = (*Pipeline)(nil)

// New creates a Pipeline bounded at maxRequests in-flight entries
// (DefaultMaxRequests if zero).
func New(maxRequests int) *Pipeline {
	if maxRequests <= 0 {
		maxRequests = DefaultMaxRequests
	}
	return &Pipeline{maxRequests: maxRequests}
}

// AcceptsMoreRequests reports whether another request may be scheduled:
// false once the queue is at capacity, the pipeline has observed an
// UntilClose response (which precludes further pipelining on this
// connection), or the pipeline has been closed.
func (p *Pipeline) AcceptsMoreRequests() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed && !p.locked && len(p.queue) < p.maxRequests
}

// ScheduleSend enqueues req as the new pipeline tail and arranges for
// onDone to be invoked exactly once when it terminates. Returns an error
// (without enqueuing) if the pipeline cannot accept more requests.
func (p *Pipeline) ScheduleSend(req *request.Request, onDone DoneFunc) error {
	p.mu.Lock()
	if p.closed || p.locked || len(p.queue) >= p.maxRequests {
		p.mu.Unlock()
		return perrors.New("schedule-send", perrors.CodePipelineOverflow, "", fmt.Errorf("pipeline queue full or locked"))
	}
	e := &entry{req: req, onDone: onDone}
	p.queue = append(p.queue, e)
	p.mu.Unlock()

	if req.Reply != nil {
		req.Reply.OnAborted(func() { p.markStale(e) })
	}
	return nil
}

func (p *Pipeline) markStale(e *entry) {
	p.mu.Lock()
	e.stale = true
	p.mu.Unlock()
}

func (p *Pipeline) head() *entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	return p.queue[0]
}

func (p *Pipeline) popHead(e *entry, err error) {
	p.mu.Lock()
	if len(p.queue) > 0 && p.queue[0] == e {
		p.queue = p.queue[1:]
	}
	already := e.done
	e.done = true
	p.mu.Unlock()

	if !already && e.onDone != nil {
		e.onDone(e.started, err)
	}
}

// OnEvent implements respparser.Sink. It must be called synchronously from
// the goroutine reading this connection's backend socket.
func (p *Pipeline) OnEvent(e respparser.Event) {
	switch ev := e.(type) {
	case respparser.HeadersEvent:
		p.onHeaders(ev)
	case respparser.BodyModeEvent:
		p.onBodyMode(ev)
	case respparser.BodyChunkEvent:
		p.onBodyChunk(ev)
	case respparser.FatalEvent:
		p.onFatal(ev)
	}
}

func (p *Pipeline) onHeaders(ev respparser.HeadersEvent) {
	head := p.head()
	if head == nil || head.stale {
		return
	}

	// Decided Open Question: strip Content-Length from the forwarded
	// header set. The edge recomputes it from the bytes actually written
	// (or switches to chunked framing itself); forwarding the backend's
	// original value risks a mismatch if anything above this layer
	// re-chunks the body.
	header := ev.Header.Clone()
	header.Del("Content-Length")
	header.Del("Connection")
	header.Del("Keep-Alive")

	reply := head.req.Reply
	reply.Cork(func() {
		reply.WriteStatus(fmt.Sprintf("%d %s", ev.StatusCode, ev.StatusMessage))
		for name, values := range header {
			for _, v := range values {
				reply.WriteHeader(name, v)
			}
		}
	})
	head.started = true
}

func (p *Pipeline) onBodyMode(ev respparser.BodyModeEvent) {
	head := p.head()
	if head == nil {
		return
	}
	p.mu.Lock()
	head.hasContentLength = ev.Mode == respparser.ModeFixed
	head.contentLength = ev.Length
	if ev.Mode == respparser.ModeUntilClose {
		p.locked = true
	}
	p.mu.Unlock()
}

func (p *Pipeline) onBodyChunk(ev respparser.BodyChunkEvent) {
	head := p.head()
	if head == nil {
		return
	}

	if head.stale {
		if ev.Last {
			p.popHead(head, perrors.New("reply-aborted", perrors.CodeConnAborted, "", fmt.Errorf("client aborted before response completed")))
		}
		return
	}

	// A resume is already pending on this entry (OnWritable hasn't fired
	// yet): buffer this chunk behind the one still waiting instead of
	// writing it to the reply out of order.
	p.mu.Lock()
	if head.paused {
		head.pending = append(head.pending, ev.Data...)
		head.pendingLast = head.pendingLast || ev.Last
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	reply := head.req.Reply

	if head.hasContentLength {
		accepted, done := reply.TryEnd(ev.Data, head.contentLength)
		if done {
			p.popHead(head, nil)
			return
		}
		if !accepted {
			p.pauseContentLength(head, ev.Data)
		}
		return
	}

	accepted := reply.Write(ev.Data)
	if !accepted {
		p.pauseUnknownLength(head, ev.Data, ev.Last)
		return
	}
	if ev.Last {
		reply.End(nil)
		p.popHead(head, nil)
	}
}

func (p *Pipeline) pauseContentLength(head *entry, chunk []byte) {
	reply := head.req.Reply
	p.mu.Lock()
	head.paused = true
	head.pending = append([]byte(nil), chunk...)
	head.pendingOffset = reply.GetWriteOffset()
	total := head.contentLength
	p.mu.Unlock()

	reply.OnWritable(func(offset int64) bool {
		p.mu.Lock()
		pending := head.pending
		base := head.pendingOffset
		p.mu.Unlock()
		if offset < base {
			return false
		}
		remaining := pending[offset-base:]
		accepted, done := reply.TryEnd(remaining, total)
		if done {
			p.mu.Lock()
			head.paused = false
			p.mu.Unlock()
			p.popHead(head, nil)
			return true
		}
		if accepted {
			p.mu.Lock()
			head.paused = false
			p.mu.Unlock()
			return true
		}
		return false
	})
}

func (p *Pipeline) pauseUnknownLength(head *entry, chunk []byte, last bool) {
	reply := head.req.Reply
	p.mu.Lock()
	head.paused = true
	head.pending = append([]byte(nil), chunk...)
	head.pendingLast = last
	p.mu.Unlock()

	reply.OnWritable(func(offset int64) bool {
		p.mu.Lock()
		pending := head.pending
		last := head.pendingLast
		p.mu.Unlock()
		if !reply.Write(pending) {
			return false
		}
		p.mu.Lock()
		head.paused = false
		head.pending = nil
		p.mu.Unlock()
		if last {
			reply.End(nil)
			p.popHead(head, nil)
		}
		return true
	})
}

func (p *Pipeline) onFatal(ev respparser.FatalEvent) {
	code := perrors.CodeInvalidContentLength
	if ev.Code == respparser.InvalidChunkSize {
		code = perrors.CodeInvalidChunkSize
	}
	p.Close(perrors.New("parse", code, "", fmt.Errorf("malformed backend response")))
}

// Close drains every queued entry, invoking its DoneFunc with err and
// best-effort ending or aborting its reply-handle. The pipeline then stays
// closed, rejecting further ScheduleSend calls, until Reopen is called (a
// parser-fatal error also tears the owning Connection down).
func (p *Pipeline) Close(err error) {
	p.mu.Lock()
	entries := p.queue
	p.queue = nil
	p.closed = true
	p.mu.Unlock()

	for _, e := range entries {
		if e.req.Reply != nil && !e.req.Reply.Aborted() {
			func() {
				defer func() { _ = recover() }()
				reply := e.req.Reply
				started := e.started
				reply.Cork(func() {
					if !started {
						reply.WriteStatus(perrors.DefaultStatusLine(err))
						reply.WriteHeader("Content-Type", "text/plain; charset=utf-8")
						reply.End(perrors.DefaultBody(err))
						return
					}
					reply.End(nil)
				})
			}()
		}
		if !e.done {
			e.done = true
			if e.onDone != nil {
				e.onDone(e.started, err)
			}
		}
	}
}

// Reopen clears the closed/locked flags so the pipeline can be reused by a
// fresh Connection attempt. Only safe to call once Close has fully
// drained (i.e. synchronously after Close returns).
func (p *Pipeline) Reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
	p.locked = false
}

// Locked reports whether the pipeline has observed an UntilClose response
// and will accept no further requests.
func (p *Pipeline) Locked() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.locked
}

// Len returns the current queue depth, mostly useful for metrics/tests.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
