// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"net/http"
	"testing"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/edge"
	perrors "github.com/jordan-breton/uws-reverse-proxy/pkg/errors"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/respparser"
)

type fakeReply struct {
	status       string
	headers      map[string][]string
	written      []byte
	ended        bool
	endBuf       []byte
	aborted      bool
	onAborted    func()
	onWritable   func(int64) bool
	writeAccepts bool
}

func newFakeReply() *fakeReply {
	return &fakeReply{headers: map[string][]string{}, writeAccepts: true}
}

func (r *fakeReply) WriteStatus(status string) { r.status = status }
func (r *fakeReply) WriteHeader(k, v string)   { r.headers[k] = append(r.headers[k], v) }
func (r *fakeReply) Write(buf []byte) bool {
	if !r.writeAccepts {
		return false
	}
	r.written = append(r.written, buf...)
	return true
}
func (r *fakeReply) TryEnd(buf []byte, total int64) (bool, bool) {
	if !r.writeAccepts {
		return false, false
	}
	r.written = append(r.written, buf...)
	return true, int64(len(r.written)) >= total
}
func (r *fakeReply) End(buf []byte) {
	r.written = append(r.written, buf...)
	r.endBuf = buf
	r.ended = true
}
func (r *fakeReply) OnWritable(fn func(int64) bool)    { r.onWritable = fn }
func (r *fakeReply) OnAborted(fn func())               { r.onAborted = fn }
func (r *fakeReply) Cork(fn func())                    { fn() }
func (r *fakeReply) GetWriteOffset() int64             { return int64(len(r.written)) }
func (r *fakeReply) GetRemoteAddressAsText() string    { return "127.0.0.1:1" }
func (r *fakeReply) Aborted() bool                     { return r.aborted }

var _ edge.Reply = (*fakeReply)(nil)

func newReq(reply *fakeReply) *request.Request {
	return &request.Request{Method: "GET", Path: "/", Reply: reply}
}

func TestScheduleSendRespectsCapacity(t *testing.T) {
	p := New(2)
	var done []error
	onDone := func(started bool, err error) { done = append(done, err) }

	if err := p.ScheduleSend(newReq(newFakeReply()), onDone); err != nil {
		t.Fatalf("first schedule: %v", err)
	}
	if err := p.ScheduleSend(newReq(newFakeReply()), onDone); err != nil {
		t.Fatalf("second schedule: %v", err)
	}
	if p.AcceptsMoreRequests() {
		t.Fatalf("expected pipeline to be full")
	}
	err := p.ScheduleSend(newReq(newFakeReply()), onDone)
	if perrors.CodeOf(err) != perrors.CodePipelineOverflow {
		t.Fatalf("expected CodePipelineOverflow, got %v", err)
	}
}

func TestFixedLengthResponseFlowsToHeadEntry(t *testing.T) {
	p := New(10)
	reply := newFakeReply()
	var gotErr error
	var started bool
	p.ScheduleSend(newReq(reply), func(s bool, err error) { started = s; gotErr = err })

	p.OnEvent(respparser.HeadersEvent{StatusCode: 200, StatusMessage: "OK", Header: http.Header{"X-Foo": {"bar"}}})
	p.OnEvent(respparser.BodyModeEvent{Mode: respparser.ModeFixed, Length: 5})
	p.OnEvent(respparser.BodyChunkEvent{Data: []byte("hello"), Last: true})

	if reply.status != "200 OK" {
		t.Fatalf("unexpected status: %q", reply.status)
	}
	if string(reply.written) != "hello" {
		t.Fatalf("unexpected body: %q", reply.written)
	}
	if gotErr != nil {
		t.Fatalf("unexpected error: %v", gotErr)
	}
	if !started {
		t.Fatalf("expected started=true once headers were written")
	}
	if p.Len() != 0 {
		t.Fatalf("expected entry to be popped, queue len=%d", p.Len())
	}
}

func TestFIFOOrderingAcrossTwoEntries(t *testing.T) {
	p := New(10)
	replyA := newFakeReply()
	replyB := newFakeReply()
	p.ScheduleSend(newReq(replyA), func(bool, error) {})
	p.ScheduleSend(newReq(replyB), func(bool, error) {})

	p.OnEvent(respparser.HeadersEvent{StatusCode: 200, StatusMessage: "OK", Header: http.Header{}})
	p.OnEvent(respparser.BodyModeEvent{Mode: respparser.ModeFixed, Length: 1})
	p.OnEvent(respparser.BodyChunkEvent{Data: []byte("A"), Last: true})

	if string(replyA.written) != "A" {
		t.Fatalf("expected first response routed to first reply, got %q", replyA.written)
	}
	if len(replyB.written) != 0 {
		t.Fatalf("expected second reply untouched so far, got %q", replyB.written)
	}

	p.OnEvent(respparser.HeadersEvent{StatusCode: 201, StatusMessage: "Created", Header: http.Header{}})
	p.OnEvent(respparser.BodyModeEvent{Mode: respparser.ModeFixed, Length: 1})
	p.OnEvent(respparser.BodyChunkEvent{Data: []byte("B"), Last: true})

	if string(replyB.written) != "B" {
		t.Fatalf("expected second response routed to second reply, got %q", replyB.written)
	}
}

func TestStaleEntrySkipsWritesButDrainsFrames(t *testing.T) {
	p := New(10)
	reply := newFakeReply()
	var gotErr error
	p.ScheduleSend(newReq(reply), func(started bool, err error) { gotErr = err })

	reply.onAborted()

	p.OnEvent(respparser.HeadersEvent{StatusCode: 200, StatusMessage: "OK", Header: http.Header{}})
	p.OnEvent(respparser.BodyModeEvent{Mode: respparser.ModeFixed, Length: 3})
	p.OnEvent(respparser.BodyChunkEvent{Data: []byte("abc"), Last: true})

	if reply.status != "" {
		t.Fatalf("expected no status written to an aborted reply, got %q", reply.status)
	}
	if perrors.CodeOf(gotErr) != perrors.CodeConnAborted {
		t.Fatalf("expected CodeConnAborted, got %v", gotErr)
	}
	if p.Len() != 0 {
		t.Fatalf("expected stale entry to be popped once its frames drained")
	}
}

func TestUntilCloseLocksPipeline(t *testing.T) {
	p := New(10)
	reply := newFakeReply()
	p.ScheduleSend(newReq(reply), func(bool, error) {})

	p.OnEvent(respparser.HeadersEvent{StatusCode: 200, StatusMessage: "OK", Header: http.Header{}})
	p.OnEvent(respparser.BodyModeEvent{Mode: respparser.ModeUntilClose})

	if !p.Locked() {
		t.Fatalf("expected pipeline to lock on UntilClose")
	}
	if p.AcceptsMoreRequests() {
		t.Fatalf("expected AcceptsMoreRequests to be false once locked")
	}
}

func TestCloseDrainsQueueAndEndsReplies(t *testing.T) {
	p := New(10)
	reply := newFakeReply()
	var gotErr error
	p.ScheduleSend(newReq(reply), func(started bool, err error) { gotErr = err })

	sentinel := perrors.New("connection", perrors.CodeConnReset, "backend:80", errBoom{})
	p.Close(sentinel)

	if !reply.ended {
		t.Fatalf("expected reply to be ended on pipeline close")
	}
	if gotErr != sentinel {
		t.Fatalf("expected onDone to receive the close error, got %v", gotErr)
	}
	if err := p.ScheduleSend(newReq(newFakeReply()), func(bool, error) {}); perrors.CodeOf(err) != perrors.CodePipelineOverflow {
		t.Fatalf("expected closed pipeline to reject new schedules, got %v", err)
	}
}

func TestPausedEntryBuffersChunksInsteadOfWritingOutOfOrder(t *testing.T) {
	p := New(10)
	reply := newFakeReply()
	p.ScheduleSend(newReq(reply), func(bool, error) {})

	p.OnEvent(respparser.HeadersEvent{StatusCode: 200, StatusMessage: "OK", Header: http.Header{}})
	p.OnEvent(respparser.BodyModeEvent{Mode: respparser.ModeFixed, Length: 10})

	reply.writeAccepts = false
	p.OnEvent(respparser.BodyChunkEvent{Data: []byte("abcde")})
	if !p.head().paused {
		t.Fatalf("expected entry to be paused after a rejected write")
	}

	// A second chunk arrives for the same head entry before OnWritable
	// fires to resume the first one. It must be appended behind the
	// still-buffered first chunk, not written ahead of it.
	p.OnEvent(respparser.BodyChunkEvent{Data: []byte("fghij"), Last: true})
	if len(reply.written) != 0 {
		t.Fatalf("expected no bytes written to the reply while paused, got %q", reply.written)
	}

	reply.writeAccepts = true
	reply.onWritable(reply.GetWriteOffset())

	if string(reply.written) != "abcdefghij" {
		t.Fatalf("expected buffered chunks to flush in arrival order, got %q", reply.written)
	}
	if p.Len() != 0 {
		t.Fatalf("expected the entry to pop once its full content length was written")
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

func TestFatalEventClosesPipeline(t *testing.T) {
	p := New(10)
	reply := newFakeReply()
	var gotErr error
	p.ScheduleSend(newReq(reply), func(started bool, err error) { gotErr = err })

	p.OnEvent(respparser.FatalEvent{Code: respparser.InvalidChunkSize})

	if perrors.CodeOf(gotErr) != perrors.CodeInvalidChunkSize {
		t.Fatalf("expected CodeInvalidChunkSize, got %v", gotErr)
	}
}
