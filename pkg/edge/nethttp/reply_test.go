// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nethttp

import (
	"net/http/httptest"
	"testing"
)

func TestReplyWriteStatusAndHeaderFlushOnFirstWrite(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newReply(rec, "127.0.0.1:1")

	r.WriteStatus("201 Created")
	r.WriteHeader("X-Test", "yes")
	r.Write([]byte("hello"))

	if rec.Code != 201 {
		t.Fatalf("expected status 201, got %d", rec.Code)
	}
	if rec.Header().Get("X-Test") != "yes" {
		t.Fatalf("expected header to be set before flush")
	}
	if rec.Body.String() != "hello" {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
}

func TestReplyDefaultsTo200WhenStatusNeverSet(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newReply(rec, "127.0.0.1:1")
	r.End(nil)
	if rec.Code != 200 {
		t.Fatalf("expected default 200, got %d", rec.Code)
	}
}

func TestReplyTryEndReportsDoneAtTotalSize(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newReply(rec, "127.0.0.1:1")

	_, done := r.TryEnd([]byte("ab"), 5)
	if done {
		t.Fatalf("expected not done before reaching total size")
	}
	_, done = r.TryEnd([]byte("cde"), 5)
	if !done {
		t.Fatalf("expected done once total size is reached")
	}
}

func TestReplyEndClosesDoneChannel(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newReply(rec, "127.0.0.1:1")
	r.End([]byte("bye"))
	select {
	case <-r.Done():
	default:
		t.Fatalf("expected Done to be closed after End")
	}
}

func TestReplyOnAbortedFiresRegisteredCallbacks(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newReply(rec, "127.0.0.1:1")

	fired := false
	r.OnAborted(func() { fired = true })
	r.markAborted()

	if !fired {
		t.Fatalf("expected the registered callback to fire on abort")
	}
	if !r.Aborted() {
		t.Fatalf("expected Aborted() to report true")
	}
	select {
	case <-r.Done():
	default:
		t.Fatalf("expected Done to be closed after an abort")
	}
}

func TestReplyOnAbortedFiresImmediatelyIfAlreadyAborted(t *testing.T) {
	rec := httptest.NewRecorder()
	r := newReply(rec, "127.0.0.1:1")
	r.markAborted()

	fired := false
	r.OnAborted(func() { fired = true })
	if !fired {
		t.Fatalf("expected a late registration to fire immediately once already aborted")
	}
}

func TestParseStatusCodeFallsBackTo200OnGarbage(t *testing.T) {
	if got := parseStatusCode("not a status"); got != 200 {
		t.Fatalf("expected fallback to 200, got %d", got)
	}
	if got := parseStatusCode("404 Not Found"); got != 404 {
		t.Fatalf("expected 404, got %d", got)
	}
}
