// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nethttp

import (
	"context"
	"io"
	"net/http"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/request"
)

// defaultBodyChunkSize bounds how much of the edge's request body is read
// into memory at once before being handed to the Sender's own bounded FIFO.
const defaultBodyChunkSize = 32 * 1024

// bodySource adapts an *http.Request's Body into a request.BodySource,
// reading it on its own goroutine so the Sender can pull chunks at its own
// pace without blocking the http.Request's read side.
type bodySource struct {
	ctx    context.Context
	chunks chan request.Chunk
}

var _ request.BodySource = (*bodySource)(nil)

func hasBody(r *http.Request) bool {
	return r.Body != nil && r.Body != http.NoBody
}

func newBodySource(r *http.Request, chunkSize int) *bodySource {
	if chunkSize <= 0 {
		chunkSize = defaultBodyChunkSize
	}
	b := &bodySource{ctx: r.Context(), chunks: make(chan request.Chunk, 1)}
	go b.pump(r.Body, chunkSize)
	return b
}

func (b *bodySource) pump(body io.ReadCloser, chunkSize int) {
	defer close(b.chunks)
	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case b.chunks <- request.Chunk{Data: data, Last: false}:
			case <-b.ctx.Done():
				return
			}
		}
		if err != nil {
			select {
			case b.chunks <- request.Chunk{Last: true}:
			case <-b.ctx.Done():
			}
			return
		}
	}
}

func (b *bodySource) Chunks() <-chan request.Chunk { return b.chunks }

func (b *bodySource) Aborted() <-chan struct{} { return b.ctx.Done() }
