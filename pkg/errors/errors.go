// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides the proxy's error taxonomy: canonical codes,
// a wrapping error type that carries forwarding context, and the mapping
// from a code to the HTTP status synthesized for the client.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the canonical error category for a forwarding failure.
type Code int

const (
	// CodeUnknown is the zero value; never synthesized deliberately.
	CodeUnknown Code = iota

	// CodeConnReset indicates the backend socket was reset.
	CodeConnReset
	// CodeConnAborted indicates the backend connection was aborted locally.
	CodeConnAborted
	// CodeConnRefused indicates the backend refused the TCP connection.
	CodeConnRefused
	// CodeBodyStream indicates the edge's request-body source failed mid-stream.
	CodeBodyStream
	// CodeTimedOut indicates no response headers arrived within the configured timeout.
	CodeTimedOut
	// CodeRecipientAborted indicates the backend closed the socket mid-response.
	CodeRecipientAborted
	// CodeInvalidContentLength indicates a response Content-Length header failed to parse.
	CodeInvalidContentLength
	// CodeInvalidChunkSize indicates a chunked body's size line failed to parse.
	CodeInvalidChunkSize
	// CodePipelineOverflow indicates a connection's pipeline queue is full.
	CodePipelineOverflow
	// CodeMaxConnections indicates a backend key's connection cap is reached.
	CodeMaxConnections
	// CodeStreamUntilCloseNotSupported indicates an UntilClose response arrived
	// after the pipeline had already accepted further requests.
	CodeStreamUntilCloseNotSupported
	// CodeCircuitOpen indicates the backend's circuit breaker is open.
	CodeCircuitOpen
	// CodeRateLimited indicates the caller's request was rejected by the rate limiter.
	CodeRateLimited
)

// String returns a short machine-stable name for the code, used in log lines
// and in the diagnostic body of synthesized error responses.
func (c Code) String() string {
	switch c {
	case CodeConnReset:
		return "CONN_RESET"
	case CodeConnAborted:
		return "CONN_ABORTED"
	case CodeConnRefused:
		return "CONN_REFUSED"
	case CodeBodyStream:
		return "BODY_STREAM"
	case CodeTimedOut:
		return "TIMED_OUT"
	case CodeRecipientAborted:
		return "RECIPIENT_ABORTED"
	case CodeInvalidContentLength:
		return "INVALID_CONTENT_LENGTH"
	case CodeInvalidChunkSize:
		return "INVALID_CHUNK_SIZE"
	case CodePipelineOverflow:
		return "PIPELINE_OVERFLOW"
	case CodeMaxConnections:
		return "MAX_CONNECTIONS"
	case CodeStreamUntilCloseNotSupported:
		return "STREAM_UNTIL_CLOSE_NOT_SUPPORTED"
	case CodeCircuitOpen:
		return "CIRCUIT_OPEN"
	case CodeRateLimited:
		return "RATE_LIMITED"
	default:
		return "UNKNOWN"
	}
}

// HTTPStatus returns the status code synthesized to the client for this
// error category.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeConnReset, CodeConnAborted, CodeConnRefused, CodeBodyStream,
		CodePipelineOverflow, CodeMaxConnections, CodeStreamUntilCloseNotSupported:
		return http.StatusServiceUnavailable
	case CodeTimedOut:
		return http.StatusGatewayTimeout
	case CodeRecipientAborted, CodeInvalidContentLength, CodeInvalidChunkSize:
		return http.StatusBadGateway
	case CodeCircuitOpen:
		return http.StatusServiceUnavailable
	case CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusBadGateway
	}
}

// Sentinel errors for cases callers compare against directly rather than
// through a Code (pool- and sender-local failures that never reach the wire).
var (
	// ErrPoolClosed indicates the client pool has been closed.
	ErrPoolClosed = errors.New("connection pool is closed")
	// ErrSenderClosed indicates a send was attempted on a closed sender.
	ErrSenderClosed = errors.New("request sender is closed")
)

// ProxyError wraps an underlying error with forwarding context: which
// operation failed, for which backend key, carrying which canonical code.
type ProxyError struct {
	Op         string // operation that failed, e.g. "dial", "parse", "write"
	Code       Code
	BackendKey string // "host:port" of the backend connection involved
	Err        error
}

// Error implements the error interface.
func (e *ProxyError) Error() string {
	if e.BackendKey != "" {
		return fmt.Sprintf("%s[%s] %s: %v", e.Op, e.Code, e.BackendKey, e.Err)
	}
	return fmt.Sprintf("%s[%s]: %v", e.Op, e.Code, e.Err)
}

// Unwrap returns the underlying error, enabling errors.Is/As.
func (e *ProxyError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status to synthesize for this error.
func (e *ProxyError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// New creates a ProxyError. Returns nil if err is nil, so it is safe to
// wrap the result of a fallible call without an extra nil check.
func New(op string, code Code, backendKey string, err error) error {
	if err == nil {
		return nil
	}
	return &ProxyError{Op: op, Code: code, BackendKey: backendKey, Err: err}
}

// Wrap attaches a message to err without a code, for errors that never
// reach the client (internal bookkeeping failures).
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// CodeOf extracts the Code carried by err, if any, by walking its Unwrap
// chain. Returns CodeUnknown if no ProxyError is found.
func CodeOf(err error) Code {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe.Code
	}
	if errors.Is(err, ErrPoolClosed) || errors.Is(err, ErrSenderClosed) {
		return CodeConnAborted
	}
	return CodeUnknown
}

// DefaultStatusLine renders the HTTP status line synthesized for err when
// no caller-supplied error hook overrides it.
func DefaultStatusLine(err error) string {
	status := CodeOf(err).HTTPStatus()
	return fmt.Sprintf("%d %s", status, http.StatusText(status))
}

// DefaultBody renders the short plain-text diagnostic body synthesized for
// err, naming its canonical code per spec.
func DefaultBody(err error) []byte {
	return []byte(fmt.Sprintf("upstream request failed: %s: %v", CodeOf(err), err))
}
