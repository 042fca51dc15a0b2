// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package nethttp

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/jordan-breton/uws-reverse-proxy/pkg/client"
	"github.com/jordan-breton/uws-reverse-proxy/pkg/proxy"
)

// startEchoingBackend accepts one connection and answers every pipelined
// request on it with a fixed 200 OK echoing the request path in the body.
func startEchoingBackend(t *testing.T) (host, port string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}
					parts := strings.Fields(line)
					if len(parts) < 2 {
						return
					}
					path := parts[1]
					for {
						l, err := r.ReadString('\n')
						if err != nil {
							return
						}
						if strings.TrimSpace(l) == "" {
							break
						}
					}
					body := "you asked for " + path
					resp := "HTTP/1.1 200 OK\r\nContent-Length: " + strconv.Itoa(len(body)) + "\r\n\r\n" + body
					if _, err := io.WriteString(c, resp); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	return h, p, func() { ln.Close() }
}

func TestServeHTTPForwardsRequestAndStreamsResponse(t *testing.T) {
	host, port, stop := startEchoingBackend(t)
	defer stop()

	pool := client.New(client.DefaultOptions(), nil)
	defer pool.Close("", "")

	p := proxy.New(pool, proxy.Backend{Protocol: "http", Host: host, Port: port}, proxy.Options{}, nil)
	s := New(Config{Addr: ":0"}, p)

	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/hello?x=1")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if got := string(body); got != "you asked for /hello?x=1" {
		t.Fatalf("unexpected body %q", got)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestServeHTTPSynthesizesErrorWhenBackendUnreachable(t *testing.T) {
	opts := client.DefaultOptions()
	opts.ReconnectionAttempts = 0
	opts.ReconnectionDelay = time.Millisecond
	pool := client.New(opts, nil)
	defer pool.Close("", "")

	p := proxy.New(pool, proxy.Backend{Protocol: "http", Host: "127.0.0.1", Port: "1"}, proxy.Options{}, nil)
	s := New(Config{Addr: ":0"}, p)

	srv := httptest.NewServer(s)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 500 {
		t.Fatalf("expected a 5xx for an unreachable backend, got %d", resp.StatusCode)
	}
}

func TestDecodeRequestLowercasesHeadersAndFillsHost(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/path?a=b", nil)
	r.Header.Set("X-Custom", "v")
	r.Host = "example.com"

	decoded := decodeRequest(r)
	if decoded.Header.Get("x-custom") != "v" {
		t.Fatalf("expected header to be accessible case-insensitively")
	}
	if decoded.Header.Get("host") != "example.com" {
		t.Fatalf("expected host header to be filled from r.Host, got %q", decoded.Header.Get("host"))
	}
	if decoded.Query != "a=b" {
		t.Fatalf("expected query to be decoded, got %q", decoded.Query)
	}
}

func TestIsWebSocketUpgradeDetection(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	if isWebSocketUpgrade(r) {
		t.Fatalf("plain request should not be detected as an upgrade")
	}
	r.Header.Set("Upgrade", "websocket")
	r.Header.Set("Connection", "Upgrade")
	if !isWebSocketUpgrade(r) {
		t.Fatalf("expected upgrade headers to be detected")
	}
}
