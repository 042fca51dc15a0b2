// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"testing"
)

type fakePoolStatser struct {
	total, available int
}

func (f fakePoolStatser) Stats(host, port string) (int, int) { return f.total, f.available }

func TestPoolCheck(t *testing.T) {
	tests := []struct {
		name      string
		pool      fakePoolStatser
		wantError bool
	}{
		{"no connections opened yet", fakePoolStatser{total: 0, available: 0}, false},
		{"connections available", fakePoolStatser{total: 5, available: 2}, false},
		{"pool exhausted", fakePoolStatser{total: 5, available: 0}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := PoolCheck(tt.pool, "backend", "8080")(context.Background())
			if tt.wantError && err == nil {
				t.Fatalf("expected an error, got nil")
			}
			if !tt.wantError && err != nil {
				t.Fatalf("expected no error, got %v", err)
			}
		})
	}
}

func TestGoroutineCheck(t *testing.T) {
	if err := GoroutineCheck(1 << 20)(context.Background()); err != nil {
		t.Fatalf("expected no error with a generous threshold, got %v", err)
	}
	if err := GoroutineCheck(0)(context.Background()); err == nil {
		t.Fatalf("expected an error with a zero threshold")
	}
}

func TestMemoryCheck(t *testing.T) {
	if err := MemoryCheck(^uint64(0))(context.Background()); err != nil {
		t.Fatalf("expected no error with a generous threshold, got %v", err)
	}
	if err := MemoryCheck(0)(context.Background()); err == nil {
		t.Fatalf("expected an error with a zero threshold")
	}
}
