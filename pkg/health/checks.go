// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"fmt"
	"runtime"
)

// PoolStatser is satisfied by *client.Client. Kept as a narrow interface so
// this package does not import pkg/client.
type PoolStatser interface {
	Stats(host, port string) (total, available int)
}

// PoolCheck reports the backend connection pool as unhealthy once it has no
// available connections left for host:port.
func PoolCheck(pool PoolStatser, host, port string) CheckFunc {
	return func(ctx context.Context) error {
		total, available := pool.Stats(host, port)
		if total > 0 && available == 0 {
			return fmt.Errorf("connection pool for %s:%s exhausted (%d/%d in use)", host, port, total, total)
		}
		return nil
	}
}

// GoroutineCheck reports unhealthy once the process' goroutine count exceeds
// max, a cheap signal of a leak or a stuck backend.
func GoroutineCheck(max int) CheckFunc {
	return func(ctx context.Context) error {
		if n := runtime.NumGoroutine(); n > max {
			return fmt.Errorf("goroutine count %d exceeds threshold %d", n, max)
		}
		return nil
	}
}

// MemoryCheck reports unhealthy once heap usage exceeds maxBytes.
func MemoryCheck(maxBytes uint64) CheckFunc {
	return func(ctx context.Context) error {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if stats.HeapAlloc > maxBytes {
			return fmt.Errorf("heap allocation %d bytes exceeds threshold %d", stats.HeapAlloc, maxBytes)
		}
		return nil
	}
}
