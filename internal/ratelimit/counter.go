// Package ratelimit implements a fixed-window request limiter with two
// interchangeable backends: a Redis-backed counter shared across service
// instances and an in-process fallback. Callers observe identical
// admission behavior from both.
package ratelimit

import "context"

// Counter admits or rejects one request for a client address. Counting is
// a side effect of the call: check-and-increment is a single operation,
// charged before any downstream work and never rolled back.
type Counter interface {
	Admit(ctx context.Context, addr string) (bool, error)
}

const (
	// DefaultWindowSeconds is the fixed-window length.
	DefaultWindowSeconds = 60
	// DefaultLimit is the per-address request ceiling per window.
	DefaultLimit = 100
)
