// Package location abstracts device coordinate acquisition. Acquisition
// is best-effort: a denied permission, timeout, or absent hardware
// degrades to "no fix" and never blocks the caller past the bounded
// timeout.
package location

import (
	"context"
	"time"
)

// DefaultAcquireTimeout bounds how long a coordinate acquisition may
// take before it is treated as unavailable.
const DefaultAcquireTimeout = 12 * time.Second

// Fix is a successfully acquired device position in decimal degrees.
type Fix struct {
	Latitude  float64
	Longitude float64
}

// Provider acquires the device's current position. Implementations are
// expected to honor ctx cancellation, but Acquire guards against ones
// that don't.
type Provider interface {
	CurrentPosition(ctx context.Context) (Fix, error)
}

// Acquire attempts to get the current device position within timeout.
// It returns ok=false on any failure; the error cause is deliberately
// dropped because every failure mode has the same outcome for the
// engine: proximity becomes unavailable and the operation proceeds.
func Acquire(ctx context.Context, p Provider, timeout time.Duration) (Fix, bool) {
	if p == nil {
		return Fix{}, false
	}
	if timeout <= 0 {
		timeout = DefaultAcquireTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		fix Fix
		err error
	}
	ch := make(chan result, 1)
	go func() {
		fix, err := p.CurrentPosition(ctx)
		ch <- result{fix: fix, err: err}
	}()

	select {
	case <-ctx.Done():
		return Fix{}, false
	case r := <-ch:
		if r.err != nil {
			return Fix{}, false
		}
		return r.fix, true
	}
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context) (Fix, error)

func (f ProviderFunc) CurrentPosition(ctx context.Context) (Fix, error) {
	return f(ctx)
}
