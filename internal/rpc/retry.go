// Package rpc is the single resilience layer for every outbound network call:
// each attempt walks the configured endpoints in order, and a fully failed
// pass backs off exponentially before the next attempt.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how hard Do tries.
type Policy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Endpoints   []string

	// Observe, when set, is told about every endpoint call outcome.
	Observe func(endpoint string, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultPolicy returns the policy used when configuration leaves fields unset.
func DefaultPolicy(endpoints ...string) Policy {
	return Policy{
		MaxAttempts: 3,
		BaseBackoff: 250 * time.Millisecond,
		MaxBackoff:  5 * time.Second,
		Endpoints:   endpoints,
	}
}

// WithEndpoints returns a copy of p targeting endpoints.
func (p Policy) WithEndpoints(endpoints ...string) Policy {
	p.Endpoints = endpoints
	return p
}

// Backoff returns the pause after the given zero-based failed attempt.
func (p Policy) Backoff(attempt int) time.Duration {
	base := p.BaseBackoff
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// ErrNoEndpoints is returned when a policy has nothing to call.
var ErrNoEndpoints = errors.New("rpc: no endpoints configured")

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying on any endpoint.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do calls fn against each endpoint until one succeeds. A pass over every
// endpoint is one attempt; after MaxAttempts failed passes the last error is
// returned. Cancellation of ctx stops retrying immediately.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, endpoint string) (T, error)) (T, error) {
	var zero T
	if len(p.Endpoints) == 0 {
		return zero, ErrNoEndpoints
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepWithContext
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		for _, ep := range p.Endpoints {
			if err := ctx.Err(); err != nil {
				return zero, err
			}
			v, err := fn(ctx, ep)
			if p.Observe != nil {
				p.Observe(ep, err)
			}
			if err == nil {
				return v, nil
			}
			if IsPermanent(err) {
				return zero, err
			}
			lastErr = err
		}
		if attempt < attempts-1 {
			if err := sleep(ctx, p.Backoff(attempt)); err != nil {
				return zero, err
			}
		}
	}
	return zero, fmt.Errorf("rpc: %d attempts over %d endpoints failed: %w", attempts, len(p.Endpoints), lastErr)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
