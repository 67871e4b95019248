// Package backoff provides the bounded exponential retry helper used for
// every call that crosses an external-collaborator boundary (fund
// transfers, attestation, network adapters).
package backoff

import (
	"context"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultPolicy retries three times starting at 100ms.
var DefaultPolicy = Policy{Attempts: 3, Base: 100 * time.Millisecond, Max: 5 * time.Second}

// Do runs op up to p.Attempts times, doubling the delay between attempts.
// It returns nil on the first success, the last error on exhaustion, and
// the context error if cancelled while waiting.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Base <= 0 {
		p.Base = 100 * time.Millisecond
	}

	var lastErr error
	delay := p.Base
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
			if p.Max > 0 && delay > p.Max {
				delay = p.Max
			}
		}
		if err := op(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
