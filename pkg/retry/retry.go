// Package retry implements bounded exponential backoff with deterministic
// jitter. Jitter is derived from a seed string rather than a PRNG so that a
// given (seed, attempt) pair always yields the same delay, which keeps
// replayed consumer runs and tests reproducible.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	Base        time.Duration // first delay
	Cap         time.Duration // upper bound per delay
	MaxJitter   time.Duration // additive jitter bound
	MaxAttempts int           // total tries including the first
}

// DefaultPolicy suits short storage and RPC retries.
func DefaultPolicy() Policy {
	return Policy{
		Base:        50 * time.Millisecond,
		Cap:         5 * time.Second,
		MaxJitter:   100 * time.Millisecond,
		MaxAttempts: 3,
	}
}

// Delay returns the backoff before attempt (0-based retry index), growing
// base * 2^attempt up to Cap, plus deterministic jitter seeded by seed.
func (p Policy) Delay(attempt int, seed string) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}

	delay := p.Base * time.Duration(factor)
	if delay > p.Cap || delay < 0 {
		delay = p.Cap
	}
	return delay + p.jitter(attempt, seed)
}

func (p Policy) jitter(attempt int, seed string) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	hash := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(hash[:8])
	return time.Duration(basis % uint64(p.MaxJitter)) //nolint:gosec // MaxJitter is positive
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// tries. retryable decides whether an error is worth another attempt; a nil
// retryable retries everything. The last error is returned unwrapped so the
// caller's taxonomy survives.
func Do(ctx context.Context, p Policy, seed string, retryable func(error) bool, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(p.Delay(attempt-1, seed))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return err
		}
	}
	return err
}
