package gateway

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy is an explicit retry loop over one gateway operation.
// Transient failures back off exponentially up to MaxAttempts. Rate-limit
// signals wait the platform-specified delay without consuming an attempt.
// Not-found and permanent failures are returned immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

func DefaultRetry() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}
}

func (p RetryPolicy) Do(ctx context.Context, log *slog.Logger, name string, op func() error) error {
	delay := p.BaseDelay
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = op()
		if err == nil {
			return nil
		}

		switch Classify(err) {
		case RateLimited:
			wait := RetryDelay(err)
			if wait <= 0 {
				wait = p.BaseDelay
			}
			log.Warn("Gateway rate limit, honoring mandated delay", "op", name, "wait", wait)
			if !sleep(ctx, wait) {
				return ctx.Err()
			}
			// Mandated waits don't consume an attempt.
			attempt--
		case Transient:
			if attempt == p.MaxAttempts {
				log.Error("Gateway operation exhausted retries", "op", name, "attempts", p.MaxAttempts, "error", err)
				return err
			}
			log.Warn("Gateway operation failed, retrying", "op", name, "attempt", attempt, "error", err)
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			delay *= 2
		default:
			// not-found and permanent escalate to the caller untouched
			return err
		}
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
