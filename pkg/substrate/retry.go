package substrate

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/tesslate/studio/pkg/metrics"
	"github.com/tesslate/studio/pkg/types"
)

// Backoff parameters for substrate mutations. Waits double per attempt up
// to the cap; the actual sleep is drawn uniformly from [0, delay) so
// concurrent retries spread out.
const (
	RetryBaseDelay   = 500 * time.Millisecond
	RetryMaxDelay    = 8 * time.Second
	RetryMaxAttempts = 6
)

type backoff struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

var defaultBackoff = backoff{
	base:     RetryBaseDelay,
	max:      RetryMaxDelay,
	attempts: RetryMaxAttempts,
}

// Retry runs fn, retrying transient failures with capped exponential
// backoff and full jitter. Non-transient errors and context cancellation
// return immediately. The op name labels the retry metric and the final
// error.
func Retry(ctx context.Context, op string, fn func() error) error {
	return retry(ctx, op, defaultBackoff, fn)
}

func retry(ctx context.Context, op string, b backoff, fn func() error) error {
	var err error
	delay := b.base

	for attempt := 1; attempt <= b.attempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !types.IsTransient(err) {
			return err
		}
		if attempt == b.attempts {
			break
		}

		metrics.SubstrateRetries.WithLabelValues(op).Inc()

		sleep := time.Duration(rand.Int63n(int64(delay) + 1))
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s cancelled during retry: %w", op, ctx.Err())
		case <-time.After(sleep):
		}

		delay *= 2
		if delay > b.max {
			delay = b.max
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", op, b.attempts, err)
}
