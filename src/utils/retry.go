package utils

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/jiaming2012/risk-daemon/src/eventmodels"
)

// Retry runs fn up to attempts times, doubling the delay between tries.
// Non-transient failures and context cancellation return immediately; only
// errors marked transient are worth another round trip.
func Retry(ctx context.Context, attempts int, initialDelay time.Duration, fn func() error) error {
	var err error

	delay := initialDelay

	for i := 0; i < attempts; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("Retry: cancelled after %d attempts: %w", i, ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
		}

		if err = fn(); err == nil {
			return nil
		}

		if !eventmodels.IsTransientErr(err) {
			return err
		}

		log.Warnf("Retry: attempt %d/%d failed: %v", i+1, attempts, err)
	}

	return fmt.Errorf("Retry: all %d attempts failed: %w", attempts, err)
}
