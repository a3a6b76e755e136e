package db

import (
	"context"
	"time"

	"health-monitor/pkg/logger"
)

const pingTimeout = 10 * time.Second

// retryDelay is the wait before the second attempt; it grows linearly
var retryDelay = time.Second

// connect pings a backing service until it answers or attempts run out
func connect(ctx context.Context, name string, attempts int, ping func(ctx context.Context) error) error {
	attempts = max(attempts, 1)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}

		logger.Warn(name+" not reachable yet",
			logger.Int("attempt", attempt),
			logger.Int("attempts", attempts),
			logger.Err(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryDelay):
		}
	}
	return err
}
