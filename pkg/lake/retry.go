package lake

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	maxTxAttempts     = 8
	txInitialInterval = 50 * time.Millisecond
	txMaxInterval     = 5 * time.Second
)

// isTransactionConflictError reports whether err is a DuckLake optimistic
// concurrency failure. Two writers committing against the same catalog race
// on snapshot publication; losing is transient and the transaction can simply
// be replayed.
func isTransactionConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Transaction conflict") ||
		strings.Contains(msg, "Failed to commit DuckLake transaction") ||
		strings.Contains(msg, "but another transaction has compacted it")
}

// retryTxConflicts runs fn, replaying it with exponential backoff while it
// fails with transaction conflicts. Any other error aborts immediately.
func retryTxConflicts(ctx context.Context, log *slog.Logger, operation string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = txInitialInterval
	bo.MaxInterval = txMaxInterval
	bo.Multiplier = 2.0

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			if attempt > 1 {
				log.Info("operation succeeded after retries", "operation", operation, "attempts", attempt)
			}
			return struct{}{}, nil
		}
		if !isTransactionConflictError(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warn("transaction conflict detected, retrying", "operation", operation, "attempt", attempt, "max_attempts", maxTxAttempts, "error", err)
		return struct{}{}, err
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxTxAttempts))
	if err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}
	return nil
}
