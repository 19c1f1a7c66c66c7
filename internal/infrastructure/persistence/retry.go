package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	domainErrors "github.com/agentkernel/gateway/pkg/errors"
)

// storeRetryDelays is the Store's fixed backoff schedule for TransientStore
// errors: 50ms, 200ms, 1s, then fail. Grounded on llm_caller.go's
// callLLMWithRetry exponential-backoff shape, but with the spec's own
// literal schedule rather than LLM's 2s/4s/8s.
var storeRetryDelays = []time.Duration{50 * time.Millisecond, 200 * time.Millisecond, 1 * time.Second}

// withRetry runs fn, retrying up to len(storeRetryDelays) additional times
// on transient errors, and returns the last error otherwise. Non-transient
// errors (not found, stale session, validation) are returned immediately.
func withRetry(ctx context.Context, logger *zap.Logger, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt <= len(storeRetryDelays); attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isTransientDBError(lastErr) || attempt == len(storeRetryDelays) {
			return lastErr
		}
		delay := storeRetryDelays[attempt]
		if logger != nil {
			logger.Warn("transient store error, retrying",
				zap.String("op", op), zap.Int("attempt", attempt+1), zap.Duration("delay", delay), zap.Error(lastErr))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return domainErrors.NewTransientStoreError(op+" failed after retries", lastErr)
}

// isTransientDBError classifies a gorm/driver error as retryable. Grounded
// on llm_errors.go's ClassifyError string-pattern approach, generalized from
// LLM provider errors to SQL driver errors.
func isTransientDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrInvalidTransaction) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{
		"timeout", "deadline exceeded", "connection reset", "connection refused",
		"too many connections", "serialization failure", "could not serialize",
		"deadlock detected", "broken pipe", "i/o timeout", "database is locked",
	} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
