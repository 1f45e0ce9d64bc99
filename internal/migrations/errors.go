package migrations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

type MigrationError struct {
	Operation string
	Version   int64
	Cause     error
	Timestamp time.Time
	Context   map[string]any
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("migration %s failed at version %d: %v", e.Operation, e.Version, e.Cause)
}

func (e *MigrationError) Unwrap() error {
	return e.Cause
}

type ErrorHandler struct {
	logger     *slog.Logger
	maxRetries int
	retryDelay time.Duration
}

func NewErrorHandler(logger *slog.Logger, maxRetries int, retryDelay time.Duration) *ErrorHandler {
	return &ErrorHandler{
		logger:     logger,
		maxRetries: maxRetries,
		retryDelay: retryDelay,
	}
}

func (eh *ErrorHandler) HandleError(ctx context.Context, err error, operation string, version int64) error {
	migrationErr := &MigrationError{
		Operation: operation,
		Version:   version,
		Cause:     err,
		Timestamp: time.Now(),
		Context: map[string]any{
			"operation": operation,
			"version":   version,
			"timestamp": time.Now(),
		},
	}

	eh.logger.Error("Migration error",
		"operation", operation,
		"version", version,
		"error", err,
		"timestamp", migrationErr.Timestamp)

	if eh.isRetryable(err) {
		eh.logger.Info("Error is retryable, attempting recovery",
			"operation", operation,
			"version", version)
	}

	return migrationErr
}

func (eh *ErrorHandler) ExecuteWithRetry(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= eh.maxRetries; attempt++ {
		if attempt > 0 {
			eh.logger.Info("Retrying migration operation",
				"attempt", attempt,
				"max_retries", eh.maxRetries)

			select {
			case <-time.After(eh.retryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := operation(); err != nil {
			lastErr = err

			if !eh.isRetryable(err) {
				break
			}

			eh.logger.Warn("Migration operation failed, retrying",
				"attempt", attempt+1,
				"error", err)
			continue
		}

		if attempt > 0 {
			eh.logger.Info("Migration operation succeeded after retry",
				"attempts", attempt+1)
		}
		return nil
	}

	eh.logger.Error("Migration operation failed after all retries",
		"max_retries", eh.maxRetries,
		"last_error", lastErr)

	return lastErr
}

func (eh *ErrorHandler) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	retryablePatterns := []string{
		// Network errors
		"connection refused",
		"connection reset",
		"connection lost",
		"timeout",
		"deadline exceeded",

		// Database lock errors
		"lock wait timeout",
		"deadlock",
		"serialization failure",
		"could not serialize access",

		// Temporary errors
		"temporary failure",
		"service unavailable",
		"server closed the connection unexpectedly",

		// Resource errors
		"too many connections",
		"out of memory",
		"disk full",

		// PostgreSQL specific
		"pq: ",     // PostgreSQL driver errors
		"sqlstate", // PostgreSQL error codes
		"current transaction is aborted",

		// SQLite specific
		"database is locked",
		"database busy",
		"interrupted",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	if errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	return false
}

