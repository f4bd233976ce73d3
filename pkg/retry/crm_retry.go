// Package retry implements exponential backoff for remote provider calls.
// Classification decides which failures are worth retrying: rate limits,
// server errors and network faults are transient; sync-token invalidation
// must surface immediately so the caller can bootstrap; the rest of the
// 4xx family is permanent.
package retry

import (
	"errors"
	"fmt"
	"net"
	"time"

	"google.golang.org/api/googleapi"

	"crm_server/core/port/out"
	"crm_server/pkg/logger"
)

// =============================================================================
// Policy
// =============================================================================

type Policy struct {
	MaxRetries   int           // retries after the first attempt
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // ceiling for the computed delay
	Base         float64       // multiplier between consecutive delays
}

// DefaultPolicy: 1s, 2s, 4s between the four total attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     32 * time.Second,
		Base:         2.0,
	}
}

// ExhaustedError wraps the final error after all attempts failed.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: retries exhausted after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err is a retry-exhaustion wrapper.
func IsExhausted(err error) bool {
	var ee *ExhaustedError
	return errors.As(err, &ee)
}

// Do runs fn up to 1+MaxRetries times with exponential backoff. Permanent
// errors and sync-token invalidation return immediately without further
// attempts; the latter keeps its original type so callers can detect it.
func (p Policy) Do(op string, fn func() error) error {
	var lastErr error
	delay := p.InitialDelay

	attempts := p.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if out.IsSyncTokenInvalid(err) {
			return err
		}
		if !isRetryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		logger.Default().WithFields(map[string]interface{}{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("transient failure, retrying")

		time.Sleep(delay)
		delay = time.Duration(float64(delay) * p.Base)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}

	return &ExhaustedError{Op: op, Attempts: attempts, Err: lastErr}
}

// Do runs fn under the default policy.
func Do(op string, fn func() error) error {
	return DefaultPolicy().Do(op, fn)
}

// isRetryable classifies an error. Provider adapters usually pre-classify
// via out.ProviderError; raw googleapi and net errors are handled for calls
// that bypass an adapter. Unknown errors are treated as transient because
// most unclassified failures in practice are connection resets.
func isRetryable(err error) bool {
	var pe *out.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}

	var ge *googleapi.Error
	if errors.As(err, &ge) {
		switch {
		case ge.Code == 429:
			return true
		case ge.Code >= 500:
			return true
		case ge.Code == 410:
			return false
		case ge.Code >= 400:
			return false
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}

	return true
}
