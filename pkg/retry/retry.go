// Package retry implements the deterministic, jitter-free Retry/Backoff
// Engine (spec C8). It generalizes the teacher's exponential schedule
// (pkg/kernel/retry/backoff.go) by dropping the deterministic-PRF jitter
// term: this spec's backoff must be exactly min(max, base*2^(attempt-1)).
package retry

import (
	"context"
	"errors"
	"net"
	"time"
)

// Policy configures a single run_with_retry invocation.
type Policy struct {
	RetryEnabled  bool
	MaxAttempts   int
	RetryOnStatus map[int]bool
	BaseBackoffMs int64
	MaxBackoffMs  int64
}

// AttemptStatus classifies a single attempt's outcome.
type AttemptStatus string

const (
	StatusDelivered        AttemptStatus = "DELIVERED"
	StatusRetryableFail    AttemptStatus = "RETRYABLE_FAIL"
	StatusNonRetryableFail AttemptStatus = "NON_RETRYABLE_FAIL"
)

// OutcomeCode is the terminal classification of the whole retry run.
type OutcomeCode string

const (
	OutcomeDelivered              OutcomeCode = "DELIVERED"
	OutcomeRetryExhausted         OutcomeCode = "RETRY_EXHAUSTED"
	OutcomeNonRetryableHTTPStatus OutcomeCode = "NON_RETRYABLE_HTTP_STATUS"
	OutcomeNetworkError           OutcomeCode = "NETWORK_ERROR"
)

// Attempt records one try.
type Attempt struct {
	Attempt        int           `json:"attempt"`
	Status         AttemptStatus `json:"status"`
	HTTPStatus     *int          `json:"http_status,omitempty"`
	ErrorCode      string        `json:"error_code,omitempty"`
	PlannedBackoff int64         `json:"planned_backoff_ms"`
}

// Outcome is the full result of run_with_retry.
type Outcome struct {
	Result      any
	Attempts    []Attempt
	OutcomeCode OutcomeCode
	LastError   error
}

// OperationResult is the shape every Operation must return: an HTTP-like
// status plus the opaque result to surface on success.
type OperationResult struct {
	Status int
	Value  any
}

// Operation is a single attempt of the retried side effect.
type Operation func(ctx context.Context, attempt int) (OperationResult, error)

// Backoff returns the deterministic delay for a given 1-indexed attempt
// number: min(max, base*2^(attempt-1)) when base > 0, else 0.
func Backoff(attempt int, baseMs, maxMs int64) int64 {
	if baseMs <= 0 {
		return 0
	}
	if attempt <= 1 {
		return clampBackoff(baseMs, maxMs)
	}
	delay := baseMs
	for i := 1; i < attempt; i++ {
		delay *= 2
		if maxMs > 0 && delay >= maxMs {
			delay = maxMs
			break
		}
	}
	return clampBackoff(delay, maxMs)
}

func clampBackoff(delay, maxMs int64) int64 {
	if maxMs > 0 && delay > maxMs {
		return maxMs
	}
	return delay
}

// Run executes op up to policy.MaxAttempts times, sleeping the deterministic
// backoff between attempts, classifying each attempt per spec §4.8.
func Run(ctx context.Context, op Operation, policy Policy, sleep func(time.Duration)) Outcome {
	if sleep == nil {
		sleep = func(d time.Duration) { time.Sleep(d) }
	}
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var attempts []Attempt
	for i := 1; i <= maxAttempts; i++ {
		res, err := op(ctx, i)

		if err == nil && res.Status >= 200 && res.Status < 300 {
			attempts = append(attempts, Attempt{Attempt: i, Status: StatusDelivered, HTTPStatus: intPtr(res.Status), PlannedBackoff: 0})
			return Outcome{Result: res.Value, Attempts: attempts, OutcomeCode: OutcomeDelivered}
		}

		if err == nil {
			if policy.RetryEnabled && policy.RetryOnStatus[res.Status] && i < maxAttempts {
				delay := Backoff(i, policy.BaseBackoffMs, policy.MaxBackoffMs)
				attempts = append(attempts, Attempt{Attempt: i, Status: StatusRetryableFail, HTTPStatus: intPtr(res.Status), PlannedBackoff: delay})
				sleep(time.Duration(delay) * time.Millisecond)
				continue
			}
			attempts = append(attempts, Attempt{Attempt: i, Status: StatusNonRetryableFail, HTTPStatus: intPtr(res.Status), PlannedBackoff: 0})
			if policy.RetryOnStatus[res.Status] {
				return Outcome{Attempts: attempts, OutcomeCode: OutcomeRetryExhausted, LastError: errors.New("retries exhausted")}
			}
			return Outcome{Attempts: attempts, OutcomeCode: OutcomeNonRetryableHTTPStatus, LastError: errors.New("non-retryable http status")}
		}

		// Transport/network error.
		if policy.RetryEnabled && isNetworkError(err) && i < maxAttempts {
			delay := Backoff(i, policy.BaseBackoffMs, policy.MaxBackoffMs)
			attempts = append(attempts, Attempt{Attempt: i, Status: StatusRetryableFail, ErrorCode: "network_error", PlannedBackoff: delay})
			sleep(time.Duration(delay) * time.Millisecond)
			continue
		}
		attempts = append(attempts, Attempt{Attempt: i, Status: StatusNonRetryableFail, ErrorCode: "network_error", PlannedBackoff: 0})
		return Outcome{Attempts: attempts, OutcomeCode: OutcomeNetworkError, LastError: err}
	}

	return Outcome{Attempts: attempts, OutcomeCode: OutcomeRetryExhausted, LastError: errors.New("retries exhausted")}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr)
}

func intPtr(v int) *int { return &v }
