package retry

import (
	"net/http"

	"invoicegate.org/internal/faults"
)

// Outcome is the classified result of one outbound attempt.
type Outcome int

const (
	Success Outcome = iota
	RetryableFailure
	NonRetryableFailure
	RateLimited
	// Skipped marks an attempt that never reached the destination.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable_failure"
	case NonRetryableFailure:
		return "non_retryable_failure"
	case RateLimited:
		return "rate_limited"
	case Skipped:
		return "skipped"
	}
	return "unknown"
}

// Retryable reports whether another attempt may be scheduled.
func (o Outcome) Retryable() bool {
	return o == RetryableFailure || o == RateLimited
}

// Classify maps an attempt error to an Outcome using its fault kind.
func Classify(err error) Outcome {
	if err == nil {
		return Success
	}
	k := faults.KindOf(err)
	switch {
	case k == faults.KindRateLimited:
		return RateLimited
	case faults.Retryable(k):
		return RetryableFailure
	}
	return NonRetryableFailure
}

// ClassifyStatus maps an HTTP status code to an Outcome.
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return Success
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return RetryableFailure
	}
	return NonRetryableFailure
}
