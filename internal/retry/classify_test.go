package retry

import (
	"errors"
	"fmt"
	"testing"

	"invoicegate.org/internal/faults"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want Outcome
	}{
		{nil, Success},
		{faults.E(faults.KindTimeout, "deadline", nil), RetryableFailure},
		{fmt.Errorf("post: %w", faults.E(faults.KindNetwork, "reset", nil)), RetryableFailure},
		{faults.E(faults.KindAuthority, "502", nil), RetryableFailure},
		{faults.E(faults.KindRateLimited, "429", nil), RateLimited},
		{faults.E(faults.KindValidation, "bad irn", nil), NonRetryableFailure},
		{faults.E(faults.KindAuthentication, "bad key", nil), NonRetryableFailure},
		{faults.E(faults.KindEncryption, "gcm", nil), NonRetryableFailure},
		{errors.New("unclassified"), NonRetryableFailure},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestClassifyStatus(t *testing.T) {
	cases := map[int]Outcome{
		200: Success,
		201: Success,
		400: NonRetryableFailure,
		401: NonRetryableFailure,
		404: NonRetryableFailure,
		408: RetryableFailure,
		429: RateLimited,
		500: RetryableFailure,
		503: RetryableFailure,
	}
	for code, want := range cases {
		if got := ClassifyStatus(code); got != want {
			t.Fatalf("ClassifyStatus(%d) = %s, want %s", code, got, want)
		}
	}
	if !RateLimited.Retryable() || NonRetryableFailure.Retryable() {
		t.Fatalf("unexpected Retryable results")
	}
}
