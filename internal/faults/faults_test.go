package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("submit: %w", E(KindTimeout, "deadline exceeded", nil))

	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "nil", err: nil, want: ""},
		{name: "plain", err: errors.New("boom"), want: KindInternal},
		{name: "direct", err: E(KindValidation, "bad invoice", nil), want: KindValidation},
		{name: "wrapped", err: wrapped, want: KindTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.want {
				t.Fatalf("KindOf() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestErrorsIsKind(t *testing.T) {
	err := fmt.Errorf("attempt 2: %w", E(KindNetwork, "connection reset", errors.New("read: ECONNRESET")))
	if !errors.Is(err, KindNetwork) {
		t.Fatalf("expected errors.Is to match KindNetwork")
	}
	if errors.Is(err, KindTimeout) {
		t.Fatalf("unexpected match on KindTimeout")
	}
	if got := Message(err); got != "connection reset: read: ECONNRESET" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestRetryable(t *testing.T) {
	for _, k := range []Kind{KindNetwork, KindTimeout, KindAuthority, KindRateLimited} {
		if !Retryable(k) {
			t.Fatalf("%s should be retryable", k)
		}
	}
	for _, k := range []Kind{KindValidation, KindAuthentication, KindEncryption, KindKeyNotFound, KindCircuitOpen, KindRateLimitExceeded} {
		if Retryable(k) {
			t.Fatalf("%s should not be retryable", k)
		}
	}
}
