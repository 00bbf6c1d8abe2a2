package authority

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"invoicegate.org/internal/faults"
)

func TestSubmitSuccess(t *testing.T) {
	secret := []byte("authority-secret")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		if r.Header.Get("X-API-Key") != "client-1" || r.Header.Get("Idempotency-Key") != "trx_1" {
			t.Errorf("missing headers: %v", r.Header)
		}
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		claims := &jwt.RegisteredClaims{}
		if _, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return secret, nil }); err != nil {
			t.Errorf("bad assertion: %v", err)
		}
		if claims.Subject != "org-9" || claims.Issuer != "client-1" {
			t.Errorf("unexpected claims %+v", claims)
		}
		var body submitBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode: %v", err)
		}
		if body.TransmissionID != "trx_1" || body.KeyID != "key_1" || body.Ciphertext != "abc.def" || body.Attempt != 2 {
			t.Errorf("unexpected body %+v", body)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"reference":"AUTH-42"}`))
	}))
	defer srv.Close()

	c, err := NewClient(Config{Endpoint: srv.URL, APIKey: "client-1", APISecret: secret, Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	resp, err := c.Submit(context.Background(), Request{
		TransmissionID: "trx_1",
		OrganizationID: "org-9",
		IRN:            "INV-1",
		KeyID:          "key_1",
		Ciphertext:     []byte("abc.def"),
		Attempt:        2,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || resp.Reference != "AUTH-42" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestSubmitStatusClassification(t *testing.T) {
	cases := []struct {
		code  int
		kind  faults.Kind
		retry string
		after time.Duration
	}{
		{400, faults.KindValidation, "", 0},
		{401, faults.KindAuthentication, "", 0},
		{403, faults.KindAuthentication, "", 0},
		{408, faults.KindTimeout, "", 0},
		{422, faults.KindValidation, "", 0},
		{429, faults.KindRateLimited, "7", 7 * time.Second},
		{500, faults.KindAuthority, "", 0},
		{503, faults.KindAuthority, "", 0},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.retry != "" {
				w.Header().Set("Retry-After", tc.retry)
			}
			w.WriteHeader(tc.code)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}))
		c, _ := NewClient(Config{Endpoint: srv.URL})
		resp, err := c.Submit(context.Background(), Request{TransmissionID: "trx"})
		srv.Close()

		if got := faults.KindOf(err); got != tc.kind {
			t.Fatalf("status %d: kind %s, want %s", tc.code, got, tc.kind)
		}
		if resp.StatusCode != tc.code || resp.RetryAfter != tc.after {
			t.Fatalf("status %d: unexpected response %+v", tc.code, resp)
		}
		if !strings.Contains(faults.Message(err), "nope") {
			t.Fatalf("status %d: message lost: %v", tc.code, err)
		}
	}
}

func TestSubmitTimeoutIsRetryable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := NewClient(Config{Endpoint: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Submit(context.Background(), Request{TransmissionID: "trx"})
	if faults.KindOf(err) != faults.KindTimeout {
		t.Fatalf("expected timeout kind, got %v", err)
	}
	if !faults.Retryable(faults.KindOf(err)) {
		t.Fatalf("timeouts must be retryable")
	}
}

func TestSubmitNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c, _ := NewClient(Config{Endpoint: url, Timeout: time.Second})
	_, err := c.Submit(context.Background(), Request{TransmissionID: "trx"})
	if faults.KindOf(err) != faults.KindNetwork {
		t.Fatalf("expected network kind, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if d := parseRetryAfter("30", now); d != 30*time.Second {
		t.Fatalf("seconds: %s", d)
	}
	if d := parseRetryAfter(now.Add(time.Minute).Format(http.TimeFormat), now); d != time.Minute {
		t.Fatalf("date: %s", d)
	}
	if d := parseRetryAfter("soon", now); d != 0 {
		t.Fatalf("garbage: %s", d)
	}
}

func TestNewClientRequiresEndpoint(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}
