package transmission

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"invoicegate.org/internal/retry"
)

// Bounds for operator-supplied retry settings.
const (
	MinMaxRetries = 1
	MaxMaxRetries = 10
	MinBaseDelay  = 100 * time.Millisecond
	MaxBaseDelay  = 10 * time.Second
)

// NewTransmission is the producer's request to create a transmission.
type NewTransmission struct {
	ID             string
	OrganizationID string
	IRN            string
	SourceType     string
	SourceID       string
	Payload        []byte
	MaxRetries     int
	Strategy       retry.Strategy
	BaseDelay      time.Duration
	WebhookURL     string
	WebhookEnabled bool
}

// Validate checks n after defaults have been applied.
func (n NewTransmission) Validate() error {
	var errs []error
	if strings.TrimSpace(n.OrganizationID) == "" {
		errs = append(errs, errors.New("organization_id is required"))
	}
	if len(n.Payload) == 0 {
		errs = append(errs, errors.New("payload is required"))
	}
	if err := validateRetrySettings(n.Strategy, n.MaxRetries, n.BaseDelay); err != nil {
		errs = append(errs, err)
	}
	if n.WebhookEnabled {
		if err := validateWebhookURL(n.WebhookURL); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// RetryRequest is the operator retry control surface.
type RetryRequest struct {
	Strategy   retry.Strategy
	MaxRetries int
	BaseDelay  time.Duration
	Force      bool
	Reason     string
}

// Validate checks the supplied fields; zero values mean "keep current".
func (r RetryRequest) Validate() error {
	var errs []error
	if r.Strategy != "" {
		if _, err := retry.ParseStrategy(string(r.Strategy)); err != nil {
			errs = append(errs, err)
		}
	}
	if r.MaxRetries != 0 && (r.MaxRetries < MinMaxRetries || r.MaxRetries > MaxMaxRetries) {
		errs = append(errs, fmt.Errorf("max_retries must be between %d and %d", MinMaxRetries, MaxMaxRetries))
	}
	if r.BaseDelay != 0 && (r.BaseDelay < MinBaseDelay || r.BaseDelay > MaxBaseDelay) {
		errs = append(errs, fmt.Errorf("base_delay_ms must be between %d and %d", MinBaseDelay.Milliseconds(), MaxBaseDelay.Milliseconds()))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

func validateRetrySettings(s retry.Strategy, maxRetries int, base time.Duration) error {
	return RetryRequest{Strategy: s, MaxRetries: maxRetries, BaseDelay: base}.Validate()
}

func validateWebhookURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("webhook_url %q must be an absolute http(s) url", raw)
	}
	return nil
}
