package batch

import (
	"errors"
	"fmt"
	"time"

	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

// Limits of the batch control surface.
const (
	MaxTransmissionsLimit     = 1000
	MaxBatchSize              = 200
	MaxConcurrentBatchesLimit = 10

	DefaultMaxTransmissions     = 100
	DefaultBatchSize            = 50
	DefaultMaxConcurrentBatches = 3
)

var ErrInvalidRequest = errors.New("invalid batch request")

// Request selects eligible transmissions and bounds how they are worked.
type Request struct {
	StatusFilter         []transmission.Status `json:"status_filter"`
	OrganizationID       string                `json:"organization_id,omitempty"`
	MaxTransmissions     int                   `json:"max_transmissions"`
	BatchSize            int                   `json:"batch_size"`
	MaxConcurrentBatches int                   `json:"max_concurrent_batches"`
	RetryStrategy        retry.Strategy        `json:"retry_strategy"`
	RetryBaseDelay       time.Duration         `json:"-"`
	PrioritizeFailed     bool                  `json:"prioritize_failed"`
}

// withDefaults fills zero values.
func (r Request) withDefaults() Request {
	if len(r.StatusFilter) == 0 {
		r.StatusFilter = []transmission.Status{transmission.StatusPending, transmission.StatusFailed}
	}
	if r.MaxTransmissions == 0 {
		r.MaxTransmissions = DefaultMaxTransmissions
	}
	if r.BatchSize == 0 {
		r.BatchSize = DefaultBatchSize
	}
	if r.MaxConcurrentBatches == 0 {
		r.MaxConcurrentBatches = DefaultMaxConcurrentBatches
	}
	if r.RetryStrategy == "" {
		r.RetryStrategy = retry.Exponential
	}
	return r
}

// Validate checks r after defaults are applied.
func (r Request) Validate() error {
	var errs []error
	for _, s := range r.StatusFilter {
		if s != transmission.StatusPending && s != transmission.StatusFailed {
			errs = append(errs, fmt.Errorf("status_filter accepts pending or failed, got %q", s))
		}
	}
	if r.MaxTransmissions < 1 || r.MaxTransmissions > MaxTransmissionsLimit {
		errs = append(errs, fmt.Errorf("max_transmissions must be between 1 and %d", MaxTransmissionsLimit))
	}
	if r.BatchSize < 1 || r.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("batch_size must be between 1 and %d", MaxBatchSize))
	}
	if r.MaxConcurrentBatches < 1 || r.MaxConcurrentBatches > MaxConcurrentBatchesLimit {
		errs = append(errs, fmt.Errorf("max_concurrent_batches must be between 1 and %d", MaxConcurrentBatchesLimit))
	}
	if _, err := retry.ParseStrategy(string(r.RetryStrategy)); err != nil {
		errs = append(errs, err)
	}
	if r.RetryBaseDelay != 0 && (r.RetryBaseDelay < transmission.MinBaseDelay || r.RetryBaseDelay > transmission.MaxBaseDelay) {
		errs = append(errs, fmt.Errorf("retry base delay must be between %s and %s", transmission.MinBaseDelay, transmission.MaxBaseDelay))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}
