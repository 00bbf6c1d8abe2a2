// Package intake feeds transmissions from Kafka into the orchestrator and
// publishes status changes back to Kafka.
package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"invoicegate.org/internal/audit"
	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

// Orchestrator is the part of the transmission orchestrator intake drives.
type Orchestrator interface {
	Enqueue(ctx context.Context, n transmission.NewTransmission) (transmission.Transmission, error)
	Submit(ctx context.Context, id string) (transmission.Transmission, error)
}

// Message is one record of the intake topic. It either carries a complete
// transmission or references one that already exists.
type Message struct {
	TransmissionID string          `json:"transmission_id,omitempty"`
	ID             string          `json:"id,omitempty"`
	OrganizationID string          `json:"organization_id,omitempty"`
	IRN            string          `json:"irn,omitempty"`
	SourceType     string          `json:"source_type,omitempty"`
	SourceID       string          `json:"source_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	RetryStrategy  retry.Strategy  `json:"retry_strategy,omitempty"`
	BaseDelayMS    int64           `json:"base_delay_ms,omitempty"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
	WebhookEnabled bool            `json:"webhook_enabled,omitempty"`
}

// Outcome describes what Handle did with a record.
type Outcome string

const (
	OutcomeSubmitted Outcome = "submitted"
	OutcomeRejected  Outcome = "rejected"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeInvalid   Outcome = "invalid"
)

// Handler turns intake records into orchestrator calls.
type Handler struct {
	orch Orchestrator
	log  zerolog.Logger
}

func NewHandler(orch Orchestrator, log zerolog.Logger) *Handler {
	return &Handler{orch: orch, log: log.With().Str("component", "intake").Logger()}
}

// ParseMessage decodes one record value.
func ParseMessage(value []byte) (Message, error) {
	var m Message
	dec := json.NewDecoder(bytes.NewReader(value))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&m); err != nil {
		return Message{}, faults.E(faults.KindValidation, "decode intake record", err)
	}
	m.TransmissionID = strings.TrimSpace(m.TransmissionID)
	if m.TransmissionID == "" && len(m.Payload) == 0 {
		return Message{}, faults.E(faults.KindValidation, "record carries neither transmission_id nor payload", nil)
	}
	return m, nil
}

func (m Message) newTransmission() transmission.NewTransmission {
	return transmission.NewTransmission{
		ID:             strings.TrimSpace(m.ID),
		OrganizationID: strings.TrimSpace(m.OrganizationID),
		IRN:            strings.TrimSpace(m.IRN),
		SourceType:     strings.TrimSpace(m.SourceType),
		SourceID:       strings.TrimSpace(m.SourceID),
		Payload:        []byte(m.Payload),
		MaxRetries:     m.MaxRetries,
		Strategy:       m.RetryStrategy,
		BaseDelay:      time.Duration(m.BaseDelayMS) * time.Millisecond,
		WebhookURL:     strings.TrimSpace(m.WebhookURL),
		WebhookEnabled: m.WebhookEnabled,
	}
}

// Handle enqueues (when needed) and submits the transmission a record
// describes. Only infrastructure failures are returned; rejected or invalid
// records are logged and reported through the Outcome so the caller can
// commit them.
func (h *Handler) Handle(ctx context.Context, value []byte) (Outcome, error) {
	msg, err := ParseMessage(value)
	if err != nil {
		h.log.Warn().Err(err).Msg("intake record discarded")
		return OutcomeInvalid, nil
	}

	id := msg.TransmissionID
	if id == "" {
		t, err := h.orch.Enqueue(ctx, msg.newTransmission())
		switch {
		case err == nil:
			id = t.ID
		case errors.Is(err, transmission.ErrDuplicate) && msg.ID != "":
			// Redelivery of a record that was enqueued before a crash.
			id = strings.TrimSpace(msg.ID)
		case errors.Is(err, transmission.ErrInvalidRequest):
			h.log.Warn().Err(err).Msg("intake record rejected")
			return OutcomeInvalid, nil
		default:
			return "", fmt.Errorf("enqueue: %w", err)
		}
	}

	t, err := h.orch.Submit(ctx, id)
	if err != nil {
		return h.submitFailure(id, t, err)
	}
	_ = audit.LogEvent(ctx, "intake.submitted", map[string]any{
		"transmission_id": id,
		"status":          t.Status,
	})
	return OutcomeSubmitted, nil
}

func (h *Handler) submitFailure(id string, t transmission.Transmission, err error) (Outcome, error) {
	kind := faults.KindOf(err)
	switch {
	case errors.Is(err, transmission.ErrNotFound):
		h.log.Warn().Str("transmission_id", id).Msg("intake references unknown transmission")
		return OutcomeInvalid, nil
	case errors.Is(err, transmission.ErrTerminal),
		errors.Is(err, transmission.ErrScheduled),
		errors.Is(err, transmission.ErrBusy),
		errors.Is(err, transmission.ErrConflict),
		errors.Is(err, transmission.ErrForceRequired):
		h.log.Info().Str("transmission_id", id).Str("status", string(t.Status)).Err(err).Msg("intake submit skipped")
		return OutcomeSkipped, nil
	case kind == faults.KindRateLimitExceeded, kind == faults.KindCircuitOpen:
		// The transmission stays PENDING; batch retries pick it up later.
		h.log.Warn().Str("transmission_id", id).Str("kind", string(kind)).Err(err).Msg("intake submit rejected")
		return OutcomeRejected, nil
	}
	return "", fmt.Errorf("submit %s: %w", id, err)
}
