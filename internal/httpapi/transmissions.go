package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"invoicegate.org/internal/audit"
	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type transmissionView struct {
	ID                 string                  `json:"id"`
	OrganizationID     string                  `json:"organization_id"`
	IRN                string                  `json:"irn,omitempty"`
	SourceType         string                  `json:"source_type,omitempty"`
	SourceID           string                  `json:"source_id,omitempty"`
	Status             transmission.Status     `json:"status"`
	RetryCount         int                     `json:"retry_count"`
	MaxRetries         int                     `json:"max_retries"`
	Strategy           retry.Strategy          `json:"retry_strategy"`
	BaseDelayMS        int64                   `json:"base_delay_ms"`
	KeyID              string                  `json:"key_id"`
	PayloadSize        int64                   `json:"payload_size"`
	LastError          *transmission.LastError `json:"last_error,omitempty"`
	NextAttemptAt      *time.Time              `json:"next_attempt_at,omitempty"`
	AuthorityReference string                  `json:"authority_reference,omitempty"`
	WebhookURL         string                  `json:"webhook_url,omitempty"`
	WebhookEnabled     bool                    `json:"webhook_enabled"`
	CreatedAt          time.Time               `json:"created_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
	Version            int64                   `json:"version"`
}

func viewOf(t transmission.Transmission) transmissionView {
	return transmissionView{
		ID:                 t.ID,
		OrganizationID:     t.OrganizationID,
		IRN:                t.IRN,
		SourceType:         t.SourceType,
		SourceID:           t.SourceID,
		Status:             t.Status,
		RetryCount:         t.RetryCount,
		MaxRetries:         t.MaxRetries,
		Strategy:           t.Strategy,
		BaseDelayMS:        t.BaseDelay.Milliseconds(),
		KeyID:              t.KeyID,
		PayloadSize:        t.PayloadSize,
		LastError:          t.LastError,
		NextAttemptAt:      t.NextAttemptAt,
		AuthorityReference: t.AuthorityReference,
		WebhookURL:         t.WebhookURL,
		WebhookEnabled:     t.WebhookEnabled,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
		Version:            t.Version,
	}
}

// CreateTransmissionRequest is the producer's intake body.
type CreateTransmissionRequest struct {
	ID             string          `json:"id,omitempty"`
	OrganizationID string          `json:"organization_id"`
	IRN            string          `json:"irn"`
	SourceType     string          `json:"source_type"`
	SourceID       string          `json:"source_id"`
	Payload        json.RawMessage `json:"payload"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	RetryStrategy  retry.Strategy  `json:"retry_strategy,omitempty"`
	BaseDelayMS    int64           `json:"base_delay_ms,omitempty"`
	WebhookURL     string          `json:"webhook_url,omitempty"`
	WebhookEnabled bool            `json:"webhook_enabled,omitempty"`
	// Submit starts the first attempt right after the transmission is stored.
	Submit bool `json:"submit,omitempty"`
}

// NewTransmission maps the body onto the orchestrator request.
func (req CreateTransmissionRequest) NewTransmission() transmission.NewTransmission {
	return transmission.NewTransmission{
		ID:             strings.TrimSpace(req.ID),
		OrganizationID: strings.TrimSpace(req.OrganizationID),
		IRN:            strings.TrimSpace(req.IRN),
		SourceType:     strings.TrimSpace(req.SourceType),
		SourceID:       strings.TrimSpace(req.SourceID),
		Payload:        []byte(req.Payload),
		MaxRetries:     req.MaxRetries,
		Strategy:       req.RetryStrategy,
		BaseDelay:      time.Duration(req.BaseDelayMS) * time.Millisecond,
		WebhookURL:     strings.TrimSpace(req.WebhookURL),
		WebhookEnabled: req.WebhookEnabled,
	}
}

type retryRequest struct {
	Strategy    retry.Strategy `json:"strategy,omitempty"`
	MaxRetries  int            `json:"max_retries,omitempty"`
	BaseDelayMS int64          `json:"base_delay_ms,omitempty"`
	Force       bool           `json:"force,omitempty"`
	Reason      string         `json:"reason,omitempty"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) CreateTransmission(w http.ResponseWriter, r *http.Request) {
	var req CreateTransmissionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	orch := a.deps.Transmissions
	t, err := orch.Enqueue(r.Context(), req.NewTransmission())
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	if !req.Submit {
		writeJSON(w, http.StatusCreated, viewOf(t))
		return
	}
	submitted, err := orch.Submit(r.Context(), t.ID)
	if err != nil {
		// The transmission exists; report the admission failure with it.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"transmission": viewOf(t),
			"submit_error": err.Error(),
			"kind":         faults.KindOf(err),
		})
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(submitted))
}

func (a *API) ListTransmissions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parsePositiveInt(q.Get("limit"), defaultListLimit, 1, maxListLimit)
	if err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	filter := transmission.Filter{
		OrganizationID: strings.TrimSpace(q.Get("organization_id")),
		Limit:          limit,
	}
	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			if strings.TrimSpace(part) == "" {
				continue
			}
			st, err := transmission.ParseStatus(part)
			if err != nil {
				writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
				return
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	items, err := a.deps.Transmissions.List(r.Context(), filter)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	views := make([]transmissionView, 0, len(items))
	for _, t := range items {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": views, "count": len(views)})
}

func (a *API) GetTransmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := a.deps.Transmissions.Get(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (a *API) TransmissionHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := a.deps.Transmissions.History(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transmission_id": id, "items": records})
}

func (a *API) TransmissionNotifications(w http.ResponseWriter, r *http.Request) {
	if a.deps.Notifications == nil {
		unavailable(w, r, "webhooks")
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := a.deps.Transmissions.Get(r.Context(), id); err != nil {
		writeFailure(w, r, err)
		return
	}
	items, err := a.deps.Notifications.List(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transmission_id": id, "items": items})
}

func (a *API) SubmitTransmission(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, err := a.deps.Transmissions.Submit(r.Context(), id)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(t))
}

func (a *API) RetryTransmission(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	id := chi.URLParam(r, "id")
	t, err := a.deps.Transmissions.Retry(r.Context(), id, transmission.RetryRequest{
		Strategy:   req.Strategy,
		MaxRetries: req.MaxRetries,
		BaseDelay:  time.Duration(req.BaseDelayMS) * time.Millisecond,
		Force:      req.Force,
		Reason:     strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "operator.retry", map[string]any{
		"transmission_id": id,
		"force":           req.Force,
		"reason":          req.Reason,
	})
	resp := map[string]any{"transmission": viewOf(t)}
	if at, ok := a.deps.Transmissions.NextAttempt(id); ok {
		resp["next_attempt_at"] = at.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) CancelTransmission(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	id := chi.URLParam(r, "id")
	t, deferred, err := a.deps.Transmissions.Cancel(r.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "operator.cancel", map[string]any{
		"transmission_id": id,
		"deferred":        deferred,
		"reason":          req.Reason,
	})
	code := http.StatusOK
	if deferred {
		code = http.StatusAccepted
	}
	writeJSON(w, code, map[string]any{"transmission": viewOf(t), "deferred": deferred})
}
