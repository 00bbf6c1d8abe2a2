package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"invoicegate.org/internal/audit"
	"invoicegate.org/internal/batch"
	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
	"invoicegate.org/internal/vault"
)

type batchRequest struct {
	StatusFilter         []transmission.Status `json:"status_filter,omitempty"`
	OrganizationID       string                `json:"organization_id,omitempty"`
	MaxTransmissions     int                   `json:"max_transmissions,omitempty"`
	BatchSize            int                   `json:"batch_size,omitempty"`
	MaxConcurrentBatches int                   `json:"max_concurrent_batches,omitempty"`
	RetryStrategy        retry.Strategy        `json:"retry_strategy,omitempty"`
	RetryBaseDelayMS     int64                 `json:"retry_base_delay_ms,omitempty"`
	PrioritizeFailed     bool                  `json:"prioritize_failed,omitempty"`
}

func (a *API) CreateBatch(w http.ResponseWriter, r *http.Request) {
	if a.deps.Batches == nil {
		unavailable(w, r, "batches")
		return
	}
	var req batchRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	statuses := make([]transmission.Status, 0, len(req.StatusFilter))
	for _, s := range req.StatusFilter {
		st, err := transmission.ParseStatus(string(s))
		if err != nil {
			writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
			return
		}
		statuses = append(statuses, st)
	}
	job, err := a.deps.Batches.Process(batch.Request{
		StatusFilter:         statuses,
		OrganizationID:       strings.TrimSpace(req.OrganizationID),
		MaxTransmissions:     req.MaxTransmissions,
		BatchSize:            req.BatchSize,
		MaxConcurrentBatches: req.MaxConcurrentBatches,
		RetryStrategy:        req.RetryStrategy,
		RetryBaseDelay:       time.Duration(req.RetryBaseDelayMS) * time.Millisecond,
		PrioritizeFailed:     req.PrioritizeFailed,
	})
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "operator.batch", map[string]any{
		"job_id":            job.ID,
		"organization_id":   req.OrganizationID,
		"max_transmissions": job.Request.MaxTransmissions,
	})
	w.Header().Set("Location", "/v1/batches/"+job.ID)
	writeJSON(w, http.StatusAccepted, job)
}

func (a *API) ListBatches(w http.ResponseWriter, r *http.Request) {
	if a.deps.Batches == nil {
		unavailable(w, r, "batches")
		return
	}
	jobs := a.deps.Batches.Jobs()
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs, "count": len(jobs)})
}

func (a *API) GetBatch(w http.ResponseWriter, r *http.Request) {
	if a.deps.Batches == nil {
		unavailable(w, r, "batches")
		return
	}
	job, err := a.deps.Batches.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) CancelBatch(w http.ResponseWriter, r *http.Request) {
	if a.deps.Batches == nil {
		unavailable(w, r, "batches")
		return
	}
	job, err := a.deps.Batches.CancelJob(chi.URLParam(r, "id"))
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) BatchMetrics(w http.ResponseWriter, r *http.Request) {
	if a.deps.Batches == nil {
		unavailable(w, r, "batches")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Batches.Metrics())
}

func (a *API) ListBreakers(w http.ResponseWriter, r *http.Request) {
	if a.deps.Breakers == nil {
		unavailable(w, r, "breakers")
		return
	}
	items := a.deps.Breakers.All()
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) GetBreaker(w http.ResponseWriter, r *http.Request) {
	if a.deps.Breakers == nil {
		unavailable(w, r, "breakers")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Breakers.Snapshot(chi.URLParam(r, "destination")))
}

func (a *API) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	if a.deps.Breakers == nil {
		unavailable(w, r, "breakers")
		return
	}
	dest := chi.URLParam(r, "destination")
	snap := a.deps.Breakers.Reset(dest)
	_ = audit.LogEvent(r.Context(), "operator.breaker_reset", map[string]any{"destination": dest})
	writeJSON(w, http.StatusOK, snap)
}

type assignTierRequest struct {
	Tier string `json:"tier"`
}

func (a *API) GetRateLimit(w http.ResponseWriter, r *http.Request) {
	if a.deps.Limits == nil {
		unavailable(w, r, "rate limits")
		return
	}
	writeJSON(w, http.StatusOK, a.deps.Limits.Snapshot(chi.URLParam(r, "scope")))
}

func (a *API) AssignTier(w http.ResponseWriter, r *http.Request) {
	if a.deps.Limits == nil {
		unavailable(w, r, "rate limits")
		return
	}
	var req assignTierRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	tier, err := ratelimit.ParseTier(req.Tier)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	scope := chi.URLParam(r, "scope")
	if err := a.deps.Limits.Assign(scope, tier); err != nil {
		writeFailure(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "operator.tier_assigned", map[string]any{"scope": scope, "tier": tier})
	writeJSON(w, http.StatusOK, a.deps.Limits.Snapshot(scope))
}

type rotateRequest struct {
	Purpose string `json:"purpose,omitempty"`
}

func (a *API) ListKeys(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		unavailable(w, r, "keys")
		return
	}
	items := a.deps.Keys.Keys(strings.TrimSpace(r.URL.Query().Get("purpose")))
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (a *API) RotateKey(w http.ResponseWriter, r *http.Request) {
	if a.deps.Keys == nil {
		unavailable(w, r, "keys")
		return
	}
	var req rotateRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
		return
	}
	purpose := strings.TrimSpace(req.Purpose)
	if purpose == "" {
		purpose = vault.PurposeTransmission
	}
	key, err := a.deps.Keys.Rotate(r.Context(), purpose)
	if err != nil {
		writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, key)
}
