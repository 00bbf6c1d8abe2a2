package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"invoicegate.org/internal/batch"
	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/ratelimit"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
	"invoicegate.org/internal/vault"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorKind(w, r, code, msg, "")
}

func writeErrorKind(w http.ResponseWriter, r *http.Request, code int, msg string, kind faults.Kind) {
	payload := map[string]any{
		"error": msg,
	}
	if kind != "" {
		payload["kind"] = kind
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeFailure maps domain errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	var (
		rejected *ratelimit.RejectedError
		open     *retry.CircuitOpenError
	)
	switch {
	case errors.As(err, &rejected):
		if errors.Is(rejected.Reason, ratelimit.ErrPayloadTooLarge) {
			writeErrorKind(w, r, http.StatusRequestEntityTooLarge, err.Error(), faults.KindRateLimitExceeded)
			return
		}
		setRetryAfter(w, rejected.RetryAfter)
		writeErrorKind(w, r, http.StatusTooManyRequests, err.Error(), faults.KindRateLimitExceeded)
	case errors.As(err, &open):
		setRetryAfter(w, open.RetryAfter)
		writeErrorKind(w, r, http.StatusServiceUnavailable, err.Error(), faults.KindCircuitOpen)
	case errors.Is(err, transmission.ErrNotFound), errors.Is(err, batch.ErrJobNotFound), errors.Is(err, vault.ErrKeyNotFound):
		writeErrorKind(w, r, http.StatusNotFound, err.Error(), faults.KindOf(err))
	case errors.Is(err, transmission.ErrInvalidRequest), errors.Is(err, batch.ErrInvalidRequest),
		errors.Is(err, ratelimit.ErrUnknownTier), errors.Is(err, retry.ErrUnknownStrategy):
		writeErrorKind(w, r, http.StatusBadRequest, err.Error(), faults.KindValidation)
	case errors.Is(err, transmission.ErrTerminal), errors.Is(err, transmission.ErrForceRequired),
		errors.Is(err, transmission.ErrRetriesExhausted), errors.Is(err, transmission.ErrScheduled),
		errors.Is(err, transmission.ErrBusy), errors.Is(err, transmission.ErrConflict),
		errors.Is(err, transmission.ErrDuplicate), errors.Is(err, transmission.ErrInvalidTransition),
		errors.Is(err, batch.ErrJobFinished):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrStopped):
		writeError(w, r, http.StatusServiceUnavailable, err.Error())
	default:
		writeErrorKind(w, r, http.StatusInternalServerError, "internal error", faults.KindInternal)
	}
}

func setRetryAfter(w http.ResponseWriter, d time.Duration) {
	if d <= 0 {
		return
	}
	w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// decodeOptionalJSON accepts an empty body as the zero value.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(w, r, dst)
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between " + strconv.Itoa(min) + " and " + strconv.Itoa(max))
	}
	return val, nil
}
