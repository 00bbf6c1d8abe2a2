package transmission

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/retry"
)

// Status of a transmission.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusRetrying   Status = "RETRYING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCanceled   Status = "CANCELED"
)

// Terminal statuses accept no further mutation.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCanceled
}

func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusPending, StatusInProgress, StatusRetrying, StatusCompleted, StatusFailed, StatusCanceled:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusRetrying, StatusCanceled},
	StatusInProgress: {StatusCompleted, StatusRetrying, StatusFailed, StatusCanceled},
	StatusRetrying:   {StatusInProgress, StatusCanceled},
	StatusFailed:     {StatusInProgress, StatusRetrying, StatusCanceled},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotFound          = errors.New("transmission not found")
	ErrDuplicate         = errors.New("transmission already exists")
	ErrConflict          = errors.New("transmission was modified concurrently")
	ErrTerminal          = errors.New("transmission is in a terminal state")
	ErrBusy              = errors.New("transmission has an attempt in flight")
	ErrScheduled         = errors.New("transmission already has a retry scheduled")
	ErrForceRequired     = errors.New("transmission failed; retry requires force")
	ErrRetriesExhausted  = errors.New("retry budget exhausted; retry requires force")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")
)

// LastError keeps the classified failure of the latest attempt.
type LastError struct {
	Kind    faults.Kind `json:"kind"`
	Message string      `json:"message"`
}

func lastErrorOf(err error) *LastError {
	if err == nil {
		return nil
	}
	return &LastError{Kind: faults.KindOf(err), Message: faults.Message(err)}
}

// Transmission is one encrypted payload on its way to the authority.
type Transmission struct {
	ID                 string
	OrganizationID     string
	IRN                string
	SourceType         string
	SourceID           string
	Ciphertext         []byte
	KeyID              string
	PayloadSize        int64
	Status             Status
	RetryCount         int
	MaxRetries         int
	Strategy           retry.Strategy
	BaseDelay          time.Duration
	LastError          *LastError
	NextAttemptAt      *time.Time
	AuthorityReference string
	WebhookURL         string
	WebhookEnabled     bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
	Version            int64
}

// Clone returns a deep copy.
func (t Transmission) Clone() Transmission {
	out := t
	out.Ciphertext = append([]byte(nil), t.Ciphertext...)
	if t.LastError != nil {
		le := *t.LastError
		out.LastError = &le
	}
	if t.NextAttemptAt != nil {
		n := *t.NextAttemptAt
		out.NextAttemptAt = &n
	}
	return out
}

// StatusRecord is one entry of a transmission's audit history.
type StatusRecord struct {
	ID             string      `json:"id"`
	TransmissionID string      `json:"transmission_id"`
	From           Status      `json:"from,omitempty"`
	To             Status      `json:"to"`
	RetryCount     int         `json:"retry_count"`
	Reason         string      `json:"reason,omitempty"`
	ErrorKind      faults.Kind `json:"error_kind,omitempty"`
	At             time.Time   `json:"at"`
}

// StatusChange is emitted after every persisted transition.
type StatusChange struct {
	TransmissionID string      `json:"transmission_id"`
	OrganizationID string      `json:"organization_id"`
	IRN            string      `json:"irn"`
	SourceType     string      `json:"source_type"`
	SourceID       string      `json:"source_id"`
	From           Status      `json:"from,omitempty"`
	To             Status      `json:"status"`
	RetryCount     int         `json:"retry_count"`
	Message        string      `json:"message"`
	ErrorKind      faults.Kind `json:"error_kind,omitempty"`
	At             time.Time   `json:"timestamp"`
	WebhookURL     string      `json:"-"`
	WebhookEnabled bool        `json:"-"`
}

// Filter selects transmissions from a Store.
type Filter struct {
	Statuses       []Status
	OrganizationID string
	Limit          int
}

func (f Filter) matches(t Transmission) bool {
	if f.OrganizationID != "" && t.OrganizationID != f.OrganizationID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if t.Status == s {
			return true
		}
	}
	return false
}
