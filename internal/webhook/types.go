package webhook

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// EventStatusUpdate is the event type carried by every delivery.
const EventStatusUpdate = "submission_status_update"

// Status of a notification.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRetry     Status = "RETRY"
	StatusDelivered Status = "DELIVERED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further attempts will be made.
func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusFailed }

var (
	ErrNotFound  = errors.New("notification not found")
	ErrDuplicate = errors.New("notification already exists")
	ErrStopped   = errors.New("notifier stopped")
)

// Payload is the signed body POSTed to the subscriber.
type Payload struct {
	Event        string `json:"event"`
	SubmissionID string `json:"submission_id"`
	IRN          string `json:"irn"`
	Status       string `json:"status"`
	Message      string `json:"message"`
	Timestamp    string `json:"timestamp"`
	SourceType   string `json:"source_type"`
	SourceID     string `json:"source_id"`
}

// Notification is one status change queued for a subscriber.
type Notification struct {
	ID             string     `json:"id"`
	TransmissionID string     `json:"transmission_id"`
	WebhookURL     string     `json:"webhook_url"`
	Payload        Payload    `json:"payload"`
	Status         Status     `json:"status"`
	Attempts       int        `json:"attempts"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	ResponseCode   int        `json:"response_code,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (n Notification) clone() Notification {
	if n.NextAttemptAt != nil {
		t := *n.NextAttemptAt
		n.NextAttemptAt = &t
	}
	return n
}

// Store persists notifications.
type Store interface {
	CreateNotification(ctx context.Context, n Notification) error
	UpdateNotification(ctx context.Context, n Notification) error
	ListNotifications(ctx context.Context, transmissionID string) ([]Notification, error)
	// PendingNotifications returns every non-terminal notification, oldest first.
	PendingNotifications(ctx context.Context) ([]Notification, error)
}

// MemoryStore implements Store in process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Notification
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Notification)}
}

func (s *MemoryStore) CreateNotification(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[n.ID]; ok {
		return ErrDuplicate
	}
	s.items[n.ID] = n.clone()
	return nil
}

func (s *MemoryStore) UpdateNotification(ctx context.Context, n Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[n.ID]; !ok {
		return ErrNotFound
	}
	s.items[n.ID] = n.clone()
	return nil
}

func (s *MemoryStore) ListNotifications(ctx context.Context, transmissionID string) ([]Notification, error) {
	return s.collect(func(n Notification) bool { return n.TransmissionID == transmissionID }), nil
}

func (s *MemoryStore) PendingNotifications(ctx context.Context) ([]Notification, error) {
	return s.collect(func(n Notification) bool { return !n.Status.Terminal() }), nil
}

func (s *MemoryStore) collect(keep func(Notification) bool) []Notification {
	s.mu.RLock()
	out := make([]Notification, 0)
	for _, n := range s.items {
		if keep(n) {
			out = append(out, n.clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
