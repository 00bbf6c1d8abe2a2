package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
	"invoicegate.org/internal/vault"
	"invoicegate.org/internal/webhook"
)

var transmissionCols = []string{
	"id", "organization_id", "irn", "source_type", "source_id", "ciphertext", "key_id",
	"payload_size", "status", "retry_count", "max_retries", "strategy", "base_delay_ms",
	"last_error_kind", "last_error_message", "next_attempt_at",
	"authority_reference", "webhook_url", "webhook_enabled",
	"created_at", "updated_at", "version",
}

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return New(db), mock
}

func sample(now time.Time) transmission.Transmission {
	return transmission.Transmission{
		ID:             "tx_01",
		OrganizationID: "org-1",
		IRN:            "IRN-1",
		SourceType:     "invoice",
		SourceID:       "inv-1",
		Ciphertext:     []byte("sealed"),
		KeyID:          "key_1",
		PayloadSize:    6,
		Status:         transmission.StatusPending,
		MaxRetries:     3,
		Strategy:       retry.Exponential,
		BaseDelay:      time.Second,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}
}

func TestCreateWritesRecordAndHistory(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tr := sample(now)
	rec := transmission.StatusRecord{ID: "st_1", TransmissionID: tr.ID, To: transmission.StatusPending, At: now}

	mock.ExpectBegin()
	mock.ExpectExec("insert into transmissions").
		WithArgs(tr.ID, "org-1", "IRN-1", "invoice", "inv-1", []byte("sealed"), "key_1",
			int64(6), "PENDING", 0, 3, "exponential", int64(1000),
			"", "", sqlmock.AnyArg(), "", "", false, now, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into transmission_status_history").
		WithArgs("st_1", tr.ID, "", "PENDING", 0, "", "", now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := s.Create(context.Background(), tr, rec); err != nil {
		t.Fatalf("create: %v", err)
	}
}

func TestCreateDuplicate(t *testing.T) {
	s, mock := newMock(t)
	tr := sample(time.Now())

	mock.ExpectBegin()
	mock.ExpectExec("insert into transmissions").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := s.Create(context.Background(), tr, transmission.StatusRecord{ID: "st_1"})
	if !errors.Is(err, transmission.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestSaveBumpsVersion(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	tr := sample(now)
	tr.Status = transmission.StatusRetrying
	tr.RetryCount = 1
	tr.LastError = &transmission.LastError{Kind: faults.KindNetwork, Message: "connection reset"}
	rec := &transmission.StatusRecord{ID: "st_2", TransmissionID: tr.ID, From: transmission.StatusInProgress, To: transmission.StatusRetrying, RetryCount: 1, ErrorKind: faults.KindNetwork, At: now}

	mock.ExpectBegin()
	mock.ExpectExec("update transmissions set").
		WithArgs(tr.ID, int64(1), []byte("sealed"), "key_1", int64(6), "RETRYING", 1,
			3, "exponential", int64(1000), "network_error", "connection reset",
			sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into transmission_status_history").
		WithArgs("st_2", tr.ID, "IN_PROGRESS", "RETRYING", 1, "", "network_error", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	saved, err := s.Save(context.Background(), tr, rec)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}
}

func TestSaveExplainsZeroRowUpdate(t *testing.T) {
	cases := []struct {
		name   string
		status any
		want   error
	}{
		{"stale version", "RETRYING", transmission.ErrConflict},
		{"terminal", "COMPLETED", transmission.ErrTerminal},
		{"missing", nil, transmission.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, mock := newMock(t)
			tr := sample(time.Now())

			mock.ExpectBegin()
			mock.ExpectExec("update transmissions set").WillReturnResult(sqlmock.NewResult(0, 0))
			rows := sqlmock.NewRows([]string{"status"})
			if tc.status != nil {
				rows.AddRow(tc.status)
			}
			mock.ExpectQuery("select status from transmissions").WithArgs(tr.ID).WillReturnRows(rows)
			mock.ExpectRollback()

			if _, err := s.Save(context.Background(), tr, nil); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestGetScansNullableColumns(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(2 * time.Second)

	mock.ExpectQuery("from transmissions where id").
		WithArgs("tx_01").
		WillReturnRows(sqlmock.NewRows(transmissionCols).AddRow(
			"tx_01", "org-1", "IRN-1", "invoice", "inv-1", []byte("sealed"), "key_1",
			int64(6), "RETRYING", int64(2), int64(3), "linear", int64(250),
			"timeout_error", "deadline exceeded", next,
			"", "https://hooks.example/x", true,
			now, now, int64(4)))

	got, err := s.Get(context.Background(), "tx_01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != transmission.StatusRetrying || got.Strategy != retry.Linear || got.BaseDelay != 250*time.Millisecond {
		t.Fatalf("unexpected record %+v", got)
	}
	if got.LastError == nil || got.LastError.Kind != faults.KindTimeout {
		t.Fatalf("last error not restored: %+v", got.LastError)
	}
	if got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(next) {
		t.Fatalf("next attempt %v", got.NextAttemptAt)
	}
	if !got.WebhookEnabled || got.Version != 4 {
		t.Fatalf("unexpected webhook/version %+v", got)
	}
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from transmissions where id").
		WithArgs("tx_missing").
		WillReturnRows(sqlmock.NewRows(transmissionCols))

	if _, err := s.Get(context.Background(), "tx_missing"); !errors.Is(err, transmission.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListBuildsFilter(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery(`where organization_id = \$1 and status in \(\$2, \$3\) order by created_at asc, id asc limit \$4`).
		WithArgs("org-1", "PENDING", "FAILED", 50).
		WillReturnRows(sqlmock.NewRows(transmissionCols))

	out, err := s.List(context.Background(), transmission.Filter{
		OrganizationID: "org-1",
		Statuses:       []transmission.Status{transmission.StatusPending, transmission.StatusFailed},
		Limit:          50,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if out == nil || len(out) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", out)
	}
}

func TestHistoryOrdersRecords(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	mock.ExpectQuery("select 1 from transmissions").WithArgs("tx_01").
		WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
	mock.ExpectQuery("from transmission_status_history").WithArgs("tx_01").
		WillReturnRows(sqlmock.NewRows([]string{"id", "transmission_id", "from_status", "to_status", "retry_count", "reason", "error_kind", "created_at"}).
			AddRow("st_1", "tx_01", "", "PENDING", 0, "", "", now).
			AddRow("st_2", "tx_01", "PENDING", "IN_PROGRESS", 0, "", "", now.Add(time.Second)))

	recs, err := s.History(context.Background(), "tx_01")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(recs) != 2 || recs[0].From != "" || recs[1].To != transmission.StatusInProgress {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestNotificationRoundTrip(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()
	n := webhook.Notification{
		ID:             "ntf_1",
		TransmissionID: "tx_01",
		WebhookURL:     "https://hooks.example/x",
		Payload:        webhook.Payload{Event: webhook.EventStatusUpdate, SubmissionID: "tx_01", Status: "COMPLETED"},
		Status:         webhook.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec("insert into notifications").WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.CreateNotification(context.Background(), n); err != nil {
		t.Fatalf("create: %v", err)
	}

	mock.ExpectExec("update notifications").WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.UpdateNotification(context.Background(), n); !errors.Is(err, webhook.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	mock.ExpectQuery(`where status in \('PENDING', 'RETRY'\)`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "transmission_id", "webhook_url", "payload", "status", "attempts",
			"next_attempt_at", "response_code", "error_message", "created_at", "updated_at"}).
			AddRow("ntf_1", "tx_01", "https://hooks.example/x",
				[]byte(`{"event":"submission_status_update","submission_id":"tx_01","status":"COMPLETED"}`),
				"RETRY", int64(2), now, int64(503), "upstream 503", now, now))

	pending, err := s.PendingNotifications(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].Status != webhook.StatusRetry || pending[0].Attempts != 2 {
		t.Fatalf("unexpected pending %+v", pending)
	}
	if pending[0].Payload.SubmissionID != "tx_01" || pending[0].ResponseCode != 503 {
		t.Fatalf("payload not decoded: %+v", pending[0])
	}
}

func TestKeyStore(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into encryption_keys").
		WithArgs("key_1", vault.PurposeTransmission, []byte("wrapped"), true, int64(0), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SaveKey(context.Background(), vault.StoredKey{ID: "key_1", Purpose: vault.PurposeTransmission, Material: []byte("wrapped"), Active: true, CreatedAt: now}); err != nil {
		t.Fatalf("save key: %v", err)
	}

	mock.ExpectExec("update encryption_keys set usage_count").WithArgs("key_gone", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.RecordUsage(context.Background(), "key_gone", 5); !errors.Is(err, vault.ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}

	mock.ExpectQuery("from encryption_keys").WithArgs(vault.PurposeTransmission).
		WillReturnRows(sqlmock.NewRows([]string{"id", "purpose", "material", "is_active", "usage_count", "created_at", "deactivated_at"}).
			AddRow("key_1", vault.PurposeTransmission, []byte("wrapped"), false, int64(12), now, now).
			AddRow("key_2", vault.PurposeTransmission, []byte("wrapped2"), true, int64(0), now, nil))
	keys, err := s.ListKeys(context.Background(), vault.PurposeTransmission)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 || keys[0].DeactivatedAt == nil || keys[1].DeactivatedAt != nil || keys[0].UsageCount != 12 {
		t.Fatalf("unexpected keys %+v", keys)
	}
}

func TestBreakerSnapshots(t *testing.T) {
	s, mock := newMock(t)
	now := time.Now().UTC()

	mock.ExpectExec("insert into circuit_breakers").
		WithArgs("org:org-1", "OPEN", 5, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := s.SaveBreaker(context.Background(), retry.BreakerSnapshot{Destination: "org:org-1", State: retry.Open, ConsecutiveFailures: 5, OpenedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("save breaker: %v", err)
	}

	mock.ExpectQuery("from circuit_breakers").
		WillReturnRows(sqlmock.NewRows([]string{"destination", "state", "consecutive_failures", "opened_at", "updated_at"}).
			AddRow("org:org-1", "OPEN", int64(5), now, now).
			AddRow("org:org-2", "CLOSED", int64(0), nil, now))
	snaps, err := s.LoadBreakers(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(snaps) != 2 || snaps[0].State != retry.Open || snaps[1].State != retry.Closed || !snaps[1].OpenedAt.IsZero() {
		t.Fatalf("unexpected snapshots %+v", snaps)
	}

	mock.ExpectQuery("from circuit_breakers").
		WillReturnRows(sqlmock.NewRows([]string{"destination", "state", "consecutive_failures", "opened_at", "updated_at"}).
			AddRow("org:org-3", "SIDEWAYS", int64(0), nil, now))
	if _, err := s.LoadBreakers(context.Background()); err == nil {
		t.Fatal("expected unknown state error")
	}
}

func TestBreakerRecorderWritesInOrder(t *testing.T) {
	s, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	changes := []retry.StateChange{
		{Destination: "org:org-1", From: retry.Closed, To: retry.Open,
			Snapshot: retry.BreakerSnapshot{Destination: "org:org-1", State: retry.Open, ConsecutiveFailures: 5, OpenedAt: now, UpdatedAt: now}},
		{Destination: "org:org-1", From: retry.Open, To: retry.HalfOpen,
			Snapshot: retry.BreakerSnapshot{Destination: "org:org-1", State: retry.HalfOpen, ConsecutiveFailures: 5, OpenedAt: now, UpdatedAt: now.Add(time.Minute)}},
		{Destination: "org:org-1", From: retry.HalfOpen, To: retry.Closed,
			Snapshot: retry.BreakerSnapshot{Destination: "org:org-1", State: retry.Closed, UpdatedAt: now.Add(2 * time.Minute)}},
	}
	for _, c := range changes {
		mock.ExpectExec("insert into circuit_breakers").
			WithArgs("org:org-1", c.To.String(), c.Snapshot.ConsecutiveFailures, sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}

	rec := NewBreakerRecorder(s, zerolog.Nop())
	for _, c := range changes {
		rec.Record(c)
	}
	rec.Close()
	rec.Record(changes[0])
}

func TestPingWithoutHandle(t *testing.T) {
	var s Store
	if err := s.Ping(context.Background()); err == nil {
		t.Fatal("expected error for nil handle")
	}
}
