package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"invoicegate.org/internal/faults"
	"invoicegate.org/internal/retry"
	"invoicegate.org/internal/transmission"
)

var _ transmission.Store = (*Store)(nil)

const transmissionColumns = `id, organization_id, irn, source_type, source_id, ciphertext, key_id,
	payload_size, status, retry_count, max_retries, strategy, base_delay_ms,
	coalesce(last_error_kind, ''), coalesce(last_error_message, ''), next_attempt_at,
	coalesce(authority_reference, ''), coalesce(webhook_url, ''), webhook_enabled,
	created_at, updated_at, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransmission(row rowScanner) (transmission.Transmission, error) {
	var (
		t        transmission.Transmission
		status   string
		strategy string
		baseMS   int64
		errKind  string
		errMsg   string
		nextAt   sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.OrganizationID, &t.IRN, &t.SourceType, &t.SourceID, &t.Ciphertext, &t.KeyID,
		&t.PayloadSize, &status, &t.RetryCount, &t.MaxRetries, &strategy, &baseMS,
		&errKind, &errMsg, &nextAt,
		&t.AuthorityReference, &t.WebhookURL, &t.WebhookEnabled,
		&t.CreatedAt, &t.UpdatedAt, &t.Version); err != nil {
		return transmission.Transmission{}, err
	}
	t.Status = transmission.Status(status)
	t.Strategy = retry.Strategy(strategy)
	t.BaseDelay = time.Duration(baseMS) * time.Millisecond
	if errKind != "" || errMsg != "" {
		t.LastError = &transmission.LastError{Kind: faults.Kind(errKind), Message: errMsg}
	}
	t.NextAttemptAt = timePtr(nextAt)
	return t, nil
}

func lastError(t transmission.Transmission) (kind, msg string) {
	if t.LastError == nil {
		return "", ""
	}
	return string(t.LastError.Kind), t.LastError.Message
}

func (s *Store) Create(ctx context.Context, t transmission.Transmission, rec transmission.StatusRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	kind, msg := lastError(t)
	if _, err := tx.ExecContext(ctx, `
		insert into transmissions (id, organization_id, irn, source_type, source_id, ciphertext, key_id,
			payload_size, status, retry_count, max_retries, strategy, base_delay_ms,
			last_error_kind, last_error_message, next_attempt_at, authority_reference,
			webhook_url, webhook_enabled, created_at, updated_at, version)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,nullif($14,''),nullif($15,''),$16,nullif($17,''),
			nullif($18,''),$19,$20,$21,1)
	`, t.ID, t.OrganizationID, t.IRN, t.SourceType, t.SourceID, t.Ciphertext, t.KeyID,
		t.PayloadSize, string(t.Status), t.RetryCount, t.MaxRetries, string(t.Strategy), t.BaseDelay.Milliseconds(),
		kind, msg, nullTime(t.NextAttemptAt), t.AuthorityReference,
		t.WebhookURL, t.WebhookEnabled, t.CreatedAt.UTC(), t.UpdatedAt.UTC()); err != nil {
		if isUniqueViolation(err) {
			return transmission.ErrDuplicate
		}
		return err
	}
	if err := insertHistory(ctx, tx, rec); err != nil {
		return err
	}
	return tx.Commit()
}

func insertHistory(ctx context.Context, tx *sql.Tx, rec transmission.StatusRecord) error {
	_, err := tx.ExecContext(ctx, `
		insert into transmission_status_history (id, transmission_id, from_status, to_status, retry_count, reason, error_kind, created_at)
		values ($1,$2,nullif($3,''),$4,$5,nullif($6,''),nullif($7,''),$8)
	`, rec.ID, rec.TransmissionID, string(rec.From), string(rec.To), rec.RetryCount, rec.Reason, string(rec.ErrorKind), rec.At.UTC())
	return err
}

func (s *Store) Get(ctx context.Context, id string) (transmission.Transmission, error) {
	row := s.db.QueryRowContext(ctx, `select `+transmissionColumns+` from transmissions where id = $1`, id)
	t, err := scanTransmission(row)
	if errors.Is(err, sql.ErrNoRows) {
		return transmission.Transmission{}, transmission.ErrNotFound
	}
	return t, err
}

// Save applies the optimistic version check and the terminal guard in the
// update itself; a zero-row update is then explained by re-reading status.
func (s *Store) Save(ctx context.Context, t transmission.Transmission, rec *transmission.StatusRecord) (transmission.Transmission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return transmission.Transmission{}, err
	}
	defer func() { _ = tx.Rollback() }()

	kind, msg := lastError(t)
	res, err := tx.ExecContext(ctx, `
		update transmissions set
			ciphertext = $3, key_id = $4, payload_size = $5, status = $6, retry_count = $7,
			max_retries = $8, strategy = $9, base_delay_ms = $10,
			last_error_kind = nullif($11,''), last_error_message = nullif($12,''),
			next_attempt_at = $13, authority_reference = nullif($14,''),
			updated_at = $15, version = version + 1
		where id = $1 and version = $2 and status not in ('COMPLETED', 'CANCELED')
	`, t.ID, t.Version, t.Ciphertext, t.KeyID, t.PayloadSize, string(t.Status), t.RetryCount,
		t.MaxRetries, string(t.Strategy), t.BaseDelay.Milliseconds(),
		kind, msg, nullTime(t.NextAttemptAt), t.AuthorityReference, t.UpdatedAt.UTC())
	if err != nil {
		return transmission.Transmission{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return transmission.Transmission{}, err
	}
	if n == 0 {
		var status string
		err := tx.QueryRowContext(ctx, `select status from transmissions where id = $1`, t.ID).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return transmission.Transmission{}, transmission.ErrNotFound
		case err != nil:
			return transmission.Transmission{}, err
		case transmission.Status(status).Terminal():
			return transmission.Transmission{}, transmission.ErrTerminal
		default:
			return transmission.Transmission{}, transmission.ErrConflict
		}
	}
	if rec != nil {
		if err := insertHistory(ctx, tx, *rec); err != nil {
			return transmission.Transmission{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return transmission.Transmission{}, err
	}
	out := t.Clone()
	out.Version++
	return out, nil
}

func (s *Store) History(ctx context.Context, id string) ([]transmission.StatusRecord, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, `select 1 from transmissions where id = $1`, id).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, transmission.ErrNotFound
		}
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, transmission_id, coalesce(from_status, ''), to_status, retry_count,
			coalesce(reason, ''), coalesce(error_kind, ''), created_at
		from transmission_status_history
		where transmission_id = $1
		order by created_at asc, id asc
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transmission.StatusRecord
	for rows.Next() {
		var (
			rec       transmission.StatusRecord
			from, to  string
			errorKind string
		)
		if err := rows.Scan(&rec.ID, &rec.TransmissionID, &from, &to, &rec.RetryCount, &rec.Reason, &errorKind, &rec.At); err != nil {
			return nil, err
		}
		rec.From = transmission.Status(from)
		rec.To = transmission.Status(to)
		rec.ErrorKind = faults.Kind(errorKind)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) List(ctx context.Context, f transmission.Filter) ([]transmission.Transmission, error) {
	var (
		where []string
		args  []any
	)
	if f.OrganizationID != "" {
		args = append(args, f.OrganizationID)
		where = append(where, fmt.Sprintf("organization_id = $%d", len(args)))
	}
	if len(f.Statuses) > 0 {
		start := len(args) + 1
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
		where = append(where, fmt.Sprintf("status in (%s)", placeholders(start, len(f.Statuses))))
	}
	query := `select ` + transmissionColumns + ` from transmissions`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	query += ` order by created_at asc, id asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]transmission.Transmission, 0)
	for rows.Next() {
		t, err := scanTransmission(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
