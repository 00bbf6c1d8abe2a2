package pg

import (
	"context"
	"database/sql"
	"time"

	"invoicegate.org/internal/vault"
)

var _ vault.KeyStore = (*Store)(nil)

// SaveKey upserts key metadata. Material arrives already wrapped.
func (s *Store) SaveKey(ctx context.Context, k vault.StoredKey) error {
	_, err := s.db.ExecContext(ctx, `
		insert into encryption_keys (id, purpose, material, is_active, usage_count, created_at, deactivated_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (id) do update
		set is_active = excluded.is_active,
			usage_count = excluded.usage_count,
			deactivated_at = excluded.deactivated_at
	`, k.ID, k.Purpose, k.Material, k.Active, k.UsageCount, k.CreatedAt.UTC(), nullTime(k.DeactivatedAt))
	return err
}

func (s *Store) RecordUsage(ctx context.Context, id string, usage int64) error {
	res, err := s.db.ExecContext(ctx, `
		update encryption_keys set usage_count = greatest(usage_count, $2) where id = $1
	`, id, usage)
	if err != nil {
		return err
	}
	return expectOne(res, vault.ErrKeyNotFound)
}

func (s *Store) DeactivateKey(ctx context.Context, id string, usage int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update encryption_keys
		set is_active = false, usage_count = greatest(usage_count, $2), deactivated_at = coalesce(deactivated_at, $3)
		where id = $1
	`, id, usage, at.UTC())
	if err != nil {
		return err
	}
	return expectOne(res, vault.ErrKeyNotFound)
}

func (s *Store) ListKeys(ctx context.Context, purpose string) ([]vault.StoredKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, purpose, material, is_active, usage_count, created_at, deactivated_at
		from encryption_keys
		where $1 = '' or purpose = $1
		order by created_at asc, id asc
	`, purpose)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []vault.StoredKey
	for rows.Next() {
		var (
			k           vault.StoredKey
			deactivated sql.NullTime
		)
		if err := rows.Scan(&k.ID, &k.Purpose, &k.Material, &k.Active, &k.UsageCount, &k.CreatedAt, &deactivated); err != nil {
			return nil, err
		}
		k.DeactivatedAt = timePtr(deactivated)
		out = append(out, k)
	}
	return out, rows.Err()
}

func (s *Store) PurgeKey(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from encryption_keys where id = $1`, id)
	if err != nil {
		return err
	}
	return expectOne(res, vault.ErrKeyNotFound)
}

func expectOne(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
