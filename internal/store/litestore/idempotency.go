package litestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/store"
)

// Check returns the live idempotency record for (key, accountID), or nil.
func (s *Store) Check(ctx context.Context, key string, accountID int64) (*domain.IdempotencyRecord, error) {
	var row idempotencyRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND idem_key = ? AND expires_at_nanos > ?", accountID, key, time.Now().UnixNano()).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	return row.toDomain(), nil
}

// Save writes the record once, replacing only an expired record.
func (s *Store) Save(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`INSERT INTO idempotency_keys (account_id, idem_key, job_id, request_hash, response_status, response_body, created_at, expires_at_nanos)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT (account_id, idem_key) DO UPDATE SET
             job_id = excluded.job_id,
             request_hash = excluded.request_hash,
             response_status = excluded.response_status,
             response_body = excluded.response_body,
             created_at = excluded.created_at,
             expires_at_nanos = excluded.expires_at_nanos
         WHERE idempotency_keys.expires_at_nanos <= ?`,
		rec.AccountID, rec.Key, rec.JobID, rec.RequestHash, rec.ResponseStatus, []byte(rec.ResponseBody),
		now, now.Add(ttl).UnixNano(), now.UnixNano(),
	)
	if res.Error != nil {
		return fmt.Errorf("idempotency insert failed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrIdempotencyExists
	}
	return nil
}
