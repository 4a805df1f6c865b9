package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

// Check returns the live idempotency record for (key, accountID), or nil.
func (s *Store) Check(ctx context.Context, key string, accountID int64) (*domain.IdempotencyRecord, error) {
	var (
		rec  domain.IdempotencyRecord
		body []byte
	)
	err := s.Db.QueryRow(ctx,
		`SELECT key, account_id, job_id, request_hash, response_status, response_body, created_at, expires_at
         FROM idempotency_keys WHERE account_id = $1 AND key = $2 AND expires_at > now()`,
		accountID, key,
	).Scan(&rec.Key, &rec.AccountID, &rec.JobID, &rec.RequestHash, &rec.ResponseStatus, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency query failed: %w", err)
	}
	rec.ResponseBody = body
	return &rec, nil
}

// Save writes the record once. An expired record under the same key is
// replaced; a live one makes Save fail with ErrIdempotencyExists.
func (s *Store) Save(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error {
	tag, err := s.Db.Exec(ctx,
		`INSERT INTO idempotency_keys (key, account_id, job_id, request_hash, response_status, response_body, created_at, expires_at)
         VALUES ($1, $2, $3, $4, $5, $6, now(), now() + $7::bigint * interval '1 microsecond')
         ON CONFLICT (account_id, key) DO UPDATE SET
             job_id = EXCLUDED.job_id,
             request_hash = EXCLUDED.request_hash,
             response_status = EXCLUDED.response_status,
             response_body = EXCLUDED.response_body,
             created_at = EXCLUDED.created_at,
             expires_at = EXCLUDED.expires_at
         WHERE idempotency_keys.expires_at <= now()`,
		rec.Key, rec.AccountID, rec.JobID, rec.RequestHash, rec.ResponseStatus, []byte(rec.ResponseBody), ttl.Microseconds(),
	)
	if err != nil {
		return fmt.Errorf("idempotency insert failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyExists
	}
	return nil
}
