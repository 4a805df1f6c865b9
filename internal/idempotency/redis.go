// Package idempotency provides a Redis-backed idempotency record store.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/store"
)

const keyPrefix = "clipledger:idem"

// RedisStore keeps idempotency records as JSON values with a Redis TTL.
// Expiry is enforced by Redis itself.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore connects to addr and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &RedisStore{rdb: rdb}, nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// redisRecord keeps the response body as raw bytes; a json.RawMessage field
// would be compacted on marshal and replays must be byte-identical.
type redisRecord struct {
	Key            string    `json:"key"`
	AccountID      int64     `json:"account_id"`
	JobID          string    `json:"job_id"`
	RequestHash    string    `json:"request_hash"`
	ResponseBody   []byte    `json:"response_body"`
	ResponseStatus int       `json:"response_status"`
	CreatedAt      time.Time `json:"created_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

func recordKey(key string, accountID int64) string {
	return fmt.Sprintf("%s:%d:%s", keyPrefix, accountID, key)
}

// Check returns the live record for (key, accountID), or nil.
func (s *RedisStore) Check(ctx context.Context, key string, accountID int64) (*domain.IdempotencyRecord, error) {
	raw, err := s.rdb.Get(ctx, recordKey(key, accountID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("idempotency get failed: %w", err)
	}
	var stored redisRecord
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode idempotency record: %w", err)
	}
	rec := domain.IdempotencyRecord{
		Key:            stored.Key,
		AccountID:      stored.AccountID,
		JobID:          stored.JobID,
		RequestHash:    stored.RequestHash,
		ResponseBody:   stored.ResponseBody,
		ResponseStatus: stored.ResponseStatus,
		CreatedAt:      stored.CreatedAt,
		ExpiresAt:      stored.ExpiresAt,
	}
	if !rec.Live(time.Now()) {
		return nil, nil
	}
	return &rec, nil
}

// Save stores rec with SET NX so the first writer wins.
func (s *RedisStore) Save(ctx context.Context, rec domain.IdempotencyRecord, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("idempotency ttl must be positive")
	}
	now := time.Now().UTC()
	raw, err := json.Marshal(redisRecord{
		Key:            rec.Key,
		AccountID:      rec.AccountID,
		JobID:          rec.JobID,
		RequestHash:    rec.RequestHash,
		ResponseBody:   rec.ResponseBody,
		ResponseStatus: rec.ResponseStatus,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	})
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	ok, err := s.rdb.SetNX(ctx, recordKey(rec.Key, rec.AccountID), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("idempotency set failed: %w", err)
	}
	if !ok {
		return store.ErrIdempotencyExists
	}
	return nil
}
