package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

const jobColumns = `id, account_id, idempotency_key, model, provider, config, status, provider_ref,
    result_url, original_result_url, result_migrated, credits_charged, error_detail,
    created_at, updated_at, completed_at`

// CreateChargedJob debits the account and inserts the pending job in one
// transaction. Either both happen or neither does.
func (s *Store) CreateChargedJob(ctx context.Context, nj domain.NewJob) (*domain.Job, int64, error) {
	if nj.Credits <= 0 {
		return nil, 0, ErrInvalidAmount
	}
	cfg, err := json.Marshal(nj.Config)
	if err != nil {
		return nil, 0, fmt.Errorf("encode job config: %w", err)
	}

	var (
		job     *domain.Job
		balance int64
	)
	err = s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = debitBalance(ctx, tx, nj.AccountID, nj.Credits)
		if err != nil {
			return err
		}

		row := tx.QueryRow(ctx,
			`INSERT INTO jobs (id, account_id, idempotency_key, model, provider, config, status, credits_charged)
             VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
             RETURNING `+jobColumns,
			nj.ID, nj.AccountID, nj.IdempotencyKey, nj.Model, nj.Provider, cfg, string(domain.StatusPending), nj.Credits,
		)
		job, err = scanJob(row)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateActiveJob
			}
			return fmt.Errorf("job insert failed: %w", err)
		}

		jobID := job.ID
		return appendEntry(ctx, tx, nj.AccountID, &jobID, -nj.Credits, domain.ReasonJobCharge, balance)
	})
	if err != nil {
		return nil, 0, err
	}
	return job, balance, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.Db.QueryRow(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = $1", id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}
	return job, nil
}

// FindJobByKey returns the newest job the account created under key that has
// not failed, together with the balance recorded by its charge. It returns
// ErrJobNotFound when every such job failed or none exists.
func (s *Store) FindJobByKey(ctx context.Context, accountID int64, key string) (*domain.Job, int64, error) {
	var balanceAfter int64
	row := s.Db.QueryRow(ctx,
		`SELECT `+jobColumns+`,
             (SELECT e.balance_after FROM ledger_entries e WHERE e.job_id = jobs.id AND e.reason = $4)
         FROM jobs
         WHERE account_id = $1 AND idempotency_key = $2 AND status <> $3
         ORDER BY created_at DESC
         LIMIT 1`,
		accountID, key, string(domain.StatusFailed), domain.ReasonJobCharge,
	)
	job, err := scanJob(row, &balanceAfter)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, ErrJobNotFound
		}
		return nil, 0, err
	}
	return job, balanceAfter, nil
}

// MarkProcessing moves a pending job to processing and records the provider
// reference. It reports false when the job was no longer pending.
func (s *Store) MarkProcessing(ctx context.Context, id, providerRef string) (bool, error) {
	tag, err := s.Db.Exec(ctx,
		`UPDATE jobs SET status = $3, provider_ref = $2, updated_at = now()
         WHERE id = $1 AND status = $4`,
		id, providerRef, string(domain.StatusProcessing), string(domain.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("mark processing: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteJob moves a processing job to completed. It reports false when the
// job was no longer processing.
func (s *Store) CompleteJob(ctx context.Context, id string, res domain.JobResult) (bool, error) {
	if strings.TrimSpace(res.ResultURL) == "" {
		return false, ErrMissingResult
	}
	var original *string
	if res.OriginalResultURL != "" {
		original = &res.OriginalResultURL
	}
	tag, err := s.Db.Exec(ctx,
		`UPDATE jobs SET status = $2, result_url = $3, original_result_url = $4, result_migrated = $5,
             completed_at = now(), updated_at = now()
         WHERE id = $1 AND status = $6`,
		id, string(domain.StatusCompleted), res.ResultURL, original, res.Migrated, string(domain.StatusProcessing),
	)
	if err != nil {
		return false, fmt.Errorf("complete job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailJob moves a non-terminal job to failed and refunds its charge in the
// same transaction. The refund is applied only when this call performed the
// transition, so a job is refunded at most once.
func (s *Store) FailJob(ctx context.Context, id, detail string) (bool, error) {
	if strings.TrimSpace(detail) == "" {
		return false, ErrMissingErrorDetail
	}
	applied := false
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var accountID, credits int64
		err := tx.QueryRow(ctx,
			`UPDATE jobs SET status = $2, error_detail = $3, updated_at = now()
             WHERE id = $1 AND status IN ($4, $5)
             RETURNING account_id, credits_charged`,
			id, string(domain.StatusFailed), detail, string(domain.StatusPending), string(domain.StatusProcessing),
		).Scan(&accountID, &credits)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fail job: %w", err)
		}

		balance, err := creditBalance(ctx, tx, accountID, credits)
		if err != nil {
			return err
		}
		jobID := id
		if err := appendEntry(ctx, tx, accountID, &jobID, credits, domain.ReasonJobRefund, balance); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// scanJob reads jobColumns followed by any extra selected columns.
func scanJob(row pgx.Row, extra ...any) (*domain.Job, error) {
	var (
		j   domain.Job
		cfg []byte
	)
	dest := []any{&j.ID, &j.AccountID, &j.IdempotencyKey, &j.Model, &j.Provider, &cfg, &j.Status, &j.ProviderRef,
		&j.ResultURL, &j.OriginalResultURL, &j.ResultMigrated, &j.CreditsCharged, &j.ErrorDetail,
		&j.CreatedAt, &j.UpdatedAt, &j.CompletedAt}
	err := row.Scan(append(dest, extra...)...)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(cfg, &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	return &j, nil
}
