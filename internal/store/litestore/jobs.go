package litestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/store"
)

// CreateChargedJob debits the account and inserts the pending job atomically.
func (s *Store) CreateChargedJob(ctx context.Context, nj domain.NewJob) (*domain.Job, int64, error) {
	if nj.Credits <= 0 {
		return nil, 0, store.ErrInvalidAmount
	}
	cfg, err := json.Marshal(nj.Config)
	if err != nil {
		return nil, 0, fmt.Errorf("encode job config: %w", err)
	}

	now := time.Now().UTC()
	row := jobRow{
		ID:             nj.ID,
		AccountID:      nj.AccountID,
		IdempotencyKey: nj.IdempotencyKey,
		Model:          nj.Model,
		Provider:       nj.Provider,
		Config:         string(cfg),
		Status:         string(domain.StatusPending),
		CreditsCharged: nj.Credits,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	var balance int64
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if balance, err = debitBalance(tx, nj.AccountID, nj.Credits); err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			if isUniqueViolation(err) {
				return store.ErrDuplicateActiveJob
			}
			return fmt.Errorf("job insert failed: %w", err)
		}
		jobID := row.ID
		return appendEntry(tx, nj.AccountID, &jobID, -nj.Credits, domain.ReasonJobCharge, balance)
	})
	if err != nil {
		return nil, 0, err
	}
	job, err := row.toDomain()
	if err != nil {
		return nil, 0, err
	}
	return job, balance, nil
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrJobNotFound
		}
		return nil, err
	}
	return row.toDomain()
}

// FindJobByKey returns the newest non-failed job for (accountID, key) and the
// balance recorded by its charge.
func (s *Store) FindJobByKey(ctx context.Context, accountID int64, key string) (*domain.Job, int64, error) {
	db := s.db.WithContext(ctx)
	var rows []jobRow
	err := db.Where("account_id = ? AND idempotency_key = ? AND status <> ?", accountID, key, string(domain.StatusFailed)).
		Order("created_at DESC").Limit(1).Find(&rows).Error
	if err != nil {
		return nil, 0, err
	}
	if len(rows) == 0 {
		return nil, 0, store.ErrJobNotFound
	}
	var entries []ledgerEntryRow
	err = db.Where("job_id = ? AND reason = ?", rows[0].ID, domain.ReasonJobCharge).Limit(1).Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	if len(entries) == 0 {
		return nil, 0, fmt.Errorf("job %s has no charge entry", rows[0].ID)
	}
	job, err := rows[0].toDomain()
	if err != nil {
		return nil, 0, err
	}
	return job, entries[0].BalanceAfter, nil
}

// MarkProcessing moves a pending job to processing.
func (s *Store) MarkProcessing(ctx context.Context, id, providerRef string) (bool, error) {
	res := s.db.WithContext(ctx).Exec(
		"UPDATE jobs SET status = ?, provider_ref = ?, updated_at = ? WHERE id = ? AND status = ?",
		string(domain.StatusProcessing), providerRef, time.Now().UTC(), id, string(domain.StatusPending),
	)
	if res.Error != nil {
		return false, fmt.Errorf("mark processing: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteJob moves a processing job to completed.
func (s *Store) CompleteJob(ctx context.Context, id string, result domain.JobResult) (bool, error) {
	if strings.TrimSpace(result.ResultURL) == "" {
		return false, store.ErrMissingResult
	}
	var original *string
	if result.OriginalResultURL != "" {
		original = &result.OriginalResultURL
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Exec(
		`UPDATE jobs SET status = ?, result_url = ?, original_result_url = ?, result_migrated = ?,
             completed_at = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		string(domain.StatusCompleted), result.ResultURL, original, result.Migrated, now, now,
		id, string(domain.StatusProcessing),
	)
	if res.Error != nil {
		return false, fmt.Errorf("complete job: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// FailJob moves a non-terminal job to failed and refunds its charge in the
// same transaction, only when this call performed the transition.
func (s *Store) FailJob(ctx context.Context, id, detail string) (bool, error) {
	if strings.TrimSpace(detail) == "" {
		return false, store.ErrMissingErrorDetail
	}
	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Exec(
			"UPDATE jobs SET status = ?, error_detail = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)",
			string(domain.StatusFailed), detail, time.Now().UTC(), id,
			string(domain.StatusPending), string(domain.StatusProcessing),
		)
		if res.Error != nil {
			return fmt.Errorf("fail job: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}

		var row jobRow
		if err := tx.Select("account_id", "credits_charged").Where("id = ?", id).First(&row).Error; err != nil {
			return fmt.Errorf("load failed job: %w", err)
		}
		balance, err := creditBalance(tx, row.AccountID, row.CreditsCharged)
		if err != nil {
			return err
		}
		jobID := id
		if err := appendEntry(tx, row.AccountID, &jobID, row.CreditsCharged, domain.ReasonJobRefund, balance); err != nil {
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
