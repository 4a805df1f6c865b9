package litestore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

type accountRow struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	Balance   int64  `gorm:"not null;default:0;check:balance >= 0"`
	Tier      string `gorm:"size:16;not null"`
	CreatedAt time.Time
}

func (accountRow) TableName() string { return "accounts" }

func (r accountRow) toDomain() *domain.Account {
	return &domain.Account{ID: r.ID, Balance: r.Balance, Tier: domain.Tier(r.Tier), CreatedAt: r.CreatedAt}
}

type jobRow struct {
	ID                string `gorm:"primaryKey;size:36"`
	AccountID         int64  `gorm:"not null;index"`
	IdempotencyKey    string `gorm:"not null"`
	Model             string `gorm:"not null"`
	Provider          string `gorm:"not null"`
	Config            string `gorm:"type:text;not null"`
	Status            string `gorm:"size:16;not null;index"`
	ProviderRef       *string
	ResultURL         *string
	OriginalResultURL *string
	ResultMigrated    bool  `gorm:"not null;default:false"`
	CreditsCharged    int64 `gorm:"not null"`
	ErrorDetail       *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       *time.Time
}

func (jobRow) TableName() string { return "jobs" }

func (r jobRow) toDomain() (*domain.Job, error) {
	j := &domain.Job{
		ID:                r.ID,
		AccountID:         r.AccountID,
		IdempotencyKey:    r.IdempotencyKey,
		Model:             r.Model,
		Provider:          r.Provider,
		Status:            domain.JobStatus(r.Status),
		ProviderRef:       r.ProviderRef,
		ResultURL:         r.ResultURL,
		OriginalResultURL: r.OriginalResultURL,
		ResultMigrated:    r.ResultMigrated,
		CreditsCharged:    r.CreditsCharged,
		ErrorDetail:       r.ErrorDetail,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
		CompletedAt:       r.CompletedAt,
	}
	if err := json.Unmarshal([]byte(r.Config), &j.Config); err != nil {
		return nil, fmt.Errorf("decode job config: %w", err)
	}
	return j, nil
}

type ledgerEntryRow struct {
	ID           int64   `gorm:"primaryKey;autoIncrement"`
	AccountID    int64   `gorm:"not null;index"`
	JobID        *string `gorm:"size:36"`
	Amount       int64   `gorm:"not null"`
	Reason       string  `gorm:"size:32;not null"`
	BalanceAfter int64   `gorm:"not null"`
	CreatedAt    time.Time
}

func (ledgerEntryRow) TableName() string { return "ledger_entries" }

func (r ledgerEntryRow) toDomain() domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:           r.ID,
		AccountID:    r.AccountID,
		JobID:        r.JobID,
		Amount:       r.Amount,
		Reason:       r.Reason,
		BalanceAfter: r.BalanceAfter,
		CreatedAt:    r.CreatedAt,
	}
}

// idempotencyRow keeps expiry as unix nanoseconds so comparisons stay exact.
type idempotencyRow struct {
	AccountID      int64  `gorm:"primaryKey;autoIncrement:false"`
	Key            string `gorm:"column:idem_key;primaryKey;size:255"`
	JobID          string `gorm:"size:36;not null"`
	RequestHash    string `gorm:"size:64;not null"`
	ResponseStatus int    `gorm:"not null"`
	ResponseBody   []byte `gorm:"not null"`
	CreatedAt      time.Time
	ExpiresAtNanos int64 `gorm:"not null;index"`
}

func (idempotencyRow) TableName() string { return "idempotency_keys" }

func (r idempotencyRow) toDomain() *domain.IdempotencyRecord {
	return &domain.IdempotencyRecord{
		Key:            r.Key,
		AccountID:      r.AccountID,
		JobID:          r.JobID,
		RequestHash:    r.RequestHash,
		ResponseBody:   append([]byte(nil), r.ResponseBody...),
		ResponseStatus: r.ResponseStatus,
		CreatedAt:      r.CreatedAt,
		ExpiresAt:      time.Unix(0, r.ExpiresAtNanos).UTC(),
	}
}
