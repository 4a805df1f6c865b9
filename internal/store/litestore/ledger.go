package litestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/store"
)

// CreateAccount inserts a zero-balance account and funds it with a grant entry.
func (s *Store) CreateAccount(ctx context.Context, tier domain.Tier, initialCredits int64) (*domain.Account, error) {
	if initialCredits < 0 {
		return nil, store.ErrInvalidAmount
	}
	row := accountRow{Tier: string(tier)}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("account insert failed: %w", err)
		}
		if initialCredits == 0 {
			return nil
		}
		balance, err := creditBalance(tx, row.ID, initialCredits)
		if err != nil {
			return err
		}
		row.Balance = balance
		return appendEntry(tx, row.ID, nil, initialCredits, domain.ReasonGrant, balance)
	})
	if err != nil {
		return nil, err
	}
	return row.toDomain(), nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var row accountRow
	if err := s.db.WithContext(ctx).First(&row, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, store.ErrAccountNotFound
		}
		return nil, err
	}
	return row.toDomain(), nil
}

// Grant adds credits to an account.
func (s *Store) Grant(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	return s.credit(ctx, accountID, amount, reason)
}

// Refund returns credits to an account without any dedup of its own.
func (s *Store) Refund(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	return s.credit(ctx, accountID, amount, reason)
}

// Deduct removes credits with a single conditional update.
func (s *Store) Deduct(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, store.ErrInvalidAmount
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if balance, err = debitBalance(tx, accountID, amount); err != nil {
			return err
		}
		return appendEntry(tx, accountID, nil, -amount, reason, balance)
	})
	return balance, err
}

func (s *Store) credit(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, store.ErrInvalidAmount
	}
	var balance int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if balance, err = creditBalance(tx, accountID, amount); err != nil {
			return err
		}
		return appendEntry(tx, accountID, nil, amount, reason, balance)
	})
	return balance, err
}

// GetEntries retrieves ledger entries for an account, oldest first.
func (s *Store) GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	if _, err := s.GetAccount(ctx, accountID); err != nil {
		return nil, err
	}
	var rows []ledgerEntryRow
	if err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toDomain())
	}
	return entries, nil
}

func debitBalance(tx *gorm.DB, accountID, amount int64) (int64, error) {
	var balance int64
	err := tx.Raw(
		"UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ? RETURNING balance",
		amount, accountID, amount,
	).Row().Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("debit failed: %w", err)
	}

	var count int64
	if err := tx.Model(&accountRow{}).Where("id = ?", accountID).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("account lookup failed: %w", err)
	}
	if count == 0 {
		return 0, store.ErrAccountNotFound
	}
	return 0, store.ErrInsufficientFunds
}

func creditBalance(tx *gorm.DB, accountID, amount int64) (int64, error) {
	var balance int64
	err := tx.Raw(
		"UPDATE accounts SET balance = balance + ? WHERE id = ? RETURNING balance",
		amount, accountID,
	).Row().Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrAccountNotFound
		}
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func appendEntry(tx *gorm.DB, accountID int64, jobID *string, amount int64, reason string, balanceAfter int64) error {
	row := ledgerEntryRow{
		AccountID:    accountID,
		JobID:        jobID,
		Amount:       amount,
		Reason:       reason,
		BalanceAfter: balanceAfter,
		CreatedAt:    time.Now().UTC(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}
