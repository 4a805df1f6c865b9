package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/punchamoorthee/clipledger/internal/domain"
)

// CreateAccount inserts an account with zero balance and, when initialCredits
// is positive, funds it with a grant entry in the same transaction.
func (s *Store) CreateAccount(ctx context.Context, tier domain.Tier, initialCredits int64) (*domain.Account, error) {
	if initialCredits < 0 {
		return nil, ErrInvalidAmount
	}
	var acc domain.Account
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			"INSERT INTO accounts (balance, tier) VALUES (0, $1) RETURNING id, balance, tier, created_at",
			string(tier),
		).Scan(&acc.ID, &acc.Balance, &acc.Tier, &acc.CreatedAt)
		if err != nil {
			return fmt.Errorf("account insert failed: %w", err)
		}
		if initialCredits == 0 {
			return nil
		}
		acc.Balance, err = creditBalance(ctx, tx, acc.ID, initialCredits)
		if err != nil {
			return err
		}
		return appendEntry(ctx, tx, acc.ID, nil, initialCredits, domain.ReasonGrant, acc.Balance)
	})
	if err != nil {
		return nil, err
	}
	return &acc, nil
}

// GetAccount retrieves a single account by ID.
func (s *Store) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	var acc domain.Account
	err := s.Db.QueryRow(ctx,
		"SELECT id, balance, tier, created_at FROM accounts WHERE id = $1", id,
	).Scan(&acc.ID, &acc.Balance, &acc.Tier, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acc, nil
}

// Grant adds credits to an account.
func (s *Store) Grant(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	return s.credit(ctx, accountID, amount, reason)
}

// Refund returns credits to an account. It performs no dedup of its own;
// job refunds go through FailJob, which guards on job status.
func (s *Store) Refund(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	return s.credit(ctx, accountID, amount, reason)
}

// Deduct removes credits with a single conditional update.
func (s *Store) Deduct(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = debitBalance(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}
		return appendEntry(ctx, tx, accountID, nil, -amount, reason, balance)
	})
	return balance, err
}

func (s *Store) credit(ctx context.Context, accountID, amount int64, reason string) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	var balance int64
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		balance, err = creditBalance(ctx, tx, accountID, amount)
		if err != nil {
			return err
		}
		return appendEntry(ctx, tx, accountID, nil, amount, reason, balance)
	})
	return balance, err
}

// GetEntries retrieves ledger entries for a specific account, oldest first.
func (s *Store) GetEntries(ctx context.Context, accountID int64) ([]domain.LedgerEntry, error) {
	var exists bool
	err := s.Db.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, ErrAccountNotFound
	}

	rows, err := s.Db.Query(ctx,
		`SELECT id, account_id, job_id, amount, reason, balance_after, created_at
         FROM ledger_entries WHERE account_id = $1 ORDER BY id`,
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []domain.LedgerEntry{}
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.JobID, &e.Amount, &e.Reason, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// debitBalance is the single atomic primitive guarding the balance.
func debitBalance(ctx context.Context, tx pgx.Tx, accountID, amount int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance - $2 WHERE id = $1 AND balance >= $2 RETURNING balance",
		accountID, amount,
	).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("debit failed: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM accounts WHERE id=$1)", accountID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("account lookup failed: %w", err)
	}
	if !exists {
		return 0, ErrAccountNotFound
	}
	return 0, ErrInsufficientFunds
}

func creditBalance(ctx context.Context, tx pgx.Tx, accountID, amount int64) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx,
		"UPDATE accounts SET balance = balance + $2 WHERE id = $1 RETURNING balance",
		accountID, amount,
	).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrAccountNotFound
		}
		return 0, fmt.Errorf("credit failed: %w", err)
	}
	return balance, nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, accountID int64, jobID *string, amount int64, reason string, balanceAfter int64) error {
	_, err := tx.Exec(ctx,
		"INSERT INTO ledger_entries (account_id, job_id, amount, reason, balance_after) VALUES ($1, $2, $3, $4, $5)",
		accountID, jobID, amount, reason, balanceAfter,
	)
	if err != nil {
		return fmt.Errorf("ledger entry failed: %w", err)
	}
	return nil
}
