package service

import (
	"context"
	"errors"

	"github.com/punchamoorthee/clipledger/internal/domain"
	"github.com/punchamoorthee/clipledger/internal/logging"
	"github.com/punchamoorthee/clipledger/internal/store"
)

// CreateAccount opens an account funded with initialCredits.
func (o *Orchestrator) CreateAccount(ctx context.Context, tier domain.Tier, initialCredits int64) (*domain.Account, error) {
	if tier == "" {
		tier = domain.TierFree
	}
	if !tier.Valid() {
		return nil, domain.Errorf(domain.KindValidation, "unknown tier %q", tier)
	}
	if initialCredits < 0 {
		return nil, domain.Errorf(domain.KindValidation, "initial credits must not be negative")
	}
	acc, err := o.repo.CreateAccount(ctx, tier, initialCredits)
	if err != nil {
		return nil, domain.Wrap(domain.KindInternal, "create account", err)
	}
	logging.FromContext(ctx).WithField("account_id", acc.ID).Info("account created")
	return acc, nil
}

func (o *Orchestrator) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	acc, err := o.repo.GetAccount(ctx, id)
	if err != nil {
		return nil, accountError(id, err)
	}
	return acc, nil
}

// Entries lists the ledger of an account, oldest first.
func (o *Orchestrator) Entries(ctx context.Context, id int64) ([]domain.LedgerEntry, error) {
	entries, err := o.repo.GetEntries(ctx, id)
	if err != nil {
		return nil, accountError(id, err)
	}
	return entries, nil
}

// Grant tops up an account. Purchase verification happens upstream.
func (o *Orchestrator) Grant(ctx context.Context, id, amount int64) (*domain.Account, error) {
	if amount <= 0 {
		return nil, domain.Errorf(domain.KindValidation, "amount must be positive")
	}
	if _, err := o.repo.Grant(ctx, id, amount, domain.ReasonGrant); err != nil {
		return nil, accountError(id, err)
	}
	return o.GetAccount(ctx, id)
}

func accountError(id int64, err error) error {
	if errors.Is(err, store.ErrAccountNotFound) {
		return domain.Errorf(domain.KindNotFound, "account %d not found", id)
	}
	return domain.Wrap(domain.KindInternal, "ledger", err)
}
