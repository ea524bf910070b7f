// Package ledger implements per-member, per-currency fund accounting.
//
// All balance mutation in the system goes through the four primitives below:
// Lock (balance to locked), Unlock (locked back to balance), DebitLocked
// (funds leave locked) and CreditBalance (funds enter balance). Each primitive
// is a single row-locked mutation and keeps both amounts non-negative.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tradeforge/exchange/pkg/models"
)

// Service exposes the ledger primitives over a database handle. Bind it to a
// transaction with WithTx so a settlement's mutations commit or roll back as
// one unit.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a ledger service on the given database handle.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// WithTx returns a service bound to the given transaction handle.
func (s *Service) WithTx(tx *gorm.DB) *Service {
	return &Service{db: tx, logger: s.logger}
}

// Get returns the account row for member/currency without locking it.
func (s *Service) Get(ctx context.Context, memberID uuid.UUID, currency string) (*models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).
		Where("member_id = ? AND currency = ?", memberID, currency).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("member %s currency %s: %w", memberID, currency, ErrAccountNotFound)
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// Lock moves amount from balance to locked.
func (s *Service) Lock(ctx context.Context, memberID uuid.UUID, currency string, amount decimal.Decimal) error {
	return s.mutate(ctx, memberID, currency, amount, func(account *models.Account) error {
		if account.Balance.LessThan(amount) {
			return fmt.Errorf("lock %s %s for member %s (balance %s): %w",
				amount, currency, memberID, account.Balance, ErrInsufficientBalance)
		}
		account.Balance = account.Balance.Sub(amount)
		account.Locked = account.Locked.Add(amount)
		return nil
	})
}

// Unlock moves amount from locked back to balance.
func (s *Service) Unlock(ctx context.Context, memberID uuid.UUID, currency string, amount decimal.Decimal) error {
	return s.mutate(ctx, memberID, currency, amount, func(account *models.Account) error {
		if account.Locked.LessThan(amount) {
			return fmt.Errorf("unlock %s %s for member %s (locked %s): %w",
				amount, currency, memberID, account.Locked, ErrInsufficientLocked)
		}
		account.Locked = account.Locked.Sub(amount)
		account.Balance = account.Balance.Add(amount)
		return nil
	})
}

// DebitLocked removes amount from locked; the funds leave this account.
func (s *Service) DebitLocked(ctx context.Context, memberID uuid.UUID, currency string, amount decimal.Decimal) error {
	return s.mutate(ctx, memberID, currency, amount, func(account *models.Account) error {
		if account.Locked.LessThan(amount) {
			return fmt.Errorf("debit %s %s from locked for member %s (locked %s): %w",
				amount, currency, memberID, account.Locked, ErrInsufficientLocked)
		}
		account.Locked = account.Locked.Sub(amount)
		return nil
	})
}

// CreditBalance adds amount to balance; the funds enter this account.
func (s *Service) CreditBalance(ctx context.Context, memberID uuid.UUID, currency string, amount decimal.Decimal) error {
	return s.mutate(ctx, memberID, currency, amount, func(account *models.Account) error {
		account.Balance = account.Balance.Add(amount)
		return nil
	})
}

// mutate loads the account row under FOR UPDATE, applies fn and saves the
// changed amounts. Zero-amount calls are no-ops.
func (s *Service) mutate(ctx context.Context, memberID uuid.UUID, currency string, amount decimal.Decimal, fn func(*models.Account) error) error {
	if amount.IsNegative() {
		return fmt.Errorf("member %s currency %s amount %s: %w", memberID, currency, amount, ErrNegativeAmount)
	}
	if amount.IsZero() {
		return nil
	}

	var account models.Account
	err := s.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("member_id = ? AND currency = ?", memberID, currency).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("member %s currency %s: %w", memberID, currency, ErrAccountNotFound)
		}
		return fmt.Errorf("failed to find account: %w", err)
	}

	if err := fn(&account); err != nil {
		return err
	}

	updates := map[string]interface{}{
		"balance":    account.Balance,
		"locked":     account.Locked,
		"updated_at": time.Now(),
	}
	if err := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", account.ID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	s.logger.Debug("account mutated",
		zap.String("member_id", memberID.String()),
		zap.String("currency", currency),
		zap.String("balance", account.Balance.String()),
		zap.String("locked", account.Locked.String()))

	return nil
}
