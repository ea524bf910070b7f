package ledger

import "errors"

var (
	// ErrAccountNotFound is returned when no account row exists for the
	// requested member and currency.
	ErrAccountNotFound = errors.New("account not found")

	// ErrInsufficientBalance is returned when an account's spendable balance
	// cannot cover a lock.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInsufficientLocked is returned when an account's locked funds cannot
	// cover an unlock or a debit.
	ErrInsufficientLocked = errors.New("insufficient locked funds")

	// ErrNegativeAmount is returned when a primitive is called with a
	// negative amount.
	ErrNegativeAmount = errors.New("amount must not be negative")
)
