// Package ledger is the reference funds-transfer collaborator: per-account
// balances in base units with atomic two-party transfers.
//
// The engine only ever calls Transfer. Deposit exists for the development
// faucet and for tests that need to seed balances.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/coverpool/internal/protocol"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidAccount      = errors.New("invalid account")
	ErrSameAccount         = errors.New("transfer to self")
	ErrDuplicateDeposit    = errors.New("deposit already processed")
)

// Entry types.
const (
	EntryDeposit = "deposit"
	EntryDebit   = "debit"
	EntryCredit  = "credit"
)

// Entry is one side of a balance movement.
type Entry struct {
	ID           string    `json:"id"`
	Account      string    `json:"account"`
	Type         string    `json:"type"`
	Amount       uint64    `json:"amount"`
	Counterparty string    `json:"counterparty,omitempty"`
	Reference    string    `json:"reference,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Balance is an account's current holdings.
type Balance struct {
	Account   string    `json:"account"`
	Available uint64    `json:"available"`
	TotalIn   uint64    `json:"totalIn"`
	TotalOut  uint64    `json:"totalOut"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store persists balances and entries. Transfer must debit and credit in
// one atomic step and fail with ErrInsufficientBalance without side effects.
type Store interface {
	GetBalance(ctx context.Context, account string) (*Balance, error)
	Transfer(ctx context.Context, from, to string, amount uint64, reference string) error
	Credit(ctx context.Context, account string, amount uint64, reference string) error
	HasDeposit(ctx context.Context, reference string) (bool, error)
	GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error)
}

// Ledger validates and records balance movements.
type Ledger struct {
	store Store
}

// New creates a new ledger
func New(store Store) *Ledger {
	return &Ledger{store: store}
}

// GetBalance returns an account's current balance. Unknown accounts have a
// zero balance.
func (l *Ledger) GetBalance(ctx context.Context, account string) (*Balance, error) {
	return l.store.GetBalance(ctx, protocol.NormalizeAccount(account))
}

// Transfer moves amount from one account to another atomically.
func (l *Ledger) Transfer(ctx context.Context, from, to string, amount uint64, reference string) (err error) {
	done := track("transfer", amount)
	defer func() { done(err) }()

	from, to = protocol.NormalizeAccount(from), protocol.NormalizeAccount(to)
	if !protocol.IsAccount(from) || !protocol.IsAccount(to) {
		return ErrInvalidAccount
	}
	if from == to {
		return ErrSameAccount
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	if err := l.store.Transfer(ctx, from, to, amount, reference); err != nil {
		return fmt.Errorf("transfer %s: %w", reference, err)
	}
	return nil
}

// Deposit credits an account from outside the ledger. The reference makes
// deposits idempotent.
func (l *Ledger) Deposit(ctx context.Context, account string, amount uint64, reference string) (err error) {
	done := track("deposit", amount)
	defer func() { done(err) }()

	account = protocol.NormalizeAccount(account)
	if !protocol.IsAccount(account) {
		return ErrInvalidAccount
	}
	if amount == 0 {
		return ErrInvalidAmount
	}
	reference = strings.TrimSpace(reference)
	if reference != "" {
		exists, err := l.store.HasDeposit(ctx, reference)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateDeposit
		}
	}
	return l.store.Credit(ctx, account, amount, reference)
}

// GetHistory returns an account's entries, newest first.
func (l *Ledger) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return l.store.GetHistory(ctx, protocol.NormalizeAccount(account), limit)
}
