package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/idgen"
)

// pgCheckViolation is the SQLSTATE raised when available would go negative.
const pgCheckViolation = "23514"

// PostgresStore implements Store with PostgreSQL. Tables are created by the
// goose migrations in migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// GetBalance retrieves an account's balance
func (p *PostgresStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	bal := &Balance{Account: account}

	err := p.db.QueryRowContext(ctx, `
		SELECT available, total_in, total_out, updated_at
		FROM ledger_balances WHERE account = $1
	`, account).Scan(
		amount.Scanner(&bal.Available),
		amount.Scanner(&bal.TotalIn),
		amount.Scanner(&bal.TotalOut),
		&bal.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{Account: account, UpdatedAt: time.Now()}, nil
	}
	if err != nil {
		return nil, err
	}
	return bal, nil
}

// Transfer debits from and credits to in one transaction. The CHECK
// constraint on available >= 0 rejects overdrafts.
func (p *PostgresStore) Transfer(ctx context.Context, from, to string, amt uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE ledger_balances SET
			available  = available - $2,
			total_out  = total_out + $2,
			updated_at = NOW()
		WHERE account = $1
	`, from, amount.Numeric(amt))
	if err != nil {
		return mapBalanceErr(err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrInsufficientBalance
	}

	if err := upsertCredit(ctx, tx, to, amt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, counterparty, reference, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW()), ($7, $5, $8, $4, $2, $6, NOW())
	`, idgen.WithPrefix("le_"), from, EntryDebit, amount.Numeric(amt), to, reference,
		idgen.WithPrefix("le_"), EntryCredit)
	if err != nil {
		return fmt.Errorf("failed to record entries: %w", err)
	}

	return tx.Commit()
}

// Credit adds funds to an account's balance
func (p *PostgresStore) Credit(ctx context.Context, account string, amt uint64, reference string) error {
	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertCredit(ctx, tx, account, amt); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, account, type, amount, reference, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NOW())
	`, idgen.WithPrefix("le_"), account, EntryDeposit, amount.Numeric(amt), reference)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateDeposit
		}
		return fmt.Errorf("failed to record entry: %w", err)
	}

	return tx.Commit()
}

// HasDeposit checks whether a deposit reference was already processed
func (p *PostgresStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM ledger_entries WHERE type = $1 AND reference = $2)
	`, EntryDeposit, reference).Scan(&exists)
	return exists, err
}

// GetHistory returns an account's entries, newest first
func (p *PostgresStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account, type, amount, COALESCE(counterparty, ''), COALESCE(reference, ''), created_at
		FROM ledger_entries
		WHERE account = $1
		ORDER BY created_at DESC, id
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.Account, &e.Type, amount.Scanner(&e.Amount), &e.Counterparty, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func upsertCredit(ctx context.Context, tx *sql.Tx, account string, amt uint64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_balances (account, available, total_in, updated_at)
		VALUES ($1, $2, $2, NOW())
		ON CONFLICT (account) DO UPDATE SET
			available  = ledger_balances.available + $2,
			total_in   = ledger_balances.total_in  + $2,
			updated_at = NOW()
	`, account, amount.Numeric(amt))
	if err != nil {
		return mapBalanceErr(err)
	}
	return nil
}

// mapBalanceErr converts constraint violations into ledger errors.
func mapBalanceErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgCheckViolation {
		return ErrInsufficientBalance
	}
	return fmt.Errorf("failed to update balance: %w", err)
}
