package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

const pgUniqueViolation = "23505"

const keyColumns = `id, hash, account, name, created_at, last_used, expires_at, revoked`

// PostgresStore keeps API keys in the api_keys table. Only hashes are
// stored; raw keys never reach the database.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store backed by db.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, key *APIKey) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES ($1, $2, $3, $4, $5, NULL, $6, FALSE)`,
		key.ID, key.Hash, strings.ToLower(key.Account), key.Name, key.CreatedAt, key.ExpiresAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return fmt.Errorf("create api key %s: duplicate", key.ID)
	}
	return err
}

// GetByHash only returns keys that are neither revoked nor expired.
func (p *PostgresStore) GetByHash(ctx context.Context, hash string) (*APIKey, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys
		 WHERE hash = $1 AND NOT revoked AND (expires_at IS NULL OR expires_at > NOW())`, hash)
	key, err := scanKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	return key, err
}

func (p *PostgresStore) GetByAccount(ctx context.Context, account string) ([]*APIKey, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE account = $1 ORDER BY created_at DESC`,
		strings.ToLower(account))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

// Update records last use and revocation. Revocation is sticky.
func (p *PostgresStore) Update(ctx context.Context, key *APIKey) error {
	var lastUsed sql.NullTime
	if !key.LastUsed.IsZero() {
		lastUsed = sql.NullTime{Time: key.LastUsed, Valid: true}
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = COALESCE($2, last_used), revoked = revoked OR $3 WHERE id = $1`,
		key.ID, lastUsed, key.Revoked)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(r rowScanner) (*APIKey, error) {
	var (
		k        APIKey
		name     sql.NullString
		lastUsed sql.NullTime
		expires  sql.NullTime
	)
	if err := r.Scan(&k.ID, &k.Hash, &k.Account, &name, &k.CreatedAt, &lastUsed, &expires, &k.Revoked); err != nil {
		return nil, err
	}
	k.Name = name.String
	k.LastUsed = lastUsed.Time
	if expires.Valid {
		k.ExpiresAt = &expires.Time
	}
	return &k, nil
}
