// Package auth maps API keys to caller accounts.
//
// Reads need no key. Mutating routes take the caller from the key's
// account, and owner operations are checked by the engine against that
// same account. Keys are issued by POST /v1/accounts; issuing the owner's
// first key needs the admin secret.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid or expired API key")
	ErrNotOwner      = errors.New("not authorized for this resource")
	ErrKeyNotFound   = errors.New("API key not found")
)

// KeyPrefix marks raw API keys.
const KeyPrefix = "sk_"

// APIKey is the stored form of a key. The raw secret is never kept.
type APIKey struct {
	ID        string     `json:"id"`
	Hash      string     `json:"-"`
	Account   string     `json:"account"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	LastUsed  time.Time  `json:"lastUsed,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Revoked   bool       `json:"revoked"`
}

// Usable reports whether the key can authenticate at t.
func (k *APIKey) Usable(t time.Time) bool {
	return !k.Revoked && (k.ExpiresAt == nil || t.Before(*k.ExpiresAt))
}

// Store persists API keys. Accounts are passed lower-cased.
type Store interface {
	Create(ctx context.Context, key *APIKey) error
	GetByHash(ctx context.Context, hash string) (*APIKey, error)
	GetByAccount(ctx context.Context, account string) ([]*APIKey, error)
	Update(ctx context.Context, key *APIKey) error
	Delete(ctx context.Context, id string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithKeyTTL makes newly issued keys expire after d. Zero means never.
func WithKeyTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// Manager issues, validates and revokes keys.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{store: store, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func canonical(account string) string {
	return strings.ToLower(strings.TrimSpace(account))
}

// GenerateKey issues a key for account. The raw key is returned once and
// only its hash is stored.
func (m *Manager) GenerateKey(ctx context.Context, account, name string) (string, *APIKey, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return "", nil, err
	}
	raw := KeyPrefix + hex.EncodeToString(secret)

	now := m.now()
	key := &APIKey{
		ID:        "ak_" + hex.EncodeToString(secret[:8]),
		Hash:      hashKey(raw),
		Account:   canonical(account),
		Name:      name,
		CreatedAt: now,
	}
	if m.ttl > 0 {
		exp := now.Add(m.ttl)
		key.ExpiresAt = &exp
	}
	if err := m.store.Create(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// ValidateKey resolves a raw key, with or without a "Bearer " prefix.
func (m *Manager) ValidateKey(ctx context.Context, raw string) (*APIKey, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "Bearer "))
	switch {
	case raw == "":
		return nil, ErrNoAPIKey
	case !strings.HasPrefix(raw, KeyPrefix):
		return nil, ErrInvalidAPIKey
	}

	key, err := m.store.GetByHash(ctx, hashKey(raw))
	if err != nil {
		return nil, ErrInvalidAPIKey
	}
	now := m.now()
	if !key.Usable(now) {
		return nil, ErrInvalidAPIKey
	}

	// Last-used is informational; keep it off the request path.
	touch := APIKey{ID: key.ID, LastUsed: now}
	go func() { _ = m.store.Update(context.Background(), &touch) }()
	return key, nil
}

func (m *Manager) ListKeys(ctx context.Context, account string) ([]*APIKey, error) {
	return m.store.GetByAccount(ctx, canonical(account))
}

// HasActiveKey reports whether account holds at least one usable key.
func (m *Manager) HasActiveKey(ctx context.Context, account string) (bool, error) {
	keys, err := m.ListKeys(ctx, account)
	if err != nil {
		return false, err
	}
	now := m.now()
	for _, k := range keys {
		if k.Usable(now) {
			return true, nil
		}
	}
	return false, nil
}

// RevokeKey revokes keyID if it belongs to account.
func (m *Manager) RevokeKey(ctx context.Context, keyID, account string) error {
	keys, err := m.ListKeys(ctx, account)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k.ID != keyID {
			continue
		}
		return m.store.Update(ctx, &APIKey{ID: k.ID, LastUsed: k.LastUsed, Revoked: true})
	}
	return ErrKeyNotFound
}

func hashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
