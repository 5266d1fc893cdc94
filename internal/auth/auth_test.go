package auth

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	raw, key, err := mgr.GenerateKey(context.Background(), " 0xAAAA111111111111111111111111111111111111 ", "ci")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(raw, KeyPrefix))
	assert.Len(t, raw, len(KeyPrefix)+64)
	assert.True(t, strings.HasPrefix(key.ID, "ak_"))
	assert.Equal(t, "0xaaaa111111111111111111111111111111111111", key.Account)
	assert.Equal(t, hashKey(raw), key.Hash)
	assert.NotEqual(t, raw, key.Hash)
	assert.Nil(t, key.ExpiresAt, "keys do not expire without a TTL")
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw, _, err := mgr.GenerateKey(ctx, alice, "primary")
	require.NoError(t, err)

	key, err := mgr.ValidateKey(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, alice, key.Account)

	_, err = mgr.ValidateKey(ctx, "Bearer "+raw)
	assert.NoError(t, err)

	for input, want := range map[string]error{
		"":                  ErrNoAPIKey,
		"Bearer ":           ErrNoAPIKey,
		"not_a_key":         ErrInvalidAPIKey,
		KeyPrefix + "wrong": ErrInvalidAPIKey,
	} {
		_, err := mgr.ValidateKey(ctx, input)
		assert.ErrorIs(t, err, want, "input %q", input)
	}
}

func TestKeyTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mgr := NewManager(NewMemoryStore(), WithKeyTTL(time.Hour))
	mgr.now = func() time.Time { return now }
	ctx := context.Background()

	raw, key, err := mgr.GenerateKey(ctx, alice, "short-lived")
	require.NoError(t, err)
	require.NotNil(t, key.ExpiresAt)
	assert.Equal(t, now.Add(time.Hour), *key.ExpiresAt)

	now = now.Add(59 * time.Minute)
	_, err = mgr.ValidateKey(ctx, raw)
	assert.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = mgr.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)

	active, err := mgr.HasActiveKey(ctx, alice)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	for _, acct := range []string{alice, alice, bob} {
		_, _, err := mgr.GenerateKey(ctx, acct, "k")
		require.NoError(t, err)
	}

	keys, err := mgr.ListKeys(ctx, strings.ToUpper(alice[2:]))
	require.NoError(t, err)
	assert.Empty(t, keys, "a bare hex string is not alice's account")

	keys, err = mgr.ListKeys(ctx, alice)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()
	raw, key, err := mgr.GenerateKey(ctx, alice, "to revoke")
	require.NoError(t, err)

	assert.ErrorIs(t, mgr.RevokeKey(ctx, key.ID, bob), ErrKeyNotFound, "cannot revoke another account's key")
	_, err = mgr.ValidateKey(ctx, raw)
	require.NoError(t, err)

	require.NoError(t, mgr.RevokeKey(ctx, key.ID, alice))
	_, err = mgr.ValidateKey(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestMemoryStore_RevocationSticks(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &APIKey{ID: "ak_1", Hash: "h1", Account: alice}))

	require.NoError(t, s.Update(ctx, &APIKey{ID: "ak_1", Revoked: true}))
	require.NoError(t, s.Update(ctx, &APIKey{ID: "ak_1", LastUsed: time.Now()}))

	k, err := s.GetByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, k.Revoked)
	assert.False(t, k.LastUsed.IsZero())

	require.NoError(t, s.Delete(ctx, "ak_1"))
	_, err = s.GetByHash(ctx, "h1")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorIs(t, s.Update(ctx, &APIKey{ID: "ak_1"}), ErrKeyNotFound)
}
