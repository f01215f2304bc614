package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/api-gateway/internal/apikey"
	"github.com/cryptodata/api-gateway/internal/logger"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/quota"
)

var testTiers = map[string]models.Tier{
	"free":       {Name: "free", Daily: 2, Monthly: 100, RateLimitClass: "default"},
	"single":     {Name: "single", Daily: 1, Monthly: 100, RateLimitClass: "default"},
	"empty":      {Name: "empty", Daily: 0, Monthly: 100, RateLimitClass: "default"},
	"enterprise": {Name: "enterprise", Daily: -1, Monthly: -1, RateLimitClass: "enterprise"},
}

func newKey(t *testing.T, repo *MemoryKeyRepository, tier string, active bool) string {
	t.Helper()
	raw, err := apikey.Generate(tier)
	require.NoError(t, err)
	repo.Add(raw, &models.APIKey{ID: uuid.New(), Name: tier, Tier: tier, IsActive: active})
	return raw
}

func newAuthorizer(repo *MemoryKeyRepository, store quota.Store) *KeyAuthorizer {
	now := time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)
	return NewKeyAuthorizer(repo, store, testTiers, logger.Discard()).
		WithClock(func() time.Time { return now })
}

func TestAuthorize_ChargesQuota(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "free", true)
	a := newAuthorizer(repo, quota.NewMemoryStore())

	g, err := a.Authorize(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, "free", g.Tier.Name)
	assert.Equal(t, int64(1), g.RemainingToday)
	assert.Equal(t, int64(99), g.RemainingMonth)

	_, err = a.Authorize(context.Background(), raw)
	require.NoError(t, err)

	_, err = a.Authorize(context.Background(), raw)
	require.ErrorIs(t, err, ErrQuotaExceeded)
	var qe *QuotaExceededError
	require.True(t, errors.As(err, &qe))
	assert.Equal(t, time.Date(2026, 10, 17, 0, 0, 0, 0, time.UTC), qe.ResetAt)
}

func TestAuthorize_ZeroRemainingIsQuotaExceeded(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "empty", true)

	_, err := newAuthorizer(repo, quota.NewMemoryStore()).Authorize(context.Background(), raw)
	assert.ErrorIs(t, err, ErrQuotaExceeded)
}

func TestAuthorize_InvalidAndRevoked(t *testing.T) {
	repo := NewMemoryKeyRepository()
	revoked := newKey(t, repo, "free", false)
	a := newAuthorizer(repo, quota.NewMemoryStore())

	_, err := a.Authorize(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidKey)

	unknown, _ := apikey.Generate("free")
	_, err = a.Authorize(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = a.Authorize(context.Background(), revoked)
	assert.ErrorIs(t, err, ErrRevokedKey)
}

func TestAuthorize_UnknownTier(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "platinum", true)

	_, err := newAuthorizer(repo, quota.NewMemoryStore()).Authorize(context.Background(), raw)
	assert.ErrorIs(t, err, ErrUnknownTier)
}

type countingStore struct{ calls atomic.Int64 }

func (s *countingStore) Consume(context.Context, string, quota.Limits, time.Time) (quota.Usage, error) {
	s.calls.Add(1)
	return quota.Usage{Granted: true}, nil
}

func TestAuthorize_UnlimitedBypassesCounting(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "enterprise", true)
	store := &countingStore{}
	a := newAuthorizer(repo, store)

	for i := 0; i < 3; i++ {
		g, err := a.Authorize(context.Background(), raw)
		require.NoError(t, err)
		assert.Equal(t, models.Unlimited, g.RemainingToday)
	}
	assert.Zero(t, store.calls.Load())
}

type failingStore struct{}

func (failingStore) Consume(context.Context, string, quota.Limits, time.Time) (quota.Usage, error) {
	return quota.Usage{}, errors.New("redis down")
}

func TestAuthorize_StoreErrorIsNotAGrant(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "free", true)

	g, err := newAuthorizer(repo, failingStore{}).Authorize(context.Background(), raw)
	assert.Error(t, err)
	assert.Nil(t, g)
}

func TestAuthorize_ConcurrentSingleRemainingAdmitsOne(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "single", true)
	a := newAuthorizer(repo, quota.NewMemoryStore())

	var granted, refused atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Authorize(context.Background(), raw)
			switch {
			case err == nil:
				granted.Add(1)
			case errors.Is(err, ErrQuotaExceeded):
				refused.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), granted.Load())
	assert.Equal(t, int64(49), refused.Load())
}

func TestAuthorize_TouchesLastUsed(t *testing.T) {
	repo := NewMemoryKeyRepository()
	raw := newKey(t, repo, "free", true)
	a := newAuthorizer(repo, quota.NewMemoryStore())

	_, err := a.Authorize(context.Background(), raw)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		k, _ := repo.GetAPIKeyByHash(context.Background(), apikey.Hash(raw))
		return k.LastUsedAt != nil
	}, time.Second, 10*time.Millisecond)
}
