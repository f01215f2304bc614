package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cryptodata/api-gateway/internal/apikey"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/quota"
)

var (
	ErrInvalidKey    = errors.New("invalid_key")
	ErrRevokedKey    = errors.New("revoked")
	ErrQuotaExceeded = errors.New("quota_exceeded")
	ErrUnknownTier   = errors.New("unknown tier")
)

// QuotaExceededError carries the time the exhausted window rolls over.
type QuotaExceededError struct {
	ResetAt time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("quota exceeded until %s", e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

// KeyRepository is the read side of the key store. The gateway never
// changes tier or active fields.
type KeyRepository interface {
	// GetAPIKeyByHash returns nil, nil when no key has that hash.
	GetAPIKeyByHash(ctx context.Context, hash string) (*models.APIKey, error)
	TouchAPIKey(ctx context.Context, id uuid.UUID, at time.Time) error
}

// KeyGrant is a successful key authorization.
type KeyGrant struct {
	Key            *models.APIKey
	Tier           models.Tier
	RemainingToday int64
	RemainingMonth int64
}

// KeyAuthorizer validates API keys and charges their quota.
type KeyAuthorizer struct {
	repo   KeyRepository
	quotas quota.Store
	tiers  map[string]models.Tier
	logger *slog.Logger
	now    func() time.Time
}

func NewKeyAuthorizer(repo KeyRepository, quotas quota.Store, tiers map[string]models.Tier, logger *slog.Logger) *KeyAuthorizer {
	return &KeyAuthorizer{
		repo:   repo,
		quotas: quotas,
		tiers:  tiers,
		logger: logger,
		now:    time.Now,
	}
}

// WithClock overrides the time source.
func (a *KeyAuthorizer) WithClock(now func() time.Time) *KeyAuthorizer {
	a.now = now
	return a
}

// Authorize resolves rawKey and charges one call against its quota.
func (a *KeyAuthorizer) Authorize(ctx context.Context, rawKey string) (*KeyGrant, error) {
	key, err := a.Resolve(ctx, rawKey)
	if err != nil {
		return nil, err
	}
	return a.Consume(ctx, key)
}

// Resolve looks up an active key by the hash of rawKey without touching
// quota. Unknown keys give ErrInvalidKey, inactive ones ErrRevokedKey.
func (a *KeyAuthorizer) Resolve(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if !apikey.WellFormed(rawKey) {
		return nil, ErrInvalidKey
	}
	key, err := a.repo.GetAPIKeyByHash(ctx, apikey.Hash(rawKey))
	if err != nil {
		return nil, fmt.Errorf("couldn't look up API key: %w", err)
	}
	if key == nil {
		return nil, ErrInvalidKey
	}
	if !key.IsActive {
		return key, ErrRevokedKey
	}
	return key, nil
}

// Tier returns the configured tier for a key.
func (a *KeyAuthorizer) Tier(key *models.APIKey) (models.Tier, error) {
	tier, ok := a.tiers[key.Tier]
	if !ok {
		return models.Tier{}, fmt.Errorf("%w: %q", ErrUnknownTier, key.Tier)
	}
	return tier, nil
}

// Consume charges one call for an already resolved, active key. Unlimited
// tiers skip counting entirely.
func (a *KeyAuthorizer) Consume(ctx context.Context, key *models.APIKey) (*KeyGrant, error) {
	tier, err := a.Tier(key)
	if err != nil {
		return nil, err
	}

	now := a.now()
	grant := &KeyGrant{
		Key:            key,
		Tier:           tier,
		RemainingToday: models.Unlimited,
		RemainingMonth: models.Unlimited,
	}

	if !tier.Unlimited() {
		usage, err := a.quotas.Consume(ctx, key.ID.String(), quota.Limits{Daily: tier.Daily, Monthly: tier.Monthly}, now)
		if err != nil {
			return nil, fmt.Errorf("couldn't consume quota: %w", err)
		}
		if !usage.Granted {
			return nil, &QuotaExceededError{ResetAt: usage.ResetAt}
		}
		grant.RemainingToday = usage.RemainingToday
		grant.RemainingMonth = usage.RemainingMonth
	}

	a.touch(ctx, key.ID, now)
	return grant, nil
}

// touch records last use without holding up the request.
func (a *KeyAuthorizer) touch(ctx context.Context, id uuid.UUID, at time.Time) {
	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := a.repo.TouchAPIKey(ctx, id, at); err != nil {
			a.logger.Warn("couldn't update key last use", "key_id", id, "error", err)
		}
	}()
}

// MemoryKeyRepository is an in-process KeyRepository.
type MemoryKeyRepository struct {
	mu     sync.RWMutex
	byHash map[string]*models.APIKey
}

func NewMemoryKeyRepository() *MemoryKeyRepository {
	return &MemoryKeyRepository{byHash: make(map[string]*models.APIKey)}
}

// Add stores key under the hash of rawKey.
func (r *MemoryKeyRepository) Add(rawKey string, key *models.APIKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key.KeyHash = apikey.Hash(rawKey)
	key.KeyPrefix = apikey.Prefix(rawKey)
	r.byHash[key.KeyHash] = key
}

func (r *MemoryKeyRepository) GetAPIKeyByHash(_ context.Context, hash string) (*models.APIKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byHash[hash]
	if !ok {
		return nil, nil
	}
	cp := *key
	return &cp, nil
}

func (r *MemoryKeyRepository) TouchAPIKey(_ context.Context, id uuid.UUID, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range r.byHash {
		if key.ID == id {
			t := at
			key.LastUsedAt = &t
			return nil
		}
	}
	return fmt.Errorf("API key not found")
}
