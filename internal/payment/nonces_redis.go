package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

var issueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'state', 'issued', 'requirement', ARGV[1])
redis.call('EXPIREAT', KEYS[1], ARGV[2])
return 1
`)

var reserveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'unknown'
end
if state == 'issued' then
	redis.call('HSET', KEYS[1], 'state', 'settling')
end
return state
`)

var spendScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'unknown'
end
if state ~= 'settling' then
	return state
end
redis.call('HSET', KEYS[1], 'state', 'spent', 'tx_ref', ARGV[1], 'payer', ARGV[2], 'settled_at', ARGV[3])
return 'spent'
`)

var releaseScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return 'unknown'
end
if state == 'settling' then
	redis.call('HSET', KEYS[1], 'state', 'issued')
end
return state
`)

// RedisNonceStore keeps the nonce ledger in Redis hashes so every gateway
// instance sees the same settlement state. Transitions run as Lua scripts.
type RedisNonceStore struct {
	client *redis.Client
}

func NewRedisNonceStore(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client}
}

func (s *RedisNonceStore) key(nonce string) string {
	return "payment:nonce:" + nonce
}

func (s *RedisNonceStore) Issue(ctx context.Context, req *Requirement) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode requirement: %w", err)
	}
	created, err := issueScript.Run(ctx, s.client, []string{s.key(req.Nonce)},
		data, recordExpiry(req).Unix()).Int()
	if err != nil {
		return fmt.Errorf("failed to issue nonce: %w", err)
	}
	if created == 0 {
		return ErrNonceExists
	}
	return nil
}

func (s *RedisNonceStore) Get(ctx context.Context, nonce string) (*NonceRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.key(nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNonceUnknown
	}

	rec := &NonceRecord{
		State: NonceState(fields["state"]),
		TxRef: fields["tx_ref"],
		Payer: fields["payer"],
	}
	if err := json.Unmarshal([]byte(fields["requirement"]), &rec.Requirement); err != nil {
		return nil, fmt.Errorf("failed to decode requirement: %w", err)
	}
	if v := fields["settled_at"]; v != "" {
		unix, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to decode settlement time: %w", err)
		}
		rec.SettledAt = time.Unix(unix, 0).UTC()
	}
	return rec, nil
}

func (s *RedisNonceStore) Reserve(ctx context.Context, nonce string) error {
	state, err := reserveScript.Run(ctx, s.client, []string{s.key(nonce)}).Text()
	if err != nil {
		return fmt.Errorf("failed to reserve nonce: %w", err)
	}
	switch NonceState(state) {
	case NonceIssued:
		return nil
	case NonceSettling:
		return ErrNonceBusy
	case NonceSpent:
		return ErrNonceSpent
	default:
		return ErrNonceUnknown
	}
}

func (s *RedisNonceStore) MarkSpent(ctx context.Context, nonce string, receipt Receipt) error {
	state, err := spendScript.Run(ctx, s.client, []string{s.key(nonce)},
		receipt.TxRef, receipt.Payer, receipt.SettledAt.Unix()).Text()
	if err != nil {
		return fmt.Errorf("failed to mark nonce spent: %w", err)
	}
	switch state {
	case string(NonceSpent):
		return nil
	case "unknown":
		return ErrNonceUnknown
	default:
		return errors.New("nonce is not being settled")
	}
}

func (s *RedisNonceStore) Release(ctx context.Context, nonce string) error {
	state, err := releaseScript.Run(ctx, s.client, []string{s.key(nonce)}).Text()
	if err != nil {
		return fmt.Errorf("failed to release nonce: %w", err)
	}
	if state == "unknown" {
		return ErrNonceUnknown
	}
	return nil
}
