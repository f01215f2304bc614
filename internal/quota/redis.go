package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// consumeScript checks both windows and increments both, or neither.
// Returns {granted, day, month}.
var consumeScript = redis.NewScript(`
local day = tonumber(redis.call('GET', KEYS[1]) or '0')
local month = tonumber(redis.call('GET', KEYS[2]) or '0')
local dayLimit = tonumber(ARGV[1])
local monthLimit = tonumber(ARGV[2])
if (dayLimit >= 0 and day >= dayLimit) or (monthLimit >= 0 and month >= monthLimit) then
  return {0, day, month}
end
day = redis.call('INCR', KEYS[1])
month = redis.call('INCR', KEYS[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('EXPIRE', KEYS[2], ARGV[4])
return {1, day, month}
`)

// RedisStore keeps counters in Redis so every gateway instance shares them.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, prefix: "quota"}
}

func (s *RedisStore) Consume(ctx context.Context, keyID string, limits Limits, now time.Time) (Usage, error) {
	dayKey := fmt.Sprintf("%s:%s:day:%s", s.prefix, keyID, DayKey(now))
	monthKey := fmt.Sprintf("%s:%s:month:%s", s.prefix, keyID, MonthKey(now))

	// Keep each counter a day past its period so late readers still see it.
	dayTTL := int64(NextDay(now).Sub(now)/time.Second) + 86400
	monthTTL := int64(NextMonth(now).Sub(now)/time.Second) + 86400

	res, err := consumeScript.Run(ctx, s.client,
		[]string{dayKey, monthKey},
		limits.Daily, limits.Monthly, dayTTL, monthTTL,
	).Int64Slice()
	if err != nil {
		return Usage{}, fmt.Errorf("failed to consume quota: %w", err)
	}
	if len(res) != 3 {
		return Usage{}, fmt.Errorf("unexpected quota script reply: %v", res)
	}
	return Evaluate(res[0] == 1, res[1], res[2], limits, now), nil
}
