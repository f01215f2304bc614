package database

import (
	"context"
	"fmt"
	"time"

	"github.com/cryptodata/api-gateway/internal/quota"
)

// QuotaStore keeps day/month counters in usage_counters. Both rows are
// locked for the length of the transaction, day before month, so
// concurrent calls for one key serialize and cannot overshoot a limit.
type QuotaStore struct {
	db *DB
}

func NewQuotaStore(db *DB) *QuotaStore {
	return &QuotaStore{db: db}
}

func (s *QuotaStore) Consume(ctx context.Context, keyID string, limits quota.Limits, now time.Time) (quota.Usage, error) {
	day, month := quota.DayKey(now), quota.MonthKey(now)

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("couldn't begin quota transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO usage_counters (key_id, window_kind, period, count)
		VALUES ($1, 'day', $2, 0), ($1, 'month', $3, 0)
		ON CONFLICT (key_id, window_kind, period) DO NOTHING
	`, keyID, day, month)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("couldn't seed quota counters: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT window_kind, count FROM usage_counters
		WHERE key_id = $1 AND ((window_kind = 'day' AND period = $2) OR (window_kind = 'month' AND period = $3))
		ORDER BY window_kind
		FOR UPDATE
	`, keyID, day, month)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("couldn't lock quota counters: %w", err)
	}
	var dayCount, monthCount int64
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			rows.Close()
			return quota.Usage{}, fmt.Errorf("scan error: %w", err)
		}
		if kind == "day" {
			dayCount = count
		} else {
			monthCount = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return quota.Usage{}, fmt.Errorf("couldn't read quota counters: %w", err)
	}

	if over(limits.Daily, dayCount) || over(limits.Monthly, monthCount) {
		if err := tx.Commit(); err != nil {
			return quota.Usage{}, fmt.Errorf("couldn't commit quota transaction: %w", err)
		}
		return quota.Evaluate(false, dayCount, monthCount, limits, now), nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE usage_counters SET count = count + 1
		WHERE key_id = $1 AND ((window_kind = 'day' AND period = $2) OR (window_kind = 'month' AND period = $3))
	`, keyID, day, month)
	if err != nil {
		return quota.Usage{}, fmt.Errorf("couldn't increment quota counters: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return quota.Usage{}, fmt.Errorf("couldn't commit quota transaction: %w", err)
	}

	return quota.Evaluate(true, dayCount+1, monthCount+1, limits, now), nil
}

func over(limit, used int64) bool {
	return limit != quota.Unlimited && used >= limit
}
