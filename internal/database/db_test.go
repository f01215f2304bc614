package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/api-gateway/internal/logger"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/quota"
)

var fixedNow = time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)

func newMock(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		conn.Close()
	})
	return New(conn, logger.Discard()).WithClock(func() time.Time { return fixedNow }), mock
}

var keyColumns = []string{"id", "key_hash", "key_prefix", "name", "tier", "is_active", "created_at", "last_used_at"}

func TestGetAPIKeyByHash(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("FROM api_keys WHERE key_hash").
		WithArgs("abc").
		WillReturnRows(sqlmock.NewRows(keyColumns).AddRow(id.String(), "abc", "cda_pro_1234", "acme", "pro", false, fixedNow, fixedNow))

	key, err := db.GetAPIKeyByHash(context.Background(), "abc")
	require.NoError(t, err)
	require.NotNil(t, key)
	assert.Equal(t, id, key.ID)
	assert.Equal(t, "pro", key.Tier)
	assert.False(t, key.IsActive)
	require.NotNil(t, key.LastUsedAt)
	assert.True(t, fixedNow.Equal(*key.LastUsedAt))
}

func TestGetAPIKeyByHash_NotFound(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery("FROM api_keys WHERE key_hash").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(keyColumns))

	key, err := db.GetAPIKeyByHash(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, key)
}

func TestCreateAPIKey(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectQuery("INSERT INTO api_keys").
		WithArgs("hash", "cda_free_abcd", "acme", "free", true, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(id.String()))

	key := &models.APIKey{KeyHash: "hash", KeyPrefix: "cda_free_abcd", Name: "acme", Tier: "free", IsActive: true}
	require.NoError(t, db.CreateAPIKey(context.Background(), key))
	assert.Equal(t, id, key.ID)
	assert.Equal(t, fixedNow, key.CreatedAt)
}

func TestListAPIKeys(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery("FROM api_keys ORDER BY created_at DESC").
		WillReturnRows(sqlmock.NewRows(keyColumns).
			AddRow(uuid.New().String(), "h1", "p1", "one", "free", true, fixedNow, nil).
			AddRow(uuid.New().String(), "h2", "p2", "two", "pro", false, fixedNow, nil))

	keys, err := db.ListAPIKeys(context.Background())
	require.NoError(t, err)
	require.Len(t, keys, 2)
	assert.Equal(t, "one", keys[0].Name)
	assert.Nil(t, keys[0].LastUsedAt)
	assert.Equal(t, "pro", keys[1].Tier)
}

func TestSetAPIKeyActive(t *testing.T) {
	db, mock := newMock(t)
	id := uuid.New()

	mock.ExpectExec("UPDATE api_keys SET is_active").
		WithArgs(sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE api_keys SET is_active").
		WithArgs(sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, db.SetAPIKeyActive(context.Background(), id, false))
	assert.ErrorIs(t, db.SetAPIKeyActive(context.Background(), id, true), ErrNotFound)
}

func TestSetAPIKeyTier(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectExec("UPDATE api_keys SET tier").
		WithArgs(sqlmock.AnyArg(), "enterprise").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, db.SetAPIKeyTier(context.Background(), uuid.New(), "enterprise"))
}

func TestLogRequest(t *testing.T) {
	db, mock := newMock(t)
	keyID := uuid.New()
	logID := uuid.New()

	mock.ExpectQuery("INSERT INTO request_logs").
		WithArgs(sqlmock.AnyArg(), "api_key", "GET", "/api/news", int64(200), int64(12), "203.0.113.9", "curl", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(logID.String()))

	entry := &models.RequestLog{
		APIKeyID:       &keyID,
		GrantMode:      "api_key",
		Method:         "GET",
		Path:           "/api/news",
		StatusCode:     200,
		ResponseTimeMs: 12,
		IPAddress:      "203.0.113.9",
		UserAgent:      "curl",
	}
	require.NoError(t, db.LogRequest(context.Background(), entry))
	assert.Equal(t, logID, entry.ID)
}

func TestRecordSettlement(t *testing.T) {
	db, mock := newMock(t)
	s := &models.Settlement{Nonce: "0xabc", Payer: "0xpayer", Amount: "1000", Network: "eip155:8453", TxRef: "0xtx", Route: "/api/passes/day", PassClass: "day"}

	mock.ExpectQuery("INSERT INTO payment_settlements").
		WithArgs("0xabc", "0xpayer", "1000", "eip155:8453", "0xtx", "/api/passes/day", "day", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(uuid.New().String()))
	require.NoError(t, db.RecordSettlement(context.Background(), s))
	assert.NotEqual(t, uuid.Nil, s.ID)

	// A second insert for the same nonce hits ON CONFLICT and returns no row.
	mock.ExpectQuery("INSERT INTO payment_settlements").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	dup := *s
	dup.ID = uuid.Nil
	require.NoError(t, db.RecordSettlement(context.Background(), &dup))
	assert.Equal(t, uuid.Nil, dup.ID)
}

func TestRecordSettlement_Error(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectQuery("INSERT INTO payment_settlements").WillReturnError(errors.New("connection reset"))
	err := db.RecordSettlement(context.Background(), &models.Settlement{Nonce: "0x1"})
	assert.ErrorContains(t, err, "connection reset")
}

func expectCounters(mock sqlmock.Sqlmock, day, month int64) {
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO usage_counters").
		WithArgs("key-1", "20261016", "202610").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT window_kind, count FROM usage_counters").
		WithArgs("key-1", "20261016", "202610").
		WillReturnRows(sqlmock.NewRows([]string{"window_kind", "count"}).AddRow("day", day).AddRow("month", month))
}

func TestQuotaStore_Grants(t *testing.T) {
	db, mock := newMock(t)
	store := NewQuotaStore(db)

	expectCounters(mock, 4, 40)
	mock.ExpectExec("UPDATE usage_counters SET count").
		WithArgs("key-1", "20261016", "202610").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	u, err := store.Consume(context.Background(), "key-1", quota.Limits{Daily: 10, Monthly: 100}, fixedNow)
	require.NoError(t, err)
	assert.True(t, u.Granted)
	assert.Equal(t, int64(5), u.RemainingToday)
	assert.Equal(t, int64(59), u.RemainingMonth)
}

func TestQuotaStore_RefusesWithoutIncrementing(t *testing.T) {
	db, mock := newMock(t)
	store := NewQuotaStore(db)

	expectCounters(mock, 10, 40)
	mock.ExpectCommit()

	u, err := store.Consume(context.Background(), "key-1", quota.Limits{Daily: 10, Monthly: 100}, fixedNow)
	require.NoError(t, err)
	assert.False(t, u.Granted)
	assert.Equal(t, int64(0), u.RemainingToday)
	assert.Equal(t, quota.NextDay(fixedNow), u.ResetAt)
}

func TestQuotaStore_MonthExhausted(t *testing.T) {
	db, mock := newMock(t)
	store := NewQuotaStore(db)

	expectCounters(mock, 1, 100)
	mock.ExpectCommit()

	u, err := store.Consume(context.Background(), "key-1", quota.Limits{Daily: quota.Unlimited, Monthly: 100}, fixedNow)
	require.NoError(t, err)
	assert.False(t, u.Granted)
	assert.Equal(t, quota.Unlimited, u.RemainingToday)
	assert.Equal(t, quota.NextMonth(fixedNow), u.ResetAt)
}

func TestQuotaStore_RollsBackOnError(t *testing.T) {
	db, mock := newMock(t)
	store := NewQuotaStore(db)

	expectCounters(mock, 1, 1)
	mock.ExpectExec("UPDATE usage_counters SET count").WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	_, err := store.Consume(context.Background(), "key-1", quota.Limits{Daily: 10, Monthly: 100}, fixedNow)
	assert.ErrorContains(t, err, "deadlock detected")
}
