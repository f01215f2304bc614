package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptodata/api-gateway/internal/apikey"
	"github.com/cryptodata/api-gateway/internal/database"
	"github.com/cryptodata/api-gateway/internal/gateway"
	"github.com/cryptodata/api-gateway/internal/logger"
	"github.com/cryptodata/api-gateway/internal/middleware"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/passes"
	"github.com/cryptodata/api-gateway/internal/services"
)

type fakeKeyStore struct {
	mu   sync.Mutex
	keys map[uuid.UUID]*models.APIKey
	err  error
}

func newFakeKeyStore() *fakeKeyStore {
	return &fakeKeyStore{keys: map[uuid.UUID]*models.APIKey{}}
}

func (s *fakeKeyStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	key.ID = uuid.New()
	key.CreatedAt = time.Now()
	cp := *key
	s.keys[key.ID] = &cp
	return nil
}

func (s *fakeKeyStore) ListAPIKeys(context.Context) ([]models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := []models.APIKey{}
	for _, k := range s.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (s *fakeKeyStore) GetAPIKey(_ context.Context, id uuid.UUID) (*models.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *k
	return &cp, nil
}

func (s *fakeKeyStore) SetAPIKeyActive(_ context.Context, id uuid.UUID, active bool) error {
	return s.update(id, func(k *models.APIKey) { k.IsActive = active })
}

func (s *fakeKeyStore) SetAPIKeyTier(_ context.Context, id uuid.UUID, tier string) error {
	return s.update(id, func(k *models.APIKey) { k.Tier = tier })
}

func (s *fakeKeyStore) update(id uuid.UUID, fn func(*models.APIKey)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	k, ok := s.keys[id]
	if !ok {
		return database.ErrNotFound
	}
	fn(k)
	return nil
}

var testTiers = map[string]models.Tier{
	"free": {Name: "free", Daily: 100, Monthly: 3000},
	"pro":  {Name: "pro", Daily: 10000, Monthly: 250000},
}

func adminRouter(store KeyStore) *mux.Router {
	r := mux.NewRouter()
	NewAdminHandler(store, testTiers, logger.Discard()).Register(r.PathPrefix("/admin").Subrouter())
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec
}

func TestAdmin_KeyLifecycle(t *testing.T) {
	store := newFakeKeyStore()
	router := adminRouter(store)

	rec := do(t, router, http.MethodPost, "/admin/keys", `{"name":"acme","tier":"pro"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created CreateAPIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.True(t, apikey.WellFormed(created.Key))
	assert.True(t, strings.HasPrefix(created.Key, "cda_pro_"))
	require.NotNil(t, created.APIKey)
	assert.Equal(t, "acme", created.APIKey.Name)
	assert.True(t, created.APIKey.IsActive)
	assert.NotContains(t, rec.Body.String(), apikey.Hash(created.Key), "the hash is never exposed")

	stored, err := store.GetAPIKey(context.Background(), created.APIKey.ID)
	require.NoError(t, err)
	assert.Equal(t, apikey.Hash(created.Key), stored.KeyHash)
	assert.Equal(t, apikey.Prefix(created.Key), stored.KeyPrefix)

	id := created.APIKey.ID.String()

	rec = do(t, router, http.MethodPost, "/admin/keys/"+id+"/revoke", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var key models.APIKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	assert.False(t, key.IsActive)

	rec = do(t, router, http.MethodPost, "/admin/keys/"+id+"/activate", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	assert.True(t, key.IsActive)

	rec = do(t, router, http.MethodPut, "/admin/keys/"+id+"/tier", `{"tier":"free"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &key))
	assert.Equal(t, "free", key.Tier)

	rec = do(t, router, http.MethodGet, "/admin/keys", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var keys []models.APIKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &keys))
	assert.Len(t, keys, 1)

	rec = do(t, router, http.MethodGet, "/admin/keys/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	// keys are never deleted
	rec = do(t, router, http.MethodDelete, "/admin/keys/"+id, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	rec = do(t, router, http.MethodGet, "/admin/keys/"+id, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdmin_WrongMethodDoesNotFallThrough(t *testing.T) {
	router := adminRouter(newFakeKeyStore())
	reached := false
	router.PathPrefix("/").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		reached = true
		w.WriteHeader(http.StatusOK)
	})

	rec := do(t, router, http.MethodDelete, "/admin/keys/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, rec.Body.String(), "method_not_allowed")
	assert.False(t, reached)

	rec = do(t, router, http.MethodGet, "/admin/keys/"+uuid.NewString(), "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, reached)
}

func TestAdmin_CreateDefaultsToFreeTier(t *testing.T) {
	rec := do(t, adminRouter(newFakeKeyStore()), http.MethodPost, "/admin/keys", `{"name":"hobby"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var created CreateAPIKeyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "free", created.APIKey.Tier)
}

func TestAdmin_BadRequests(t *testing.T) {
	store := newFakeKeyStore()
	router := adminRouter(store)
	key := &models.APIKey{Name: "x", Tier: "free", IsActive: true}
	require.NoError(t, store.CreateAPIKey(context.Background(), key))

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"bad json", http.MethodPost, "/admin/keys", `{`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/admin/keys", `{"tier":"free"}`, http.StatusBadRequest},
		{"unknown tier", http.MethodPost, "/admin/keys", `{"name":"x","tier":"gold"}`, http.StatusBadRequest},
		{"bad id", http.MethodPost, "/admin/keys/not-a-uuid/revoke", "", http.StatusBadRequest},
		{"missing key", http.MethodPost, "/admin/keys/" + uuid.NewString() + "/revoke", "", http.StatusNotFound},
		{"retier unknown tier", http.MethodPut, "/admin/keys/" + key.ID.String() + "/tier", `{"tier":"gold"}`, http.StatusBadRequest},
		{"retier missing key", http.MethodPut, "/admin/keys/" + uuid.NewString() + "/tier", `{"tier":"pro"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, router, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			var body errorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestAdmin_StoreFailure(t *testing.T) {
	store := newFakeKeyStore()
	store.err = errors.New("connection refused")

	rec := do(t, adminRouter(store), http.MethodPost, "/admin/keys", `{"name":"acme"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection refused")

	rec = do(t, adminRouter(store), http.MethodGet, "/admin/keys", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestMetricsHandler_GetMetrics(t *testing.T) {
	mc := services.NewMetricsCollector()
	mc.RecordRequest(10, http.StatusOK)
	mc.RecordGrant("payment")
	mc.RecordSettlement(true)

	h := NewMetricsHandler(mc, nil, true, logger.Discard())
	rec := do(t, http.HandlerFunc(h.GetMetrics), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap services.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.TotalRequests)
	assert.Equal(t, int64(1), snap.Grants["payment"])
	assert.Equal(t, int64(1), snap.Settlements)
}

func TestMetricsHandler_HealthCheck(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("dial tcp: refused") }

	h := NewMetricsHandler(services.NewMetricsCollector(), map[string]HealthCheck{"postgresql": healthy, "redis": healthy}, false, logger.Discard())
	rec := do(t, http.HandlerFunc(h.HealthCheck), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "disabled", health.Payments)
	assert.Equal(t, map[string]string{"postgresql": "healthy", "redis": "healthy"}, health.Services)

	h = NewMetricsHandler(services.NewMetricsCollector(), map[string]HealthCheck{"postgresql": healthy, "redis": down}, true, logger.Discard())
	rec = do(t, http.HandlerFunc(h.HealthCheck), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "enabled", health.Payments)
	assert.Equal(t, "unhealthy: dial tcp: refused", health.Services["redis"])
}

type memoryLogs struct {
	mu      sync.Mutex
	entries []*models.RequestLog
}

func (m *memoryLogs) LogRequest(_ context.Context, log *models.RequestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, log)
	return nil
}

func withDecision(r *http.Request, d *gateway.Decision) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), middleware.DecisionContextKey, d))
}

func TestProxyHandler_ForwardsAndAudits(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("X-API-Key"))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"news":[]}`))
	}))
	defer backend.Close()

	proxy, err := services.NewProxyService(backend.URL, 5*time.Second)
	require.NoError(t, err)
	logs := &memoryLogs{}
	h := NewProxyHandler(proxy, logs, logger.Discard(), false)

	key := &models.APIKey{ID: uuid.New()}
	r := httptest.NewRequest(http.MethodGet, "/api/news", nil)
	r.RemoteAddr = "198.51.100.7:5555"
	r.Header.Set("X-API-Key", "cda_free_secret")
	r.Header.Set("User-Agent", "sdk/1.0")
	r = withDecision(r, &gateway.Decision{Outcome: gateway.Allow, Mode: gateway.GrantAPIKey, Key: &services.KeyGrant{Key: key}})

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"news":[]}`, rec.Body.String())

	require.Len(t, logs.entries, 1)
	entry := logs.entries[0]
	assert.Equal(t, "api_key", entry.GrantMode)
	require.NotNil(t, entry.APIKeyID)
	assert.Equal(t, key.ID, *entry.APIKeyID)
	assert.Equal(t, http.StatusOK, entry.StatusCode)
	assert.Equal(t, "198.51.100.7", entry.IPAddress)
	assert.Equal(t, "sdk/1.0", entry.UserAgent)
}

func TestProxyHandler_BackendDown(t *testing.T) {
	backend := httptest.NewServer(http.NotFoundHandler())
	url := backend.URL
	backend.Close()

	proxy, err := services.NewProxyService(url, time.Second)
	require.NoError(t, err)
	logs := &memoryLogs{}
	h := NewProxyHandler(proxy, logs, logger.Discard(), false)

	r := withDecision(httptest.NewRequest(http.MethodGet, "/api/news", nil), &gateway.Decision{Outcome: gateway.Allow, Mode: gateway.GrantFree})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, logs.entries, 1)
	assert.Equal(t, "free", logs.entries[0].GrantMode)
	assert.Nil(t, logs.entries[0].APIKeyID)
	assert.Equal(t, http.StatusBadGateway, logs.entries[0].StatusCode)
}

func TestPassHandler(t *testing.T) {
	h := NewPassHandler(logger.Discard())
	expires := time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC)
	pass := &passes.Pass{Token: "eyJ.tok", Class: "day", ExpiresAt: expires, SettlementRef: "0xtx"}

	r := withDecision(httptest.NewRequest(http.MethodGet, "/api/passes/day", nil), &gateway.Decision{Outcome: gateway.Allow, Mode: gateway.GrantPayment, Pass: pass})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"token":"eyJ.tok","class":"day","expiresAt":"2026-10-17T09:00:00Z","settlement":"0xtx"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/passes/day", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
