package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/cryptodata/api-gateway/internal/apikey"
	"github.com/cryptodata/api-gateway/internal/database"
	"github.com/cryptodata/api-gateway/internal/models"
)

// KeyStore is the persistence the admin surface needs.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]models.APIKey, error)
	GetAPIKey(ctx context.Context, id uuid.UUID) (*models.APIKey, error)
	SetAPIKeyActive(ctx context.Context, id uuid.UUID, active bool) error
	SetAPIKeyTier(ctx context.Context, id uuid.UUID, tier string) error
}

// AdminHandler provisions and manages API keys. Keys are never deleted,
// only revoked.
type AdminHandler struct {
	store  KeyStore
	tiers  map[string]models.Tier
	logger *slog.Logger
}

func NewAdminHandler(store KeyStore, tiers map[string]models.Tier, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{store: store, tiers: tiers, logger: logger}
}

// Register mounts the key routes on r.
func (h *AdminHandler) Register(r *mux.Router) {
	r.HandleFunc("/keys", h.CreateAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/keys", h.ListAPIKeys).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}", h.GetAPIKey).Methods(http.MethodGet)
	r.HandleFunc("/keys/{id}/revoke", h.RevokeAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/keys/{id}/activate", h.ActivateAPIKey).Methods(http.MethodPost)
	r.HandleFunc("/keys/{id}/tier", h.SetTier).Methods(http.MethodPut)

	// Without this a wrong method falls through to whatever the parent
	// router mounts after the admin prefix.
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})
}

type CreateAPIKeyRequest struct {
	Name string `json:"name"`
	Tier string `json:"tier"`
}

// CreateAPIKeyResponse carries the raw key. It is shown once and cannot be
// recovered afterwards.
type CreateAPIKeyResponse struct {
	Key    string         `json:"key"`
	APIKey *models.APIKey `json:"api_key"`
}

func (h *AdminHandler) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req CreateAPIKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "name is required")
		return
	}
	if req.Tier == "" {
		req.Tier = "free"
	}
	if _, ok := h.tiers[req.Tier]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown tier "+req.Tier)
		return
	}

	raw, err := apikey.Generate(req.Tier)
	if err != nil {
		h.logger.Error("failed to generate API key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create API key")
		return
	}

	key := &models.APIKey{
		KeyHash:   apikey.Hash(raw),
		KeyPrefix: apikey.Prefix(raw),
		Name:      req.Name,
		Tier:      req.Tier,
		IsActive:  true,
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.logger.Error("failed to create API key", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create API key")
		return
	}

	h.logger.Info("created API key", "key_id", key.ID, "prefix", key.KeyPrefix, "name", key.Name, "tier", key.Tier)
	writeJSON(w, http.StatusCreated, CreateAPIKeyResponse{Key: raw, APIKey: key})
}

func (h *AdminHandler) ListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListAPIKeys(r.Context())
	if err != nil {
		h.logger.Error("failed to list API keys", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list API keys")
		return
	}
	writeJSON(w, http.StatusOK, keys)
}

func (h *AdminHandler) GetAPIKey(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}
	h.respondWithKey(w, r, id)
}

func (h *AdminHandler) RevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *AdminHandler) ActivateAPIKey(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *AdminHandler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}
	if err := h.store.SetAPIKeyActive(r.Context(), id, active); err != nil {
		h.storeError(w, "failed to update API key", id, err)
		return
	}
	h.logger.Info("updated API key", "key_id", id, "active", active)
	h.respondWithKey(w, r, id)
}

type SetTierRequest struct {
	Tier string `json:"tier"`
}

func (h *AdminHandler) SetTier(w http.ResponseWriter, r *http.Request) {
	id, ok := keyID(w, r)
	if !ok {
		return
	}
	var req SetTierRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if _, ok := h.tiers[req.Tier]; !ok {
		writeError(w, http.StatusBadRequest, "invalid_request", "unknown tier "+req.Tier)
		return
	}
	if err := h.store.SetAPIKeyTier(r.Context(), id, req.Tier); err != nil {
		h.storeError(w, "failed to retier API key", id, err)
		return
	}
	h.logger.Info("retiered API key", "key_id", id, "tier", req.Tier)
	h.respondWithKey(w, r, id)
}

func (h *AdminHandler) respondWithKey(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	key, err := h.store.GetAPIKey(r.Context(), id)
	if err != nil {
		h.storeError(w, "failed to load API key", id, err)
		return
	}
	writeJSON(w, http.StatusOK, key)
}

func (h *AdminHandler) storeError(w http.ResponseWriter, msg string, id uuid.UUID, err error) {
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "API key not found")
		return
	}
	h.logger.Error(msg, "key_id", id, "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", msg)
}

func keyID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid key id")
		return uuid.Nil, false
	}
	return id, true
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
