package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cryptodata/api-gateway/internal/middleware"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/services"
)

// RequestLogStore persists the per-request audit trail.
type RequestLogStore interface {
	LogRequest(ctx context.Context, log *models.RequestLog) error
}

// ProxyHandler forwards admitted requests to the backend and records each
// one in request_logs.
type ProxyHandler struct {
	proxyService      *services.ProxyService
	logs              RequestLogStore
	logger            *slog.Logger
	trustProxyHeaders bool
}

func NewProxyHandler(proxyService *services.ProxyService, logs RequestLogStore, logger *slog.Logger, trustProxyHeaders bool) *ProxyHandler {
	return &ProxyHandler{
		proxyService:      proxyService,
		logs:              logs,
		logger:            logger,
		trustProxyHeaders: trustProxyHeaders,
	}
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	resp, err := h.proxyService.ForwardRequest(r)
	if err != nil {
		h.logger.Error("backend request failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "bad_gateway", "backend unavailable")
		h.audit(r, http.StatusBadGateway, time.Since(start))
		return
	}
	defer resp.Body.Close()

	if err := h.proxyService.CopyResponse(w, resp); err != nil {
		h.logger.Warn("couldn't copy backend response", "path", r.URL.Path, "error", err)
	}

	h.audit(r, resp.StatusCode, time.Since(start))
}

func (h *ProxyHandler) audit(r *http.Request, status int, duration time.Duration) {
	entry := &models.RequestLog{
		Method:         r.Method,
		Path:           r.URL.Path,
		StatusCode:     status,
		ResponseTimeMs: int(duration.Milliseconds()),
		IPAddress:      middleware.ClientIP(r, h.trustProxyHeaders),
		UserAgent:      r.UserAgent(),
	}
	if d := middleware.GetDecisionFromContext(r.Context()); d != nil {
		entry.GrantMode = string(d.Mode)
	}
	if key := middleware.GetAPIKeyFromContext(r.Context()); key != nil {
		entry.APIKeyID = &key.ID
	}

	// The response is already written; a slow audit insert must not be
	// cut short by the client going away.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
	defer cancel()
	if err := h.logs.LogRequest(ctx, entry); err != nil {
		h.logger.Error("failed to log request to database", "path", entry.Path, "error", err)
	}
}
