package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/cryptodata/api-gateway/internal/middleware"
)

// PassResponse is returned once per purchased pass.
type PassResponse struct {
	Token      string    `json:"token"`
	Class      string    `json:"class"`
	ExpiresAt  time.Time `json:"expiresAt"`
	Settlement string    `json:"settlement"`
}

// PassHandler hands out the pass the gateway minted for a settled payment.
// It is only reachable behind the auth middleware.
type PassHandler struct {
	logger *slog.Logger
}

func NewPassHandler(logger *slog.Logger) *PassHandler {
	return &PassHandler{logger: logger}
}

func (h *PassHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	pass := middleware.GetPassFromContext(r.Context())
	if pass == nil || pass.Token == "" {
		h.logger.Error("pass route reached without an issued pass", "path", r.URL.Path)
		writeError(w, http.StatusInternalServerError, "internal_error", "no pass was issued for this request")
		return
	}
	writeJSON(w, http.StatusOK, PassResponse{
		Token:      pass.Token,
		Class:      pass.Class,
		ExpiresAt:  pass.ExpiresAt.UTC(),
		Settlement: pass.SettlementRef,
	})
}
