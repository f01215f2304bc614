package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/cryptodata/api-gateway/internal/gateway"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/passes"
	"github.com/cryptodata/api-gateway/internal/payment"
)

type contextKey string

const DecisionContextKey contextKey = "gateway_decision"

// Credential headers. They are consumed here and never forwarded upstream.
const (
	HeaderAPIKey     = "X-API-Key"
	HeaderAccessPass = "X-ACCESS-PASS"
)

// Decider is the gateway as seen from HTTP.
type Decider interface {
	Decide(ctx context.Context, req gateway.Request) *gateway.Decision
}

// AuthMiddleware runs every request through the gateway and only calls the
// next handler on Allow.
type AuthMiddleware struct {
	gateway           Decider
	logger            *slog.Logger
	trustProxyHeaders bool
}

func NewAuthMiddleware(gw Decider, logger *slog.Logger, trustProxyHeaders bool) *AuthMiddleware {
	return &AuthMiddleware{gateway: gw, logger: logger, trustProxyHeaders: trustProxyHeaders}
}

func (m *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := m.gateway.Decide(r.Context(), m.describe(r))
		noteDecision(r.Context(), d)

		writeRateLimitHeaders(w, d)

		switch d.Outcome {
		case gateway.Allow:
			writeGrantHeaders(w, d, m.logger)
			ctx := context.WithValue(r.Context(), DecisionContextKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		case gateway.DemandPayment:
			m.demandPayment(w, d)
		default:
			m.reject(w, d)
		}
	})
}

// describe extracts what the gateway needs from the HTTP request.
func (m *AuthMiddleware) describe(r *http.Request) gateway.Request {
	key := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if key == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			key = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
	}
	return gateway.Request{
		Path:     r.URL.Path,
		Method:   r.Method,
		APIKey:   key,
		Payment:  r.Header.Get(payment.HeaderPayment),
		Pass:     strings.TrimSpace(r.Header.Get(HeaderAccessPass)),
		ClientIP: ClientIP(r, m.trustProxyHeaders),
	}
}

func (m *AuthMiddleware) demandPayment(w http.ResponseWriter, d *gateway.Decision) {
	offer := &payment.Offer{
		X402Version: payment.Version,
		Error:       d.Reason,
		Accepts:     []payment.Requirement{*d.Requirement},
	}
	header, err := payment.EncodeOffer(offer)
	if err != nil {
		m.logger.Error("couldn't encode payment offer", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: gateway.ReasonInternal, Message: "internal error"})
		return
	}
	w.Header().Set(payment.HeaderPaymentRequired, header)
	writeJSON(w, http.StatusPaymentRequired, offer)
}

type errorBody struct {
	Error         string `json:"error"`
	Message       string `json:"message,omitempty"`
	PaymentReason string `json:"payment_reason,omitempty"`
	RetryAt       int64  `json:"retry_at,omitempty"`
	Transaction   string `json:"transaction,omitempty"`
}

func (m *AuthMiddleware) reject(w http.ResponseWriter, d *gateway.Decision) {
	body := errorBody{Error: d.Reason, Message: d.Message, PaymentReason: d.PaymentReason}
	if !d.RetryAt.IsZero() {
		body.RetryAt = d.RetryAt.Unix()
		setRetryAfter(w, d.RetryAt)
	}
	if d.Settlement != nil {
		body.Transaction = d.Settlement.TxRef
	}
	writeJSON(w, StatusFor(d), body)
}

// StatusFor maps a rejection to its HTTP status.
func StatusFor(d *gateway.Decision) int {
	switch d.Reason {
	case gateway.ReasonRateLimited, gateway.ReasonQuotaExceeded:
		return http.StatusTooManyRequests
	case gateway.ReasonInvalidKey, gateway.ReasonPaymentDisabled:
		return http.StatusUnauthorized
	case gateway.ReasonRevokedKey:
		return http.StatusForbidden
	case gateway.ReasonInvalidPayment, gateway.ReasonSettlementFailed:
		return http.StatusPaymentRequired
	case gateway.ReasonUnknownRoute:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// ClientIP returns the caller's address. X-Forwarded-For and X-Real-IP are
// only honoured behind a trusted proxy.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if trustProxyHeaders {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// GetDecisionFromContext returns the decision that admitted the request.
func GetDecisionFromContext(ctx context.Context) *gateway.Decision {
	if d, ok := ctx.Value(DecisionContextKey).(*gateway.Decision); ok {
		return d
	}
	return nil
}

// GetAPIKeyFromContext returns the API key that admitted the request, if any.
func GetAPIKeyFromContext(ctx context.Context) *models.APIKey {
	if d := GetDecisionFromContext(ctx); d != nil && d.Key != nil {
		return d.Key.Key
	}
	return nil
}

// GetPassFromContext returns the pass issued or presented for the request.
func GetPassFromContext(ctx context.Context) *passes.Pass {
	if d := GetDecisionFromContext(ctx); d != nil {
		return d.Pass
	}
	return nil
}
