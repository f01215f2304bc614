package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cryptodata/api-gateway/internal/gateway"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/payment"
)

// writeRateLimitHeaders reports the caller's window on every response,
// allowed or not.
func writeRateLimitHeaders(w http.ResponseWriter, d *gateway.Decision) {
	if d.RateLimit == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.RateLimit.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.RateLimit.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.RateLimit.ResetAt.Unix(), 10))
}

// writeGrantHeaders describes how an allowed request was paid for.
func writeGrantHeaders(w http.ResponseWriter, d *gateway.Decision, logger *slog.Logger) {
	h := w.Header()
	if d.Key != nil {
		h.Set("X-Quota-Tier", d.Key.Tier.Name)
		h.Set("X-Quota-Remaining-Day", quotaValue(d.Key.RemainingToday))
		h.Set("X-Quota-Remaining-Month", quotaValue(d.Key.RemainingMonth))
	}
	if d.Pass != nil {
		h.Set("X-Access-Pass-Expires", d.Pass.ExpiresAt.UTC().Format(time.RFC3339))
	}
	if d.Settlement != nil {
		resp, err := payment.EncodeSettlementResponse(&payment.SettlementResponse{
			Success:     true,
			Transaction: d.Settlement.TxRef,
			Network:     d.Settlement.Network,
			Payer:       d.Settlement.Payer,
		})
		if err != nil {
			logger.Error("couldn't encode settlement response", "tx", d.Settlement.TxRef, "error", err)
			return
		}
		h.Set(payment.HeaderPaymentResponse, resp)
	}
}

func quotaValue(n int64) string {
	if n == models.Unlimited {
		return "unlimited"
	}
	return strconv.FormatInt(n, 10)
}

// setRetryAfter writes whole seconds until t, at least one.
func setRetryAfter(w http.ResponseWriter, t time.Time) {
	secs := int64(math.Ceil(time.Until(t).Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
}
