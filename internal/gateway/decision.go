package gateway

import (
	"time"

	"github.com/cryptodata/api-gateway/internal/facilitator"
	"github.com/cryptodata/api-gateway/internal/passes"
	"github.com/cryptodata/api-gateway/internal/payment"
	"github.com/cryptodata/api-gateway/internal/services"
)

// Outcome is the terminal state of a gateway decision.
type Outcome int

const (
	Reject Outcome = iota
	Allow
	DemandPayment
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case DemandPayment:
		return "demand_payment"
	default:
		return "reject"
	}
}

// GrantMode is the single path that granted an allowed request.
type GrantMode string

const (
	GrantPass    GrantMode = "pass"
	GrantAPIKey  GrantMode = "api_key"
	GrantPayment GrantMode = "payment"
	GrantFree    GrantMode = "free"
)

// Rejection reasons.
const (
	ReasonRateLimited         = "rate_limited"
	ReasonInvalidKey          = "invalid_key"
	ReasonRevokedKey          = "revoked_key"
	ReasonQuotaExceeded       = "quota_exceeded"
	ReasonInvalidPayment      = "invalid_payment"
	ReasonSettlementFailed    = "settlement_failed"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonPaymentDisabled     = "payment_disabled"
	ReasonUnknownRoute        = "unknown_route"
	ReasonCancelled           = "cancelled"
	ReasonInternal            = "internal_error"
)

// Decision is the verdict for one request. Exactly one of the optional
// parts is relevant to the outcome; the rest stay nil.
type Decision struct {
	Outcome Outcome
	Mode    GrantMode
	// Reason is machine-readable; PaymentReason refines ReasonInvalidPayment.
	Reason        string
	PaymentReason string
	Message       string
	// RetryAt is when a rate-limited or over-quota caller may try again.
	RetryAt time.Time

	Route       *Route
	Identity    string
	RateLimit   *services.RateDecision
	Key         *services.KeyGrant
	Pass        *passes.Pass
	Requirement *payment.Requirement
	Settlement  *facilitator.Settlement
}

func (d *Decision) Allowed() bool { return d.Outcome == Allow }
