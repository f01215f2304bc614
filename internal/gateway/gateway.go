// Package gateway decides, once per request, whether a call may proceed:
// by access pass, by API key, for free, or by a settled micropayment.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cryptodata/api-gateway/internal/apikey"
	"github.com/cryptodata/api-gateway/internal/facilitator"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/passes"
	"github.com/cryptodata/api-gateway/internal/payment"
	"github.com/cryptodata/api-gateway/internal/services"
)

// Settler settles a verified payment.
type Settler interface {
	Settle(ctx context.Context, p *payment.Payment, req *payment.Requirement) (*facilitator.Settlement, error)
}

// SettlementRecorder keeps the audit trail of settled payments.
type SettlementRecorder interface {
	RecordSettlement(ctx context.Context, s *models.Settlement) error
}

// Request is what the gateway needs to know about an inbound call.
type Request struct {
	Path     string
	Method   string
	APIKey   string
	Payment  string
	Pass     string
	ClientIP string
}

// Config wires the gateway's collaborators. Builder, Nonces and Settler
// are either all set or all nil; nil disables payment access.
type Config struct {
	Routes   *RouteTable
	Limiter  *services.RateLimiter
	Keys     *services.KeyAuthorizer
	Passes   *passes.Ledger
	Builder  *payment.Builder
	Verifier *payment.Verifier
	Nonces   payment.NonceStore
	Settler  Settler
	Audit    SettlementRecorder
	Metrics  *services.MetricsCollector
	Logger   *slog.Logger
	// SettleTimeout bounds a settlement once started, even if the caller
	// goes away.
	SettleTimeout time.Duration
	// KeyCacheTTL and KeyCacheSize bound how long and how many resolved
	// key identities are remembered for rate limiting.
	KeyCacheTTL  time.Duration
	KeyCacheSize int
}

// Gateway is the orchestrator. It is safe for concurrent use; all shared
// state lives in the stores it is given.
type Gateway struct {
	routes        *RouteTable
	limiter       *services.RateLimiter
	keys          *services.KeyAuthorizer
	passes        *passes.Ledger
	builder       *payment.Builder
	verifier      *payment.Verifier
	nonces        payment.NonceStore
	settler       Settler
	audit         SettlementRecorder
	metrics       *services.MetricsCollector
	logger        *slog.Logger
	settleTimeout time.Duration
	identities    *identityCache
	now           func() time.Time
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Routes == nil || cfg.Limiter == nil || cfg.Keys == nil || cfg.Passes == nil {
		return nil, errors.New("gateway needs routes, a rate limiter, a key authorizer and a pass ledger")
	}
	payments := cfg.Builder != nil || cfg.Nonces != nil || cfg.Settler != nil
	if payments && (cfg.Builder == nil || cfg.Nonces == nil || cfg.Settler == nil) {
		return nil, errors.New("payments need a challenge builder, a nonce store and a settler")
	}
	if cfg.Verifier == nil {
		cfg.Verifier = payment.NewVerifier()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = services.NewMetricsCollector()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if cfg.KeyCacheTTL <= 0 {
		cfg.KeyCacheTTL = 30 * time.Second
	}
	if cfg.KeyCacheSize <= 0 {
		cfg.KeyCacheSize = 10000
	}
	return &Gateway{
		routes:        cfg.Routes,
		limiter:       cfg.Limiter,
		keys:          cfg.Keys,
		passes:        cfg.Passes,
		builder:       cfg.Builder,
		verifier:      cfg.Verifier,
		nonces:        cfg.Nonces,
		settler:       cfg.Settler,
		audit:         cfg.Audit,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger,
		settleTimeout: cfg.SettleTimeout,
		identities:    newIdentityCache(cfg.KeyCacheSize, cfg.KeyCacheTTL),
		now:           time.Now,
	}, nil
}

// WithClock overrides the time source for settlement receipts and the key
// identity cache.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	g.identities.now = now
	return g
}

// PaymentsEnabled reports whether priced routes can be bought.
func (g *Gateway) PaymentsEnabled() bool { return g.settler != nil }

// Decide evaluates req. Branches run in a fixed priority order and exactly
// one of them grants access: rate limit, then pass, then API key, then
// free route, then payment, then a payment demand. Pass routes skip
// straight to payment. Unexpected errors reject.
func (g *Gateway) Decide(ctx context.Context, req Request) *Decision {
	d := g.decide(ctx, req)
	g.record(req, d)
	return d
}

func (g *Gateway) decide(ctx context.Context, req Request) *Decision {
	route, ok := g.routes.Match(req.Path)
	if !ok {
		return &Decision{Outcome: Reject, Reason: ReasonUnknownRoute, Message: "no such route"}
	}

	identity := "ip:" + req.ClientIP
	class := route.Class
	var (
		key      *models.APIKey
		keyErr   error
		hash     string
		cached   cachedIdentity
		resolved bool
	)
	useKey := req.APIKey != "" && !route.SellsPass()
	if useKey {
		// A key seen recently is rate limited on its cached identity and
		// only looked up again once admitted.
		hash = apikey.Hash(req.APIKey)
		var hit bool
		if cached, hit = g.identities.get(hash); !hit {
			key, cached, keyErr = g.resolveKey(ctx, hash, req.APIKey)
			resolved = true
		}
		if cached.identity != "" {
			identity = cached.identity
		}
		if cached.class != "" {
			class = cached.class
		}
	}

	rl, err := g.limiter.Check(ctx, identity, class)
	if err != nil {
		return g.internal(route, identity, "rate limit check failed", err)
	}
	base := Decision{Route: route, Identity: identity, RateLimit: &rl}
	if !rl.Allowed {
		return base.reject(ReasonRateLimited, "rate limit exceeded").retryAt(rl.ResetAt)
	}

	if route.SellsPass() {
		return g.payOrDemand(ctx, req, base)
	}

	if req.Pass != "" {
		pass, err := g.passes.Check(req.Pass)
		if err == nil {
			d := base.allow(GrantPass)
			d.Pass = pass
			return d
		}
		g.logger.Debug("ignoring invalid access pass", "identity", identity, "error", err)
	}

	if useKey {
		switch {
		case resolved:
		case cached.unknown:
			keyErr = services.ErrInvalidKey
		default:
			key, _, keyErr = g.resolveKey(ctx, hash, req.APIKey)
		}
		return g.authorizeKey(ctx, base, key, keyErr)
	}

	if !route.Priced {
		return base.allow(GrantFree)
	}
	return g.payOrDemand(ctx, req, base)
}

// resolveKey looks raw up in the key store and refreshes its cached
// identity. Store failures are not cached.
func (g *Gateway) resolveKey(ctx context.Context, hash, raw string) (*models.APIKey, cachedIdentity, error) {
	key, err := g.keys.Resolve(ctx, raw)
	var e cachedIdentity
	switch {
	case err == nil:
		e.identity = "key:" + key.ID.String()
		if tier, terr := g.keys.Tier(key); terr == nil {
			e.class = tier.RateLimitClass
		}
		g.identities.put(hash, e)
	case errors.Is(err, services.ErrInvalidKey):
		e.unknown = true
		g.identities.put(hash, e)
	default:
		g.identities.forget(hash)
	}
	return key, e, err
}

func (g *Gateway) authorizeKey(ctx context.Context, base Decision, key *models.APIKey, resolveErr error) *Decision {
	switch {
	case errors.Is(resolveErr, services.ErrInvalidKey):
		return base.reject(ReasonInvalidKey, "API key is not valid")
	case errors.Is(resolveErr, services.ErrRevokedKey):
		return base.reject(ReasonRevokedKey, "API key has been revoked")
	case resolveErr != nil:
		return g.internal(base.Route, base.Identity, "key lookup failed", resolveErr)
	}

	grant, err := g.keys.Consume(ctx, key)
	var qe *services.QuotaExceededError
	switch {
	case errors.As(err, &qe):
		return base.reject(ReasonQuotaExceeded, "API key quota exhausted").retryAt(qe.ResetAt)
	case err != nil:
		return g.internal(base.Route, base.Identity, "quota check failed", err)
	}

	d := base.allow(GrantAPIKey)
	d.Key = grant
	return d
}

// payOrDemand handles the payment path: verify and settle a submitted
// payment, or demand one.
func (g *Gateway) payOrDemand(ctx context.Context, req Request, base Decision) *Decision {
	if !g.PaymentsEnabled() {
		return base.reject(ReasonPaymentDisabled, "payment access is not available; use an API key")
	}
	if req.Payment == "" {
		return g.demand(ctx, req, base)
	}

	p, err := payment.DecodePayment(req.Payment)
	if err != nil {
		return base.invalidPayment(err)
	}

	rec, err := g.nonces.Get(ctx, p.Authorization.Nonce)
	switch {
	case errors.Is(err, payment.ErrNonceUnknown):
		return base.invalidPayment(&payment.VerifyError{Reason: payment.ReasonNonceMismatch, Detail: "unknown or expired challenge"})
	case err != nil:
		return g.internal(base.Route, base.Identity, "nonce lookup failed", err)
	}
	if rec.State == payment.NonceSpent {
		settled := &facilitator.Settlement{TxRef: rec.TxRef, Network: rec.Requirement.Network, Payer: rec.Payer}
		if base.Route.SellsPass() && rec.Requirement.Resource == req.Path {
			pass, err := g.reissuePass(base, p, rec)
			if err == nil {
				g.logger.Info("access pass reissued for settled purchase",
					"identity", base.Identity, "class", pass.Class, "tx", rec.TxRef)
				d := base.allow(GrantPayment)
				d.Settlement = settled
				d.Pass = pass
				return d
			}
			g.logger.Debug("not reissuing access pass", "identity", base.Identity, "tx", rec.TxRef, "error", err)
		}
		d := base.invalidPayment(&payment.VerifyError{Reason: payment.ReasonNonceMismatch, Detail: payment.ErrNonceSpent.Error()})
		d.Settlement = settled
		return d
	}
	if rec.Requirement.Resource != req.Path {
		return base.invalidPayment(&payment.VerifyError{
			Reason: payment.ReasonNonceMismatch,
			Detail: fmt.Sprintf("challenge was issued for %s", rec.Requirement.Resource),
		})
	}

	if err := g.verifier.Verify(&rec.Requirement, p); err != nil {
		return base.invalidPayment(err)
	}

	switch err := g.nonces.Reserve(ctx, p.Authorization.Nonce); {
	case errors.Is(err, payment.ErrNonceSpent), errors.Is(err, payment.ErrNonceBusy), errors.Is(err, payment.ErrNonceUnknown):
		return base.invalidPayment(&payment.VerifyError{Reason: payment.ReasonNonceMismatch, Detail: err.Error()})
	case err != nil:
		return g.internal(base.Route, base.Identity, "nonce reservation failed", err)
	}

	return g.settle(ctx, base, p, &rec.Requirement)
}

// demand issues a fresh requirement for the route.
func (g *Gateway) demand(ctx context.Context, req Request, base Decision) *Decision {
	r, err := g.builder.Build(payment.RouteOffer{
		Resource:    req.Path,
		Description: base.Route.Description,
		MimeType:    "application/json",
		Price:       base.Route.Price,
		PassClass:   base.Route.PassClass,
	})
	if err != nil {
		return g.internal(base.Route, base.Identity, "couldn't build payment requirement", err)
	}
	if err := g.nonces.Issue(ctx, r); err != nil {
		return g.internal(base.Route, base.Identity, "couldn't record payment requirement", err)
	}

	d := base
	d.Outcome = DemandPayment
	d.Reason = "payment_required"
	d.Message = "payment required"
	d.Requirement = r
	return &d
}

func (g *Gateway) internal(route *Route, identity, msg string, err error) *Decision {
	g.logger.Error(msg, "identity", identity, "error", err)
	return &Decision{Outcome: Reject, Reason: ReasonInternal, Message: msg, Route: route, Identity: identity}
}

func (g *Gateway) record(req Request, d *Decision) {
	switch d.Outcome {
	case Allow:
		g.metrics.RecordGrant(string(d.Mode))
	case DemandPayment:
		g.metrics.RecordPaymentDemanded()
	default:
		reason := d.Reason
		if d.PaymentReason != "" {
			reason += ":" + d.PaymentReason
		}
		g.metrics.RecordRejection(reason)
		g.logger.Warn("request rejected",
			"reason", d.Reason,
			"payment_reason", d.PaymentReason,
			"identity", d.Identity,
			"method", req.Method,
			"path", req.Path,
			"message", d.Message)
	}
}

func (d Decision) allow(mode GrantMode) *Decision {
	d.Outcome = Allow
	d.Mode = mode
	return &d
}

func (d Decision) reject(reason, msg string) *Decision {
	d.Outcome = Reject
	d.Reason = reason
	d.Message = msg
	return &d
}

func (d *Decision) retryAt(t time.Time) *Decision {
	d.RetryAt = t
	return d
}

func (d Decision) invalidPayment(err error) *Decision {
	r := d.reject(ReasonInvalidPayment, err.Error())
	var ve *payment.VerifyError
	if errors.As(err, &ve) {
		r.PaymentReason = ve.Reason
		r.Message = ve.Error()
	}
	return r
}
