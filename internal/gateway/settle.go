package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cryptodata/api-gateway/internal/facilitator"
	"github.com/cryptodata/api-gateway/internal/models"
	"github.com/cryptodata/api-gateway/internal/passes"
	"github.com/cryptodata/api-gateway/internal/payment"
)

type settleResult struct {
	settlement *facilitator.Settlement
	pass       *passes.Pass
	err        error
	passErr    error
}

// settle runs the settlement detached from the caller. If the caller goes
// away the settlement still completes and its outcome is recorded, so a
// retry with the same nonce sees it as spent instead of paying twice.
func (g *Gateway) settle(ctx context.Context, base Decision, p *payment.Payment, req *payment.Requirement) *Decision {
	done := make(chan settleResult, 1)
	go func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.settleTimeout)
		defer cancel()

		s, err := g.settler.Settle(sctx, p, req)
		done <- g.applySettlement(sctx, base, p, req, s, err)
	}()

	var res settleResult
	select {
	case res = <-done:
	case <-ctx.Done():
		g.logger.Info("caller left during settlement, finishing in background",
			"identity", base.Identity, "nonce", req.Nonce)
		return base.reject(ReasonCancelled, "request cancelled")
	}

	var se *facilitator.SettlementError
	switch {
	case res.err == nil:
	case errors.As(res.err, &se) && se.Retryable:
		return base.reject(ReasonUpstreamUnavailable, "settlement service unavailable, retry later")
	case errors.As(res.err, &se):
		d := base.reject(ReasonSettlementFailed, se.Reason)
		d.PaymentReason = se.Reason
		return d
	default:
		return g.internal(base.Route, base.Identity, "settlement failed", res.err)
	}

	if res.passErr != nil {
		d := g.internal(base.Route, base.Identity, "couldn't issue access pass", res.passErr)
		d.Settlement = res.settlement
		return d
	}
	d := base.allow(GrantPayment)
	d.Settlement = res.settlement
	d.Pass = res.pass
	return d
}

// applySettlement records the verdict in the nonce ledger and audit trail
// and mints the pass a purchase pays for. It runs on the detached context.
func (g *Gateway) applySettlement(ctx context.Context, base Decision, p *payment.Payment, req *payment.Requirement, s *facilitator.Settlement, err error) settleResult {
	if err != nil {
		g.metrics.RecordSettlement(false)
		g.logger.Warn("settlement failed", "identity", base.Identity, "nonce", req.Nonce, "error", err)
		if rerr := g.nonces.Release(ctx, req.Nonce); rerr != nil {
			g.logger.Error("couldn't release nonce", "nonce", req.Nonce, "error", rerr)
		}
		return settleResult{err: err}
	}

	if s.Payer == "" {
		s.Payer = p.Authorization.From
	}
	if s.Network == "" {
		s.Network = req.Network
	}
	settledAt := g.now().UTC().Truncate(time.Second)
	g.metrics.RecordSettlement(true)
	g.logger.Info("payment settled",
		"identity", base.Identity,
		"route", base.Route.Pattern,
		"amount", req.Amount,
		"payer", s.Payer,
		"tx", s.TxRef)

	receipt := payment.Receipt{TxRef: s.TxRef, Payer: s.Payer, SettledAt: settledAt}
	if err := g.nonces.MarkSpent(ctx, req.Nonce, receipt); err != nil {
		g.logger.Error("couldn't mark nonce spent", "nonce", req.Nonce, "tx", s.TxRef, "error", err)
	}

	res := settleResult{settlement: s}
	if base.Route.SellsPass() {
		res.pass, res.passErr = g.passes.IssueAt(base.Route.PassClass, s.TxRef, settledAt)
		if res.passErr != nil {
			g.logger.Error("couldn't issue access pass", "class", base.Route.PassClass, "tx", s.TxRef, "error", res.passErr)
		} else {
			g.logger.Info("access pass issued", "class", res.pass.Class, "pass", res.pass.ID, "expires", res.pass.ExpiresAt, "tx", s.TxRef)
		}
	}

	if g.audit == nil {
		return res
	}
	rec := &models.Settlement{
		ID:        uuid.New(),
		Nonce:     req.Nonce,
		Payer:     s.Payer,
		Amount:    req.Amount,
		Network:   s.Network,
		TxRef:     s.TxRef,
		Route:     base.Route.Pattern,
		PassClass: base.Route.PassClass,
		CreatedAt: settledAt,
	}
	if err := g.audit.RecordSettlement(ctx, rec); err != nil {
		g.logger.Error("couldn't record settlement", "tx", s.TxRef, "error", err)
	}
	return res
}

// reissuePass answers a replayed pass purchase whose settlement already
// went through, for a buyer who never received the pass. The pass is
// minted again from the recorded settlement so its expiry is unchanged.
func (g *Gateway) reissuePass(base Decision, p *payment.Payment, rec *payment.NonceRecord) (*passes.Pass, error) {
	if rec.SettledAt.IsZero() {
		return nil, errors.New("settlement time not recorded")
	}
	if err := g.verifier.VerifySettled(rec, p); err != nil {
		return nil, err
	}
	pass, err := g.passes.IssueAt(base.Route.PassClass, rec.TxRef, rec.SettledAt)
	if err != nil {
		return nil, err
	}
	// refuses passes that have since run out
	if _, err := g.passes.Check(pass.Token); err != nil {
		return nil, err
	}
	return pass, nil
}
