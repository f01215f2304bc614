// Package facilitator talks to the external x402 settlement service. It is
// the gateway's only outbound call on the payment path.
package facilitator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cryptodata/api-gateway/internal/payment"
)

var ErrUpstreamUnavailable = errors.New("upstream_unavailable")

// SettlementError is a failed settlement. Retryable failures may succeed on
// a later attempt with the same authorization; terminal ones never will.
type SettlementError struct {
	Retryable bool
	Reason    string
	Status    int
	Err       error
}

func (e *SettlementError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	msg := fmt.Sprintf("settlement failed (%s): %s", kind, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SettlementError) Unwrap() error { return e.Err }

// Is reports retryable failures as ErrUpstreamUnavailable.
func (e *SettlementError) Is(target error) bool {
	return target == ErrUpstreamUnavailable && e.Retryable
}

// Settlement is a confirmed on-chain transfer.
type Settlement struct {
	TxRef   string
	Network string
	Payer   string
}

type settleRequest struct {
	X402Version         int                  `json:"x402Version"`
	PaymentPayload      *payment.Payment     `json:"paymentPayload"`
	PaymentRequirements *payment.Requirement `json:"paymentRequirements"`
}

type settleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// Client settles verified payments. Each attempt is bounded by the HTTP
// client timeout; transient failures are retried with exponential backoff.
type Client struct {
	baseURL        string
	httpClient     *http.Client
	retries        uint64
	initialBackoff time.Duration
	logger         *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, retries int, logger *slog.Logger) *Client {
	if retries < 0 {
		retries = 0
	}
	return &Client{
		baseURL:        strings.TrimSuffix(baseURL, "/"),
		httpClient:     &http.Client{Timeout: timeout},
		retries:        uint64(retries),
		initialBackoff: 200 * time.Millisecond,
		logger:         logger,
	}
}

// WithInitialBackoff sets the delay before the first retry.
func (c *Client) WithInitialBackoff(d time.Duration) *Client {
	c.initialBackoff = d
	return c
}

// Settle submits p for settlement against req.
func (c *Client) Settle(ctx context.Context, p *payment.Payment, req *payment.Requirement) (*Settlement, error) {
	body, err := json.Marshal(settleRequest{
		X402Version:         payment.Version,
		PaymentPayload:      p,
		PaymentRequirements: req,
	})
	if err != nil {
		return nil, &SettlementError{Reason: "encode", Err: err}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialBackoff
	b.MaxElapsedTime = 0

	var result *Settlement
	attempt := 0
	op := func() error {
		attempt++
		s, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		result = s
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Warn("settlement attempt failed, retrying",
			"attempt", attempt, "nonce", req.Nonce, "wait", wait, "error", err)
	}

	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(b, c.retries), ctx), notify)
	if err == nil {
		return result, nil
	}

	var se *SettlementError
	if errors.As(err, &se) && !se.Retryable {
		return nil, se
	}
	return nil, &SettlementError{Retryable: true, Reason: ErrUpstreamUnavailable.Error(), Err: err}
}

// post makes one attempt. Terminal failures come back wrapped in
// backoff.Permanent so the retry loop stops.
func (c *Client) post(ctx context.Context, body []byte) (*Settlement, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/settle", bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&SettlementError{Reason: "request", Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &SettlementError{Retryable: true, Reason: "transport", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &SettlementError{Retryable: true, Reason: "transport", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, &SettlementError{Retryable: true, Reason: "facilitator_unavailable", Status: resp.StatusCode}
	}

	var out settleResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		if resp.StatusCode >= 400 {
			return nil, backoff.Permanent(&SettlementError{Reason: "rejected", Status: resp.StatusCode})
		}
		return nil, &SettlementError{Retryable: true, Reason: "bad_response", Status: resp.StatusCode, Err: err}
	}

	if resp.StatusCode >= 400 || !out.Success {
		reason := out.ErrorReason
		if reason == "" {
			reason = "rejected"
		}
		return nil, backoff.Permanent(&SettlementError{Reason: reason, Status: resp.StatusCode})
	}
	if out.Transaction == "" {
		return nil, backoff.Permanent(&SettlementError{Reason: "missing_transaction", Status: resp.StatusCode})
	}

	return &Settlement{TxRef: out.Transaction, Network: out.Network, Payer: out.Payer}, nil
}
