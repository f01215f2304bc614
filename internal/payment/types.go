// Package payment implements the x402 "exact" scheme: building payment
// requirements, decoding client payments, and verifying EIP-3009
// transferWithAuthorization signatures without any network egress.
package payment

import (
	"encoding/json"
	"fmt"
	"strconv"
)

const (
	Version     = 2
	SchemeExact = "exact"
)

// Reasons a payment is refused.
const (
	ReasonMalformed         = "malformed_payment"
	ReasonUnsupportedScheme = "unsupported_scheme"
	ReasonNonceMismatch     = "nonce_mismatch"
	ReasonExpired           = "expired"
	ReasonValidityMismatch  = "validity_mismatch"
	ReasonAmountMismatch    = "amount_mismatch"
	ReasonRecipientMismatch = "recipient_mismatch"
	ReasonAssetMismatch     = "asset_mismatch"
	ReasonBadSignature      = "bad_signature"
)

// VerifyError explains why a payment was refused.
type VerifyError struct {
	Reason string
	Detail string
}

func (e *VerifyError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return e.Reason + ": " + e.Detail
}

func refuse(reason, format string, args ...any) *VerifyError {
	return &VerifyError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Requirement is one acceptable way to pay for a resource. Its nonce is
// single-use.
type Requirement struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	Asset             string            `json:"asset"`
	Amount            string            `json:"amount"`
	PayTo             string            `json:"payTo"`
	Resource          string            `json:"resource"`
	Description       string            `json:"description,omitempty"`
	MimeType          string            `json:"mimeType,omitempty"`
	Nonce             string            `json:"nonce"`
	ValidAfter        int64             `json:"validAfter"`
	ValidBefore       int64             `json:"validBefore"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds"`
	Extra             *RequirementExtra `json:"extra,omitempty"`
}

// RequirementExtra carries the EIP-712 domain of the asset, plus the pass
// class when paying for an access pass.
type RequirementExtra struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	PassClass string `json:"passClass,omitempty"`
}

// Offer is the body of a 402 response.
type Offer struct {
	X402Version int           `json:"x402Version"`
	Error       string        `json:"error,omitempty"`
	Accepts     []Requirement `json:"accepts"`
}

// Authorization is the EIP-3009 message the client signed.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount"`
	Nonce       string `json:"nonce"`
	ValidAfter  int64  `json:"validAfter"`
	ValidBefore int64  `json:"validBefore"`
}

// Payment is a decoded "exact" payment on a registered network. It is only
// produced by DecodePayment.
type Payment struct {
	Network       Network
	Signature     string
	Authorization Authorization
}

// SettlementResponse is the body of the X-PAYMENT-RESPONSE header.
type SettlementResponse struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// unixTime accepts a JSON number or a numeric string.
type unixTime int64

func (t *unixTime) UnmarshalJSON(b []byte) error {
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	v, err := strconv.ParseInt(n.String(), 10, 64)
	if err != nil {
		return err
	}
	*t = unixTime(v)
	return nil
}
