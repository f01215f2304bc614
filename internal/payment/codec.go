package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Header names of the x402 protocol.
const (
	HeaderPayment         = "X-PAYMENT"
	HeaderPaymentRequired = "X-PAYMENT-REQUIRED"
	HeaderPaymentResponse = "X-PAYMENT-RESPONSE"
)

// maxHeaderSize bounds the encoded X-PAYMENT value.
const maxHeaderSize = 8 << 10

var (
	nonceRe     = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	signatureRe = regexp.MustCompile(`^0x[0-9a-fA-F]{130}$`)
)

type wireAuthorization struct {
	From        string   `json:"from"`
	To          string   `json:"to"`
	Asset       string   `json:"asset,omitempty"`
	Value       string   `json:"value,omitempty"`
	Amount      string   `json:"amount,omitempty"`
	Nonce       string   `json:"nonce"`
	ValidAfter  unixTime `json:"validAfter"`
	ValidBefore unixTime `json:"validBefore"`
}

type wirePayload struct {
	Signature     string            `json:"signature"`
	Authorization wireAuthorization `json:"authorization"`
}

type wirePayment struct {
	X402Version int         `json:"x402Version"`
	Scheme      string      `json:"scheme"`
	Network     string      `json:"network"`
	Payload     wirePayload `json:"payload"`
}

// DecodePayment parses an X-PAYMENT header value. Only the "exact" scheme
// on a registered network is accepted; anything else is refused here and
// never reaches verification.
func DecodePayment(header string) (*Payment, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, refuse(ReasonMalformed, "empty payment header")
	}
	if len(header) > maxHeaderSize {
		return nil, refuse(ReasonMalformed, "payment header too large")
	}
	raw, err := decodeBase64(header)
	if err != nil {
		return nil, refuse(ReasonMalformed, "payment header is not base64")
	}

	var w wirePayment
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, refuse(ReasonMalformed, "payment header is not valid JSON")
	}
	if w.X402Version != 1 && w.X402Version != Version {
		return nil, refuse(ReasonUnsupportedScheme, "x402 version %d", w.X402Version)
	}
	if w.Scheme != SchemeExact {
		return nil, refuse(ReasonUnsupportedScheme, "scheme %q", w.Scheme)
	}
	network, ok := LookupNetwork(w.Network)
	if !ok {
		return nil, refuse(ReasonUnsupportedScheme, "network %q", w.Network)
	}

	a := w.Payload.Authorization
	amount := a.Amount
	if amount == "" {
		amount = a.Value
	}
	switch {
	case !common.IsHexAddress(a.From):
		return nil, refuse(ReasonMalformed, "authorization.from is not an address")
	case !common.IsHexAddress(a.To):
		return nil, refuse(ReasonMalformed, "authorization.to is not an address")
	case a.Asset != "" && !common.IsHexAddress(a.Asset):
		return nil, refuse(ReasonMalformed, "authorization.asset is not an address")
	case !validAmount(amount):
		return nil, refuse(ReasonMalformed, "authorization amount %q", amount)
	case !nonceRe.MatchString(a.Nonce):
		return nil, refuse(ReasonMalformed, "authorization nonce must be 32 bytes of hex")
	case !signatureRe.MatchString(w.Payload.Signature):
		return nil, refuse(ReasonMalformed, "signature must be 65 bytes of hex")
	}

	return &Payment{
		Network:   network,
		Signature: w.Payload.Signature,
		Authorization: Authorization{
			From:        a.From,
			To:          a.To,
			Asset:       a.Asset,
			Amount:      amount,
			Nonce:       strings.ToLower(a.Nonce),
			ValidAfter:  int64(a.ValidAfter),
			ValidBefore: int64(a.ValidBefore),
		},
	}, nil
}

// MarshalJSON renders the payment in its x402 wire form.
func (p *Payment) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{
		"x402Version": Version,
		"scheme":      SchemeExact,
		"network":     p.Network.ID,
		"payload": map[string]any{
			"signature":     p.Signature,
			"authorization": p.Authorization,
		},
	})
}

// EncodePayment is the inverse of DecodePayment.
func EncodePayment(p *Payment) (string, error) {
	return encode(p)
}

// EncodeOffer renders the X-PAYMENT-REQUIRED header value.
func EncodeOffer(o *Offer) (string, error) {
	return encode(o)
}

// DecodeOffer parses an X-PAYMENT-REQUIRED header value.
func DecodeOffer(header string) (*Offer, error) {
	raw, err := decodeBase64(header)
	if err != nil {
		return nil, fmt.Errorf("couldn't decode offer: %w", err)
	}
	var o Offer
	if err := json.Unmarshal(raw, &o); err != nil {
		return nil, fmt.Errorf("couldn't parse offer: %w", err)
	}
	return &o, nil
}

// EncodeSettlementResponse renders the X-PAYMENT-RESPONSE header value.
func EncodeSettlementResponse(r *SettlementResponse) (string, error) {
	return encode(r)
}

func encode(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "-_") {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.RawStdEncoding.DecodeString(s)
}

func validAmount(s string) bool {
	if s == "" || strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return false
	}
	n, ok := new(big.Int).SetString(s, 10)
	return ok && n.Sign() > 0 && n.BitLen() <= 256
}
