package payment

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var ErrSubUnitPrice = errors.New("price is not a whole number of asset units")

// RouteOffer describes what is being sold.
type RouteOffer struct {
	Resource    string
	Description string
	MimeType    string
	Price       decimal.Decimal
	// PassClass is set when the purchase yields an access pass.
	PassClass string
}

// Builder mints fresh Requirements. Every call produces a new random nonce.
type Builder struct {
	network Network
	asset   string
	payTo   string
	ttl     time.Duration
	skew    time.Duration
	now     func() time.Time
	rand    io.Reader
}

// NewBuilder validates the settlement parameters once so Build cannot fail
// on configuration. An empty asset means the network's USDC.
func NewBuilder(network, asset, payTo string, ttl, skew time.Duration) (*Builder, error) {
	n, ok := LookupNetwork(network)
	if !ok {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if asset == "" {
		asset = n.USDC
	}
	if !common.IsHexAddress(asset) {
		return nil, fmt.Errorf("asset %q is not an address", asset)
	}
	if !common.IsHexAddress(payTo) {
		return nil, fmt.Errorf("pay_to %q is not an address", payTo)
	}
	if ttl <= skew {
		return nil, fmt.Errorf("offer TTL %s must exceed clock skew %s", ttl, skew)
	}
	return &Builder{
		network: n,
		asset:   common.HexToAddress(asset).Hex(),
		payTo:   common.HexToAddress(payTo).Hex(),
		ttl:     ttl,
		skew:    skew,
		now:     time.Now,
		rand:    rand.Reader,
	}, nil
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

func (b *Builder) Network() Network { return b.network }

// Build returns a Requirement valid from now-skew for exactly the offer TTL.
func (b *Builder) Build(offer RouteOffer) (*Requirement, error) {
	amount, err := ToAtomic(offer.Price, b.network.Decimals)
	if err != nil {
		return nil, err
	}
	nonce, err := b.nonce()
	if err != nil {
		return nil, fmt.Errorf("couldn't generate nonce: %w", err)
	}

	validAfter := b.now().Add(-b.skew).Unix()
	req := &Requirement{
		Scheme:            SchemeExact,
		Network:           b.network.ID,
		Asset:             b.asset,
		Amount:            amount,
		PayTo:             b.payTo,
		Resource:          offer.Resource,
		Description:       offer.Description,
		MimeType:          offer.MimeType,
		Nonce:             nonce,
		ValidAfter:        validAfter,
		ValidBefore:       validAfter + int64(b.ttl/time.Second),
		MaxTimeoutSeconds: int(b.ttl / time.Second),
		Extra: &RequirementExtra{
			Name:      b.network.TokenName,
			Version:   b.network.TokenVersion,
			PassClass: offer.PassClass,
		},
	}
	return req, nil
}

func (b *Builder) nonce() (string, error) {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(b.rand, buf); err != nil {
		return "", err
	}
	return "0x" + hex.EncodeToString(buf), nil
}

// ToAtomic converts a decimal price to the asset's smallest unit.
func ToAtomic(price decimal.Decimal, decimals int32) (string, error) {
	if !price.IsPositive() {
		return "", fmt.Errorf("price %s must be positive", price)
	}
	atomic := price.Shift(decimals)
	if !atomic.Equal(atomic.Truncate(0)) {
		return "", fmt.Errorf("%w: %s", ErrSubUnitPrice, price)
	}
	return atomic.Truncate(0).String(), nil
}
