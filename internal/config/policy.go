package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"
)

// RouteConfig prices one path prefix. An empty Price means the route is free.
type RouteConfig struct {
	Pattern     string `yaml:"pattern"`
	Class       string `yaml:"class"`
	Price       string `yaml:"price"`
	Pass        string `yaml:"pass"`
	Description string `yaml:"description"`
}

// RateLimitConfig is a fixed window: Limit requests per Window.
type RateLimitConfig struct {
	Limit  int           `yaml:"limit"`
	Window time.Duration `yaml:"window"`
}

// TierConfig is a named quota class. -1 means unlimited.
type TierConfig struct {
	Daily          int64  `yaml:"daily"`
	Monthly        int64  `yaml:"monthly"`
	RateLimitClass string `yaml:"rate_limit_class"`
}

// Policy is the gateway's pricing and limiting policy.
type Policy struct {
	Network   string        `yaml:"network"`
	Asset     string        `yaml:"asset"`
	PayTo     string        `yaml:"pay_to"`
	OfferTTL  time.Duration `yaml:"offer_ttl"`
	ClockSkew time.Duration `yaml:"clock_skew"`

	Routes            []RouteConfig              `yaml:"routes"`
	RateLimits        map[string]RateLimitConfig `yaml:"rate_limits"`
	FallbackRateLimit RateLimitConfig            `yaml:"fallback_rate_limit"`
	Tiers             map[string]TierConfig      `yaml:"tiers"`
	Passes            map[string]time.Duration   `yaml:"passes"`
}

// DefaultPolicy mirrors configs/gateway.yaml.
func DefaultPolicy() *Policy {
	return &Policy{
		Network:   "base",
		OfferTTL:  time.Hour,
		ClockSkew: 60 * time.Second,
		Routes: []RouteConfig{
			{Pattern: "/api/news", Class: "default"},
			{Pattern: "/api/v1/coins", Class: "premium", Price: "0.001", Description: "Coin market data"},
			{Pattern: "/api/v1/market", Class: "premium", Price: "0.001", Description: "Market overview"},
			{Pattern: "/api/premium", Class: "premium", Price: "0.01", Description: "Premium analytics"},
			{Pattern: "/api/passes/hour", Class: "pass", Price: "0.25", Pass: "hour", Description: "One hour access pass"},
			{Pattern: "/api/passes/day", Class: "pass", Price: "2", Pass: "day", Description: "One day access pass"},
			{Pattern: "/api/passes/week", Class: "pass", Price: "10", Pass: "week", Description: "One week access pass"},
		},
		RateLimits: map[string]RateLimitConfig{
			"default":    {Limit: 60, Window: time.Minute},
			"premium":    {Limit: 100, Window: time.Minute},
			"pass":       {Limit: 10, Window: time.Minute},
			"pro":        {Limit: 600, Window: time.Minute},
			"enterprise": {Limit: 3000, Window: time.Minute},
		},
		FallbackRateLimit: RateLimitConfig{Limit: 20, Window: time.Minute},
		Tiers: map[string]TierConfig{
			"free":       {Daily: 100, Monthly: 3000, RateLimitClass: "default"},
			"pro":        {Daily: 10000, Monthly: 250000, RateLimitClass: "pro"},
			"enterprise": {Daily: -1, Monthly: -1, RateLimitClass: "enterprise"},
		},
		Passes: map[string]time.Duration{
			"hour": time.Hour,
			"day":  24 * time.Hour,
			"week": 7 * 24 * time.Hour,
		},
	}
}

// LoadPolicy reads the YAML policy at path. A missing file yields the
// defaults. PAY_TO_ADDRESS overrides pay_to when set.
func LoadPolicy(path, payTo string) (*Policy, error) {
	policy := DefaultPolicy()

	data, err := os.ReadFile(path)
	if err == nil {
		policy = &Policy{}
		if err := yaml.Unmarshal(data, policy); err != nil {
			return nil, fmt.Errorf("failed to parse gateway config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read gateway config: %w", err)
	}

	if payTo != "" {
		policy.PayTo = payTo
	}
	if policy.OfferTTL == 0 {
		policy.OfferTTL = time.Hour
	}
	if policy.ClockSkew == 0 {
		policy.ClockSkew = 60 * time.Second
	}
	return policy, nil
}

// Validate checks internal references. paymentsEnabled additionally
// requires a recipient address for priced routes.
func (p *Policy) Validate(paymentsEnabled bool) error {
	if p.OfferTTL <= 0 {
		return fmt.Errorf("offer_ttl must be positive")
	}
	if p.ClockSkew < 0 {
		return fmt.Errorf("clock_skew must not be negative")
	}
	if p.OfferTTL <= p.ClockSkew {
		return fmt.Errorf("offer_ttl must exceed clock_skew")
	}
	for name, rl := range p.RateLimits {
		if rl.Limit <= 0 || rl.Window <= 0 {
			return fmt.Errorf("rate limit class %q needs a positive limit and window", name)
		}
	}
	if p.FallbackRateLimit.Limit <= 0 || p.FallbackRateLimit.Window <= 0 {
		return fmt.Errorf("fallback_rate_limit needs a positive limit and window")
	}
	for name, tier := range p.Tiers {
		if tier.Daily < -1 || tier.Monthly < -1 {
			return fmt.Errorf("tier %q: quotas must be -1 (unlimited) or non-negative", name)
		}
		if _, ok := p.RateLimits[tier.RateLimitClass]; !ok {
			return fmt.Errorf("tier %q references unknown rate limit class %q", name, tier.RateLimitClass)
		}
	}
	for name, d := range p.Passes {
		if d <= 0 {
			return fmt.Errorf("pass class %q needs a positive duration", name)
		}
	}

	priced := false
	seen := make(map[string]bool)
	for _, r := range p.Routes {
		if !strings.HasPrefix(r.Pattern, "/") {
			return fmt.Errorf("route pattern %q must start with /", r.Pattern)
		}
		if seen[r.Pattern] {
			return fmt.Errorf("duplicate route pattern %q", r.Pattern)
		}
		seen[r.Pattern] = true
		if _, ok := p.RateLimits[r.Class]; !ok {
			return fmt.Errorf("route %q references unknown rate limit class %q", r.Pattern, r.Class)
		}
		if r.Price != "" {
			price, err := decimal.NewFromString(r.Price)
			if err != nil || !price.IsPositive() {
				return fmt.Errorf("route %q has invalid price %q", r.Pattern, r.Price)
			}
			priced = true
		}
		if r.Pass != "" {
			if _, ok := p.Passes[r.Pass]; !ok {
				return fmt.Errorf("route %q references unknown pass class %q", r.Pattern, r.Pass)
			}
			if r.Price == "" {
				return fmt.Errorf("pass route %q must have a price", r.Pattern)
			}
		}
	}

	if paymentsEnabled && priced && !common.IsHexAddress(p.PayTo) {
		return fmt.Errorf("pay_to must be a hex address when payments are enabled, got %q", p.PayTo)
	}
	if p.Asset != "" && !common.IsHexAddress(p.Asset) {
		return fmt.Errorf("asset must be a hex address, got %q", p.Asset)
	}
	return nil
}
