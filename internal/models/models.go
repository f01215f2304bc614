package models

import (
	"time"

	"github.com/google/uuid"
)

// Unlimited is the quota sentinel for tiers that are never counted.
const Unlimited int64 = -1

// APIKey is a provisioned API key. Only the SHA-256 hash of the raw key is
// stored; KeyPrefix is kept for display and log correlation.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	Tier       string     `json:"tier"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Tier is a named quota class resolved from config.
type Tier struct {
	Name           string `json:"name"`
	Daily          int64  `json:"daily"`
	Monthly        int64  `json:"monthly"`
	RateLimitClass string `json:"rate_limit_class"`
}

// Unlimited reports whether calls on this tier bypass quota counting.
func (t Tier) Unlimited() bool {
	return t.Daily == Unlimited && t.Monthly == Unlimited
}

// RequestLog represents a logged HTTP request
type RequestLog struct {
	ID             uuid.UUID  `json:"id"`
	APIKeyID       *uuid.UUID `json:"api_key_id,omitempty"` // Nullable for unauthenticated requests
	GrantMode      string     `json:"grant_mode"`
	Method         string     `json:"method"`
	Path           string     `json:"path"`
	StatusCode     int        `json:"status_code"`
	ResponseTimeMs int        `json:"response_time_ms"`
	IPAddress      string     `json:"ip_address"`
	UserAgent      string     `json:"user_agent"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Settlement is the audit record of a settled payment.
type Settlement struct {
	ID        uuid.UUID `json:"id"`
	Nonce     string    `json:"nonce"`
	Payer     string    `json:"payer"`
	Amount    string    `json:"amount"`
	Network   string    `json:"network"`
	TxRef     string    `json:"tx_ref"`
	Route     string    `json:"route"`
	PassClass string    `json:"pass_class,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
