// Package passes issues and checks time-boxed access passes. A pass is a
// signed bearer token; checking one needs no storage and never touches quota.
package passes

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const issuer = "cryptodata-gateway"

var (
	ErrInvalidPass  = errors.New("invalid_pass")
	ErrUnknownClass = errors.New("unknown pass class")
)

// Pass is an issued access pass.
type Pass struct {
	ID            string    `json:"id"`
	Token         string    `json:"token"`
	Class         string    `json:"class"`
	ExpiresAt     time.Time `json:"expiresAt"`
	SettlementRef string    `json:"settlement"`
}

type claims struct {
	Class string `json:"class"`
	jwt.RegisteredClaims
}

// Ledger mints passes for configured classes.
type Ledger struct {
	secret  []byte
	classes map[string]time.Duration
	now     func() time.Time
}

func NewLedger(secret []byte, classes map[string]time.Duration) (*Ledger, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("pass signing secret must be at least 32 bytes")
	}
	return &Ledger{secret: secret, classes: classes, now: time.Now}, nil
}

// WithClock overrides the time source.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Duration returns the lifetime of a pass class.
func (l *Ledger) Duration(class string) (time.Duration, bool) {
	d, ok := l.classes[class]
	return d, ok
}

// Issue mints a pass of class backed by the given settlement.
func (l *Ledger) Issue(class, settlementRef string) (*Pass, error) {
	return l.IssueAt(class, settlementRef, l.now())
}

// IssueAt mints a pass whose lifetime starts at issuedAt. Minting again
// for the same settlement and time yields a pass with the same expiry.
func (l *Ledger) IssueAt(class, settlementRef string, issuedAt time.Time) (*Pass, error) {
	d, ok := l.classes[class]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	now := issuedAt.Truncate(time.Second)
	p := &Pass{
		ID:            uuid.NewString(),
		Class:         class,
		ExpiresAt:     now.Add(d),
		SettlementRef: settlementRef,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Class: class,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   settlementRef,
			ID:        p.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(p.ExpiresAt),
		},
	})
	signed, err := token.SignedString(l.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign pass: %w", err)
	}
	p.Token = signed
	return p, nil
}

// Check validates token and returns the pass it carries. Any problem,
// including expiry, is reported as ErrInvalidPass.
func (l *Ledger) Check(token string) (*Pass, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (interface{}, error) {
		return l.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(l.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPass, err)
	}
	if !parsed.Valid || c.Class == "" || c.ExpiresAt == nil {
		return nil, ErrInvalidPass
	}

	return &Pass{
		ID:            c.ID,
		Token:         token,
		Class:         c.Class,
		ExpiresAt:     c.ExpiresAt.Time,
		SettlementRef: c.Subject,
	}, nil
}
