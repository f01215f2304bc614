package payment

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrNonceExists  = errors.New("nonce already issued")
	ErrNonceUnknown = errors.New("nonce unknown or expired")
	ErrNonceSpent   = errors.New("nonce already spent")
	ErrNonceBusy    = errors.New("nonce settlement in progress")
)

// NonceState tracks a challenge from issue to settlement.
type NonceState string

const (
	NonceIssued   NonceState = "issued"
	NonceSettling NonceState = "settling"
	NonceSpent    NonceState = "spent"
)

// SpentRetention is how long a nonce is remembered after its requirement
// stops being valid. Late answers are then refused as expired rather than
// unknown, and replays of a settled payment keep finding their receipt.
const SpentRetention = 24 * time.Hour

// NonceRecord is the ledger entry for one issued Requirement.
type NonceRecord struct {
	Requirement Requirement `json:"requirement"`
	State       NonceState  `json:"state"`
	TxRef       string      `json:"tx_ref,omitempty"`
	Payer       string      `json:"payer,omitempty"`
	SettledAt   time.Time   `json:"settled_at,omitempty"`
}

// Receipt is what a successful settlement leaves on its nonce.
type Receipt struct {
	TxRef     string
	Payer     string
	SettledAt time.Time
}

// NonceStore remembers issued requirements so a payment can only be
// settled once. Reserve is the single transition that admits settlement.
type NonceStore interface {
	Issue(ctx context.Context, req *Requirement) error
	Get(ctx context.Context, nonce string) (*NonceRecord, error)
	// Reserve moves issued to settling. It fails with ErrNonceSpent,
	// ErrNonceBusy or ErrNonceUnknown.
	Reserve(ctx context.Context, nonce string) error
	MarkSpent(ctx context.Context, nonce string, receipt Receipt) error
	// Release returns a settling nonce to issued after a failed settlement.
	Release(ctx context.Context, nonce string) error
}

func recordExpiry(req *Requirement) time.Time {
	return time.Unix(req.ValidBefore, 0).Add(SpentRetention)
}

type memoryNonce struct {
	record  NonceRecord
	expires time.Time
}

// MemoryNonceStore is an in-process NonceStore for single-instance use.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]*memoryNonce
	now     func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		entries: make(map[string]*memoryNonce),
		now:     time.Now,
	}
}

// WithClock overrides the time source.
func (s *MemoryNonceStore) WithClock(now func() time.Time) *MemoryNonceStore {
	s.now = now
	return s
}

// live returns the entry for nonce unless it has expired. Callers hold mu.
func (s *MemoryNonceStore) live(nonce string) *memoryNonce {
	e, ok := s.entries[nonce]
	if !ok {
		return nil
	}
	if !s.now().Before(e.expires) {
		delete(s.entries, nonce)
		return nil
	}
	return e
}

func (s *MemoryNonceStore) Issue(_ context.Context, req *Requirement) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.live(req.Nonce) != nil {
		return ErrNonceExists
	}
	s.entries[req.Nonce] = &memoryNonce{
		record:  NonceRecord{Requirement: *req, State: NonceIssued},
		expires: recordExpiry(req),
	}
	return nil
}

func (s *MemoryNonceStore) Get(_ context.Context, nonce string) (*NonceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(nonce)
	if e == nil {
		return nil, ErrNonceUnknown
	}
	rec := e.record
	return &rec, nil
}

func (s *MemoryNonceStore) Reserve(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(nonce)
	if e == nil {
		return ErrNonceUnknown
	}
	switch e.record.State {
	case NonceSpent:
		return ErrNonceSpent
	case NonceSettling:
		return ErrNonceBusy
	}
	e.record.State = NonceSettling
	return nil
}

func (s *MemoryNonceStore) MarkSpent(_ context.Context, nonce string, receipt Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(nonce)
	if e == nil {
		return ErrNonceUnknown
	}
	if e.record.State != NonceSettling {
		return errors.New("nonce is not being settled")
	}
	e.record.State = NonceSpent
	e.record.TxRef = receipt.TxRef
	e.record.Payer = receipt.Payer
	e.record.SettledAt = receipt.SettledAt.UTC().Truncate(time.Second)
	return nil
}

func (s *MemoryNonceStore) Release(_ context.Context, nonce string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.live(nonce)
	if e == nil {
		return ErrNonceUnknown
	}
	if e.record.State == NonceSettling {
		e.record.State = NonceIssued
	}
	return nil
}

// Sweep drops expired entries and returns how many were removed.
func (s *MemoryNonceStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for nonce, e := range s.entries {
		if !now.Before(e.expires) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed
}
