package quota

import (
	"context"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps counters in process. Suitable for a single instance.
type MemoryStore struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{counts: make(map[string]int64)}
}

func (s *MemoryStore) Consume(_ context.Context, keyID string, limits Limits, now time.Time) (Usage, error) {
	dayKey := keyID + ":d:" + DayKey(now)
	monthKey := keyID + ":m:" + MonthKey(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	day, month := s.counts[dayKey], s.counts[monthKey]
	if exhausted(limits.Daily, day) || exhausted(limits.Monthly, month) {
		return Evaluate(false, day, month, limits, now), nil
	}

	day++
	month++
	s.counts[dayKey] = day
	s.counts[monthKey] = month
	return Evaluate(true, day, month, limits, now), nil
}

// Sweep drops counters of past periods.
func (s *MemoryStore) Sweep(now time.Time) int {
	day, month := ":d:"+DayKey(now), ":m:"+MonthKey(now)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k := range s.counts {
		if !strings.HasSuffix(k, day) && !strings.HasSuffix(k, month) {
			delete(s.counts, k)
			removed++
		}
	}
	return removed
}
