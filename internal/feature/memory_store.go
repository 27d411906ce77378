package feature

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development and tests. It keeps the
// same windowing semantics as RedisStore without external dependencies.
type MemoryStore struct {
	mu         sync.Mutex
	events     map[string][]time.Time    // userID -> event timestamps
	amounts    map[string][]amountEntry  // userID -> amount history
	devices    map[string]map[string]bool // userID -> device set
	recipients map[string]map[string]bool // userID -> recipient set
}

type amountEntry struct {
	at     time.Time
	amount float64
}

// NewMemoryStore creates an empty in-memory feature store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:     make(map[string][]time.Time),
		amounts:    make(map[string][]amountEntry),
		devices:    make(map[string]map[string]bool),
		recipients: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) RecordAndCount(ctx context.Context, userID string, at time.Time) (Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Prune beyond the widest horizon, then record.
	cutoff := at.Add(-Horizons[len(Horizons)-1])
	kept := s.events[userID][:0]
	for _, ts := range s.events[userID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, at)
	s.events[userID] = kept

	var c Counts
	for _, ts := range kept {
		age := at.Sub(ts)
		if age < 0 {
			continue
		}
		if age <= Horizons[0] {
			c.Burst10s++
		}
		if age <= Horizons[1] {
			c.Last1m++
		}
		if age <= Horizons[2] {
			c.Last5m++
		}
		if age <= Horizons[3] {
			c.Last1h++
		}
		if age <= Horizons[4] {
			c.Last6h++
		}
		if age <= Horizons[5] {
			c.Last24h++
		}
	}
	return c, nil
}

func (s *MemoryStore) AmountHistory(ctx context.Context, userID string, at time.Time, amount float64) (AmountStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := at.Add(-amountHistoryWindow)
	kept := s.amounts[userID][:0]
	var history []float64
	for _, e := range s.amounts[userID] {
		if e.at.After(cutoff) {
			kept = append(kept, e)
			history = append(history, e.amount)
		}
	}
	stats := computeStats(history)

	s.amounts[userID] = append(kept, amountEntry{at: at, amount: amount})
	return stats, nil
}

func (s *MemoryStore) SeenDevice(ctx context.Context, userID, deviceID string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seenInSet(s.devices, userID, deviceID)
}

func (s *MemoryStore) SeenRecipient(ctx context.Context, userID, vpa string) (bool, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return seenInSet(s.recipients, userID, vpa)
}

func seenInSet(sets map[string]map[string]bool, userID, member string) (bool, int64, error) {
	set, ok := sets[userID]
	if !ok {
		set = make(map[string]bool)
		sets[userID] = set
	}
	seen := set[member]
	set[member] = true
	return seen, int64(len(set)), nil
}
