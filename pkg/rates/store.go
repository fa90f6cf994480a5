// Package rates is the funding-rate store: an append-only feed of per-venue
// observations of which the engine only ever reads the latest snapshot.
package rates

import (
	"sync"

	"github.com/gregtusar/fundarb/pkg/models"
)

// Store exposes the latest funding-rate snapshot.
type Store interface {
	// LatestSnapshot returns the most recent observation per
	// (venue, symbol). The slice is a copy; callers own it.
	LatestSnapshot() []models.FundingRateObservation
}

// MemoryStore keeps the newest observation per (venue, symbol). Stale
// observations (older ObservedAt than the stored one) are discarded.
type MemoryStore struct {
	mu     sync.RWMutex
	latest map[string]models.FundingRateObservation
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{latest: make(map[string]models.FundingRateObservation)}
}

// Record stores an observation if it is newer than the current one for its
// (venue, symbol) slot.
func (s *MemoryStore) Record(obs models.FundingRateObservation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.latest[obs.Key()]; ok && !obs.ObservedAt.After(prev.ObservedAt) {
		return
	}
	s.latest[obs.Key()] = obs
}

// RecordAll stores a batch of observations.
func (s *MemoryStore) RecordAll(obs []models.FundingRateObservation) {
	for _, o := range obs {
		s.Record(o)
	}
}

func (s *MemoryStore) LatestSnapshot() []models.FundingRateObservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.FundingRateObservation, 0, len(s.latest))
	for _, obs := range s.latest {
		out = append(out, obs)
	}
	return out
}
