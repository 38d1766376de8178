package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/matchserve/fleetd/pkg/domain"
)

// MatchStore holds the active match records. Records are immutable once
// added; they leave the store only through Purge, when their VM is long gone.
type MatchStore struct {
	mu      sync.RWMutex
	matches map[string]domain.Match
}

// NewMatchStore creates an empty match store.
func NewMatchStore() *MatchStore {
	return &MatchStore{
		matches: make(map[string]domain.Match),
	}
}

// Add stores a match record.
func (s *MatchStore) Add(m domain.Match) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.matches[m.MatchID] = m
}

// Get returns a match by ID.
func (s *MatchStore) Get(matchID string) (domain.Match, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.matches[matchID]
	return m, ok
}

// Len returns the number of stored matches.
func (s *MatchStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matches)
}

// All returns every match, ordered by start time then match ID.
func (s *MatchStore) All() []domain.Match {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].MatchID < out[j].MatchID
	})
	return out
}

// Purge removes matches whose VM left the registry and that started more than
// retention ago. Returns how many records were dropped.
func (s *MatchStore) Purge(vmExists func(instanceID string) bool, retention time.Duration, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	purged := 0
	for id, m := range s.matches {
		if vmExists(m.VMInstanceID) {
			continue
		}
		if now.Sub(m.StartedAt) <= retention {
			continue
		}
		delete(s.matches, id)
		purged++
	}
	return purged
}
