package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/models"
)

type pairKey struct{ requestID, donorID string }

// MemoryStore is a Store kept in process memory. A single lock guards all
// maps, which makes every method atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	requests  map[string]models.EmergencyRequest
	matches   map[string]models.Match
	byRequest map[string][]string
	pairs     map[pairKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:  make(map[string]models.EmergencyRequest),
		matches:   make(map[string]models.Match),
		byRequest: make(map[string][]string),
		pairs:     make(map[pairKey]string),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateRequestWithMatches(_ context.Context, req models.EmergencyRequest, matches []models.Match) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[req.ID]; ok {
		return ErrDuplicate
	}
	// check everything before writing anything
	seen := make(map[pairKey]struct{}, len(matches))
	for _, mt := range matches {
		k := pairKey{req.ID, mt.DonorID}
		if _, dup := seen[k]; dup {
			return ErrDuplicate
		}
		if _, exists := m.pairs[k]; exists {
			return ErrDuplicate
		}
		if _, exists := m.matches[mt.ID]; exists {
			return ErrDuplicate
		}
		seen[k] = struct{}{}
	}
	m.requests[req.ID] = req
	ids := make([]string, 0, len(matches))
	for _, mt := range matches {
		m.matches[mt.ID] = mt
		m.pairs[pairKey{req.ID, mt.DonorID}] = mt.ID
		ids = append(ids, mt.ID)
	}
	m.byRequest[req.ID] = ids
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (models.EmergencyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return models.EmergencyRequest{}, apperr.NotFound("request", id)
	}
	return r, nil
}

func (m *MemoryStore) GetMatch(_ context.Context, id string) (models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mt, ok := m.matches[id]
	if !ok {
		return models.Match{}, apperr.NotFound("match", id)
	}
	return mt, nil
}

// ListMatches returns the request's matches ordered by score, best first.
func (m *MemoryStore) ListMatches(_ context.Context, requestID string) ([]models.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.requests[requestID]; !ok {
		return nil, apperr.NotFound("request", requestID)
	}
	ids := m.byRequest[requestID]
	out := make([]models.Match, 0, len(ids))
	for _, id := range ids {
		out = append(out, m.matches[id])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out, nil
}

func (m *MemoryStore) CountMatches(_ context.Context, requestID string, status models.MatchStatus) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, id := range m.byRequest[requestID] {
		if m.matches[id].Status == status {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CompareAndSwapRequestStatus(_ context.Context, id string, from, to models.RequestStatus, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return false, apperr.NotFound("request", id)
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	r.UpdatedAt = at
	m.requests[id] = r
	return true, nil
}

func (m *MemoryStore) UpdateMatchStatus(_ context.Context, id string, from, to models.MatchStatus, latency *float64, at time.Time) (models.Match, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, ok := m.matches[id]
	if !ok {
		return models.Match{}, apperr.NotFound("match", id)
	}
	if mt.Status != from {
		return mt, ErrStatusConflict
	}
	mt.Status = to
	mt.UpdatedAt = at
	if latency != nil {
		v := *latency
		mt.ResponseSeconds = &v
	}
	m.matches[id] = mt
	return mt, nil
}

func (m *MemoryStore) ListExpirable(_ context.Context, now time.Time, limit int) ([]models.EmergencyRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EmergencyRequest
	for _, r := range m.requests {
		if r.Status != models.RequestOpen && r.Status != models.RequestMatched {
			continue
		}
		if now.After(r.ExpiresAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
