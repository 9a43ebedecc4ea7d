package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lib/pq"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/models"
)

var t0 = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newRequest(id string) models.EmergencyRequest {
	return models.EmergencyRequest{
		ID: id, BloodType: models.BloodO, Rh: models.RhNegative, Urgency: models.UrgencyHigh,
		Location: &models.Coord{Lat: 1, Lon: 2}, RadiusKm: 10, UnitsNeeded: 1,
		Status: models.RequestOpen, CreatedAt: t0, ExpiresAt: t0.Add(time.Hour), UpdatedAt: t0,
	}
}

func newMatch(id, requestID, donorID string, score float64) models.Match {
	return models.Match{ID: id, RequestID: requestID, DonorID: donorID, Score: score, Status: models.MatchNotified, CreatedAt: t0, UpdatedAt: t0}
}

func TestCreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.CreateRequestWithMatches(ctx, newRequest("r1"), []models.Match{
		newMatch("m1", "r1", "d1", 0.2),
		newMatch("m2", "r1", "d2", 0.9),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := s.GetRequest(ctx, "r1")
	if err != nil || r.Status != models.RequestOpen {
		t.Fatalf("unexpected request %+v err=%v", r, err)
	}
	ms, err := s.ListMatches(ctx, "r1")
	if err != nil || len(ms) != 2 || ms[0].ID != "m2" {
		t.Fatalf("expected matches ordered by score, got %+v err=%v", ms, err)
	}
	if _, err := s.GetMatch(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.GetRequest(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.ListMatches(ctx, "nope"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCreateIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.CreateRequestWithMatches(ctx, newRequest("r1"), []models.Match{
		newMatch("m1", "r1", "d1", 0.5),
		newMatch("m2", "r1", "d1", 0.4),
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate pair error, got %v", err)
	}
	if _, err := s.GetRequest(ctx, "r1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("request must not be visible after failed create, got %v", err)
	}
	if _, err := s.GetMatch(ctx, "m1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("match must not be visible after failed create, got %v", err)
	}

	if err := s.CreateRequestWithMatches(ctx, newRequest("r1"), nil); err != nil {
		t.Fatalf("create without matches: %v", err)
	}
	if err := s.CreateRequestWithMatches(ctx, newRequest("r1"), nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate request error, got %v", err)
	}
}

func TestCompareAndSwapRequestStatusOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateRequestWithMatches(ctx, newRequest("r1"), nil)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSwapRequestStatus(ctx, "r1", models.RequestOpen, models.RequestMatched, t0)
			if err != nil {
				t.Errorf("cas: %v", err)
			}
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one successful swap, got %d", wins)
	}
	if _, err := s.CompareAndSwapRequestStatus(ctx, "missing", models.RequestOpen, models.RequestMatched, t0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUpdateMatchStatusConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateRequestWithMatches(ctx, newRequest("r1"), []models.Match{newMatch("m1", "r1", "d1", 0.5)})

	lat := 12.0
	m, err := s.UpdateMatchStatus(ctx, "m1", models.MatchNotified, models.MatchAccepted, &lat, t0.Add(time.Minute))
	if err != nil || m.Status != models.MatchAccepted || m.ResponseSeconds == nil || *m.ResponseSeconds != 12 {
		t.Fatalf("unexpected update %+v err=%v", m, err)
	}

	other := 99.0
	m, err = s.UpdateMatchStatus(ctx, "m1", models.MatchNotified, models.MatchDeclined, &other, t0.Add(2*time.Minute))
	if !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if m.Status != models.MatchAccepted || *m.ResponseSeconds != 12 {
		t.Fatalf("conflicting update must not change the match, got %+v", m)
	}

	// progress keeps the recorded latency
	m, err = s.UpdateMatchStatus(ctx, "m1", models.MatchAccepted, models.MatchEnRoute, nil, t0.Add(3*time.Minute))
	if err != nil || m.ResponseSeconds == nil || *m.ResponseSeconds != 12 {
		t.Fatalf("unexpected progress update %+v err=%v", m, err)
	}
	if n, _ := s.CountMatches(ctx, "r1", models.MatchEnRoute); n != 1 {
		t.Fatalf("expected one en_route match, got %d", n)
	}
	if _, err := s.UpdateMatchStatus(ctx, "missing", models.MatchNotified, models.MatchAccepted, nil, t0); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListExpirable(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	early := newRequest("early")
	early.ExpiresAt = t0.Add(10 * time.Minute)
	late := newRequest("late")
	late.ExpiresAt = t0.Add(30 * time.Minute)
	done := newRequest("done")
	done.ExpiresAt = t0
	done.Status = models.RequestFulfilled
	future := newRequest("future")
	future.ExpiresAt = t0.Add(2 * time.Hour)
	for _, r := range []models.EmergencyRequest{late, early, done, future} {
		_ = s.CreateRequestWithMatches(ctx, r, nil)
	}

	got, err := s.ListExpirable(ctx, t0.Add(time.Hour), 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "early" || got[1].ID != "late" {
		t.Fatalf("unexpected expirable %+v", got)
	}
	if got, _ := s.ListExpirable(ctx, t0.Add(time.Hour), 1); len(got) != 1 {
		t.Fatalf("expected limit to apply, got %d", len(got))
	}
}

func TestClassifyUniqueViolation(t *testing.T) {
	if err := classify("insert match", &pq.Error{Code: "23505"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	err := classify("insert match", &pq.Error{Code: "08006"})
	if !errors.Is(err, apperr.ErrPersistence) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
}
