package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/blood-match/internal/models"
)

// fakeWriter implements ProfileWriter for tests
type fakeWriter struct {
	failGeo   int // number of times to fail GeoAdd before succeeding
	failH     int // number of times to fail HSet before succeeding
	geoCalls  int
	remCalls  int
	hCalls    int
	lastHash  map[string]interface{}
	lastGeoAt *redis.GeoLocation
}

func (f *fakeWriter) GeoAdd(ctx context.Context, key string, loc *redis.GeoLocation) error {
	f.geoCalls++
	if f.geoCalls <= f.failGeo {
		return errors.New("geo fail")
	}
	f.lastGeoAt = loc
	return nil
}

func (f *fakeWriter) GeoRemove(ctx context.Context, key, member string) error {
	f.remCalls++
	return nil
}

func (f *fakeWriter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	f.hCalls++
	if f.hCalls <= f.failH {
		return errors.New("hset fail")
	}
	f.lastHash = values
	return nil
}

func sampleDonor() models.DonorCandidate {
	return models.DonorCandidate{ID: "d1", BloodType: models.BloodO, Rh: models.RhNegative, Loc: &models.Coord{Lat: 1, Lon: 2}, Available: true, DonationCount: 3}
}

func TestApplyProfileWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeWriter{failGeo: 1, failH: 1}
	start := time.Now()
	if err := applyProfileWithRetry(context.Background(), f, "donors_geo", sampleDonor(), 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.geoCalls < 2 || f.hCalls < 2 {
		t.Fatalf("expected retries, got geo=%d h=%d", f.geoCalls, f.hCalls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.lastGeoAt.Name != "d1" || f.lastGeoAt.Longitude != 2 {
		t.Fatalf("unexpected geo member %+v", f.lastGeoAt)
	}
	if f.lastHash["blood_type"] != "O" || f.lastHash["available"] != "true" {
		t.Fatalf("unexpected profile hash %v", f.lastHash)
	}
}

func TestApplyProfileWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeWriter{failGeo: 5}
	if err := applyProfileWithRetry(context.Background(), f, "donors_geo", sampleDonor(), 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.geoCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.geoCalls)
	}
}

func TestApplyProfileWithoutLocationRemovesFromGeoSet(t *testing.T) {
	f := &fakeWriter{}
	d := sampleDonor()
	d.Loc = nil
	if err := applyProfileWithRetry(context.Background(), f, "donors_geo", d, 1, time.Millisecond); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if f.geoCalls != 0 || f.remCalls != 1 || f.hCalls != 1 {
		t.Fatalf("expected remove plus hset, got geo=%d rem=%d h=%d", f.geoCalls, f.remCalls, f.hCalls)
	}
}

func TestApplyProfileStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &fakeWriter{failGeo: 5}
	if err := applyProfileWithRetry(ctx, f, "donors_geo", sampleDonor(), 5, time.Second); err == nil {
		t.Fatalf("expected error")
	}
	if f.geoCalls != 1 {
		t.Fatalf("expected no retry after cancel, got %d calls", f.geoCalls)
	}
}

func TestDecodeProfile(t *testing.T) {
	if _, err := decodeProfile([]byte(`{"id":"d1","available":true}`)); err != nil {
		t.Fatalf("valid profile rejected: %v", err)
	}
	for _, bad := range []string{`{`, `{"available":true}`, `{"id":"d2","loc":{"lat":95,"lon":0}}`} {
		if _, err := decodeProfile([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
	}
}
