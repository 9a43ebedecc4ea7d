package matcher

import (
	"math"
	"testing"
	"time"

	"github.com/example/blood-match/internal/models"
)

var now = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func request(bt models.BloodType, rh models.RhFactor, radius float64) models.EmergencyRequest {
	return models.EmergencyRequest{
		ID: "r1", BloodType: bt, Rh: rh, Urgency: models.UrgencyHigh,
		Location: &models.Coord{Lat: 0, Lon: 0}, RadiusKm: radius,
	}
}

// at places a donor roughly km kilometers north of the origin.
func at(km float64) *models.Coord {
	return &models.Coord{Lat: km / 111.19, Lon: 0}
}

func daysAgo(n int) *time.Time {
	t := now.Add(-time.Duration(n) * 24 * time.Hour)
	return &t
}

func donor(id string, bt models.BloodType, rh models.RhFactor, loc *models.Coord) models.DonorCandidate {
	return models.DonorCandidate{ID: id, BloodType: bt, Rh: rh, Loc: loc, Available: true}
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Donor.ID
	}
	return out
}

func TestFilterAppliesEveryRule(t *testing.T) {
	p := DefaultPolicy()
	req := request(models.BloodA, models.RhPositive, 10)

	unavailable := donor("unavailable", models.BloodO, models.RhNegative, at(1))
	unavailable.Available = false
	deferred := donor("deferred", models.BloodA, models.RhPositive, at(1))
	deferred.LastDonation = daysAgo(p.DeferralDays - 1)
	rested := donor("rested", models.BloodA, models.RhPositive, at(2))
	rested.LastDonation = daysAgo(p.DeferralDays)

	pool := []models.DonorCandidate{
		donor("ok", models.BloodO, models.RhNegative, at(1)),
		unavailable,
		donor("untyped", "", models.RhPositive, at(1)),
		donor("no-rh", models.BloodO, "", at(1)),
		donor("incompatible", models.BloodB, models.RhPositive, at(1)),
		donor("far", models.BloodA, models.RhPositive, at(25)),
		donor("no-location", models.BloodA, models.RhPositive, nil),
		deferred,
		rested,
		donor("ok", models.BloodA, models.RhPositive, at(3)), // duplicate id
	}

	got := Filter(req, pool, p, now)
	want := []string{"ok", "rested"}
	if g := ids(got); len(g) != len(want) || g[0] != want[0] || g[1] != want[1] {
		t.Fatalf("expected %v, got %v", want, g)
	}
	if got[0].DistanceKm < 0.9 || got[0].DistanceKm > 1.1 {
		t.Fatalf("expected ~1 km for first candidate, got %f", got[0].DistanceKm)
	}
}

func TestFilterMonotonicity(t *testing.T) {
	p := DefaultPolicy()
	req := request(models.BloodO, models.RhNegative, 10)
	base := donor("d1", models.BloodO, models.RhNegative, at(5))

	if got := Filter(req, []models.DonorCandidate{base}, p, now); len(got) != 1 {
		t.Fatalf("baseline donor must be eligible, got %v", ids(got))
	}

	mutations := map[string]func(d *models.DonorCandidate){
		"unavailable":     func(d *models.DonorCandidate) { d.Available = false },
		"outside radius":  func(d *models.DonorCandidate) { d.Loc = at(10.5) },
		"inside deferral": func(d *models.DonorCandidate) { d.LastDonation = daysAgo(3) },
	}
	for name, mutate := range mutations {
		d := base
		mutate(&d)
		if got := Filter(req, []models.DonorCandidate{d}, p, now); len(got) != 0 {
			t.Fatalf("%s: donor should be excluded, got %v", name, ids(got))
		}
		// a mutated donor never brings another one in
		other := donor("d2", models.BloodO, models.RhNegative, at(1))
		if got := Filter(req, []models.DonorCandidate{d, other}, p, now); len(got) != 1 || got[0].Donor.ID != "d2" {
			t.Fatalf("%s: expected only d2, got %v", name, ids(got))
		}
	}
}

func TestFilterRadiusBoundaryInclusive(t *testing.T) {
	req := request(models.BloodO, models.RhNegative, 0)
	d := donor("same-spot", models.BloodO, models.RhNegative, &models.Coord{Lat: 0, Lon: 0})
	if got := Filter(req, []models.DonorCandidate{d}, DefaultPolicy(), now); len(got) != 1 {
		t.Fatalf("donor at distance equal to radius must be kept, got %v", ids(got))
	}
}

func TestFilterWithoutRequestLocation(t *testing.T) {
	req := request(models.BloodO, models.RhNegative, 10)
	req.Location = nil
	d := donor("d1", models.BloodO, models.RhNegative, at(1))
	if got := Filter(req, []models.DonorCandidate{d}, DefaultPolicy(), now); got != nil {
		t.Fatalf("expected nil without a request location, got %v", ids(got))
	}
}

func TestFilterSkipsUnusableDonorLocation(t *testing.T) {
	req := request(models.BloodO, models.RhNegative, 10)
	pool := []models.DonorCandidate{
		donor("nan-lat", models.BloodO, models.RhNegative, &models.Coord{Lat: math.NaN(), Lon: 0}),
		donor("inf-lon", models.BloodO, models.RhNegative, &models.Coord{Lat: 0, Lon: math.Inf(1)}),
		donor("off-globe", models.BloodO, models.RhNegative, &models.Coord{Lat: 400, Lon: 0}),
		donor("ok", models.BloodO, models.RhNegative, at(1)),
	}
	got := Filter(req, pool, DefaultPolicy(), now)
	if len(got) != 1 || got[0].Donor.ID != "ok" {
		t.Fatalf("expected only the validly located donor, got %v", ids(got))
	}
	if math.IsNaN(got[0].DistanceKm) {
		t.Fatalf("distance must be a number, got %v", got[0].DistanceKm)
	}
}

func TestDeferred(t *testing.T) {
	if Deferred(nil, now, 56) {
		t.Fatal("never donated must not be deferred")
	}
	if !Deferred(daysAgo(55), now, 56) {
		t.Fatal("55 days ago must be deferred under a 56 day window")
	}
	if Deferred(daysAgo(56), now, 56) {
		t.Fatal("exactly 56 days ago must be eligible")
	}
	future := now.Add(time.Hour)
	if !Deferred(&future, now, 56) {
		t.Fatal("future donation date must count as deferred")
	}
	if Deferred(daysAgo(0), now, 0) {
		t.Fatal("zero-day window never defers")
	}
}
