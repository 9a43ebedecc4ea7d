package geo

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/example/blood-match/internal/models"
)

// EarthRadiusKm is the mean radius used by the spherical distance model.
const EarthRadiusKm = 6371.0

// DonorIndex is the donor profile snapshot source used by the engine and the
// profile ingest handler.
type DonorIndex interface {
	AvailableDonors(ctx context.Context, center models.Coord, radiusKm float64) ([]models.DonorCandidate, error)
	Upsert(ctx context.Context, d models.DonorCandidate) error
}

// Index keeps donor profiles in process memory.
type Index struct {
	mu     sync.RWMutex
	donors map[string]models.DonorCandidate
}

func NewIndex() *Index {
	return &Index{donors: make(map[string]models.DonorCandidate)}
}

func (g *Index) Upsert(_ context.Context, d models.DonorCandidate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.donors[d.ID] = d
	return nil
}

func (g *Index) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.donors)
}

// AvailableDonors returns every available donor, ordered by id. Radius
// filtering is left to the eligibility filter; donors with unknown location
// are included so the filter can account for them.
func (g *Index) AvailableDonors(_ context.Context, _ models.Coord, _ float64) ([]models.DonorCandidate, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.DonorCandidate, 0, len(g.donors))
	// naive scan; in prod use the redis index
	for _, d := range g.donors {
		if !d.Available {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DistanceKm is the haversine great-circle distance in kilometers.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}

// Between is DistanceKm for two coordinates.
func Between(a, b models.Coord) float64 {
	return DistanceKm(a.Lat, a.Lon, b.Lat, b.Lon)
}
