package matcher

import (
	"time"

	"github.com/example/blood-match/internal/compat"
	"github.com/example/blood-match/internal/geo"
	"github.com/example/blood-match/internal/models"
)

// Candidate is a donor that passed every eligibility rule, with the distance
// computed for the request.
type Candidate struct {
	Donor      models.DonorCandidate
	DistanceKm float64
}

// Filter keeps the donors of pool that can serve req: available, typed,
// compatible, validly located inside the request radius and outside the deferral
// window. A donor id seen twice keeps its first occurrence.
func Filter(req models.EmergencyRequest, pool []models.DonorCandidate, p Policy, now time.Time) []Candidate {
	if req.Location == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(pool))
	out := make([]Candidate, 0, len(pool))
	for _, d := range pool {
		if _, dup := seen[d.ID]; dup || d.ID == "" {
			continue
		}
		seen[d.ID] = struct{}{}

		if !d.Available {
			continue
		}
		if d.BloodType == "" || d.Rh == "" {
			continue
		}
		if !compat.IsCompatible(req.BloodType, req.Rh, d.BloodType, d.Rh) {
			continue
		}
		if d.Loc == nil || !d.Loc.Valid() {
			continue
		}
		dist := geo.Between(*req.Location, *d.Loc)
		if dist > req.RadiusKm {
			continue
		}
		if Deferred(d.LastDonation, now, p.DeferralDays) {
			continue
		}
		out = append(out, Candidate{Donor: d, DistanceKm: dist})
	}
	return out
}

// Deferred reports whether a donor who last donated at last is still inside
// the deferral window at now. A donation dated in the future counts as
// deferred.
func Deferred(last *time.Time, now time.Time, deferralDays int) bool {
	if last == nil {
		return false
	}
	return now.Sub(*last) < time.Duration(deferralDays)*24*time.Hour
}
