package matcher

import (
	"errors"
	"fmt"

	"github.com/example/blood-match/internal/models"
)

// DefaultDeferralDays is the whole-blood donation interval (8 weeks).
const DefaultDeferralDays = 56

const (
	DefaultRadiusKm      = 10.0
	DefaultMaxMatches    = 10
	DefaultExperienceCap = 20
)

// Weights are the per-factor multipliers of WeightedScorer.
type Weights struct {
	Distance    float64 `yaml:"distance"`
	Reliability float64 `yaml:"reliability"`
	Experience  float64 `yaml:"experience"`
	Urgency     float64 `yaml:"urgency"`
}

// Sum is the highest score WeightedScorer can produce.
func (w Weights) Sum() float64 {
	return w.Distance + w.Reliability + w.Experience + w.Urgency
}

// Policy bundles the tunables of a matching run.
type Policy struct {
	DeferralDays    int
	DefaultRadiusKm float64
	MaxMatches      int
	ExperienceCap   int
	Weights         Weights
	UrgencyWeights  map[models.Urgency]float64
}

func DefaultPolicy() Policy {
	return Policy{
		DeferralDays:    DefaultDeferralDays,
		DefaultRadiusKm: DefaultRadiusKm,
		MaxMatches:      DefaultMaxMatches,
		ExperienceCap:   DefaultExperienceCap,
		Weights:         Weights{Distance: 0.40, Reliability: 0.30, Experience: 0.20, Urgency: 0.10},
		UrgencyWeights: map[models.Urgency]float64{
			models.UrgencyLow:      0.25,
			models.UrgencyMedium:   0.50,
			models.UrgencyHigh:     0.75,
			models.UrgencyCritical: 1.00,
		},
	}
}

// UrgencyWeight returns the table entry for u, or 0 for an unknown tier.
func (p Policy) UrgencyWeight(u models.Urgency) float64 {
	return p.UrgencyWeights[u]
}

var urgencyOrder = []models.Urgency{models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh, models.UrgencyCritical}

func (p Policy) Validate() error {
	var errs []error
	if p.DeferralDays < 0 {
		errs = append(errs, fmt.Errorf("deferral days must be >= 0, got %d", p.DeferralDays))
	}
	if p.DefaultRadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("default radius must be > 0, got %g", p.DefaultRadiusKm))
	}
	if p.MaxMatches <= 0 {
		errs = append(errs, fmt.Errorf("max matches must be > 0, got %d", p.MaxMatches))
	}
	if p.ExperienceCap <= 0 {
		errs = append(errs, fmt.Errorf("experience cap must be > 0, got %d", p.ExperienceCap))
	}
	w := p.Weights
	if w.Distance < 0 || w.Reliability < 0 || w.Experience < 0 || w.Urgency < 0 {
		errs = append(errs, errors.New("scoring weights must be >= 0"))
	}
	prev := -1.0
	for _, u := range urgencyOrder {
		v, ok := p.UrgencyWeights[u]
		if !ok {
			errs = append(errs, fmt.Errorf("urgency weight for %q missing", u))
			continue
		}
		if v <= prev {
			errs = append(errs, fmt.Errorf("urgency weight for %q must exceed the lower tier", u))
		}
		prev = v
	}
	return errors.Join(errs...)
}
