// Package lifecycle holds the request and match state machines. The functions
// here only decide; persisting a transition is the caller's job.
package lifecycle

import (
	"fmt"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/models"
)

// FulfillmentPolicy decides when a matched request becomes fulfilled.
type FulfillmentPolicy string

const (
	// FulfillOnFirstArrival fulfills on the first donor arrival.
	FulfillOnFirstArrival FulfillmentPolicy = "first_arrival"
	// FulfillOnUnits fulfills once committed donors (accepted, en_route or
	// arrived) cover UnitsNeeded, one unit per donor.
	FulfillOnUnits FulfillmentPolicy = "units"
)

func ParseFulfillmentPolicy(s string) (FulfillmentPolicy, error) {
	switch p := FulfillmentPolicy(s); p {
	case FulfillOnFirstArrival, FulfillOnUnits:
		return p, nil
	case "":
		return FulfillOnFirstArrival, nil
	}
	return "", fmt.Errorf("unknown fulfillment policy %q", s)
}

var requestTransitions = map[models.RequestStatus][]models.RequestStatus{
	models.RequestOpen:    {models.RequestMatched, models.RequestExpired, models.RequestCancelled},
	models.RequestMatched: {models.RequestFulfilled, models.RequestExpired, models.RequestCancelled},
}

func CanTransitionRequest(from, to models.RequestStatus) bool {
	for _, s := range requestTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckRequestTransition returns a TransitionError unless from -> to is an
// edge of the request state machine.
func CheckRequestTransition(id string, from, to models.RequestStatus) error {
	if CanTransitionRequest(from, to) {
		return nil
	}
	return &apperr.TransitionError{Entity: "request", ID: id, From: string(from), To: string(to)}
}

// IsTerminalRequest reports whether no transition leaves s.
func IsTerminalRequest(s models.RequestStatus) bool {
	return len(requestTransitions[s]) == 0
}

// IsClosedRequest reports whether the request ended without being fulfilled.
func IsClosedRequest(s models.RequestStatus) bool {
	return s == models.RequestExpired || s == models.RequestCancelled
}

// AdvancePath lists the transitions that move a request from current to
// target along the forward path open -> matched -> fulfilled. It is empty
// when current already is, or is past, target, which makes advancing
// idempotent. Expired or cancelled requests cannot be advanced.
func AdvancePath(id string, current, target models.RequestStatus) ([]models.RequestStatus, error) {
	rank := map[models.RequestStatus]int{
		models.RequestOpen:      0,
		models.RequestMatched:   1,
		models.RequestFulfilled: 2,
	}
	tr, ok := rank[target]
	if !ok || target == models.RequestOpen {
		return nil, &apperr.TransitionError{Entity: "request", ID: id, From: string(current), To: string(target), Reason: "not a forward target"}
	}
	cr, ok := rank[current]
	if !ok {
		return nil, &apperr.TransitionError{Entity: "request", ID: id, From: string(current), To: string(target), Reason: "request is closed"}
	}
	forward := []models.RequestStatus{models.RequestOpen, models.RequestMatched, models.RequestFulfilled}
	var path []models.RequestStatus
	for i := cr + 1; i <= tr; i++ {
		path = append(path, forward[i])
	}
	return path, nil
}

// CommitsUnit reports whether a match in status s counts towards the units
// of its request.
func CommitsUnit(s models.MatchStatus) bool {
	return s == models.MatchAccepted || s == models.MatchEnRoute || s == models.MatchArrived
}

// ShouldFulfill reports whether the request is satisfied under policy, given
// how many of its matches have arrived and how many commit a unit.
func ShouldFulfill(policy FulfillmentPolicy, req models.EmergencyRequest, arrived, committed int) bool {
	if policy == FulfillOnUnits {
		units := req.UnitsNeeded
		if units < 1 {
			units = 1
		}
		return committed >= units
	}
	return arrived >= 1
}
