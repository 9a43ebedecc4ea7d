package models

import (
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies on the globe.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type BloodType string

const (
	BloodA  BloodType = "A"
	BloodB  BloodType = "B"
	BloodAB BloodType = "AB"
	BloodO  BloodType = "O"
)

// ParseBloodType accepts the ABO group in any case. The second return is
// false for unknown or empty input.
func ParseBloodType(s string) (BloodType, bool) {
	switch BloodType(strings.ToUpper(strings.TrimSpace(s))) {
	case BloodA:
		return BloodA, true
	case BloodB:
		return BloodB, true
	case BloodAB:
		return BloodAB, true
	case BloodO:
		return BloodO, true
	}
	return "", false
}

type RhFactor string

const (
	RhPositive RhFactor = "+"
	RhNegative RhFactor = "-"
)

func ParseRh(s string) (RhFactor, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "+", "pos", "positive":
		return RhPositive, true
	case "-", "neg", "negative":
		return RhNegative, true
	}
	return "", false
}

type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

func ParseUrgency(s string) (Urgency, bool) {
	switch u := Urgency(strings.ToLower(strings.TrimSpace(s))); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return u, true
	}
	return "", false
}

type RequestStatus string

const (
	RequestOpen      RequestStatus = "open"
	RequestMatched   RequestStatus = "matched"
	RequestFulfilled RequestStatus = "fulfilled"
	RequestExpired   RequestStatus = "expired"
	RequestCancelled RequestStatus = "cancelled"
)

type MatchStatus string

const (
	MatchNotified MatchStatus = "notified"
	MatchAccepted MatchStatus = "accepted"
	MatchDeclined MatchStatus = "declined"
	MatchEnRoute  MatchStatus = "en_route"
	MatchArrived  MatchStatus = "arrived"
)

// DefaultResponseRate is assumed for donors with no notification history.
const DefaultResponseRate = 0.5

// DonorCandidate is a read-only snapshot of a donor profile taken for one
// matching run.
type DonorCandidate struct {
	ID            string     `json:"id"`
	BloodType     BloodType  `json:"blood_type,omitempty"`
	Rh            RhFactor   `json:"rh,omitempty"`
	Loc           *Coord     `json:"loc,omitempty"`
	Available     bool       `json:"available"`
	LastDonation  *time.Time `json:"last_donation,omitempty"`
	DonationCount int        `json:"donation_count"`
	ResponseRate  *float64   `json:"response_rate,omitempty"` // 0..1
}

// Reliability returns the historical acceptance rate, falling back to
// DefaultResponseRate when the donor has no history.
func (d DonorCandidate) Reliability() float64 {
	if d.ResponseRate == nil {
		return DefaultResponseRate
	}
	r := *d.ResponseRate
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

type EmergencyRequest struct {
	ID          string        `json:"id"`
	RequesterID string        `json:"requester_id,omitempty"`
	BloodType   BloodType     `json:"blood_type"`
	Rh          RhFactor      `json:"rh"`
	Urgency     Urgency       `json:"urgency"`
	Location    *Coord        `json:"location"`
	RadiusKm    float64       `json:"radius_km"`
	UnitsNeeded int           `json:"units_needed"`
	Status      RequestStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

type Match struct {
	ID              string      `json:"id"`
	RequestID       string      `json:"request_id"`
	DonorID         string      `json:"donor_id"`
	DistanceKm      float64     `json:"distance_km"`
	Score           float64     `json:"score"`
	ETASeconds      float64     `json:"eta_seconds"`
	Status          MatchStatus `json:"status"`
	ResponseSeconds *float64    `json:"response_seconds,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type EventType string

const (
	EventRequestCreated       EventType = "request.created"
	EventMatchResponded       EventType = "match.responded"
	EventRequestStatusChanged EventType = "request.status_changed"
)

// LifecycleEvent is published after a state change has been persisted.
type LifecycleEvent struct {
	Type      EventType `json:"type"`
	RequestID string    `json:"request_id"`
	MatchID   string    `json:"match_id,omitempty"`
	DonorID   string    `json:"donor_id,omitempty"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	At        time.Time `json:"at"`
}
