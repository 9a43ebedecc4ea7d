package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/blood-match/internal/models"
)

// ErrStatusConflict is returned by UpdateMatchStatus when the match is no
// longer in the expected status.
var ErrStatusConflict = errors.New("status changed concurrently")

// ErrDuplicate is returned when a request id, match id or (request, donor)
// pair already exists.
var ErrDuplicate = errors.New("duplicate request or match")

// Store persists emergency requests and their matches. Status changes are
// compare-and-swap so concurrent callers cannot overwrite each other.
// Missing rows are reported with apperr.ErrNotFound and driver failures with
// apperr.ErrPersistence.
type Store interface {
	// CreateRequestWithMatches stores the request and all of its matches
	// atomically: readers see either none or all of them.
	CreateRequestWithMatches(ctx context.Context, req models.EmergencyRequest, matches []models.Match) error
	GetRequest(ctx context.Context, id string) (models.EmergencyRequest, error)
	GetMatch(ctx context.Context, id string) (models.Match, error)
	ListMatches(ctx context.Context, requestID string) ([]models.Match, error)
	CountMatches(ctx context.Context, requestID string, status models.MatchStatus) (int, error)
	// CompareAndSwapRequestStatus sets the status to to only if it is from.
	// The bool reports whether the swap happened.
	CompareAndSwapRequestStatus(ctx context.Context, id string, from, to models.RequestStatus, at time.Time) (bool, error)
	// UpdateMatchStatus moves a match from -> to, recording latency when it
	// is non-nil. It returns ErrStatusConflict if the match is not in from.
	UpdateMatchStatus(ctx context.Context, id string, from, to models.MatchStatus, latency *float64, at time.Time) (models.Match, error)
	// ListExpirable returns open or matched requests whose expiry is before now.
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]models.EmergencyRequest, error)
}
