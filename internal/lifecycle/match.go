package lifecycle

import (
	"fmt"
	"time"

	"github.com/example/blood-match/internal/apperr"
	"github.com/example/blood-match/internal/models"
)

// IsResponse reports whether to is a donor's answer to a notification.
// Only these transitions record a response latency.
func IsResponse(to models.MatchStatus) bool {
	return to == models.MatchAccepted || to == models.MatchDeclined
}

func IsTerminalMatch(s models.MatchStatus) bool {
	return s == models.MatchDeclined || s == models.MatchArrived
}

func ParseMatchStatus(s string) (models.MatchStatus, error) {
	switch st := models.MatchStatus(s); st {
	case models.MatchNotified, models.MatchAccepted, models.MatchDeclined, models.MatchEnRoute, models.MatchArrived:
		return st, nil
	}
	return "", apperr.InvalidInput("status", fmt.Sprintf("%q is not a match status", s))
}

// CheckMatchTransition validates moving m to the status to.
//
// Answers (accepted, declined) are only valid while the match is notified;
// anything else is ErrAlreadyResponded. Progress (en_route, arrived) must
// follow accepted and en_route respectively.
func CheckMatchTransition(m models.Match, to models.MatchStatus) error {
	switch to {
	case models.MatchAccepted, models.MatchDeclined:
		if m.Status != models.MatchNotified {
			return fmt.Errorf("%w: match %s is %s", apperr.ErrAlreadyResponded, m.ID, m.Status)
		}
		return nil
	case models.MatchEnRoute:
		if m.Status == models.MatchAccepted {
			return nil
		}
	case models.MatchArrived:
		if m.Status == models.MatchEnRoute {
			return nil
		}
	case models.MatchNotified:
	default:
		return apperr.InvalidInput("status", fmt.Sprintf("%q is not a match status", to))
	}
	return &apperr.TransitionError{Entity: "match", ID: m.ID, From: string(m.Status), To: string(to)}
}

// ResponseLatency is the whole-second time from notification to response.
func ResponseLatency(notifiedAt, respondedAt time.Time) float64 {
	d := respondedAt.Sub(notifiedAt)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second).Seconds()
}
