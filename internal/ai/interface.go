package ai

import (
	"context"
	"time"

	"rickqueue/internal/types"
)

// GroupSnapshot is the immutable view of a forming group handed to an
// estimator. The scheduler builds it under the group lock and calls the
// estimator after releasing it.
type GroupSnapshot struct {
	GroupID     types.ID
	RouteID     types.ID
	Size        int
	MaxSize     int
	WaitSeconds int
	// Anchor is the first member's request location, used as the group's
	// position for proximity scoring.
	Anchor types.Point
	Now    time.Time
}

// Estimate is an arrival prediction: the probability (0..1) that enough
// additional passengers will join soon, plus a human-readable basis that the
// scheduler folds into its decision reason.
type Estimate struct {
	Probability float64
	Basis       string
}

// ArrivalEstimator predicts whether a partially filled group will keep
// filling. Implementations may be slow or unavailable; callers bound every
// call with a timeout and treat failure as non-fatal.
type ArrivalEstimator interface {
	EstimateArrival(ctx context.Context, snap GroupSnapshot) (Estimate, error)
}

// HistoricalSource reads learned arrival probabilities per route and
// weekday/hour slot. ok=false means no data exists for the slot.
type HistoricalSource interface {
	HistoricalProbability(ctx context.Context, routeID types.ID, weekday time.Weekday, hour int) (float64, bool, error)
}

// RecentRequest is one join request observed recently on a route.
type RecentRequest struct {
	Location types.Point
	At       time.Time
}

// ProximitySource lists recent join requests for a route so the estimator
// can score real-time demand near the group.
type ProximitySource interface {
	RecentRequests(ctx context.Context, routeID types.ID) ([]RecentRequest, error)
}
