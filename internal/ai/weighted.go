package ai

import (
	"context"
	"fmt"
	"math"

	"rickqueue/internal/geo"
)

// Weight distribution for the heuristic estimator. Historical patterns are
// the strongest signal, live pending demand next, then urgency and the
// social-proof effect of a nearly full group.
const (
	weightHistorical = 0.40
	weightProximity  = 0.35
	weightWaitTime   = 0.15
	weightGroupSize  = 0.10

	neutralProbability = 0.5
	noPendingDistance  = math.MaxInt32
)

// WeightedEstimator is the default ArrivalEstimator: a weighted combination
// of historical demand, recent nearby requests, elapsed wait, and fill ratio.
type WeightedEstimator struct {
	historical HistoricalSource
	proximity  ProximitySource
}

func NewWeightedEstimator(historical HistoricalSource, proximity ProximitySource) *WeightedEstimator {
	return &WeightedEstimator{historical: historical, proximity: proximity}
}

func (e *WeightedEstimator) EstimateArrival(ctx context.Context, snap GroupSnapshot) (Estimate, error) {
	historical := neutralProbability
	if e.historical != nil {
		p, ok, err := e.historical.HistoricalProbability(ctx, snap.RouteID, snap.Now.Weekday(), snap.Now.Hour())
		if err != nil {
			return Estimate{}, fmt.Errorf("historical probability: %w", err)
		}
		if ok {
			historical = clamp01(p)
		}
	}

	pendingCount := 0
	nearestMeters := noPendingDistance
	if e.proximity != nil {
		recent, err := e.proximity.RecentRequests(ctx, snap.RouteID)
		if err != nil {
			return Estimate{}, fmt.Errorf("recent requests: %w", err)
		}
		pendingCount = len(recent)
		for _, r := range recent {
			if d := geo.DistanceMeters(snap.Anchor, r.Location); d < nearestMeters {
				nearestMeters = d
			}
		}
	}

	p := historical*weightHistorical +
		proximityScore(pendingCount, nearestMeters)*weightProximity +
		waitTimeScore(snap.WaitSeconds)*weightWaitTime +
		groupSizeScore(snap.Size, snap.MaxSize)*weightGroupSize

	basis := fmt.Sprintf("historical %.0f%%, %d pending nearby, waited %ds at %d/%d seats",
		historical*100, pendingCount, snap.WaitSeconds, snap.Size, snap.MaxSize)

	return Estimate{Probability: clamp01(p), Basis: basis}, nil
}

// proximityScore rewards recent demand on the route: up to half the score
// for how many requests arrived, the other half for how close the nearest
// requester is.
func proximityScore(pendingCount, nearestMeters int) float64 {
	if pendingCount == 0 {
		return 0
	}
	countScore := math.Min(float64(pendingCount)*0.2, 0.5)

	var distanceScore float64
	switch {
	case nearestMeters < 200:
		distanceScore = 0.5
	case nearestMeters < 500:
		distanceScore = 0.3
	case nearestMeters < 1000:
		distanceScore = 0.1
	}
	return countScore + distanceScore
}

// waitTimeScore decays with elapsed wait: demand that hasn't materialised in
// minutes is unlikely to materialise at all.
func waitTimeScore(waitSeconds int) float64 {
	waitMinutes := float64(waitSeconds) / 60
	switch {
	case waitMinutes < 1:
		return 0.8
	case waitMinutes < 3:
		return 0.6
	case waitMinutes < 5:
		return 0.4
	case waitMinutes < 10:
		return 0.2
	default:
		return 0.05
	}
}

// groupSizeScore captures social proof: a group of 3/4 attracts the fourth
// passenger far more readily than a solo rider attracts the second.
func groupSizeScore(size, maxSize int) float64 {
	if maxSize <= 0 {
		return 0
	}
	fill := float64(size) / float64(maxSize)
	switch {
	case fill >= 0.75:
		return 0.9
	case fill >= 0.5:
		return 0.6
	case fill >= 0.25:
		return 0.3
	default:
		return 0.1
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
