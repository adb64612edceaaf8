package dispatch

import (
	"context"
	"fmt"
)

// HeuristicStrategy deterministic distance/workload score over candidates with a known location.
// Ties go to the lowest driver id.
type HeuristicStrategy struct {
	weightKm float64
}

func NewHeuristicStrategy(weightKm float64) *HeuristicStrategy {
	if weightKm <= 0 {
		weightKm = DefaultWorkloadWeightKm
	}
	return &HeuristicStrategy{weightKm: weightKm}
}

func (h *HeuristicStrategy) Name() string { return MethodHeuristic }

func (h *HeuristicStrategy) Select(_ context.Context, sc *SelectionContext) (*Selection, error) {
	var (
		best      *Candidate
		bestScore float64
		bestDist  float64
	)
	for i := range sc.Candidates {
		c := &sc.Candidates[i]
		if !c.HasLocation() {
			continue
		}
		dist := Haversine(*c.Latitude, *c.Longitude, sc.Bin.Latitude, sc.Bin.Longitude)
		score := WeightedScore(dist, c.ActiveTasks, h.weightKm)
		if best == nil || score < bestScore || (score == bestScore && c.DriverID < best.DriverID) {
			best, bestScore, bestDist = c, score, dist
		}
	}
	if best == nil {
		return nil, noSelection("no candidate with a known location among %d", len(sc.Candidates))
	}
	workload := best.ActiveTasks
	dist := bestDist
	return &Selection{
		DriverID:   best.DriverID,
		Method:     MethodHeuristic,
		Reason:     fmt.Sprintf("lowest score %.2f (%.2f km, %d active tasks)", bestScore, bestDist, workload),
		DistanceKm: &dist,
		Workload:   &workload,
	}, nil
}
