package clustering

import (
	"math"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// AcceptanceThreshold derives the adaptive per-cluster threshold
// clamp(mean - 2*stdDev, lo, hi). The result is always within [lo, hi].
func AcceptanceThreshold(mean, stdDev, lo, hi float64) float64 {
	t := mean - 2*stdDev
	if math.IsNaN(t) {
		return lo
	}
	return max(lo, min(hi, t))
}

// ComputeStatistics summarizes the pairwise similarity of a cluster's anchors. Only
// anchors of the same source are compared. It returns nil when fewer than
// cfg.StatsMinAnchors anchors or no comparable pairs exist. The second result holds the
// mean similarity of each anchor to the others.
func ComputeStatistics(clusterID string, anchors []*database.ClusterAnchor, totalFaces int, cfg *Config, now time.Time) (*database.ClusterStatistics, map[string]float64) {
	if len(anchors) < cfg.StatsMinAnchors {
		return nil, nil
	}

	sums := make(map[string]float64, len(anchors))
	counts := make(map[string]int, len(anchors))
	var (
		sims     []float64
		sum      float64
		minSim   = math.Inf(1)
		maxSim   = math.Inf(-1)
		poseDist = make(map[facematch.PoseCategory]int)
	)
	for i, a := range anchors {
		poseDist[a.PoseCategory]++
		for _, b := range anchors[i+1:] {
			if a.Source != b.Source || len(a.Embedding) != len(b.Embedding) {
				continue
			}
			s := facematch.CosineSimilarity(a.Embedding, b.Embedding)
			sims = append(sims, s)
			sum += s
			minSim = min(minSim, s)
			maxSim = max(maxSim, s)
			sums[a.AnchorID] += s
			sums[b.AnchorID] += s
			counts[a.AnchorID]++
			counts[b.AnchorID]++
		}
	}
	if len(sims) == 0 {
		return nil, nil
	}

	mean := sum / float64(len(sims))
	var sq float64
	for _, s := range sims {
		sq += (s - mean) * (s - mean)
	}
	variance := sq / float64(len(sims))
	stdDev := math.Sqrt(variance)

	means := make(map[string]float64, len(anchors))
	for id, n := range counts {
		means[id] = sums[id] / float64(n)
	}

	return &database.ClusterStatistics{
		ClusterID:           clusterID,
		MeanSimilarity:      mean,
		Variance:            variance,
		StdDev:              stdDev,
		Min:                 minSim,
		Max:                 maxSim,
		AcceptanceThreshold: AcceptanceThreshold(mean, stdDev, cfg.AcceptanceThresholdMin, cfg.AcceptanceThresholdMax),
		AnchorCount:         len(anchors),
		TotalFaceCount:      totalFaces,
		PoseDistribution:    poseDist,
		ComputedAt:          now,
	}, means
}
