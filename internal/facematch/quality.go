package facematch

// Tier boundaries. A face is checked against the strongest tier first.
const (
	AnchorMinScore         = 65.0
	AnchorMinSharpness     = 15.0
	AnchorMinEyeVisibility = 6.0

	ClusteringMinScore     = 50.0
	ClusteringMinSharpness = 10.0

	DisplayOnlyMinScore = 35.0
)

// ClassifyQuality maps quality metrics to exactly one tier.
func ClassifyQuality(m QualityMetrics) QualityTier {
	switch {
	case m.Score >= AnchorMinScore && m.Sharpness >= AnchorMinSharpness && m.EyeVisibility >= AnchorMinEyeVisibility:
		return TierAnchor
	case m.Score >= ClusteringMinScore && m.Sharpness >= ClusteringMinSharpness:
		return TierClustering
	case m.Score >= DisplayOnlyMinScore:
		return TierDisplayOnly
	default:
		return TierRejected
	}
}

// CanFormCluster reports whether a face of this tier may create a cluster or act as a
// matching target.
func (t QualityTier) CanFormCluster() bool {
	return t == TierAnchor
}

// CanJoinCluster reports whether a face of this tier may become a cluster member.
func (t QualityTier) CanJoinCluster() bool {
	return t == TierAnchor || t == TierClustering
}

// CanUpdateRepresentatives reports whether a face of this tier may be promoted to an anchor.
func (t QualityTier) CanUpdateRepresentatives() bool {
	return t == TierAnchor
}

// IsPersisted reports whether faces of this tier are stored at all.
func (t QualityTier) IsPersisted() bool {
	return t != TierRejected && t != ""
}

// ParseQualityTier parses a stored tier name. Unknown names map to TierRejected.
func ParseQualityTier(s string) QualityTier {
	switch QualityTier(s) {
	case TierAnchor, TierClustering, TierDisplayOnly:
		return QualityTier(s)
	default:
		return TierRejected
	}
}
