package facematch

// ClassifyZone classifies a cosine similarity against a threshold row.
// Absence of a safe match is a valid outcome, never an error.
func ClassifyZone(score float64, t Thresholds) Zone {
	switch {
	case score >= t.SafeSame:
		return ZoneSafeSame
	case score < t.UncertainLow:
		return ZoneSafeDifferent
	default:
		return ZoneUncertain
	}
}

// Classify classifies a score using the row of the given source.
func (t ThresholdTable) Classify(score float64, s Source) Zone {
	return ClassifyZone(score, t.For(s))
}
