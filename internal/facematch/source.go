package facematch

import "strings"

// Source identifies the model that produced an embedding. Embeddings from different
// sources live in different similarity spaces and are never compared to each other.
type Source string

const (
	SourceFaceNet512       Source = "FACENET_512"
	SourceMobileFaceNet192 Source = "MOBILEFACENET_192"
	SourceHashFallback     Source = "HASH_FALLBACK"
	SourceUnknown          Source = "UNKNOWN"
)

// KnownSources lists every source with a dedicated threshold row.
var KnownSources = []Source{SourceFaceNet512, SourceMobileFaceNet192, SourceHashFallback}

// ParseSource normalizes a source tag. Unrecognized tags map to SourceUnknown.
func ParseSource(s string) Source {
	switch src := Source(strings.ToUpper(strings.TrimSpace(s))); src {
	case SourceFaceNet512, SourceMobileFaceNet192, SourceHashFallback:
		return src
	default:
		return SourceUnknown
	}
}

// Dimension returns the fixed embedding length of the source, or 0 when any positive
// length is accepted.
func (s Source) Dimension() int {
	switch s {
	case SourceFaceNet512:
		return 512
	case SourceMobileFaceNet192:
		return 192
	default:
		return 0
	}
}

// Thresholds is one row of the per-source threshold table.
type Thresholds struct {
	SafeSame     float64 `yaml:"safe_same" json:"safe_same"`
	UncertainLow float64 `yaml:"uncertain_low" json:"uncertain_low"`
	Pass2High    float64 `yaml:"pass2_high" json:"pass2_high"`
	Pass2Multi   float64 `yaml:"pass2_multi" json:"pass2_multi"`
}

// Valid reports whether the row is internally ordered.
func (t Thresholds) Valid() bool {
	return t.UncertainLow > 0 &&
		t.UncertainLow <= t.Pass2Multi &&
		t.Pass2Multi <= t.Pass2High &&
		t.Pass2High <= t.SafeSame &&
		t.SafeSame <= 1
}

// ThresholdTable maps sources to their thresholds, with a conservative fallback row.
type ThresholdTable struct {
	Sources map[Source]Thresholds `yaml:"sources" json:"sources"`
	Default Thresholds            `yaml:"default" json:"default"`
}

// DefaultThresholdTable returns the built-in table.
func DefaultThresholdTable() ThresholdTable {
	return ThresholdTable{
		Sources: map[Source]Thresholds{
			SourceFaceNet512:       {SafeSame: 0.62, UncertainLow: 0.35, Pass2High: 0.50, Pass2Multi: 0.48},
			SourceMobileFaceNet192: {SafeSame: 0.70, UncertainLow: 0.40, Pass2High: 0.58, Pass2Multi: 0.52},
			SourceHashFallback:     {SafeSame: 0.90, UncertainLow: 0.60, Pass2High: 0.85, Pass2Multi: 0.80},
		},
		Default: Thresholds{SafeSame: 0.75, UncertainLow: 0.45, Pass2High: 0.65, Pass2Multi: 0.60},
	}
}

// For returns the thresholds of a source, falling back to the default row.
func (t ThresholdTable) For(s Source) Thresholds {
	if row, ok := t.Sources[s]; ok {
		return row
	}
	return t.Default
}

// SafeSame returns the score at or above which a match is unambiguous.
func (t ThresholdTable) SafeSame(s Source) float64 { return t.For(s).SafeSame }

// UncertainLow returns the score below which faces are clearly different people.
func (t ThresholdTable) UncertainLow(s Source) float64 { return t.For(s).UncertainLow }

// Pass2High returns the single-anchor acceptance threshold for deferred faces.
func (t ThresholdTable) Pass2High(s Source) float64 { return t.For(s).Pass2High }

// Pass2Multi returns the per-anchor threshold of the multi-anchor corroboration path.
func (t ThresholdTable) Pass2Multi(s Source) float64 { return t.For(s).Pass2Multi }
