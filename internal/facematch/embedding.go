package facematch

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyEmbedding     = errors.New("embedding is empty")
	ErrDimensionMismatch  = errors.New("embedding dimension does not match source")
	ErrNonFiniteEmbedding = errors.New("embedding contains NaN or Inf")
	ErrZeroEmbedding      = errors.New("embedding has zero norm")
)

// ValidateEmbedding rejects degenerate vectors for a source.
func ValidateEmbedding(embedding []float32, s Source) error {
	if len(embedding) == 0 {
		return ErrEmptyEmbedding
	}
	if dim := s.Dimension(); dim > 0 && len(embedding) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(embedding), dim)
	}
	var norm float64
	for _, v := range embedding {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrNonFiniteEmbedding
		}
		norm += f * f
	}
	if norm == 0 {
		return ErrZeroEmbedding
	}
	return nil
}

// CosineSimilarity returns the cosine similarity of two vectors clamped to [-1, 1].
// Vectors of different length or zero norm have similarity -1.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return -1
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return -1
	}

	similarity := dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
	// Clamp to [-1, 1] to handle floating point errors
	return max(-1, min(1, similarity))
}

// CosineDistance is 1 - CosineSimilarity, in [0, 2].
func CosineDistance(a, b []float32) float64 {
	return 1 - CosineSimilarity(a, b)
}
