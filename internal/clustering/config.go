package clustering

import (
	"errors"
	"fmt"
	"time"

	"github.com/kozaktomas/face-clusters/internal/constants"
	"github.com/kozaktomas/face-clusters/internal/database"
	"github.com/kozaktomas/face-clusters/internal/facematch"
)

// Config enumerates every tunable of the decision model and the statistics engine.
type Config struct {
	Thresholds facematch.ThresholdTable

	MinEvidenceGap       float64
	SessionBoost         float64
	SessionWindow        time.Duration
	MinSupportingAnchors int
	Pass2MinMargin       float64 // a deferred face closer than this to two clusters stays unresolved

	PoseBridgeMinSimilarity float64
	PoseBridgeMinConfidence float64

	StatsMinAnchors        int
	AcceptanceThresholdMin float64
	AcceptanceThresholdMax float64

	MaxAnchorsPerCluster int // top-N anchors per cluster used for matching
	SearchCandidates     int // anchors fetched from the index per face
	SearchWorkers        int // parallel Pass 1 searches
	Pass1Window          int // faces searched against one snapshot before it is republished
	ExactSearchLimit     int // anchors per source searched without the graph

	DuplicateIoU float64

	// UndoTTL is how long history entries stay undoable. Zero keeps them forever,
	// a negative value disables undo.
	UndoTTL time.Duration
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		Thresholds:              facematch.DefaultThresholdTable(),
		MinEvidenceGap:          constants.DefaultMinEvidenceGap,
		SessionBoost:            constants.DefaultSessionBoost,
		SessionWindow:           constants.DefaultSessionWindow,
		MinSupportingAnchors:    constants.DefaultMinSupportingAnchors,
		Pass2MinMargin:          constants.DefaultPass2MinMargin,
		PoseBridgeMinSimilarity: constants.PoseBridgeMinSimilarity,
		PoseBridgeMinConfidence: constants.PoseBridgeMinConfidence,
		StatsMinAnchors:         constants.StatsMinAnchors,
		AcceptanceThresholdMin:  constants.AcceptanceThresholdMin,
		AcceptanceThresholdMax:  constants.AcceptanceThresholdMax,
		MaxAnchorsPerCluster:    constants.DefaultMaxAnchorsPerCluster,
		SearchCandidates:        constants.DefaultSearchCandidates,
		SearchWorkers:           constants.DefaultSearchWorkers,
		Pass1Window:             constants.DefaultPass1Window,
		ExactSearchLimit:        database.ExactSearchLimit,
		DuplicateIoU:            constants.DuplicateIoUThreshold,
		UndoTTL:                 constants.DefaultUndoTTL,
	}
}

// Validate checks the configuration for values the engine cannot work with.
func (c *Config) Validate() error {
	var errs []error
	for src, row := range c.Thresholds.Sources {
		if !row.Valid() {
			errs = append(errs, fmt.Errorf("thresholds for %s are not ordered: %+v", src, row))
		}
	}
	if !c.Thresholds.Default.Valid() {
		errs = append(errs, fmt.Errorf("default thresholds are not ordered: %+v", c.Thresholds.Default))
	}
	if c.MinEvidenceGap < 0 || c.MinEvidenceGap >= 1 {
		errs = append(errs, fmt.Errorf("min evidence gap %v out of range [0, 1)", c.MinEvidenceGap))
	}
	if c.SessionBoost < 0 || c.SessionBoost >= 1 {
		errs = append(errs, fmt.Errorf("session boost %v out of range [0, 1)", c.SessionBoost))
	}
	if c.SessionWindow < 0 {
		errs = append(errs, errors.New("session window must not be negative"))
	}
	if c.MinSupportingAnchors < 1 {
		errs = append(errs, errors.New("min supporting anchors must be at least 1"))
	}
	if c.StatsMinAnchors < 2 {
		errs = append(errs, errors.New("statistics need at least 2 anchors"))
	}
	if c.AcceptanceThresholdMin > c.AcceptanceThresholdMax {
		errs = append(errs, errors.New("acceptance threshold min exceeds max"))
	}
	if c.MaxAnchorsPerCluster < 1 {
		errs = append(errs, errors.New("max anchors per cluster must be at least 1"))
	}
	if c.SearchCandidates <= c.MaxAnchorsPerCluster {
		errs = append(errs, fmt.Errorf("search candidates %d must exceed max anchors per cluster %d",
			c.SearchCandidates, c.MaxAnchorsPerCluster))
	}
	if c.Pass2MinMargin < 0 || c.Pass2MinMargin >= 1 {
		errs = append(errs, fmt.Errorf("pass 2 min margin %v out of range [0, 1)", c.Pass2MinMargin))
	}
	if c.SearchWorkers < 1 {
		errs = append(errs, errors.New("search workers must be at least 1"))
	}
	if c.Pass1Window < 1 {
		errs = append(errs, errors.New("pass 1 window must be at least 1"))
	}
	return errors.Join(errs...)
}
