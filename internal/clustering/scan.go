package clustering

import (
	"context"
	"slices"
	"sync"

	"github.com/kozaktomas/face-clusters/internal/database"
)

// Scan is a running or finished photo-scan batch.
type Scan struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu             sync.RWMutex
	checkpoint     database.ScanCheckpoint
	result         ScanResult
	pauseRequested bool
	resumeCh       chan struct{}
	err            error

	// faces holds the records the scan processes, keyed by face id. It is only
	// touched by the scan goroutine.
	faces    map[string]*database.FaceRecord
	deferred map[string]DeferredFace
}

func newScan(cp database.ScanCheckpoint, faces map[string]*database.FaceRecord) *Scan {
	return &Scan{
		id:         cp.ScanID,
		done:       make(chan struct{}),
		checkpoint: cp,
		result:     ScanResult{ScanID: cp.ScanID, Status: cp.Status, Counters: cp.Counters},
		faces:      faces,
		deferred:   make(map[string]DeferredFace),
	}
}

// ID returns the scan id.
func (s *Scan) ID() string { return s.id }

// Done is closed when the scan goroutine exits.
func (s *Scan) Done() <-chan struct{} { return s.done }

// Status returns the current scan status.
func (s *Scan) Status() database.ScanStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint.Status
}

// Phase returns the pass the scan is in.
func (s *Scan) Phase() database.ScanPhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint.Phase
}

// Counters returns the progress counters.
func (s *Scan) Counters() database.ScanCounters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint.Counters
}

// Checkpoint returns a copy of the current checkpoint.
func (s *Scan) Checkpoint() database.ScanCheckpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneCheckpoint(&s.checkpoint)
}

// Result returns a copy of the result collected so far.
func (s *Scan) Result() ScanResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := s.result
	r.Status = s.checkpoint.Status
	r.Counters = s.checkpoint.Counters
	r.Pass1.Assigned = slices.Clone(r.Pass1.Assigned)
	r.Pass1.Created = slices.Clone(r.Pass1.Created)
	r.Pass1.Deferred = slices.Clone(r.Pass1.Deferred)
	r.Pass1.DisplayOnly = slices.Clone(r.Pass1.DisplayOnly)
	r.Pass1.Rejected = slices.Clone(r.Pass1.Rejected)
	r.Pass2.Resolved = slices.Clone(r.Pass2.Resolved)
	r.Pass2.Unresolved = slices.Clone(r.Pass2.Unresolved)
	r.Pass2.Suggestions = slices.Clone(r.Pass2.Suggestions)
	return r
}

// Err returns the error that stopped the scan, if any.
func (s *Scan) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Wait blocks until the scan stops or ctx is done.
func (s *Scan) Wait(ctx context.Context) (ScanResult, error) {
	select {
	case <-s.done:
		return s.Result(), s.Err()
	case <-ctx.Done():
		return s.Result(), ctx.Err()
	}
}

func (s *Scan) running() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// update changes the checkpoint under the scan lock and returns a copy for persisting.
func (s *Scan) update(fn func(cp *database.ScanCheckpoint, r *ScanResult)) *database.ScanCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.checkpoint, &s.result)
	cp := cloneCheckpoint(&s.checkpoint)
	return &cp
}

// next returns the checkpoint that would result from fn without applying it.
func (s *Scan) next(fn func(cp *database.ScanCheckpoint)) *database.ScanCheckpoint {
	s.mu.RLock()
	cp := cloneCheckpoint(&s.checkpoint)
	s.mu.RUnlock()
	fn(&cp)
	return &cp
}

// advance installs a persisted checkpoint and records the decision in the result.
func (s *Scan) advance(cp *database.ScanCheckpoint, fn func(r *ScanResult)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = cloneCheckpoint(cp)
	if fn != nil {
		fn(&s.result)
	}
}

func (s *Scan) requestPause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkpoint.Status != database.ScanRunning || s.pauseRequested {
		return false
	}
	s.pauseRequested = true
	return true
}

func (s *Scan) requestResume() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pauseRequested {
		return false
	}
	s.pauseRequested = false
	if s.resumeCh != nil {
		close(s.resumeCh)
		s.resumeCh = nil
	}
	return true
}

// pauseChannel returns a channel closed on resume when a pause was requested.
func (s *Scan) pauseChannel() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pauseRequested {
		return nil
	}
	s.resumeCh = make(chan struct{})
	return s.resumeCh
}

func cloneCheckpoint(cp *database.ScanCheckpoint) database.ScanCheckpoint {
	c := *cp
	c.FaceIDs = slices.Clone(cp.FaceIDs)
	c.DeferredFaceIDs = slices.Clone(cp.DeferredFaceIDs)
	return c
}
