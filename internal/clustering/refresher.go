package clustering

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusters/internal/database"
)

const refreshRetryDelay = 50 * time.Millisecond

// statsRefresher recomputes cluster statistics in the background. It never waits for a
// cluster lock: a busy or changed cluster is put back in the queue.
type statsRefresher struct {
	engine *Engine
	notify chan struct{}

	mu       sync.Mutex
	queue    []string
	queued   map[string]bool
	inFlight map[string]context.CancelFunc
}

func newStatsRefresher(e *Engine) *statsRefresher {
	return &statsRefresher{
		engine:   e,
		notify:   make(chan struct{}, 1),
		queued:   make(map[string]bool),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// enqueue schedules clusters for recomputation.
func (r *statsRefresher) enqueue(ids ...string) {
	r.mu.Lock()
	for _, id := range ids {
		if id == "" || r.queued[id] {
			continue
		}
		r.queued[id] = true
		r.queue = append(r.queue, id)
	}
	r.mu.Unlock()

	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// cancel drops a queued cluster and aborts its running computation.
func (r *statsRefresher) cancel(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued[id] {
		delete(r.queued, id)
		for i, q := range r.queue {
			if q == id {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				break
			}
		}
	}
	if stop, ok := r.inFlight[id]; ok {
		stop()
	}
}

func (r *statsRefresher) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

func (r *statsRefresher) next(ctx context.Context) (string, context.Context, context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", nil, nil, false
	}
	id := r.queue[0]
	r.queue = r.queue[1:]
	delete(r.queued, id)
	jobCtx, stop := context.WithCancel(ctx)
	r.inFlight[id] = stop
	return id, jobCtx, stop, true
}

func (r *statsRefresher) done(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
}

// run processes the queue until ctx is cancelled.
func (r *statsRefresher) run(ctx context.Context) {
	logger := r.engine.logger
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		}

		for {
			id, jobCtx, stop, ok := r.next(ctx)
			if !ok {
				break
			}
			retry, err := r.engine.refreshCluster(jobCtx, id, false)
			stop()
			r.done(id)
			switch {
			case ctx.Err() != nil:
				return
			case err != nil && jobCtx.Err() == nil:
				logger.Warn("statistics refresh failed", "cluster_id", id, "error", err)
			case retry:
				time.AfterFunc(refreshRetryDelay, func() { r.enqueue(id) })
			}
		}
	}
}

// refreshCluster recomputes the statistics of one cluster. With wait=false it gives up
// and reports retry=true when the cluster is locked or its anchors changed meanwhile.
// With wait=true it waits for the cluster lock and starts over after a concurrent
// anchor change.
func (e *Engine) refreshCluster(ctx context.Context, clusterID string, wait bool) (bool, error) {
	for {
		retry, err := e.refreshClusterOnce(ctx, clusterID, wait)
		if !wait || !retry || err != nil {
			return retry, err
		}
	}
}

// refreshClusterOnce makes one attempt. It reports retry=true when the anchors changed
// between the computation and the commit, and releases the cluster lock before returning.
func (e *Engine) refreshClusterOnce(ctx context.Context, clusterID string, wait bool) (bool, error) {
	e.mu.RLock()
	if _, ok := e.ws.liveCluster(clusterID); !ok {
		e.mu.RUnlock()
		return false, nil
	}
	gen := e.ws.anchorGen[clusterID]
	anchors := e.ws.activeAnchors(clusterID)
	e.mu.RUnlock()

	stats, means := ComputeStatistics(clusterID, anchors, 0, &e.cfg, e.now())
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var unlock func()
	if wait {
		unlock = e.locks.Lock(clusterID)
	} else {
		var ok bool
		if unlock, ok = e.locks.TryLock(clusterID); !ok {
			return true, nil
		}
	}
	defer unlock()

	e.mu.RLock()
	if e.ws.anchorGen[clusterID] != gen {
		e.mu.RUnlock()
		return true, nil
	}
	changes := &database.ChangeSet{}
	_, hadStats := e.ws.stats[clusterID]
	if stats != nil {
		stats.TotalFaceCount = e.ws.memberCount(clusterID)
		changes.Statistics = append(changes.Statistics, *stats)
	} else if hadStats {
		changes.DeletedStatistics = append(changes.DeletedStatistics, clusterID)
	}
	for _, a := range anchors {
		mean := means[a.AnchorID]
		if current := e.ws.anchors[a.AnchorID]; current.IntraClusterMeanSimilarity != mean {
			updated := *current
			updated.IntraClusterMeanSimilarity = mean
			changes.Anchors = append(changes.Anchors, updated)
		}
	}
	e.mu.RUnlock()

	if changes.IsEmpty() {
		return false, nil
	}
	if err := e.commit(ctx, changes); err != nil {
		return false, fmt.Errorf("store statistics of cluster %s: %w", clusterID, err)
	}
	e.logger.Debug("cluster statistics refreshed", "cluster_id", clusterID, "anchors", len(anchors))
	return false, nil
}
