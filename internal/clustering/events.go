package clustering

import (
	"slices"
	"sync"
	"time"

	"github.com/kozaktomas/face-clusters/internal/constants"
	"github.com/kozaktomas/face-clusters/internal/database"
)

// EventType names a decision or progress event.
type EventType string

const (
	EventAssigned           EventType = "assigned"
	EventClusterCreated     EventType = "clusterCreated"
	EventDeferred           EventType = "deferred"
	EventMergeSuggested     EventType = "mergeSuggested"
	EventRejected           EventType = "rejected"
	EventDisplayOnly        EventType = "displayOnly"
	EventProgress           EventType = "progress"
	EventScanStatus         EventType = "scanStatus"
	EventConstraintConflict EventType = "constraintConflict"
)

// Event is one entry of the decision stream. Only the fields relevant to the type are set.
type Event struct {
	Type       EventType              `json:"type"`
	ScanID     string                 `json:"scan_id,omitempty"`
	FaceID     string                 `json:"face_id,omitempty"`
	ClusterID  string                 `json:"cluster_id,omitempty"`
	ClusterB   string                 `json:"cluster_b,omitempty"`
	AnchorID   string                 `json:"anchor_id,omitempty"`
	Similarity float64                `json:"similarity,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	Status     database.ScanStatus    `json:"status,omitempty"`
	Phase      database.ScanPhase     `json:"phase,omitempty"`
	Counters   *database.ScanCounters `json:"counters,omitempty"`
	Time       time.Time              `json:"time"`
}

// Broadcaster fans events out to listeners. Sending never blocks: a listener whose
// buffer is full misses the event.
type Broadcaster struct {
	listeners []chan Event
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *Broadcaster) AddListener() chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener and closes its channel.
func (b *Broadcaster) RemoveListener(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = slices.Delete(b.listeners, i, i+1)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *Broadcaster) SendEvent(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// closeAll closes every listener.
func (b *Broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.listeners {
		close(ch)
	}
	b.listeners = nil
}
