// Package eventbus is a single-process pub/sub delivering JSON events to
// long-lived viewer subscribers. Publish snapshots the subscriber list
// under a read lock and sends outside any lock; every viewer gets every
// event — there are no per-topic subscriptions.
package eventbus

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// EventType enumerates the broadcastable event kinds.
type EventType string

const (
	SessionStarted    EventType = "session_started"
	ObservationQueued EventType = "observation_queued"
	ObservationStored EventType = "observation_stored"
	SummaryStored     EventType = "summary_stored"
	ProcessingStatus  EventType = "processing_status"
	SessionCompleted  EventType = "session_completed"
)

// Event is the union of all broadcastable payload fields: a flat struct
// with a discriminant Type field, marshaled directly to JSON for the SSE
// wire. Only the fields relevant to Type are populated.
type Event struct {
	Type EventType `json:"type"`

	SessionDBID int64  `json:"sessionDbId,omitempty"`
	Project     string `json:"project,omitempty"`
	ArtifactID  int64  `json:"id,omitempty"`

	IsProcessing bool `json:"isProcessing"`
	QueueDepth   int  `json:"queueDepth"`

	Timestamp string `json:"timestamp,omitempty"`
}

// subscriberQueueSize bounds each subscriber's buffered channel; a
// subscriber whose queue overflows is dropped.
const subscriberQueueSize = 64

type subscriber struct {
	id string
	ch chan Event
}

// Bus fans out Events to every live subscriber. Publish takes a snapshot
// of the subscriber set under a brief RLock and sends outside any lock, so
// a slow subscriber never blocks registration or other sends.
type Bus struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[string]*subscriber)}
}

// Subscribe registers a new viewer and returns its event channel plus an
// unsubscribe function the caller must invoke when the connection closes.
// There is no replay: a subscriber only sees events broadcast after it
// joined.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	id := uuid.NewString()
	sub := &subscriber{id: id, ch: make(chan Event, subscriberQueueSize)}
	b.subs[id] = sub
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	return sub.ch, unsubscribe
}

// Publish delivers ev to every current subscriber with a non-blocking send;
// a subscriber whose buffer is full is dropped rather than allowed to stall
// the broadcaster.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	var evicted []string
	for _, s := range targets {
		select {
		case s.ch <- ev:
		default:
			evicted = append(evicted, s.id)
		}
	}
	if len(evicted) == 0 {
		return
	}

	b.mu.Lock()
	for _, id := range evicted {
		if s, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(s.ch)
		}
	}
	b.mu.Unlock()
	slog.Debug("evicted slow event subscribers", "count", len(evicted))
}

// SubscriberCount reports the current number of live viewers, used by the
// health/stats handlers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
