package receive

import (
	"sync"
	"time"

	"github.com/zsiec/peerdecode/internal/receive/types"
)

// EventType identifies a stream lifecycle event
type EventType string

const (
	EventStreamStarted     EventType = "stream_started"
	EventStreamStopped     EventType = "stream_stopped"
	EventPeerRemoved       EventType = "peer_removed"
	EventKeyFrameRequired  EventType = "keyframe_required"
	EventKeyFrameRecovered EventType = "keyframe_recovered"
)

// Event is published to subscribers. PeerRemoved events carry only the
// peer ID in Stream.
type Event struct {
	Type     EventType       `json:"type"`
	Stream   types.StreamKey `json:"-"`
	Strategy string          `json:"strategy,omitempty"`
	Time     time.Time       `json:"time"`
}

// eventHub fans events out to subscribers without blocking the publisher.
// A subscriber that falls behind misses events.
type eventHub struct {
	mu     sync.RWMutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[int]chan Event)}
}

func (h *eventHub) subscribe(size int) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, size)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

func (h *eventHub) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
