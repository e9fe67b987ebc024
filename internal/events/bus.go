// Package events provides a publish/subscribe event bus for agent
// observability. Components (coordinator, backend link, proximity
// watcher, world client) publish what happened; subscribers (MQTT
// publisher, transcript archive) react. The bus is nil-safe: calling
// Publish on a nil *Bus is a no-op, so components do not need guard
// checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceCoordinator identifies events from the animation state
	// coordinator.
	SourceCoordinator = "coordinator"
	// SourceBackend identifies events from the voice backend link.
	SourceBackend = "backend"
	// SourceProximity identifies events from the proximity watcher.
	SourceProximity = "proximity"
	// SourceWorld identifies events from the virtual-world client.
	SourceWorld = "world"
)

// Kind constants describe the type of event within a source.
const (
	// KindAnimation signals a change of the displayed animation.
	// Data: animation, previous.
	KindAnimation = "animation"
	// KindPose signals a position or rotation change.
	// Data: position, rotation.
	KindPose = "pose"
	// KindBackendUp signals the backend socket opened.
	// Data: url.
	KindBackendUp = "backend_up"
	// KindBackendDown signals the backend socket closed.
	// Data: url.
	KindBackendDown = "backend_down"
	// KindGreeting signals a proximity greeting was sent.
	// Data: actor_id, actor_name, distance, text.
	KindGreeting = "greeting"
	// KindNearby signals an avatar inside the proximity radius.
	// Data: actor_id, distance.
	KindNearby = "nearby"
	// KindChat signals a chat line was appended to the history.
	// Data: id, sender, text.
	KindChat = "chat"
	// KindLifecycle signals a world session lifecycle transition.
	// Data: event, reason.
	KindLifecycle = "lifecycle"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; a slow subscriber misses events rather than
// stalling the coordinator.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscription

	dropped atomic.Int64
}

type subscription struct {
	ch    chan Event
	kinds map[string]bool // nil matches every kind
}

func (s *subscription) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscription)}
}

// Publish delivers e to every matching subscriber whose buffer has
// room. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel of published events with room for
// bufSize pending events. When kinds are given only those kinds are
// delivered. The caller must eventually call Unsubscribe.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	sub := &subscription{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub.ch] = sub
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
