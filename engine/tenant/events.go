package tenant

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a tenant lifecycle or sync transition.
type EventType string

const (
	EventUserLoaded    EventType = "user-loaded"
	EventUserEvicted   EventType = "user-evicted"
	EventUserSuspended EventType = "user-suspended"
	EventUserExpired   EventType = "user-expired"
	EventConfigSynced  EventType = "config-synced"
	EventSyncFailed    EventType = "sync-failed"
)

// EvictReason records why an instance left the cache.
type EvictReason string

const (
	EvictIdle     EvictReason = "idle"
	EvictLRU      EvictReason = "lru"
	EvictManual   EvictReason = "manual"
	EvictShutdown EvictReason = "shutdown"
)

// Event is one entry on the manager's event stream. Only the fields
// relevant to the event type are populated.
type Event struct {
	ID        string      `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	UserID    string      `json:"user_id,omitempty"`
	Reason    EvictReason `json:"reason,omitempty"`
	// Count and SyncTimestamp accompany config-synced.
	Count         int    `json:"count,omitempty"`
	SyncTimestamp string `json:"sync_timestamp,omitempty"`
	// Error and ConsecutiveFailures accompany sync-failed.
	Error               string `json:"error,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
}

// Subscriber receives published events. Slow subscribers lose events
// rather than stall the dispatcher.
type Subscriber chan Event

const (
	brokerBuffer     = 256
	subscriberBuffer = 64
)

// Broker fans manager events out to subscribers from a dedicated
// goroutine so listeners never run under the manager lock.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[Subscriber]struct{}
	eventCh     chan Event
	stopCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewBroker creates a broker; call Start before publishing.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]struct{}),
		eventCh:     make(chan Event, brokerBuffer),
		stopCh:      make(chan struct{}),
	}
}

// Start launches the dispatch goroutine. Idempotent.
func (b *Broker) Start() {
	b.startOnce.Do(func() {
		b.wg.Add(1)
		go b.run()
	})
}

// Stop halts dispatch and closes every subscriber channel. Idempotent.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub)
		delete(b.subscribers, sub)
	}
}

// Subscribe registers a new listener and returns its event channel.
func (b *Broker) Subscribe() Subscriber {
	sub := make(Subscriber, subscriberBuffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a listener and closes its channel.
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// SubscriberCount returns the number of registered listeners.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Publish enqueues an event for dispatch, assigning it an id and
// timestamp. Publish never blocks: if the broker is stopped or the
// queue is full the event is dropped.
func (b *Broker) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- evt:
	case <-b.stopCh:
	default:
	}
}

func (b *Broker) run() {
	defer b.wg.Done()
	for {
		select {
		case evt := <-b.eventCh:
			b.broadcast(evt)
		case <-b.stopCh:
			// Drain anything already enqueued before exiting.
			for {
				select {
				case evt := <-b.eventCh:
					b.broadcast(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Broker) broadcast(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		select {
		case sub <- evt:
		default:
		}
	}
}
