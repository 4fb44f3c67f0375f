// Package events provides typed broadcast channels for SD card events.
package events

import (
	"sync"

	"github.com/printlink/printlink/internal/metrics"
	"github.com/printlink/printlink/pkg/models"
)

// Event type names as they appear on the wire.
const (
	TypeTreeUpdated  = "tree_updated"
	TypeCardInserted = "card_inserted"
	TypeCardEjected  = "card_ejected"
)

// TreeUpdated is published every poll cycle, unconditionally. It
// carries the freshly built tree and the state the poller observed at
// the end of the cycle.
type TreeUpdated struct {
	Tree    *models.FileTree `json:"tree"`
	SDState string           `json:"sd_state"`
}

// CardInserted is published only on the INITIALISING to PRESENT edge.
type CardInserted struct {
	Root  string           `json:"root"`
	Files *models.FileTree `json:"files"`
}

// CardEjected is published only on the PRESENT to ABSENT or PRESENT to
// INITIALISING edges.
type CardEjected struct {
	Root string `json:"root"`
}

const subscriberBuffer = 64

// Broadcaster fans SD card events out to subscribers. The three event
// kinds use distinct channels so each keeps its own payload shape.
// Publishing never blocks: events are dropped for slow consumers.
type Broadcaster struct {
	mu       sync.RWMutex
	updated  map[chan TreeUpdated]struct{}
	inserted map[chan CardInserted]struct{}
	ejected  map[chan CardEjected]struct{}
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		updated:  make(map[chan TreeUpdated]struct{}),
		inserted: make(map[chan CardInserted]struct{}),
		ejected:  make(map[chan CardEjected]struct{}),
	}
}

// SubscribeUpdated adds a tree_updated subscriber. The caller must call
// UnsubscribeUpdated when done.
func (b *Broadcaster) SubscribeUpdated() chan TreeUpdated {
	ch := make(chan TreeUpdated, subscriberBuffer)
	b.mu.Lock()
	b.updated[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(b.Count()))
	return ch
}

// UnsubscribeUpdated removes a tree_updated subscriber and closes its
// channel.
func (b *Broadcaster) UnsubscribeUpdated(ch chan TreeUpdated) {
	b.mu.Lock()
	delete(b.updated, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(b.Count()))
}

// SubscribeInserted adds a card_inserted subscriber.
func (b *Broadcaster) SubscribeInserted() chan CardInserted {
	ch := make(chan CardInserted, subscriberBuffer)
	b.mu.Lock()
	b.inserted[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(b.Count()))
	return ch
}

// UnsubscribeInserted removes a card_inserted subscriber and closes its
// channel.
func (b *Broadcaster) UnsubscribeInserted(ch chan CardInserted) {
	b.mu.Lock()
	delete(b.inserted, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(b.Count()))
}

// SubscribeEjected adds a card_ejected subscriber.
func (b *Broadcaster) SubscribeEjected() chan CardEjected {
	ch := make(chan CardEjected, subscriberBuffer)
	b.mu.Lock()
	b.ejected[ch] = struct{}{}
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(b.Count()))
	return ch
}

// UnsubscribeEjected removes a card_ejected subscriber and closes its
// channel.
func (b *Broadcaster) UnsubscribeEjected(ch chan CardEjected) {
	b.mu.Lock()
	delete(b.ejected, ch)
	close(ch)
	b.mu.Unlock()
	metrics.SetSubscribersActive(int64(b.Count()))
}

// PublishUpdated sends a tree_updated event to all subscribers.
func (b *Broadcaster) PublishUpdated(event TreeUpdated) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.updated {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordEvent(TypeTreeUpdated)
}

// PublishInserted sends a card_inserted event to all subscribers.
func (b *Broadcaster) PublishInserted(event CardInserted) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.inserted {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(TypeCardInserted)
}

// PublishEjected sends a card_ejected event to all subscribers.
func (b *Broadcaster) PublishEjected(event CardEjected) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.ejected {
		select {
		case ch <- event:
		default:
		}
	}
	metrics.RecordEvent(TypeCardEjected)
}

// Count returns the current number of subscribers across all channels.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.updated) + len(b.inserted) + len(b.ejected)
}
