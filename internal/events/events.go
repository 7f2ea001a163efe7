// Package events fans live run events out to API subscribers. Delivery is
// best effort; the durable record lives in the store's run_events table.
package events

import (
	"context"
	"sync"
)

type RunEvent struct {
	RunID      string         `json:"runId"`
	Type       string         `json:"type"`
	FromStatus string         `json:"fromStatus,omitempty"`
	ToStatus   string         `json:"toStatus,omitempty"`
	Ts         string         `json:"ts"`
	Data       map[string]any `json:"data,omitempty"`
}

type Broker struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan RunEvent]struct{}
}

func NewBroker() *Broker {
	return &Broker{
		subscribers: map[string]map[chan RunEvent]struct{}{},
	}
}

func (b *Broker) Subscribe(ctx context.Context, runID string) <-chan RunEvent {
	ch := make(chan RunEvent, 16)

	b.mu.Lock()
	if b.subscribers[runID] == nil {
		b.subscribers[runID] = map[chan RunEvent]struct{}{}
	}
	b.subscribers[runID][ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if b.subscribers[runID] != nil {
			delete(b.subscribers[runID], ch)
			if len(b.subscribers[runID]) == 0 {
				delete(b.subscribers, runID)
			}
		}
		// Close while holding the lock so a concurrent Publish, which
		// sends under the read lock, can never hit a closed channel.
		close(ch)
		b.mu.Unlock()
	}()

	return ch
}

// Publish delivers to current subscribers. Slow subscribers drop events
// rather than block the publisher.
func (b *Broker) Publish(event RunEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[event.RunID] {
		select {
		case ch <- event:
		default:
		}
	}
}
