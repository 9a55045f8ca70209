// SPDX-License-Identifier: MIT

package queue

import (
	"sync"

	"github.com/sonralabs/palantir/internal/job"
)

// EventType identifies a queue lifecycle event.
type EventType string

const (
	EventActive    EventType = "active"
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventStalled   EventType = "stalled"
)

// Event is a snapshot of a job at the moment of a state change. The embedded
// Job is a copy; subscribers may retain it.
type Event struct {
	Type EventType
	Job  job.Job
}

const subscriberBuffer = 256

// Bus fans queue events out to subscribers. Publish never blocks the queue:
// a subscriber that falls more than subscriberBuffer events behind loses the
// oldest events. Consumers needing exact state re-read through the queue.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan Event)}
}

// Subscribe registers a new event stream. The returned cancel function must
// be called to release the subscription.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers e to all subscribers without blocking.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Drop the oldest event to keep the stream moving.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- e:
			default:
			}
		}
	}
}
