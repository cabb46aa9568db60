package display

import (
	"context"
	"sync"
	"time"
)

// Bus is an unbounded FIFO of display events. Publish never blocks, so a slow
// renderer cannot stall the audio or generation workers. Receive is meant for
// a single consumer.
//
// The zero value is not usable; create with [NewBus].
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	total  uint64
}

// NewBus returns an empty Bus.
func NewBus() *Bus {
	return &Bus{notify: make(chan struct{}, 1)}
}

// Publish appends ev to the bus. Safe for concurrent use.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	b.queue = append(b.queue, ev)
	b.total++
	b.mu.Unlock()

	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Receive returns the oldest event, waiting up to wait for one to arrive. It
// reports false when the wait elapsed or ctx ended first. A wait of zero or
// less only checks for a pending event.
func (b *Bus) Receive(ctx context.Context, wait time.Duration) (Event, bool) {
	if ev, ok := b.pop(); ok {
		return ev, true
	}
	if wait <= 0 {
		return Event{}, false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case <-b.notify:
			if ev, ok := b.pop(); ok {
				return ev, true
			}
		case <-timer.C:
			return b.pop()
		case <-ctx.Done():
			return Event{}, false
		}
	}
}

// Drain removes and returns every pending event in order.
func (b *Bus) Drain() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.queue
	b.queue = nil
	return out
}

// Len returns the number of pending events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Published returns the number of events ever published.
func (b *Bus) Published() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

func (b *Bus) pop() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return Event{}, false
	}
	ev := b.queue[0]
	b.queue[0] = Event{}
	b.queue = b.queue[1:]
	if len(b.queue) == 0 {
		b.queue = nil
	}
	return ev, true
}
