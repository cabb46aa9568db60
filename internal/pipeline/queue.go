package pipeline

import (
	"context"
	"time"
)

// DefaultQueueWait bounds a single [Queue.Pop] so the generator notices
// shutdown promptly.
const DefaultQueueWait = 250 * time.Millisecond

// queueCapacity is generous: a customer cannot finalize utterances faster
// than the generator drains them for any realistic length of time.
const queueCapacity = 64

// Utterance is one finalized customer turn waiting for a response.
type Utterance struct {
	Text     string
	TurnID   int
	Received time.Time
}

// Queue is the FIFO between the transcript receiver and the response
// generator. It has a single producer and a single consumer and performs no
// deduplication.
type Queue struct {
	ch chan Utterance
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{ch: make(chan Utterance, queueCapacity)}
}

// Push appends u. It only blocks when the queue is full, and then no longer
// than ctx allows.
func (q *Queue) Push(ctx context.Context, u Utterance) error {
	select {
	case q.ch <- u:
		return nil
	default:
	}
	select {
	case q.ch <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop removes the oldest utterance, waiting up to wait for one. It reports
// false on timeout or when ctx ends.
func (q *Queue) Pop(ctx context.Context, wait time.Duration) (Utterance, bool) {
	select {
	case u := <-q.ch:
		return u, true
	default:
	}
	if wait <= 0 {
		return Utterance{}, false
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case u := <-q.ch:
		return u, true
	case <-timer.C:
		return Utterance{}, false
	case <-ctx.Done():
		return Utterance{}, false
	}
}

// Len returns the number of queued utterances.
func (q *Queue) Len() int { return len(q.ch) }
