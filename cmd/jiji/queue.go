package main

import "sync"

// eventQueue is an unbounded, ordered single-producer/single-consumer queue.
//
// The producer never blocks. Ready fires when at least one event may be
// waiting; the consumer then drains with Drain.
type eventQueue struct {
	mu    sync.Mutex
	items []Event
	ready chan struct{}
}

func newEventQueue() *eventQueue {
	return &eventQueue{ready: make(chan struct{}, 1)}
}

// Push appends ev and wakes the consumer.
func (q *eventQueue) Push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready returns the wake-up channel.
func (q *eventQueue) Ready() <-chan struct{} { return q.ready }

// Drain removes and returns every queued event in push order.
func (q *eventQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
