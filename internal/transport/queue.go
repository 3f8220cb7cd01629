package transport

import (
	"sync"
	"sync/atomic"
)

// EventQueue runs pushed functions one at a time in FIFO order on its own
// goroutine. Adapters deliver Handler events through it so that a handler may
// close channels or open new ones from inside a callback.
type EventQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []func()
	stopped bool
	pending atomic.Int64
}

// NewEventQueue starts a queue.
func NewEventQueue() *EventQueue {
	q := &EventQueue{}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Push appends fn. Pushes after Stop are discarded.
func (q *EventQueue) Push(fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.pending.Add(1)
	q.items = append(q.items, fn)
	q.cond.Signal()
}

// Pending returns the number of queued or running functions.
func (q *EventQueue) Pending() int64 {
	return q.pending.Load()
}

// Stop discards queued functions and ends the goroutine once the running
// function, if any, returns.
func (q *EventQueue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.pending.Add(-int64(len(q.items)))
	q.items = nil
	q.cond.Broadcast()
}

func (q *EventQueue) run() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.stopped {
			q.cond.Wait()
		}
		if q.stopped {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		fn()
		q.pending.Add(-1)
	}
}
