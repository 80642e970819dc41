package driver

import "sync"

// defaultQueueDepth bounds pending commands per driver.
const defaultQueueDepth = 256

// Queue is the FIFO of commands waiting for one driver goroutine.
// Push is safe from any goroutine; Drain and Close are called by the owner.
type Queue struct {
	mu     sync.Mutex
	items  []*Command
	max    int
	closed bool
	wake   chan struct{}
}

// NewQueue creates a queue holding at most max commands.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = defaultQueueDepth
	}
	return &Queue{max: max, wake: make(chan struct{}, 1)}
}

// Push appends a command and wakes the consumer.
func (q *Queue) Push(c *Command) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrStopped
	}
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items = append(q.items, c)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Drain removes and returns all pending commands in submission order.
func (q *Queue) Drain() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Wake fires after Push.
func (q *Queue) Wake() <-chan struct{} {
	return q.wake
}

// Len returns the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close rejects further pushes and returns whatever was still pending.
func (q *Queue) Close() []*Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	items := q.items
	q.items = nil
	return items
}
