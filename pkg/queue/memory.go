package queue

import (
	"fmt"
	"sync"
)

const (
	// DefaultBufferSize is the default maximum size of an in-memory queue.
	DefaultBufferSize = 1024
)

// InMemoryQueue implements a bounded in-memory queue.
type InMemoryQueue struct {
	lock  sync.Mutex
	items []interface{}
	max   int
}

// NewInMemoryQueue creates a new queue holding at most max items.
func NewInMemoryQueue(max int) *InMemoryQueue {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &InMemoryQueue{
		max: max,
	}
}

func (q *InMemoryQueue) Enqueue(item interface{}) error {
	q.lock.Lock()
	defer q.lock.Unlock()
	if len(q.items) >= q.max {
		return fmt.Errorf("queue is full (%d items)", q.max)
	}
	q.items = append(q.items, item)
	return nil
}

func (q *InMemoryQueue) Drain() []interface{} {
	q.lock.Lock()
	defer q.lock.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *InMemoryQueue) Size() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *InMemoryQueue) Clear() {
	q.lock.Lock()
	defer q.lock.Unlock()
	q.items = nil
}
