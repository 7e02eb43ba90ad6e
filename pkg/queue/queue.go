package queue

// Queue is a bounded FIFO queue used to hand events between goroutines
// without blocking the producer.
type Queue interface {
	// Enqueue appends an item to the queue. It returns an error if the
	// queue is full rather than blocking the caller.
	Enqueue(item interface{}) error
	// Drain removes and returns all pending items in FIFO order.
	Drain() []interface{}
	// Size returns the number of pending items.
	Size() int
	// Clear discards all pending items.
	Clear()
}
