package queue

// Queue represents a basic queue.
type Queue interface {
	// Enqueue adds an item to the end of the queue.
	Enqueue(item interface{}) error
	// Dequeue removes and returns the item from the front of the queue,
	// blocking until one is available.
	Dequeue() (interface{}, error)
	// Size returns the current size of the queue.
	Size() int
	// ReadAllMessages reads all pending items from the queue without blocking.
	ReadAllMessages() ([]interface{}, error)
	// ClearQueue discards all pending items.
	ClearQueue() error
}
