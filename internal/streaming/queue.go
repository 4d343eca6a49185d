package streaming

import "sync"

// AudioQueue is an unbounded FIFO of audio chunks safe for concurrent producers.
type AudioQueue struct {
	mu    sync.Mutex
	items [][]byte
	bytes int
}

// NewAudioQueue creates an empty queue.
func NewAudioQueue() *AudioQueue {
	return &AudioQueue{items: [][]byte{}}
}

// Offer appends a copy of chunk to the tail.
func (q *AudioQueue) Offer(chunk []byte) {
	c := make([]byte, len(chunk))
	copy(c, chunk)

	q.mu.Lock()
	q.items = append(q.items, c)
	q.bytes += len(c)
	q.mu.Unlock()
}

// Peek returns the head without removing it.
// The boolean is false when the queue is empty.
func (q *AudioQueue) Peek() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Remove drops and returns the head.
func (q *AudioQueue) Remove() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	q.bytes -= len(item)
	return item, true
}

// Len returns the number of queued chunks.
func (q *AudioQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Bytes returns the total size of the queued chunks.
func (q *AudioQueue) Bytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// IsEmpty returns true if nothing is queued.
func (q *AudioQueue) IsEmpty() bool {
	return q.Len() == 0
}
