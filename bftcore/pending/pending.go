// Package pending holds the FIFO queue NEW_TXNS/PRE_PREPARE/PREPARE/
// COMMIT messages are buffered into while a view change is in
// progress (§3 "Pending queue", §5 "dedicated mutex; drained in FIFO
// order exactly once per view installation").
package pending

import (
	"sync"

	"github.com/ferrobft/bftcore/wire"
)

// Queue is a FIFO buffer with its own mutex, independent of any other
// component's locking.
type Queue struct {
	mu    sync.Mutex
	items []*wire.Request
}

// New returns an empty queue.
func New() *Queue { return &Queue{} }

// Push appends a message to the back of the queue.
func (q *Queue) Push(req *wire.Request) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, req)
}

// Len reports the number of buffered messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainFIFO removes and returns every buffered message in arrival
// order, resetting the queue to empty. Intended to be called exactly
// once per view installation.
func (q *Queue) DrainFIFO() []*wire.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}
