package codec

import "sync"

// queue hands items from a child-process reader goroutine to the worker.
// Once closed, pops drain the remaining items and then return the close
// error.
type queue[T any] struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []T
	closed bool
	err    error
}

func newQueue[T any]() *queue[T] {
	q := &queue[T]{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends v. It reports false when the queue is closed.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, v)
	q.cond.Signal()
	return true
}

// close marks the end of the queue. Only the first call sets err.
func (q *queue[T]) close(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.err = err
	q.cond.Broadcast()
}

// tryPop returns the next item without blocking. ok is false when nothing is
// queued; err is set once the queue is closed and empty.
func (q *queue[T]) tryPop() (v T, ok bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// pop blocks until an item is queued or the queue is closed and empty.
func (q *queue[T]) pop() (T, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	v, _, err := q.popLocked()
	return v, err
}

func (q *queue[T]) popLocked() (v T, ok bool, err error) {
	if len(q.items) > 0 {
		v = q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		return v, true, nil
	}
	if q.closed {
		return v, false, q.err
	}
	return v, false, nil
}

func (q *queue[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
