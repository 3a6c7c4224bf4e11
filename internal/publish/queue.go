package publish

import (
	"sync"
)

// queue is a bounded ring holding one subscriber's outbound frames. A full
// queue drops its oldest frame to admit the newest, so a slow consumer
// never backpressures the publish path.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    [][]byte
	head   int // read position
	tail   int // write position
	count  int
	closed bool

	// Stats
	enqueued int64
	sent     int64
	dropped  int64
}

func newQueue(capacity int) *queue {
	if capacity < 1 {
		capacity = 1
	}
	q := &queue{buf: make([][]byte, capacity)}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push adds a frame, evicting the oldest if the ring is full.
// Returns false if the queue is closed.
func (q *queue) push(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	if q.count == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.count--
		q.dropped++
	}

	q.buf[q.tail] = frame
	q.tail = (q.tail + 1) % len(q.buf)
	q.count++
	q.enqueued++

	q.cond.Signal()
	return true
}

// pop removes and returns the oldest frame. Blocks until a frame is
// available or the queue is closed. A closed queue drains its remaining
// frames first, then reports false.
func (q *queue) pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.count == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.count == 0 {
		return nil, false
	}

	frame := q.buf[q.head]
	q.buf[q.head] = nil // Clear reference for GC
	q.head = (q.head + 1) % len(q.buf)
	q.count--
	q.sent++

	return frame, true
}

// close wakes all waiters. After closing, push returns false.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.cond.Broadcast()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// queueStats is a point-in-time snapshot.
type queueStats struct {
	Count    int
	Enqueued int64
	Sent     int64
	Dropped  int64
}

func (q *queue) stats() queueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return queueStats{
		Count:    q.count,
		Enqueued: q.enqueued,
		Sent:     q.sent,
		Dropped:  q.dropped,
	}
}
