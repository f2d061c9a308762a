package audio

import "time"

// Queue is a bounded FIFO between the capture callback and the consumption
// loop. Push never blocks: when the queue is full the oldest chunk is
// dropped to make room.
type Queue struct {
	ch chan Chunk
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan Chunk, capacity)}
}

// Push enqueues c and returns how many older chunks were discarded to fit it.
func (q *Queue) Push(c Chunk) (dropped int) {
	for {
		select {
		case q.ch <- c:
			return dropped
		default:
		}
		// Full: evict one and retry. The consumer may win the race for the
		// oldest chunk, in which case the next send simply succeeds.
		select {
		case <-q.ch:
			dropped++
		default:
		}
	}
}

// PushWait enqueues c without evicting anything, waiting for room. It
// returns false if cancel or done closes first.
func (q *Queue) PushWait(c Chunk, cancel, done <-chan struct{}) bool {
	select {
	case q.ch <- c:
		return true
	case <-cancel:
		return false
	case <-done:
		return false
	}
}

// Pop waits up to timeout for a chunk.
func (q *Queue) Pop(timeout time.Duration) (Chunk, bool) {
	select {
	case c := <-q.ch:
		return c, true
	default:
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case c := <-q.ch:
		return c, true
	case <-timer.C:
		return Chunk{}, false
	}
}

// Drain discards everything queued and returns the count.
func (q *Queue) Drain() int {
	n := 0
	for {
		select {
		case <-q.ch:
			n++
		default:
			return n
		}
	}
}

func (q *Queue) Len() int { return len(q.ch) }

func (q *Queue) Cap() int { return cap(q.ch) }
