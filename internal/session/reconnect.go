package session

import (
	"errors"
	"math/rand/v2"
)

// ErrQueueFull is returned when the recovery queue cannot absorb another
// outbound payload; the caller drops the payload and accounts for it
// rather than letting the queue grow without bound.
var ErrQueueFull = errors.New("session: recovery queue full")

// sendQueue buffers outbound stream payloads while a session is in
// recovery. Order is FIFO; capacity is fixed at construction.
type sendQueue struct {
	limit int
	items [][]byte
}

func newSendQueue(limit int) *sendQueue {
	return &sendQueue{limit: limit}
}

// Push appends one payload, failing with ErrQueueFull at capacity.
func (q *sendQueue) Push(payload []byte) error {
	if len(q.items) >= q.limit {
		return ErrQueueFull
	}
	q.items = append(q.items, payload)
	return nil
}

// Drain returns the queued payloads in insertion order and empties the
// queue.
func (q *sendQueue) Drain() [][]byte {
	items := q.items
	q.items = nil
	return items
}

// Restore puts drained payloads back at the head of the queue in their
// original order, for a replay cut short by endpoint failure. Restored
// payloads were within the limit when first queued, so the limit is not
// re-checked here.
func (q *sendQueue) Restore(payloads [][]byte) {
	if len(payloads) == 0 {
		return
	}
	items := make([][]byte, 0, len(payloads)+len(q.items))
	items = append(items, payloads...)
	items = append(items, q.items...)
	q.items = items
}

// Len reports the number of queued payloads.
func (q *sendQueue) Len() int {
	return len(q.items)
}

// newSeqBase draws a fresh random sequence base for a rebound session.
// Zero and the maximum are excluded so the receiver can always hold
// base-1 as its last-accepted marker without wrapping.
func newSeqBase() uint64 {
	return rand.Uint64N(1<<32-2) + 1
}
