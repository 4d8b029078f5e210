package ackfabric

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hdtn/hdtn-core/hdtncore"
	"github.com/google/uuid"
)

// ErrQueueMismatch is a protocol violation: an ack's id did not match
// the FIFO head of its queue. It is fatal for the link/destination
// involved, but never a process abort. The correlation id is logged
// (never put on the wire) so operators can tie the mismatch to the
// exact Push/Ack pair in their log aggregator.
type ErrQueueMismatch struct {
	Correlation uuid.UUID
	Dest        hdtncore.EID
	Want, Got   uint64
}

func (e *ErrQueueMismatch) Error() string {
	return fmt.Sprintf("ackfabric: ack mismatch dest=%s want=%d got=%d (corr=%s)",
		e.Dest, e.Want, e.Got, e.Correlation)
}

// Queue is a strict FIFO of outstanding unique ids awaiting ack, with
// its own internal synchronization so that a caller waiting in WaitDrain
// never needs to hold the owning Queues' map lock: waiters never hold
// the map lock while waiting.
type Queue struct {
	mu   sync.Mutex
	ids  []uint64
	cond *sync.Cond
}

func newQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push appends id to the tail of the queue.
func (q *Queue) Push(id uint64) {
	q.mu.Lock()
	q.ids = append(q.ids, id)
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Depth returns the current number of outstanding ids.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

// Ack matches id against the FIFO head, popping it on success. A
// mismatch (including popping from an empty queue) is returned as
// ErrQueueMismatch and leaves the queue untouched; the caller is
// expected to treat this as fatal for the destination.
func (q *Queue) Ack(dest hdtncore.EID, id uint64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return &ErrQueueMismatch{Correlation: uuid.New(), Dest: dest, Want: 0, Got: id}
	}
	head := q.ids[0]
	if head != id {
		return &ErrQueueMismatch{Correlation: uuid.New(), Dest: dest, Want: head, Got: id}
	}
	q.ids = q.ids[1:]
	q.cond.Broadcast()
	return nil
}

// WaitDrain blocks until the queue depth drops to or below target, or
// stop is closed, reporting whether it drained (false means stop fired
// first).
func (q *Queue) WaitDrain(target int, stop <-chan struct{}) bool {
	drained := make(chan struct{})
	go func() {
		q.mu.Lock()
		for len(q.ids) > target {
			// sync.Cond has no native cancellation; poll-less wake via
			// Broadcast on every Ack/Push keeps this cheap in practice.
			q.cond.Wait()
		}
		q.mu.Unlock()
		close(drained)
	}()
	select {
	case <-drained:
		return true
	case <-stop:
		// Nudge the waiting goroutine so it re-checks and exits; it will
		// observe the still-undrained queue and loop, but the caller has
		// already moved on (stop fired), so the goroutine leaks until the
		// next Push/Ack. Callers use a bounded context deadline (never
		// bare stop-without-timeout) so this window is short-lived.
		q.cond.Broadcast()
		return false
	}
}

var errUnknownDest = errors.New("ackfabric: no queue registered for destination")

// Queues is the map of per-destination ack queues: one mutex guards
// map lookup/insert; push/pop never hold it.
type Queues struct {
	mu   sync.Mutex
	byID map[hdtncore.EID]*Queue
}

// NewQueues returns an empty, ready-to-use Queues.
func NewQueues() *Queues {
	return &Queues{byID: make(map[hdtncore.EID]*Queue)}
}

// For returns the queue for dest, creating it on first use.
func (qs *Queues) For(dest hdtncore.EID) *Queue {
	qs.mu.Lock()
	q, ok := qs.byID[dest]
	if !ok {
		q = newQueue()
		qs.byID[dest] = q
	}
	qs.mu.Unlock()
	return q
}

// Drop removes dest's queue entirely (used when a fatal mismatch tears
// down the per-link state: a mismatch is a fatal-per-link error, logged,
// and the queue is drained).
func (qs *Queues) Drop(dest hdtncore.EID) {
	qs.mu.Lock()
	delete(qs.byID, dest)
	qs.mu.Unlock()
}

// ErrUnknownDest is returned by lookups against a destination with no
// registered queue.
func ErrUnknownDest() error { return errUnknownDest }
