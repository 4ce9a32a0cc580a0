package syncqueue

import (
	"context"
	"sync"

	"shadowsync/internal/shadow"
)

// Queue is a bounded FIFO of shadow.Request keyed by shadow.Key: offering a
// request for a key already queued consults Merge instead of appending,
// which is what keeps invariant I3 (at most one request per key queued at
// any instant) and invariant I5 (a FullShadow supersedes whatever is
// pending) without a separate dedup pass.
//
// A single mutex/condvar pair guards both sides: offer signals notEmpty
// when it appends (not when it merely replaces in place), take signals
// notFull when it removes.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond

	capacity int
	order    []shadow.Key
	byKey    map[shadow.Key]shadow.Request
	closed   bool
}

// New returns a Queue bounded at capacity entries (by distinct key, since
// merging means a key never occupies more than one slot). capacity <= 0
// means unbounded.
func New(capacity int) *Queue {
	q := &Queue{
		capacity: capacity,
		byKey:    make(map[shadow.Key]shadow.Request),
	}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Offer inserts req, merging against any request already queued for the
// same key. It blocks while the queue is at capacity and the incoming
// request would occupy a new slot (a merge into an existing slot never
// blocks, since it doesn't grow the queue).
func (q *Queue) Offer(ctx context.Context, req shadow.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.Key()
	if existing, ok := q.byKey[key]; ok {
		outcome, result := Merge(existing, req)
		switch outcome {
		case OutcomeDrop, OutcomeKeep:
			// existing already reflects the queue's intent.
		case OutcomeReplace:
			q.byKey[key] = result
		}
		return nil
	}

	for q.capacity > 0 && len(q.order) >= q.capacity {
		if q.closed {
			return context.Canceled
		}
		if done := q.waitOrCancel(ctx, q.notFull); done != nil {
			return done
		}
	}
	if q.closed {
		return context.Canceled
	}

	q.byKey[key] = req
	q.order = append(q.order, key)
	q.notEmpty.Signal()
	return nil
}

// Requeue is the Requeuer hook executors use to promote a conflict to a
// FullShadow (spec 4.4.1 step 4). It never blocks: when a request for the
// key is still queued it merges into (or replaces) that slot, and
// otherwise it appends a new slot even if the queue is at capacity.
func (q *Queue) Requeue(req shadow.Request) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := req.Key()
	if existing, ok := q.byKey[key]; ok {
		outcome, result := Merge(existing, req)
		if outcome == OutcomeReplace {
			q.byKey[key] = result
		}
		return nil
	}
	q.byKey[key] = req
	q.order = append(q.order, key)
	q.notEmpty.Signal()
	return nil
}

// Take blocks until a request is available, then removes and returns it
// (invariant I4: removal happens before the caller starts executing, so no
// second Take can observe the same key concurrently).
func (q *Queue) Take(ctx context.Context) (shadow.Request, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) == 0 {
		if q.closed {
			return nil, context.Canceled
		}
		if done := q.waitOrCancel(ctx, q.notEmpty); done != nil {
			return nil, done
		}
	}

	key := q.order[0]
	q.order = q.order[1:]
	req := q.byKey[key]
	delete(q.byKey, key)
	q.notFull.Signal()
	return req, nil
}

// TryTake removes and returns the head request without blocking, used by
// the periodic strategy's non-blocking drain.
func (q *Queue) TryTake() (shadow.Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.order) == 0 {
		return nil, false
	}
	key := q.order[0]
	q.order = q.order[1:]
	req := q.byKey[key]
	delete(q.byKey, key)
	q.notFull.Signal()
	return req, true
}

// Len returns the number of distinct keys currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// RemainingCapacity returns how many more distinct keys may be offered
// before Offer blocks, or -1 for an unbounded queue.
func (q *Queue) RemainingCapacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity <= 0 {
		return -1
	}
	return q.capacity - len(q.order)
}

// Clear drops every pending request. Spec's open question (c) (DESIGN.md)
// resolves to never calling this on a direction change; it exists for
// strategy shutdown/restart only.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.order = nil
	q.byKey = make(map[shadow.Key]shadow.Request)
	q.notFull.Broadcast()
}

// Close wakes every blocked Offer/Take with context.Canceled and makes the
// queue permanently unusable; used during strategy shutdown.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}

// waitOrCancel waits on cond, re-checking ctx.Err() once woken. sync.Cond
// has no context-aware wait, so cancellation is delivered by a goroutine
// that broadcasts the cond once ctx is done; waitOrCancel returns non-nil
// only when ctx itself is the reason to stop waiting.
func (q *Queue) waitOrCancel(ctx context.Context, cond *sync.Cond) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		cond.Broadcast()
		close(done)
	})
	cond.Wait()
	stop()
	select {
	case <-done:
	default:
	}
	return ctx.Err()
}
