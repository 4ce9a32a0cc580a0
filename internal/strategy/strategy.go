package strategy

import (
	"context"
	"time"

	"shadowsync/internal/shadow"
	"shadowsync/internal/syncqueue"
)

// Strategy is the common contract both drainer policies expose (spec 4.5
// "Strategy common contract"): start/stop own the worker lifecycle, Put
// delegates to the underlying queue, Clear and RemainingCapacity expose
// queue state without leaking the queue type itself.
type Strategy interface {
	Start(ctx context.Context) error
	// Stop is idempotent and waits for in-flight executions to reach a
	// well-defined stopping point (before the local/cloud write) or
	// finish, within timeout.
	Stop(timeout time.Duration) error
	Put(req shadow.Request) error
	Clear()
	RemainingCapacity() int
}

// queueLike is a type alias for *syncqueue.Queue, the one queue type both
// strategies use; it is not an interface and allows no substitution.
type queueLike = *syncqueue.Queue
