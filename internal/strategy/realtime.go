package strategy

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"shadowsync/internal/shadow"
	"shadowsync/internal/syncqueue"
)

// Realtime is the worker-pool drainer of spec 4.5: N workers loop
// take-then-execute continuously. Between Take and Execute a request is
// "in flight" (absent from the queue), which is why a fresh request for
// the same key is simply re-queued rather than tracked in a separate
// in-flight index — the executor is idempotent (spec 4.1).
type Realtime struct {
	Queue       *syncqueue.Queue
	Context     *shadow.Context
	Logger      *log.Logger
	Policy      RetryPolicy
	Parallelism int

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
}

// NewRealtime returns a Realtime strategy with N ≥ 1 workers (default 1).
func NewRealtime(queue *syncqueue.Queue, sc *shadow.Context, logger *log.Logger, parallelism int) *Realtime {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Realtime{
		Queue:       queue,
		Context:     sc,
		Logger:      logger,
		Policy:      DefaultRetryPolicy,
		Parallelism: parallelism,
	}
}

func (r *Realtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.started = true

	for i := 0; i < r.Parallelism; i++ {
		r.wg.Add(1)
		go r.worker(runCtx)
	}
	return nil
}

func (r *Realtime) worker(ctx context.Context) {
	defer r.wg.Done()
	for {
		req, err := r.Queue.Take(ctx)
		if err != nil {
			return
		}
		if err := run(ctx, r.Logger, r.Policy, r.Context, req); err != nil && shadow.Is(err, shadow.KindFatal) {
			r.Logger.Printf("realtime worker stopping on fatal error: %v", err)
			return
		}
	}
}

func (r *Realtime) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.started = false
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("strategy: workers did not stop within %s", timeout)
	}
}

func (r *Realtime) Put(req shadow.Request) error {
	return r.Queue.Offer(context.Background(), req)
}

func (r *Realtime) Clear() { r.Queue.Clear() }

func (r *Realtime) RemainingCapacity() int { return r.Queue.RemainingCapacity() }
