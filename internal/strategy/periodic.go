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

// DefaultPeriodicInterval is the default tick period (spec 4.6).
const DefaultPeriodicInterval = 300 * time.Second

// Periodic is the single-threaded scheduled drainer of spec 4.6: one
// goroutine fires every interval and drains the queue by repeated
// non-blocking TryTake until empty.
type Periodic struct {
	Queue    *syncqueue.Queue
	Context  *shadow.Context
	Logger   *log.Logger
	Policy   RetryPolicy
	Interval time.Duration

	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	started bool
}

// NewPeriodic returns a Periodic strategy ticking every interval (0 means
// DefaultPeriodicInterval).
func NewPeriodic(queue *syncqueue.Queue, sc *shadow.Context, logger *log.Logger, interval time.Duration) *Periodic {
	if interval <= 0 {
		interval = DefaultPeriodicInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Periodic{
		Queue:    queue,
		Context:  sc,
		Logger:   logger,
		Policy:   DefaultRetryPolicy,
		Interval: interval,
	}
}

func (p *Periodic) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.started = true

	go p.loop(runCtx)
	return nil
}

func (p *Periodic) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.drainTick(ctx) {
				return
			}
		}
	}
}

// drainTick pops requests non-blockingly until the queue is empty or ctx
// is cancelled mid-tick; it returns true if a Fatal error should stop the
// strategy.
func (p *Periodic) drainTick(ctx context.Context) bool {
	for {
		if ctx.Err() != nil {
			return false
		}
		req, ok := p.Queue.TryTake()
		if !ok {
			return false
		}
		if err := run(ctx, p.Logger, p.Policy, p.Context, req); err != nil && shadow.Is(err, shadow.KindFatal) {
			p.Logger.Printf("periodic tick stopping on fatal error: %v", err)
			return true
		}
	}
}

func (p *Periodic) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	cancel := p.cancel
	done := p.done
	p.started = false
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("strategy: periodic loop did not stop within %s", timeout)
	}
}

func (p *Periodic) Put(req shadow.Request) error {
	return p.Queue.Offer(context.Background(), req)
}

func (p *Periodic) Clear() { p.Queue.Clear() }

func (p *Periodic) RemainingCapacity() int { return p.Queue.RemainingCapacity() }
