// Package synchandler implements the façade that owns the queue and the
// active drain strategy, translating external events into enqueues (spec
// 4.7).
package synchandler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"shadowsync/internal/config"
	"shadowsync/internal/shadow"
	"shadowsync/internal/strategy"
	"shadowsync/internal/syncqueue"
	"shadowsync/internal/thingregistry"
)

// shutdownTimeout bounds how long Stop waits for the active strategy's
// in-flight execution to reach a well-defined stopping point (spec 4.6
// "shutdown_timeout, default 5s").
const shutdownTimeout = 5 * time.Second

// CloudSubscriber lets the Handler tell the cloud collaborator to
// subscribe/unsubscribe to shadow delta events on connectivity and
// direction-edge transitions (spec 4.7, 6).
type CloudSubscriber interface {
	Subscribe(ctx context.Context, keys []shadow.Key) error
	Unsubscribe(ctx context.Context, keys []shadow.Key) error
}

// Handler is the façade described in spec 4.7. It never returns an error
// from a push method; invalid direction or not-synced keys silently drop
// (spec 4.7, "The Handler itself never throws from push methods").
type Handler struct {
	mu        sync.Mutex
	direction shadow.Direction
	synced    map[shadow.Key]struct{}
	strategy  strategy.Strategy
	queue     *syncqueue.Queue
	sc        *shadow.Context
	subs      CloudSubscriber
	registry  thingregistry.Registry
	logger    *log.Logger

	parallelism  int
	running      bool
	lastSnapshot config.Snapshot
	seedPerSec   int
}

// Config is the construction-time wiring for a Handler; SyncedKeys and
// Direction come from the initial config.Snapshot (spec 6).
type Config struct {
	SyncedKeys []shadow.Key
	Direction  shadow.Direction
	Strategy   strategy.Strategy
	Queue      *syncqueue.Queue
	Context    *shadow.Context
	Subscriber CloudSubscriber
	Registry   thingregistry.Registry
	Logger     *log.Logger
	// Snapshot is the initial config.Snapshot this Handler was built
	// from, used as the diff baseline for the first ApplyConfig call.
	Snapshot config.Snapshot
}

func New(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	synced := make(map[shadow.Key]struct{}, len(cfg.SyncedKeys))
	for _, k := range cfg.SyncedKeys {
		synced[k] = struct{}{}
	}
	return &Handler{
		direction:    cfg.Direction,
		synced:       synced,
		strategy:     cfg.Strategy,
		queue:        cfg.Queue,
		sc:           cfg.Context,
		subs:         cfg.Subscriber,
		registry:     cfg.Registry,
		logger:       logger,
		lastSnapshot: cfg.Snapshot,
		seedPerSec:   cfg.Snapshot.MaxSyncSeedPerSecond,
	}
}

// Start starts the active strategy, then seeds a full sync: one of
// FullShadow, OverwriteCloud, or OverwriteLocal per synced key, depending
// on direction (spec 4.7).
func (h *Handler) Start(ctx context.Context, parallelism int) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.parallelism = parallelism
	h.running = true
	keys := h.syncedKeysLocked()
	dir := h.direction
	h.mu.Unlock()

	if err := h.strategy.Start(ctx); err != nil {
		return fmt.Errorf("synchandler: start strategy: %w", err)
	}
	if h.subs != nil {
		if err := h.subs.Subscribe(ctx, keys); err != nil {
			h.logger.Printf("synchandler: subscribe on start: %v", err)
		}
	}
	return h.seed(ctx, keys, dir)
}

// seed enqueues one seeding request per key, conservatively skipping the
// seed pass entirely when there are no synced keys (spec 9, open question
// (a): the source's empty-stream early-bail is treated as "skip seeding
// only when list_synced_shadows() is empty", not as a no-op per key).
// When seedPerSec is positive, the loop is paced with a plain ticker so a
// reconnect storm across many shadows never bursts the cloud client all at
// once (original_source's throttled full-sync seed loop).
func (h *Handler) seed(ctx context.Context, keys []shadow.Key, dir shadow.Direction) error {
	if len(keys) == 0 {
		return nil
	}

	h.mu.Lock()
	perSec := h.seedPerSec
	h.mu.Unlock()

	var tick *time.Ticker
	if perSec > 0 {
		tick = time.NewTicker(time.Second / time.Duration(perSec))
		defer tick.Stop()
	}

	for _, k := range keys {
		if tick != nil {
			select {
			case <-tick.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		req := seedRequestFor(k, dir)
		if err := h.strategy.Put(req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			h.logger.Printf("synchandler: seed enqueue for %s blocked/failed: %v", k, err)
		}
	}
	return nil
}

// seedRequestFor picks the seeding variant for a key per direction: a full
// three-way reconcile under the bidirectional policy, a one-directional
// overwrite under a restricted direction (mirrors spec 4.7's "depending on
// direction").
func seedRequestFor(k shadow.Key, dir shadow.Direction) shadow.Request {
	switch dir {
	case shadow.DeviceToCloud:
		return shadow.OverwriteCloud{K: k}
	case shadow.CloudToDevice:
		return shadow.OverwriteLocal{K: k}
	default:
		return shadow.FullShadow{K: k}
	}
}

// Stop stops the active strategy. Idempotent.
func (h *Handler) Stop() error {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = false
	h.mu.Unlock()
	return h.strategy.Stop(shutdownTimeout)
}

// PushCloudUpdate enqueues a cloud-bound update for key if key is synced
// and direction allows it (spec 4.7 push-method gating).
func (h *Handler) PushCloudUpdate(key shadow.Key, doc []byte) {
	h.push(key, shadow.TagCloudUpdate, func() shadow.Request { return shadow.CloudUpdate{K: key, Doc: doc} })
}

// PushLocalUpdate enqueues a local-bound update for key.
func (h *Handler) PushLocalUpdate(key shadow.Key, doc []byte) {
	h.push(key, shadow.TagLocalUpdate, func() shadow.Request { return shadow.LocalUpdate{K: key, Doc: doc} })
}

// PushCloudDelete enqueues a cloud-bound delete for key.
func (h *Handler) PushCloudDelete(key shadow.Key) {
	h.push(key, shadow.TagCloudDelete, func() shadow.Request { return shadow.CloudDelete{K: key} })
}

// PushLocalDelete enqueues a local-bound delete for key.
func (h *Handler) PushLocalDelete(key shadow.Key, payload []byte) {
	h.push(key, shadow.TagLocalDelete, func() shadow.Request { return shadow.LocalDelete{K: key, Payload: payload} })
}

func (h *Handler) push(key shadow.Key, tag shadow.Tag, build func() shadow.Request) {
	h.mu.Lock()
	_, synced := h.synced[key]
	dir := h.direction
	st := h.strategy
	h.mu.Unlock()

	if !synced || !directionAllows(dir, tag) {
		return
	}
	if st == nil {
		return
	}
	if err := st.Put(build()); err != nil {
		h.logger.Printf("synchandler: push %s for %s dropped: %v", tag, key, err)
	}
}

// directionAllows implements the gating matrix of spec 4.7.
func directionAllows(dir shadow.Direction, tag shadow.Tag) bool {
	switch dir {
	case shadow.DeviceToCloud:
		return tag == shadow.TagCloudUpdate || tag == shadow.TagCloudDelete
	case shadow.CloudToDevice:
		return tag == shadow.TagLocalUpdate || tag == shadow.TagLocalDelete
	default:
		return true
	}
}

// SetStrategy stops the current strategy, swaps it, and restarts.
func (h *Handler) SetStrategy(ctx context.Context, s strategy.Strategy) error {
	h.mu.Lock()
	wasRunning := h.running
	h.running = false
	old := h.strategy
	h.mu.Unlock()

	if wasRunning && old != nil {
		if err := old.Stop(shutdownTimeout); err != nil {
			h.logger.Printf("synchandler: stop old strategy during swap: %v", err)
		}
	}

	h.mu.Lock()
	h.strategy = s
	h.mu.Unlock()

	if wasRunning {
		return h.Start(ctx, h.parallelism)
	}
	return nil
}

// SetDirection records the new direction and, at a DeviceToCloud<->
// CloudToDevice transition, re-subscribes/unsubscribes the cloud
// collaborator before re-seeding (spec 4.7). Per the documented open
// question (c), the queue is never cleared on a direction change; gating
// happens at enqueue time via directionAllows.
func (h *Handler) SetDirection(ctx context.Context, d shadow.Direction) error {
	h.mu.Lock()
	old := h.direction
	h.direction = d
	keys := h.syncedKeysLocked()
	running := h.running
	h.mu.Unlock()

	if isOppositeEdge(old, d) && h.subs != nil {
		if err := h.subs.Unsubscribe(ctx, keys); err != nil {
			h.logger.Printf("synchandler: unsubscribe on direction edge: %v", err)
		}
		if err := h.subs.Subscribe(ctx, keys); err != nil {
			h.logger.Printf("synchandler: subscribe on direction edge: %v", err)
		}
	}
	if !running {
		return nil
	}
	return h.seed(ctx, keys, d)
}

func isOppositeEdge(a, b shadow.Direction) bool {
	edge := func(d shadow.Direction) bool { return d == shadow.DeviceToCloud || d == shadow.CloudToDevice }
	return edge(a) && edge(b) && a != b
}

// OnConnectionInterrupted stops cloud subscriptions and the strategy (spec
// 6 "Connectivity signals").
func (h *Handler) OnConnectionInterrupted(ctx context.Context) error {
	h.mu.Lock()
	keys := h.syncedKeysLocked()
	h.mu.Unlock()
	if h.subs != nil {
		if err := h.subs.Unsubscribe(ctx, keys); err != nil {
			h.logger.Printf("synchandler: unsubscribe on disconnect: %v", err)
		}
	}
	return h.Stop()
}

// OnConnectionResumed restarts with a fresh full-sync seed.
func (h *Handler) OnConnectionResumed(ctx context.Context) error {
	h.mu.Lock()
	parallelism := h.parallelism
	if parallelism < 1 {
		parallelism = 1
	}
	h.mu.Unlock()
	return h.Start(ctx, parallelism)
}

func (h *Handler) syncedKeysLocked() []shadow.Key {
	keys := make([]shadow.Key, 0, len(h.synced))
	for k := range h.synced {
		keys = append(keys, k)
	}
	return keys
}

// Direction returns the currently active direction.
func (h *Handler) Direction() shadow.Direction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.direction
}

// ForceFullSync enqueues an immediate FullShadow reconcile for key,
// bypassing the direction gate that push methods apply (an operator-issued
// override, spec 6 "external control surface"). It still requires key to
// be in the synced set.
func (h *Handler) ForceFullSync(key shadow.Key) error {
	h.mu.Lock()
	_, synced := h.synced[key]
	st := h.strategy
	h.mu.Unlock()

	if !synced {
		return fmt.Errorf("synchandler: %s is not a synced shadow", key)
	}
	if st == nil {
		return fmt.Errorf("synchandler: no active strategy")
	}
	return st.Put(shadow.FullShadow{K: key})
}

// IsSynced reports whether key is in the active synced set.
func (h *Handler) IsSynced(key shadow.Key) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.synced[key]
	return ok
}
