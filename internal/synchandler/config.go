package synchandler

import (
	"context"

	"shadowsync/internal/config"
	"shadowsync/internal/strategy"
)

// ApplyConfig diffs newSnapshot against the previously applied one and
// applies the result to the running Handler (spec 6: "Handler diffs and
// applies: add rows for new keys, delete rows for removed keys, stop+swap
// strategy if strategy differs, invoke set_direction if direction
// differs, re-seed"). It is the hot-reload entry point the config
// watcher's onChange callback calls. buildStrategy is invoked only when
// the strategy type/tuning actually changed, so an unrelated key-only
// edit never restarts the drainer.
func (h *Handler) ApplyConfig(ctx context.Context, newSnapshot config.Snapshot, buildStrategy func(config.Snapshot) strategy.Strategy) error {
	h.mu.Lock()
	prev := h.lastSnapshot
	h.mu.Unlock()

	diff := config.DiffSnapshots(prev, newSnapshot)

	h.mu.Lock()
	for _, k := range diff.AddedKeys {
		h.synced[k] = struct{}{}
	}
	for _, k := range diff.RemovedKeys {
		delete(h.synced, k)
	}
	h.lastSnapshot = newSnapshot
	h.seedPerSec = newSnapshot.MaxSyncSeedPerSecond
	sc := h.sc
	registry := h.registry
	h.mu.Unlock()

	// Removed keys drop their sync-information row and registry entry, per
	// "delete rows for removed keys": a key re-added later starts from
	// ZeroInfo rather than resuming stale bookkeeping.
	for _, k := range diff.RemovedKeys {
		if sc != nil && sc.Local != nil {
			if err := sc.Local.DeleteSyncInfo(ctx, k); err != nil {
				h.logger.Printf("synchandler: delete sync info for removed key %s: %v", k, err)
			}
		}
		if registry != nil {
			if err := registry.Deregister(ctx, k); err != nil {
				h.logger.Printf("synchandler: deregister removed key %s: %v", k, err)
			}
		}
	}

	if diff.StrategyChanged && buildStrategy != nil {
		if err := h.SetStrategy(ctx, buildStrategy(newSnapshot)); err != nil {
			return err
		}
	}
	if diff.DirectionChanged {
		return h.SetDirection(ctx, newSnapshot.ShadowDirection())
	}
	if len(diff.AddedKeys) > 0 || len(diff.RemovedKeys) > 0 {
		h.mu.Lock()
		keys := h.syncedKeysLocked()
		dir := h.direction
		running := h.running
		h.mu.Unlock()
		if running {
			return h.seed(ctx, keys, dir)
		}
	}
	return nil
}
