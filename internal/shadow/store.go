package shadow

import "context"

// ScopedLock guarantees release of the per-key lock taken for the duration
// of an executor run.
type ScopedLock interface {
	Unlock()
}

// LocalStore is the device-local key/value document store the core
// reconciles against. It is an external collaborator (spec section 6);
// this package only depends on the interface, never a concrete store.
type LocalStore interface {
	ListSyncedShadows(ctx context.Context) ([]Key, error)

	GetSyncInfo(ctx context.Context, key Key) (*Info, error)
	UpsertSyncInfoIfAbsent(ctx context.Context, row *Info) error
	UpdateSyncInfo(ctx context.Context, row *Info) error
	DeleteSyncInfo(ctx context.Context, key Key) error

	// GetShadow returns (nil, 0, ErrShadowNotFound) if no local document
	// exists for key.
	GetShadow(ctx context.Context, key Key) ([]byte, uint64, error)
	// UpdateShadow writes doc and returns the version the local store
	// assigned it.
	UpdateShadow(ctx context.Context, key Key, doc []byte) (uint64, error)
	// DeleteShadow returns the version the local store assigned the
	// tombstone.
	DeleteShadow(ctx context.Context, key Key) (uint64, error)

	// Lock takes the exclusive per-key lock executors run under.
	Lock(ctx context.Context, key Key) (ScopedLock, error)
}

// CloudClient is the cloud data-plane client the core reconciles against.
// Like LocalStore, it is an external collaborator specified only by this
// interface.
type CloudClient interface {
	// GetThingShadow returns (nil, 0, ErrShadowNotFound) on a 404.
	GetThingShadow(ctx context.Context, key Key) ([]byte, uint64, error)
	// UpdateThingShadow returns a *SyncError wrapping KindConflict on a
	// version mismatch, KindRetryable on throttling/transport failure, and
	// KindSkip on authorization failure, per spec section 6.
	UpdateThingShadow(ctx context.Context, key Key, doc []byte, expectedVersion uint64) (uint64, error)
	// DeleteThingShadow returns nil if the cloud already has no shadow at
	// this key (NotFound treated as success, spec 4.4.3).
	DeleteThingShadow(ctx context.Context, key Key, expectedVersion uint64) error
}

// ChangeNotifier lets executors publish successful local mutations to local
// subscribers (spec section 2, item 6: pub/sub fan-out). It is optional;
// a nil ChangeNotifier on Context disables fan-out.
type ChangeNotifier interface {
	NotifyLocalUpdate(ctx context.Context, key Key, doc []byte, version uint64)
	NotifyLocalDelete(ctx context.Context, key Key, version uint64)
}

// ReconciliationRecorder records the outcome of a FullShadow reconcile for
// operator visibility (supplemented feature, see SPEC_FULL.md section 4).
// A nil ReconciliationRecorder on Context disables recording.
type ReconciliationRecorder interface {
	Record(ctx context.Context, key Key, decision string, cloudVersion, localVersion uint64)
}

// Requeuer lets an executor push a follow-up request back onto the queue,
// used when a cloud version conflict must be absorbed into a FullShadow
// (spec 4.4.1 step 4).
type Requeuer interface {
	Requeue(req Request) error
}

// Context is the read-only bundle passed to every request execution (spec
// 4.1 "Sync Context"): local store handle, cloud client handle, and the
// local update/delete notification hooks. Direction is resolved via a
// function rather than a fixed value so a live direction change (Handler
// set_direction) is observed by in-flight and future executions without
// requiring Context to be rebuilt.
type Context struct {
	Local     LocalStore
	Cloud     CloudClient
	Notifier  ChangeNotifier
	Queue     Requeuer
	Recorder  ReconciliationRecorder
	Direction func() Direction

	// MaxDocumentBytes caps accepted shadow document size; 0 disables the
	// check (supplemented feature, see SPEC_FULL.md section 4).
	MaxDocumentBytes int

	// Now returns the current time as a Unix epoch second count; overridable
	// in tests.
	Now func() int64
}

func (c *Context) now() int64 {
	if c.Now != nil {
		return c.Now()
	}
	return wallClockNow()
}

func (c *Context) direction() Direction {
	if c.Direction == nil {
		return BetweenDeviceAndCloud
	}
	return c.Direction()
}

func (c *Context) checkSize(doc []byte) error {
	if c.MaxDocumentBytes > 0 && len(doc) > c.MaxDocumentBytes {
		return Skip(ErrShadowTooLarge)
	}
	return nil
}
