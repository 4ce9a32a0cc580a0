package shadow

import (
	"context"
	"errors"
	"fmt"
)

// Tag identifies a Request's variant for the Merger (spec 4.2) without
// requiring a type switch at every call site.
type Tag int

const (
	TagLocalUpdate Tag = iota
	TagLocalDelete
	TagCloudUpdate
	TagCloudDelete
	TagFullShadow
	TagOverwriteLocal
	TagOverwriteCloud
)

func (t Tag) String() string {
	switch t {
	case TagLocalUpdate:
		return "LocalUpdate"
	case TagLocalDelete:
		return "LocalDelete"
	case TagCloudUpdate:
		return "CloudUpdate"
	case TagCloudDelete:
		return "CloudDelete"
	case TagFullShadow:
		return "FullShadow"
	case TagOverwriteLocal:
		return "OverwriteLocal"
	case TagOverwriteCloud:
		return "OverwriteCloud"
	default:
		return "Unknown"
	}
}

// Request is the tagged-sum interface every sync request implements (spec
// 4.1). A single Execute dispatch per variant replaces a class hierarchy.
type Request interface {
	Key() Key
	Tag() Tag
	Execute(ctx context.Context, sc *Context) error
	IsUpdateNecessary(ctx context.Context, sc *Context) (bool, error)
}

// maxFullShadowRestarts bounds the "restart FullShadow, re-read C" loop of
// the three-way merge (spec 4.4.5) so a persistently racing cloud writer
// cannot spin an executor forever; exceeding it surfaces as Retryable so
// the strategy's back-off policy takes over.
const maxFullShadowRestarts = 5

// --- LocalUpdate --------------------------------------------------------

// LocalUpdate applies a cloud-observed change to the local store.
type LocalUpdate struct {
	K   Key
	Doc []byte
}

func (r LocalUpdate) Key() Key { return r.K }
func (r LocalUpdate) Tag() Tag { return TagLocalUpdate }

func (r LocalUpdate) IsUpdateNecessary(ctx context.Context, sc *Context) (bool, error) {
	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return false, err
	}
	return !CanonicalEqual(info.LastSyncedDocument, r.Doc), nil
}

func (r LocalUpdate) Execute(ctx context.Context, sc *Context) error {
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return Fatal(err)
	}
	out, err := doLocalUpdate(ctx, sc, r.K, info, r.Doc)
	if err != nil {
		return err
	}
	return persistInfo(ctx, sc, out)
}

// --- LocalDelete ---------------------------------------------------------

// LocalDelete applies a cloud-observed delete to the local store. Payload
// carries the cloud version the delete was observed at, for diagnostics;
// it does not gate execution (a local delete is skipped as already applied
// when the sync information has no last-synced document and a non-zero
// local version; the payload plays no part).
type LocalDelete struct {
	K       Key
	Payload []byte
}

func (r LocalDelete) Key() Key { return r.K }
func (r LocalDelete) Tag() Tag { return TagLocalDelete }

func (r LocalDelete) IsUpdateNecessary(ctx context.Context, sc *Context) (bool, error) {
	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return false, err
	}
	return info.LastSyncedDocument != nil, nil
}

func (r LocalDelete) Execute(ctx context.Context, sc *Context) error {
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return Fatal(err)
	}
	out, err := doLocalDelete(ctx, sc, r.K, info)
	if err != nil {
		return err
	}
	return persistInfo(ctx, sc, out)
}

// --- CloudUpdate ----------------------------------------------------------

// CloudUpdate pushes a local-observed change to the cloud.
type CloudUpdate struct {
	K   Key
	Doc []byte
}

func (r CloudUpdate) Key() Key { return r.K }
func (r CloudUpdate) Tag() Tag { return TagCloudUpdate }

func (r CloudUpdate) IsUpdateNecessary(ctx context.Context, sc *Context) (bool, error) {
	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return false, err
	}
	return !CanonicalEqual(info.LastSyncedDocument, r.Doc), nil
}

func (r CloudUpdate) Execute(ctx context.Context, sc *Context) error {
	if !sc.direction().AllowsCloudPush() {
		return nil
	}
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return Fatal(err)
	}
	out, err := doCloudUpdate(ctx, sc, r.K, info, r.Doc)
	if err != nil {
		if Is(err, KindConflict) {
			return nil
		}
		return err
	}
	return persistInfo(ctx, sc, out)
}

// --- CloudDelete -----------------------------------------------------------

// CloudDelete pushes a local-observed delete to the cloud.
type CloudDelete struct {
	K Key
}

func (r CloudDelete) Key() Key { return r.K }
func (r CloudDelete) Tag() Tag { return TagCloudDelete }

func (r CloudDelete) IsUpdateNecessary(ctx context.Context, sc *Context) (bool, error) {
	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return false, err
	}
	return !info.CloudDeleted, nil
}

func (r CloudDelete) Execute(ctx context.Context, sc *Context) error {
	if !sc.direction().AllowsCloudPush() {
		return nil
	}
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return Fatal(err)
	}
	out, err := doCloudDelete(ctx, sc, r.K, info)
	if err != nil {
		return err
	}
	return persistInfo(ctx, sc, out)
}

// --- OverwriteLocal / OverwriteCloud ---------------------------------------

// OverwriteLocal forces local := cloud, skipping the three-way merge path.
type OverwriteLocal struct {
	K Key
}

func (r OverwriteLocal) Key() Key { return r.K }
func (r OverwriteLocal) Tag() Tag { return TagOverwriteLocal }

func (r OverwriteLocal) IsUpdateNecessary(context.Context, *Context) (bool, error) { return true, nil }

func (r OverwriteLocal) Execute(ctx context.Context, sc *Context) error {
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return Fatal(err)
	}
	cloudDoc, cloudVersion, cErr := sc.Cloud.GetThingShadow(ctx, r.K)
	var out *Info
	if cErr != nil {
		if !errors.Is(cErr, ErrShadowNotFound) {
			return Retryable(cErr)
		}
		out, err = doLocalDelete(ctx, sc, r.K, info)
	} else {
		out, err = doOverwriteLocal(ctx, sc, r.K, info, cloudDoc, cloudVersion)
	}
	if err != nil {
		return err
	}
	return persistInfo(ctx, sc, out)
}

// OverwriteCloud forces cloud := local, skipping the three-way merge path.
type OverwriteCloud struct {
	K Key
}

func (r OverwriteCloud) Key() Key { return r.K }
func (r OverwriteCloud) Tag() Tag { return TagOverwriteCloud }

func (r OverwriteCloud) IsUpdateNecessary(context.Context, *Context) (bool, error) { return true, nil }

func (r OverwriteCloud) Execute(ctx context.Context, sc *Context) error {
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return Fatal(err)
	}
	localDoc, _, lErr := sc.Local.GetShadow(ctx, r.K)
	var out *Info
	if lErr != nil {
		if !errors.Is(lErr, ErrShadowNotFound) {
			return Retryable(lErr)
		}
		out, err = doCloudDelete(ctx, sc, r.K, info)
	} else {
		out, err = doOverwriteCloud(ctx, sc, r.K, info, localDoc)
	}
	if err != nil {
		if Is(err, KindConflict) {
			return nil
		}
		return err
	}
	return persistInfo(ctx, sc, out)
}

// --- FullShadow ------------------------------------------------------------

// FullShadow performs the three-way reconcile of spec 4.4.5, superseding
// any other pending request for the key (invariant I5).
type FullShadow struct {
	K Key
}

func (r FullShadow) Key() Key { return r.K }
func (r FullShadow) Tag() Tag { return TagFullShadow }

func (r FullShadow) IsUpdateNecessary(context.Context, *Context) (bool, error) { return true, nil }

func (r FullShadow) Execute(ctx context.Context, sc *Context) error {
	lock, err := sc.Local.Lock(ctx, r.K)
	if err != nil {
		return Retryable(err)
	}
	defer lock.Unlock()

	for attempt := 0; attempt < maxFullShadowRestarts; attempt++ {
		out, decision, restart, err := r.reconcileOnce(ctx, sc)
		if err != nil {
			if Is(err, KindConflict) {
				return nil
			}
			return err
		}
		if restart {
			continue
		}
		if err := persistInfo(ctx, sc, out); err != nil {
			return err
		}
		if sc.Recorder != nil {
			sc.Recorder.Record(ctx, r.K, decision, out.CloudVersion, out.LocalVersion)
		}
		return nil
	}
	return Retryable(fmt.Errorf("full shadow restart budget exceeded for %s", r.K))
}

// reconcileOnce implements the decision table of spec 4.4.5 for a single
// read of both sides. restart is true only when the three-way merge hit a
// cloud version conflict and must re-read C (spec: "on cloud version
// conflict, restart FullShadow").
func (r FullShadow) reconcileOnce(ctx context.Context, sc *Context) (out *Info, decision string, restart bool, err error) {
	info, err := loadInfo(ctx, sc, r.K)
	if err != nil {
		return nil, "", false, Fatal(err)
	}

	cloudDoc, cloudVersion, cErr := sc.Cloud.GetThingShadow(ctx, r.K)
	cPresent := true
	if cErr != nil {
		if !errors.Is(cErr, ErrShadowNotFound) {
			return nil, "", false, Retryable(cErr)
		}
		cPresent = false
	}

	localDoc, localVersion, lErr := sc.Local.GetShadow(ctx, r.K)
	lPresent := true
	if lErr != nil {
		if !errors.Is(lErr, ErrShadowNotFound) {
			return nil, "", false, Retryable(lErr)
		}
		lPresent = false
	}

	cUnchanged := cPresent && cloudVersion == info.CloudVersion
	lUnchanged := lPresent && localVersion == info.LocalVersion

	switch {
	case !cPresent && !lPresent:
		cleared := info.clone()
		cleared.CloudVersion = 0
		cleared.LocalVersion = 0
		cleared.LastSyncedDocument = nil
		cleared.CloudDeleted = false
		out, decision, err = cleared, "cleared_both_absent", nil

	case !cPresent && lPresent && lUnchanged:
		out, err = doCloudDelete(ctx, sc, r.K, info)
		decision = "overwrite_cloud"

	case !cPresent && lPresent && !lUnchanged:
		out, err = doCloudUpdate(ctx, sc, r.K, info, localDoc)
		decision = "overwrite_cloud"

	case cPresent && !lPresent && cUnchanged:
		out, err = doCloudDelete(ctx, sc, r.K, info)
		decision = "overwrite_cloud"

	case cPresent && !lPresent && !cUnchanged:
		out, err = doOverwriteLocal(ctx, sc, r.K, info, cloudDoc, cloudVersion)
		decision = "overwrite_local"

	case cPresent && lPresent && cUnchanged && lUnchanged:
		out, decision, err = info, "no_op", nil

	case cPresent && lPresent && !cUnchanged && lUnchanged:
		out, err = doOverwriteLocal(ctx, sc, r.K, info, cloudDoc, cloudVersion)
		decision = "overwrite_local"

	case cPresent && lPresent && cUnchanged && !lUnchanged:
		out, err = doCloudUpdate(ctx, sc, r.K, info, localDoc)
		decision = "overwrite_cloud"

	default: // both present, both changed: three-way merge
		return r.threeWayMerge(ctx, sc, info, cloudDoc, cloudVersion, localDoc)
	}
	return out, decision, false, err
}

// threeWayMerge applies the locally-changed delta atop the cloud's current
// body (local wins on conflicting leaves, the documented Open Question
// resolution in spec section 9), pushes the result, and on success writes
// it back to local. Direction gating: under DeviceToCloud the result is
// pushed but never written back to local; under CloudToDevice nothing is
// pushed and the cloud body wins outright (the local delta is discarded,
// since this device has no permission to propagate it).
func (r FullShadow) threeWayMerge(ctx context.Context, sc *Context, info *Info, cloudDoc []byte, cloudVersion uint64, localDoc []byte) (*Info, string, bool, error) {
	if !sc.direction().AllowsCloudPush() {
		out, err := doOverwriteLocal(ctx, sc, r.K, info, cloudDoc, cloudVersion)
		return out, "overwrite_local", false, err
	}

	delta, err := diffBytes(info.LastSyncedDocument, localDoc)
	if err != nil {
		return nil, "", false, Skip(err)
	}
	cloudMap, err := decodeDoc(cloudDoc)
	if err != nil {
		return nil, "", false, Skip(err)
	}
	mergedMap := MergePatch(cloudMap, delta)
	merged, err := encodeDoc(mergedMap)
	if err != nil {
		return nil, "", false, Skip(err)
	}
	withVersion, err := SetVersion(merged, cloudVersion+1)
	if err != nil {
		return nil, "", false, Skip(err)
	}
	if err := sc.checkSize(withVersion); err != nil {
		return nil, "", false, err
	}
	newCloudVersion, err := sc.Cloud.UpdateThingShadow(ctx, r.K, withVersion, cloudVersion)
	if err != nil {
		if Is(err, KindConflict) {
			return nil, "", true, nil
		}
		return nil, "", false, err
	}

	out := info.clone()
	out.CloudVersion = newCloudVersion
	out.LastSyncedDocument = withVersion
	out.LastSyncTime = sc.now()
	out.CloudDeleted = false

	if sc.direction().AllowsLocalPush() {
		newLocalVersion, werr := sc.Local.UpdateShadow(ctx, r.K, withVersion)
		if werr != nil {
			return nil, "", false, Retryable(werr)
		}
		out.LocalVersion = newLocalVersion
		if sc.Notifier != nil {
			sc.Notifier.NotifyLocalUpdate(ctx, r.K, withVersion, newLocalVersion)
		}
	}
	return out, "three_way_merge", false, nil
}

// --- shared locked helpers ---------------------------------------------
//
// Each do* helper assumes the caller already holds the per-key lock and has
// loaded the current Info; it returns the Info to persist (or an error) but
// never persists itself, so FullShadow can compose several of them under a
// single lock acquisition without nesting locks or double-writing.

func loadInfo(ctx context.Context, sc *Context, key Key) (*Info, error) {
	info, err := sc.Local.GetSyncInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if info == nil {
		info = ZeroInfo(key, sc.now())
		if err := sc.Local.UpsertSyncInfoIfAbsent(ctx, info); err != nil {
			return nil, err
		}
	}
	return info, nil
}

func persistInfo(ctx context.Context, sc *Context, info *Info) error {
	return sc.Local.UpdateSyncInfo(ctx, info)
}

func doCloudUpdate(ctx context.Context, sc *Context, key Key, info *Info, payload []byte) (*Info, error) {
	if !CanonicalEqual(info.LastSyncedDocument, payload) {
		merged, err := mergeBytes(info.LastSyncedDocument, payload)
		if err != nil {
			return nil, Skip(err)
		}
		if err := sc.checkSize(merged); err != nil {
			return nil, err
		}
		withVersion, err := SetVersion(merged, info.CloudVersion+1)
		if err != nil {
			return nil, Skip(err)
		}
		newVersion, err := sc.Cloud.UpdateThingShadow(ctx, key, withVersion, info.CloudVersion)
		if err != nil {
			if Is(err, KindConflict) {
				if sc.Queue != nil {
					_ = sc.Queue.Requeue(FullShadow{K: key})
				}
				return info, Conflict(err)
			}
			return nil, err
		}
		out := info.clone()
		out.CloudVersion = newVersion
		out.LastSyncedDocument = withVersion
		out.LastSyncTime = sc.now()
		return out, nil
	}
	return info, nil
}

func doCloudDelete(ctx context.Context, sc *Context, key Key, info *Info) (*Info, error) {
	if info.CloudDeleted {
		return info, nil
	}
	if err := sc.Cloud.DeleteThingShadow(ctx, key, info.CloudVersion); err != nil {
		if Is(err, KindConflict) {
			if sc.Queue != nil {
				_ = sc.Queue.Requeue(FullShadow{K: key})
			}
			return info, Conflict(err)
		}
		if !errors.Is(err, ErrShadowNotFound) {
			return nil, err
		}
	}
	out := info.clone()
	out.CloudDeleted = true
	out.CloudVersion = info.CloudVersion + 1
	out.LastSyncedDocument = nil
	out.LastSyncTime = sc.now()
	return out, nil
}

func doLocalUpdate(ctx context.Context, sc *Context, key Key, info *Info, payload []byte) (*Info, error) {
	if CanonicalEqual(info.LastSyncedDocument, payload) {
		return info, nil
	}
	if !sc.direction().AllowsLocalPush() {
		return info, nil
	}
	merged, err := mergeBytes(info.LastSyncedDocument, payload)
	if err != nil {
		return nil, Skip(err)
	}
	if err := sc.checkSize(merged); err != nil {
		return nil, err
	}
	newVersion, err := sc.Local.UpdateShadow(ctx, key, merged)
	if err != nil {
		return nil, Retryable(err)
	}
	if newVersion <= info.LocalVersion && info.LocalVersion != 0 {
		return nil, Fatal(fmt.Errorf("local store returned non-monotonic version %d <= %d for %s", newVersion, info.LocalVersion, key))
	}
	out := info.clone()
	out.LocalVersion = newVersion
	out.LastSyncedDocument = merged
	out.LastSyncTime = sc.now()
	if sc.Notifier != nil {
		sc.Notifier.NotifyLocalUpdate(ctx, key, merged, newVersion)
	}
	return out, nil
}

func doLocalDelete(ctx context.Context, sc *Context, key Key, info *Info) (*Info, error) {
	if info.LastSyncedDocument == nil && info.LocalVersion > 0 {
		return info, nil
	}
	if !sc.direction().AllowsLocalPush() {
		return info, nil
	}
	newVersion, err := sc.Local.DeleteShadow(ctx, key)
	if err != nil {
		if !errors.Is(err, ErrShadowNotFound) {
			return nil, Retryable(err)
		}
		newVersion = info.LocalVersion + 1
	}
	out := info.clone()
	out.LocalVersion = newVersion
	out.LastSyncedDocument = nil
	out.LastSyncTime = sc.now()
	if sc.Notifier != nil {
		sc.Notifier.NotifyLocalDelete(ctx, key, newVersion)
	}
	return out, nil
}

func doOverwriteLocal(ctx context.Context, sc *Context, key Key, info *Info, cloudDoc []byte, cloudVersion uint64) (*Info, error) {
	if !sc.direction().AllowsLocalPush() {
		return info, nil
	}
	if err := sc.checkSize(cloudDoc); err != nil {
		return nil, err
	}
	newVersion, err := sc.Local.UpdateShadow(ctx, key, cloudDoc)
	if err != nil {
		return nil, Retryable(err)
	}
	out := info.clone()
	out.LocalVersion = newVersion
	out.CloudVersion = cloudVersion
	out.LastSyncedDocument = cloudDoc
	out.LastSyncTime = sc.now()
	out.CloudDeleted = false
	if sc.Notifier != nil {
		sc.Notifier.NotifyLocalUpdate(ctx, key, cloudDoc, newVersion)
	}
	return out, nil
}

func doOverwriteCloud(ctx context.Context, sc *Context, key Key, info *Info, localDoc []byte) (*Info, error) {
	if !sc.direction().AllowsCloudPush() {
		return info, nil
	}
	if err := sc.checkSize(localDoc); err != nil {
		return nil, err
	}
	withVersion, err := SetVersion(localDoc, info.CloudVersion+1)
	if err != nil {
		return nil, Skip(err)
	}
	newVersion, err := sc.Cloud.UpdateThingShadow(ctx, key, withVersion, info.CloudVersion)
	if err != nil {
		if Is(err, KindConflict) {
			if sc.Queue != nil {
				_ = sc.Queue.Requeue(FullShadow{K: key})
			}
			return info, Conflict(err)
		}
		return nil, err
	}
	out := info.clone()
	out.CloudVersion = newVersion
	out.LastSyncedDocument = withVersion
	out.LastSyncTime = sc.now()
	return out, nil
}
