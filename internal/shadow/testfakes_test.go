package shadow

import (
	"context"
	"fmt"
)

// fakeLocalStore is an in-memory LocalStore keyed by Key, used across this
// package's executor tests.
type fakeLocalStore struct {
	docs     map[Key][]byte
	versions map[Key]uint64
	infos    map[Key]*Info
	locked   map[Key]bool
}

func newFakeLocalStore() *fakeLocalStore {
	return &fakeLocalStore{
		docs:     map[Key][]byte{},
		versions: map[Key]uint64{},
		infos:    map[Key]*Info{},
		locked:   map[Key]bool{},
	}
}

func (s *fakeLocalStore) ListSyncedShadows(context.Context) ([]Key, error) {
	var out []Key
	for k := range s.infos {
		out = append(out, k)
	}
	return out, nil
}

func (s *fakeLocalStore) GetSyncInfo(_ context.Context, key Key) (*Info, error) {
	info, ok := s.infos[key]
	if !ok {
		return nil, nil
	}
	cp := *info
	return &cp, nil
}

func (s *fakeLocalStore) UpsertSyncInfoIfAbsent(_ context.Context, row *Info) error {
	if _, ok := s.infos[row.Key]; ok {
		return nil
	}
	cp := *row
	s.infos[row.Key] = &cp
	return nil
}

func (s *fakeLocalStore) UpdateSyncInfo(_ context.Context, row *Info) error {
	cp := *row
	s.infos[row.Key] = &cp
	return nil
}

func (s *fakeLocalStore) DeleteSyncInfo(_ context.Context, key Key) error {
	delete(s.infos, key)
	return nil
}

func (s *fakeLocalStore) GetShadow(_ context.Context, key Key) ([]byte, uint64, error) {
	doc, ok := s.docs[key]
	if !ok {
		return nil, 0, ErrShadowNotFound
	}
	return doc, s.versions[key], nil
}

func (s *fakeLocalStore) UpdateShadow(_ context.Context, key Key, doc []byte) (uint64, error) {
	s.versions[key]++
	s.docs[key] = doc
	return s.versions[key], nil
}

func (s *fakeLocalStore) DeleteShadow(_ context.Context, key Key) (uint64, error) {
	if _, ok := s.docs[key]; !ok {
		return 0, ErrShadowNotFound
	}
	delete(s.docs, key)
	s.versions[key]++
	return s.versions[key], nil
}

func (s *fakeLocalStore) Lock(_ context.Context, key Key) (ScopedLock, error) {
	if s.locked[key] {
		return nil, fmt.Errorf("shadow: %s already locked", key)
	}
	s.locked[key] = true
	return &fakeLock{store: s, key: key}, nil
}

type fakeLock struct {
	store *fakeLocalStore
	key   Key
}

func (l *fakeLock) Unlock() { delete(l.store.locked, l.key) }

// fakeCloudClient is an in-memory CloudClient keyed by Key. conflictOnce, if
// set, makes the next UpdateThingShadow for that key fail with a version
// conflict regardless of expectedVersion, used to exercise the FullShadow
// restart/absorb paths.
type fakeCloudClient struct {
	docs         map[Key][]byte
	versions     map[Key]uint64
	present      map[Key]bool
	conflictOnce map[Key]bool
}

func newFakeCloudClient() *fakeCloudClient {
	return &fakeCloudClient{
		docs:         map[Key][]byte{},
		versions:     map[Key]uint64{},
		present:      map[Key]bool{},
		conflictOnce: map[Key]bool{},
	}
}

func (c *fakeCloudClient) GetThingShadow(_ context.Context, key Key) ([]byte, uint64, error) {
	if !c.present[key] {
		return nil, 0, ErrShadowNotFound
	}
	return c.docs[key], c.versions[key], nil
}

func (c *fakeCloudClient) UpdateThingShadow(_ context.Context, key Key, doc []byte, expectedVersion uint64) (uint64, error) {
	if c.conflictOnce[key] {
		delete(c.conflictOnce, key)
		return 0, Conflict(ErrVersionConflict)
	}
	if c.present[key] && c.versions[key] != expectedVersion {
		return 0, Conflict(ErrVersionConflict)
	}
	if !c.present[key] && expectedVersion != 0 {
		return 0, Conflict(ErrVersionConflict)
	}
	v, _ := ExtractVersion(doc)
	c.docs[key] = doc
	c.versions[key] = v
	c.present[key] = true
	return v, nil
}

func (c *fakeCloudClient) DeleteThingShadow(_ context.Context, key Key, expectedVersion uint64) error {
	if !c.present[key] {
		return nil
	}
	if c.versions[key] != expectedVersion {
		return Conflict(ErrVersionConflict)
	}
	delete(c.docs, key)
	delete(c.present, key)
	return nil
}

// fakeNotifier records ChangeNotifier calls.
type fakeNotifier struct {
	updates []Key
	deletes []Key
}

func (n *fakeNotifier) NotifyLocalUpdate(_ context.Context, key Key, _ []byte, _ uint64) {
	n.updates = append(n.updates, key)
}

func (n *fakeNotifier) NotifyLocalDelete(_ context.Context, key Key, _ uint64) {
	n.deletes = append(n.deletes, key)
}

// fakeRequeuer records Requeue calls.
type fakeRequeuer struct {
	requeued []Request
}

func (r *fakeRequeuer) Requeue(req Request) error {
	r.requeued = append(r.requeued, req)
	return nil
}

// fakeRecorder records ReconciliationRecorder calls.
type fakeRecorder struct {
	entries []recordedEntry
}

type recordedEntry struct {
	Key      Key
	Decision string
	Cloud    uint64
	Local    uint64
}

func (r *fakeRecorder) Record(_ context.Context, key Key, decision string, cloudVersion, localVersion uint64) {
	r.entries = append(r.entries, recordedEntry{key, decision, cloudVersion, localVersion})
}

func newTestContext(local *fakeLocalStore, cloud *fakeCloudClient) *Context {
	return &Context{
		Local: local,
		Cloud: cloud,
		Direction: func() Direction {
			return BetweenDeviceAndCloud
		},
		Now: func() int64 { return 1000 },
	}
}
