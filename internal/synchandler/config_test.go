package synchandler

import (
	"context"
	"testing"

	"shadowsync/internal/config"
	"shadowsync/internal/shadow"
	"shadowsync/internal/thingregistry"
)

// minimalLocalStore implements just enough of shadow.LocalStore to observe
// DeleteSyncInfo calls; every other method panics if reached, since
// ApplyConfig's removed-keys cleanup is the only thing exercising it here.
type minimalLocalStore struct {
	deleted []shadow.Key
}

func (s *minimalLocalStore) ListSyncedShadows(context.Context) ([]shadow.Key, error) { panic("unused") }
func (s *minimalLocalStore) GetSyncInfo(context.Context, shadow.Key) (*shadow.Info, error) {
	panic("unused")
}
func (s *minimalLocalStore) UpsertSyncInfoIfAbsent(context.Context, *shadow.Info) error {
	panic("unused")
}
func (s *minimalLocalStore) UpdateSyncInfo(context.Context, *shadow.Info) error { panic("unused") }
func (s *minimalLocalStore) DeleteSyncInfo(_ context.Context, key shadow.Key) error {
	s.deleted = append(s.deleted, key)
	return nil
}
func (s *minimalLocalStore) GetShadow(context.Context, shadow.Key) ([]byte, uint64, error) {
	panic("unused")
}
func (s *minimalLocalStore) UpdateShadow(context.Context, shadow.Key, []byte) (uint64, error) {
	panic("unused")
}
func (s *minimalLocalStore) DeleteShadow(context.Context, shadow.Key) (uint64, error) {
	panic("unused")
}
func (s *minimalLocalStore) Lock(context.Context, shadow.Key) (shadow.ScopedLock, error) {
	panic("unused")
}

// fakeRegistry records Deregister calls; the other Registry methods are
// never reached from ApplyConfig.
type fakeRegistry struct {
	deregistered []shadow.Key
}

func (r *fakeRegistry) Register(context.Context, shadow.Key) error { panic("unused") }
func (r *fakeRegistry) List(context.Context) ([]thingregistry.Entry, error) {
	panic("unused")
}
func (r *fakeRegistry) Find(context.Context, shadow.Key) (*thingregistry.Entry, error) {
	panic("unused")
}
func (r *fakeRegistry) Deregister(_ context.Context, key shadow.Key) error {
	r.deregistered = append(r.deregistered, key)
	return nil
}
func (r *fakeRegistry) Touch(context.Context, shadow.Key) error { panic("unused") }

func TestApplyConfigRemovedKeysDeleteSyncInfoAndDeregister(t *testing.T) {
	kept := shadow.Key{ThingName: "kept"}
	removed := shadow.Key{ThingName: "removed"}

	store := &minimalLocalStore{}
	registry := &fakeRegistry{}
	fs := &fakeStrategy{}

	initial := config.Snapshot{SyncedKeys: []config.KeyConfig{
		{ThingName: kept.ThingName}, {ThingName: removed.ThingName},
	}}
	h := New(Config{
		SyncedKeys: []shadow.Key{kept, removed},
		Direction:  shadow.BetweenDeviceAndCloud,
		Strategy:   fs,
		Context:    &shadow.Context{Local: store},
		Registry:   registry,
		Snapshot:   initial,
	})

	newSnapshot := config.Snapshot{SyncedKeys: []config.KeyConfig{{ThingName: kept.ThingName}}}
	if err := h.ApplyConfig(context.Background(), newSnapshot, nil); err != nil {
		t.Fatalf("ApplyConfig: %v", err)
	}

	if h.IsSynced(removed) {
		t.Fatal("removed key still reported as synced")
	}
	if !h.IsSynced(kept) {
		t.Fatal("kept key lost from synced set")
	}
	if len(store.deleted) != 1 || store.deleted[0] != removed {
		t.Fatalf("DeleteSyncInfo calls = %v, want [%v]", store.deleted, removed)
	}
	if len(registry.deregistered) != 1 || registry.deregistered[0] != removed {
		t.Fatalf("Deregister calls = %v, want [%v]", registry.deregistered, removed)
	}
}

func TestApplyConfigRemovedKeysNilRegistryAndContextSafe(t *testing.T) {
	kept := shadow.Key{ThingName: "kept"}
	removed := shadow.Key{ThingName: "removed"}
	fs := &fakeStrategy{}

	initial := config.Snapshot{SyncedKeys: []config.KeyConfig{
		{ThingName: kept.ThingName}, {ThingName: removed.ThingName},
	}}
	h := New(Config{
		SyncedKeys: []shadow.Key{kept, removed},
		Direction:  shadow.BetweenDeviceAndCloud,
		Strategy:   fs,
		Snapshot:   initial,
	})

	newSnapshot := config.Snapshot{SyncedKeys: []config.KeyConfig{{ThingName: kept.ThingName}}}
	if err := h.ApplyConfig(context.Background(), newSnapshot, nil); err != nil {
		t.Fatalf("ApplyConfig with nil Context/Registry: %v", err)
	}
	if h.IsSynced(removed) {
		t.Fatal("removed key still reported as synced")
	}
}
