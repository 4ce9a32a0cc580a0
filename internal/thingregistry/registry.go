// Package thingregistry tracks the set of registered (thing, name) pairs
// listed by the admin API's GET /shadows (list_synced_shadows itself reads
// the local store's sync information, not this registry), a feature original_source keeps
// as part of ShadowManager but spec.md's distillation leaves as an
// external collaborator detail. Adapted from the teacher's
// DeviceRepository (internal/repository/device_repository.go): a device
// there becomes a registered shadow key here, revocation becomes
// deregistration.
package thingregistry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kivik/kivik/v4"

	"shadowsync/internal/shadow"
)

// Entry is one registered shadow key with registration bookkeeping.
type Entry struct {
	Key          shadow.Key
	RegisteredAt time.Time
	LastSeenAt   time.Time
	Deregistered bool
}

// Registry is the teacher's DeviceRepository analogue: CRUD over
// registered keys, backed by the same CouchDB database the cloudclient
// package talks to.
type Registry interface {
	Register(ctx context.Context, key shadow.Key) error
	List(ctx context.Context) ([]Entry, error)
	Find(ctx context.Context, key shadow.Key) (*Entry, error)
	Deregister(ctx context.Context, key shadow.Key) error
	Touch(ctx context.Context, key shadow.Key) error
}

type couchRegistry struct {
	db *kivik.DB
}

// New returns a Registry backed by the named CouchDB database on client.
func New(client *kivik.Client, dbName string) Registry {
	return &couchRegistry{db: client.DB(dbName)}
}

type entryDoc struct {
	ID           string `json:"_id"`
	Rev          string `json:"_rev,omitempty"`
	DocType      string `json:"doc_type"`
	ThingName    string `json:"thing_name"`
	ShadowName   string `json:"shadow_name"`
	RegisteredAt string `json:"registered_at"`
	LastSeenAt   string `json:"last_seen_at"`
	Deregistered bool   `json:"deregistered"`
}

func docID(key shadow.Key) string { return fmt.Sprintf("thing:%s", key.String()) }

func (r *couchRegistry) Register(ctx context.Context, key shadow.Key) error {
	now := time.Now().UTC().Format(time.RFC3339)
	doc := entryDoc{
		ID:           docID(key),
		DocType:      "registered_thing",
		ThingName:    key.ThingName,
		ShadowName:   key.ShadowName,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	if _, err := r.db.Put(ctx, doc.ID, doc); err != nil {
		return fmt.Errorf("thingregistry: register %s: %w", key, err)
	}
	return nil
}

func (r *couchRegistry) List(ctx context.Context) ([]Entry, error) {
	query := map[string]interface{}{
		"selector": map[string]interface{}{
			"doc_type":     "registered_thing",
			"deregistered": false,
		},
	}
	rows := r.db.Find(ctx, query)
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thingregistry: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var doc entryDoc
		if err := rows.ScanDoc(&doc); err != nil {
			continue
		}
		entries = append(entries, docToEntry(doc))
	}
	return entries, nil
}

func (r *couchRegistry) Find(ctx context.Context, key shadow.Key) (*Entry, error) {
	row := r.db.Get(ctx, docID(key))
	var doc entryDoc
	if err := row.ScanDoc(&doc); err != nil {
		if kivik.HTTPStatus(err) == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("thingregistry: find %s: %w", key, err)
	}
	entry := docToEntry(doc)
	return &entry, nil
}

func (r *couchRegistry) Deregister(ctx context.Context, key shadow.Key) error {
	return r.patch(ctx, key, func(doc map[string]interface{}) {
		doc["deregistered"] = true
	})
}

func (r *couchRegistry) Touch(ctx context.Context, key shadow.Key) error {
	return r.patch(ctx, key, func(doc map[string]interface{}) {
		doc["last_seen_at"] = time.Now().UTC().Format(time.RFC3339)
	})
}

func (r *couchRegistry) patch(ctx context.Context, key shadow.Key, mutate func(map[string]interface{})) error {
	id := docID(key)
	row := r.db.Get(ctx, id)
	var raw map[string]interface{}
	if err := row.ScanDoc(&raw); err != nil {
		return fmt.Errorf("thingregistry: read %s before patch: %w", key, err)
	}
	mutate(raw)
	if _, err := r.db.Put(ctx, id, raw); err != nil {
		return fmt.Errorf("thingregistry: patch %s: %w", key, err)
	}
	return nil
}

func docToEntry(doc entryDoc) Entry {
	registeredAt, _ := time.Parse(time.RFC3339, doc.RegisteredAt)
	lastSeenAt, _ := time.Parse(time.RFC3339, doc.LastSeenAt)
	return Entry{
		Key:          shadow.Key{ThingName: doc.ThingName, ShadowName: doc.ShadowName},
		RegisteredAt: registeredAt,
		LastSeenAt:   lastSeenAt,
		Deregistered: doc.Deregistered,
	}
}
