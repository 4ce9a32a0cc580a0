package thingregistry

import (
	"testing"
	"time"

	"shadowsync/internal/shadow"
)

// couchRegistry's Register/List/Find/Deregister/Touch all round-trip
// through a *kivik.DB, which has no in-pack fake driver; docID and
// docToEntry carry the only logic that doesn't need a live database, so
// those are what's unit-tested here.

func TestDocIDClassicAndNamed(t *testing.T) {
	classic := docID(shadow.Key{ThingName: "lamp-1"})
	if classic != "thing:lamp-1" {
		t.Fatalf("docID(classic) = %q, want %q", classic, "thing:lamp-1")
	}

	named := docID(shadow.Key{ThingName: "lamp-1", ShadowName: "config"})
	if named != "thing:lamp-1/config" {
		t.Fatalf("docID(named) = %q, want %q", named, "thing:lamp-1/config")
	}
}

func TestDocToEntryParsesTimestamps(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := entryDoc{
		ThingName:    "lamp-1",
		ShadowName:   "config",
		RegisteredAt: now.Format(time.RFC3339),
		LastSeenAt:   now.Add(time.Hour).Format(time.RFC3339),
		Deregistered: true,
	}

	entry := docToEntry(doc)
	if entry.Key != (shadow.Key{ThingName: "lamp-1", ShadowName: "config"}) {
		t.Fatalf("entry.Key = %+v", entry.Key)
	}
	if !entry.RegisteredAt.Equal(now) {
		t.Fatalf("entry.RegisteredAt = %v, want %v", entry.RegisteredAt, now)
	}
	if !entry.LastSeenAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("entry.LastSeenAt = %v, want %v", entry.LastSeenAt, now.Add(time.Hour))
	}
	if !entry.Deregistered {
		t.Fatal("entry.Deregistered = false, want true")
	}
}

func TestDocToEntryMalformedTimestampsZeroValue(t *testing.T) {
	entry := docToEntry(entryDoc{ThingName: "a", RegisteredAt: "not-a-time"})
	if !entry.RegisteredAt.IsZero() {
		t.Fatalf("entry.RegisteredAt = %v, want zero value on parse failure", entry.RegisteredAt)
	}
}
