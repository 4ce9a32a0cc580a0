package cloudclient

import (
	"testing"

	"shadowsync/internal/shadow"
)

func TestDocIDClassicShadow(t *testing.T) {
	got := docID(shadow.Key{ThingName: "lamp-1"})
	if got != "lamp-1" {
		t.Fatalf("docID(classic) = %q, want %q", got, "lamp-1")
	}
}

func TestDocIDNamedShadow(t *testing.T) {
	got := docID(shadow.Key{ThingName: "lamp-1", ShadowName: "config"})
	if got != "lamp-1/config" {
		t.Fatalf("docID(named) = %q, want %q", got, "lamp-1/config")
	}
}

func TestKeyFromDocIDClassic(t *testing.T) {
	key, ok := keyFromDocID("lamp-1")
	if !ok {
		t.Fatal("keyFromDocID(classic) ok = false, want true")
	}
	if key != (shadow.Key{ThingName: "lamp-1"}) {
		t.Fatalf("keyFromDocID(classic) = %+v, want {ThingName: lamp-1}", key)
	}
}

func TestKeyFromDocIDNamed(t *testing.T) {
	key, ok := keyFromDocID("lamp-1/config")
	if !ok {
		t.Fatal("keyFromDocID(named) ok = false, want true")
	}
	want := shadow.Key{ThingName: "lamp-1", ShadowName: "config"}
	if key != want {
		t.Fatalf("keyFromDocID(named) = %+v, want %+v", key, want)
	}
}

func TestKeyFromDocIDEmpty(t *testing.T) {
	if _, ok := keyFromDocID(""); ok {
		t.Fatal("keyFromDocID(\"\") ok = true, want false")
	}
}

func TestSubscriptionInterestSetBookkeeping(t *testing.T) {
	// Subscribe/Unsubscribe's interest-set mutation is tested directly
	// against the struct, bypassing Subscribe's feed-watcher goroutine
	// (which needs a live kivik.DB and is out of reach for a unit test).
	s := &Subscription{interest: make(map[shadow.Key]bool)}
	a := shadow.Key{ThingName: "a"}
	b := shadow.Key{ThingName: "b"}

	s.mu.Lock()
	s.interest[a] = true
	s.interest[b] = true
	s.mu.Unlock()

	if err := s.Unsubscribe(nil, []shadow.Key{a}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}

	s.mu.Lock()
	_, aPresent := s.interest[a]
	_, bPresent := s.interest[b]
	s.mu.Unlock()

	if aPresent {
		t.Fatal("key a should have been removed from the interest set")
	}
	if !bPresent {
		t.Fatal("key b should remain in the interest set")
	}
}

func TestSubscriptionUnsubscribeAllCancelsWatch(t *testing.T) {
	cancelled := false
	s := &Subscription{
		interest: map[shadow.Key]bool{{ThingName: "a"}: true},
		cancel:   func() { cancelled = true },
	}

	if err := s.Unsubscribe(nil, []shadow.Key{{ThingName: "a"}}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if !cancelled {
		t.Fatal("Unsubscribe should cancel the watcher once the interest set is empty")
	}
	s.mu.Lock()
	stillSet := s.cancel != nil
	s.mu.Unlock()
	if stillSet {
		t.Fatal("cancel func should be cleared after the watcher is cancelled")
	}
}
