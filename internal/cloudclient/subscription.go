package cloudclient

import (
	"context"
	"log"
	"sync"

	"github.com/go-kivik/kivik/v4"

	"shadowsync/internal/shadow"
)

// PushFunc delivers a cloud-observed change to the sync core; it is the
// synchandler.Handler's PushLocalUpdate/PushLocalDelete pair, injected so
// this package never imports synchandler.
type PushFunc func(key shadow.Key, doc []byte, version uint64, deleted bool)

// Subscription watches a CouchDB database's _changes feed and forwards
// changes for subscribed keys, implementing synchandler.CloudSubscriber.
// Grounded on kivik's Changes() feed (the pack's only CouchDB driver);
// the teacher has no equivalent watcher since its sync model is
// client-initiated HTTP sync rather than a server push feed.
type Subscription struct {
	db     *kivik.DB
	push   PushFunc
	logger *log.Logger

	mu       sync.Mutex
	interest map[shadow.Key]bool
	cancel   context.CancelFunc
}

func NewSubscription(client *kivik.Client, dbName string, push PushFunc, logger *log.Logger) *Subscription {
	if logger == nil {
		logger = log.Default()
	}
	return &Subscription{
		db:       client.DB(dbName),
		push:     push,
		logger:   logger,
		interest: make(map[shadow.Key]bool),
	}
}

// Subscribe adds keys to the interest set and starts the feed watcher if
// it is not already running.
func (s *Subscription) Subscribe(ctx context.Context, keys []shadow.Key) error {
	s.mu.Lock()
	for _, k := range keys {
		s.interest[k] = true
	}
	running := s.cancel != nil
	s.mu.Unlock()

	if running {
		return nil
	}
	watchCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	go s.watch(watchCtx)
	return nil
}

// Unsubscribe removes keys from the interest set, stopping the feed watcher
// once no key remains.
func (s *Subscription) Unsubscribe(_ context.Context, keys []shadow.Key) error {
	s.mu.Lock()
	for _, k := range keys {
		delete(s.interest, k)
	}
	empty := len(s.interest) == 0
	cancel := s.cancel
	if empty {
		s.cancel = nil
	}
	s.mu.Unlock()

	if empty && cancel != nil {
		cancel()
	}
	return nil
}

func (s *Subscription) watch(ctx context.Context) {
	changes := s.db.Changes(ctx, kivik.Params(map[string]interface{}{"feed": "continuous", "heartbeat": 15000}))
	defer changes.Close()

	for changes.Next() {
		id := changes.ID()
		key, ok := keyFromDocID(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		interested := s.interest[key]
		s.mu.Unlock()
		if !interested {
			continue
		}

		if changes.Deleted() {
			s.push(key, nil, 0, true)
			continue
		}
		doc, version, err := (&Client{db: s.db}).GetThingShadow(ctx, key)
		if err != nil {
			s.logger.Printf("cloudclient: subscription re-read %s: %v", key, err)
			continue
		}
		s.push(key, doc, version, false)
	}
	if err := changes.Err(); err != nil && ctx.Err() == nil {
		s.logger.Printf("cloudclient: changes feed ended: %v", err)
	}
}

func keyFromDocID(id string) (shadow.Key, bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '/' {
			return shadow.Key{ThingName: id[:i], ShadowName: id[i+1:]}, true
		}
	}
	if id == "" {
		return shadow.Key{}, false
	}
	return shadow.Key{ThingName: id}, true
}
