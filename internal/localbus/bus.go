// Package localbus fans out successful local shadow mutations to local
// subscribers over websocket connections (spec section 2, item 6: "declared
// out of scope for the core but still an external collaborator interface").
// Adapted from the teacher's internal/websocket (Manager/Client), keyed by
// shadow.Key instead of user ID, and wired as a shadow.ChangeNotifier so
// internal/shadow's executors can publish through it with no direct
// dependency on gorilla/websocket.
package localbus

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"shadowsync/internal/shadow"
)

const (
	defaultWriteWait  = 10 * time.Second
	defaultPongWait   = 60 * time.Second
	defaultPingPeriod = (defaultPongWait * 9) / 10
)

// Bus is a shadow.ChangeNotifier backed by websocket fan-out. Subscribers
// register with a key filter ("" subscribes to every shadow).
type Bus struct {
	clientsMu  sync.RWMutex
	clients    map[string]*Client
	keyIndex   map[string]map[string]bool
	Register   chan *Client
	Unregister chan *Client

	writeWait  time.Duration
	pongWait   time.Duration
	pingPeriod time.Duration
	logger     *log.Logger
}

func New(logger *log.Logger) *Bus {
	if logger == nil {
		logger = log.Default()
	}
	return &Bus{
		clients:    make(map[string]*Client),
		keyIndex:   make(map[string]map[string]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		writeWait:  defaultWriteWait,
		pongWait:   defaultPongWait,
		pingPeriod: defaultPingPeriod,
		logger:     logger,
	}
}

// Run processes registrations until stop is closed.
func (b *Bus) Run(stop <-chan struct{}) {
	for {
		select {
		case c := <-b.Register:
			b.registerClient(c)
		case c := <-b.Unregister:
			b.unregisterClient(c)
		case <-stop:
			return
		}
	}
}

func (b *Bus) registerClient(c *Client) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	if b.keyIndex[c.Key] == nil {
		b.keyIndex[c.Key] = make(map[string]bool)
	}
	b.clients[c.ID] = c
	b.keyIndex[c.Key][c.ID] = true
	b.logger.Printf("localbus: client registered: %s (key=%q)", c.ID, c.Key)
}

func (b *Bus) unregisterClient(c *Client) {
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	if _, ok := b.clients[c.ID]; !ok {
		return
	}
	delete(b.clients, c.ID)
	delete(b.keyIndex[c.Key], c.ID)
	if len(b.keyIndex[c.Key]) == 0 {
		delete(b.keyIndex, c.Key)
	}
	close(c.Send)
}

func (b *Bus) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Printf("localbus: marshal: %v", err)
		return
	}

	b.clientsMu.RLock()
	defer b.clientsMu.RUnlock()

	keyStr := shadow.Key{ThingName: msg.ThingName, ShadowName: msg.ShadowName}.String()
	for _, filter := range []string{keyStr, ""} {
		for id := range b.keyIndex[filter] {
			client := b.clients[id]
			select {
			case client.Send <- payload:
			default:
				b.logger.Printf("localbus: client %s send buffer full, dropping", id)
			}
		}
	}
}

// NotifyLocalUpdate implements shadow.ChangeNotifier.
func (b *Bus) NotifyLocalUpdate(_ context.Context, key shadow.Key, doc []byte, version uint64) {
	b.broadcast(Message{
		Type:       TypeShadowUpdated,
		ThingName:  key.ThingName,
		ShadowName: key.ShadowName,
		Version:    version,
		Timestamp:  time.Now(),
		Document:   json.RawMessage(doc),
	})
}

// NotifyLocalDelete implements shadow.ChangeNotifier.
func (b *Bus) NotifyLocalDelete(_ context.Context, key shadow.Key, version uint64) {
	b.broadcast(Message{
		Type:       TypeShadowDeleted,
		ThingName:  key.ThingName,
		ShadowName: key.ShadowName,
		Version:    version,
		Timestamp:  time.Now(),
	})
}
