package localbus

import (
	"encoding/json"
	"time"
)

// MessageType identifies the fan-out event kind a local subscriber receives.
type MessageType string

const (
	TypeShadowUpdated MessageType = "shadow_updated"
	TypeShadowDeleted MessageType = "shadow_deleted"
)

// Message is what subscribers receive over the websocket connection.
type Message struct {
	Type       MessageType     `json:"type"`
	ThingName  string          `json:"thing_name"`
	ShadowName string          `json:"shadow_name"`
	Version    uint64          `json:"version"`
	Timestamp  time.Time       `json:"timestamp"`
	Document   json.RawMessage `json:"document,omitempty"`
}
