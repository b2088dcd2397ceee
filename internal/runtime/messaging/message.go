package messaging

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"
)

// Type is the closed set of commands and events exchanged between the agent
// and its clients.
type Type string

const (
	// client -> agent
	SkipWaiting      Type = "SKIP_WAITING"
	PreloadResources Type = "PRELOAD_RESOURCES"
	ClearCache       Type = "CLEAR_CACHE"
	GetCacheSize     Type = "GET_CACHE_SIZE"

	// agent -> client
	CacheUpdated      Type = "CACHE_UPDATED"
	OfflineReady      Type = "OFFLINE_READY"
	NotificationClick Type = "NOTIFICATION_CLICK"
	UpdateAvailable   Type = "UPDATE_AVAILABLE"
	StateChanged      Type = "STATE_CHANGED"
)

var knownTypes = map[Type]struct{}{
	SkipWaiting:       {},
	PreloadResources:  {},
	ClearCache:        {},
	GetCacheSize:      {},
	CacheUpdated:      {},
	OfflineReady:      {},
	NotificationClick: {},
	UpdateAvailable:   {},
	StateChanged:      {},
}

// Known reports whether t belongs to the protocol.
func (t Type) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// ErrClosed is returned by a Conn after either side closed it.
var ErrClosed = errors.New("messaging: channel closed")

// Message is one protocol frame. Requests that expect a reply carry an ID;
// the reply echoes it in ReplyTo.
type Message struct {
	Type    Type            `json:"type"`
	ID      string          `json:"id,omitempty"`
	ReplyTo string          `json:"replyTo,omitempty"`
	URLs    []string        `json:"urls,omitempty"`
	Size    *int64          `json:"size,omitempty"`
	Action  string          `json:"action,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Version string          `json:"version,omitempty"`
	State   string          `json:"state,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewRequest returns a message of type t with a fresh correlation id.
func NewRequest(t Type) Message {
	return Message{Type: t, ID: uuid.NewString()}
}

// Reply builds the response frame for m.
func (m Message) Reply() Message {
	return Message{Type: m.Type, ID: uuid.NewString(), ReplyTo: m.ID}
}

// IsReply reports whether m answers an earlier request.
func (m Message) IsReply() bool {
	return m.ReplyTo != ""
}
