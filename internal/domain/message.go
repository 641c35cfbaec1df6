package domain

import (
	"sort"
	"strings"
	"time"
)

// Kind distinguishes the two conversation shapes the subsystem supports.
type Kind string

const (
	// KindDirect is a one-to-one conversation between a pair of users.
	KindDirect Kind = "direct"
	// KindGroup is a conversation among the participant roster of an event.
	KindGroup Kind = "group"
)

// Message is an immutable chat message. The server assigns the ID and
// timestamp when the message is accepted; after that only the Read flag
// (direct messages only) ever changes.
type Message struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Sender      string    `json:"sender"`
	Counterpart string    `json:"counterpart,omitempty"`
	Room        string    `json:"room,omitempty"`
	Body        string    `json:"body"`
	Read        bool      `json:"read"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ConversationKey returns the room key this message belongs to.
func (m Message) ConversationKey() string {
	if m.Kind == KindDirect {
		return DirectRoom(m.Sender, m.Counterpart)
	}
	return GroupRoom(m.Room)
}

// ConversationSummary is the derived, non-persisted view used by the
// conversation directory. For a saved contact with no message history,
// LastMessage is nil and LastActivity is the save time.
type ConversationSummary struct {
	Key          string    `json:"key"`
	Kind         Kind      `json:"kind"`
	Counterpart  string    `json:"counterpart,omitempty"`
	Room         string    `json:"room,omitempty"`
	Note         string    `json:"note,omitempty"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	LastActivity time.Time `json:"lastActivity"`
	Saved        bool      `json:"saved"`
}

// SavedConversation is a persisted user intent to keep a contact visible
// regardless of message activity. Unique per (Owner, Target); re-saving is
// an upsert.
type SavedConversation struct {
	ID        string    `json:"id,omitempty"`
	Owner     string    `json:"owner"`
	Target    string    `json:"target"`
	Note      string    `json:"note,omitempty"`
	SavedAt   time.Time `json:"savedAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

const (
	directRoomPrefix = "direct:"
	groupRoomPrefix  = "event:"
)

// DirectRoom derives the canonical room key for a pair of users. The key is
// symmetric: both participants derive the same key regardless of argument
// order.
func DirectRoom(a, b string) string {
	pair := []string{a, b}
	sort.Strings(pair)
	return directRoomPrefix + pair[0] + ":" + pair[1]
}

// GroupRoom derives the room key for an event. Passing an already-derived
// key returns it unchanged.
func GroupRoom(eventID string) string {
	if strings.HasPrefix(eventID, groupRoomPrefix) {
		return eventID
	}
	return groupRoomPrefix + eventID
}

// ParseRoom splits a room key into its kind and participants. For direct
// rooms the two user IDs are returned; for group rooms the event ID is
// returned as the single element.
func ParseRoom(key string) (Kind, []string, bool) {
	switch {
	case strings.HasPrefix(key, directRoomPrefix):
		rest := strings.TrimPrefix(key, directRoomPrefix)
		parts := strings.SplitN(rest, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return "", nil, false
		}
		return KindDirect, parts, true
	case strings.HasPrefix(key, groupRoomPrefix):
		eventID := strings.TrimPrefix(key, groupRoomPrefix)
		if eventID == "" {
			return "", nil, false
		}
		return KindGroup, []string{eventID}, true
	}
	return "", nil, false
}

// DirectCounterpart returns the other participant of a direct room key from
// the caller's point of view. The second return is false when the caller is
// not a participant or the key is not a direct room.
func DirectCounterpart(key, self string) (string, bool) {
	kind, parts, ok := ParseRoom(key)
	if !ok || kind != KindDirect {
		return "", false
	}
	switch self {
	case parts[0]:
		return parts[1], true
	case parts[1]:
		return parts[0], true
	}
	return "", false
}
