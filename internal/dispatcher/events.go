package dispatcher

import (
	"encoding/json"

	"github.com/nfrund/parley/internal/domain"
)

// Client actions accepted over the channel.
const (
	ActionJoin       = "join"
	ActionLeave      = "leave"
	ActionSendDirect = "send_direct"
	ActionSendGroup  = "send_group"
	ActionTyping     = "typing"
)

// Server events emitted over the channel.
const (
	EventMessage = "message"
	EventError   = "error"
	EventTyping  = "typing"
)

// Envelope is the client-to-server frame. Action selects which of the
// remaining fields are meaningful.
type Envelope struct {
	Action       string `json:"action"`
	Room         string `json:"room,omitempty"`
	Counterpart  string `json:"counterpart,omitempty"`
	Text         string `json:"text,omitempty"`
	ClientTempID string `json:"clientTempId,omitempty"`
	IsTyping     bool   `json:"isTyping,omitempty"`
}

// ServerEvent is the server-to-client frame.
type ServerEvent struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// MessagePayload carries a canonical accepted message. ClientTempID is set
// only on the copy echoed to the originating channel, for reconciliation
// against the sender's optimistic entry.
type MessagePayload struct {
	domain.Message
	ClientTempID string `json:"clientTempId,omitempty"`
}

// ErrorPayload is delivered only to the sender of a rejected message,
// correlated by the temp ID the client supplied. The server never persists
// the temp ID; it only echoes it.
type ErrorPayload struct {
	ClientTempID string `json:"clientTempId,omitempty"`
	Reason       string `json:"reason"`
}

// TypingPayload relays presence to the other members of a room. Active is
// the full current typer set (minus the recipient) so late joiners render
// correct state from the next relay.
type TypingPayload struct {
	Room     string   `json:"room"`
	User     string   `json:"user"`
	IsTyping bool     `json:"isTyping"`
	Active   []string `json:"active,omitempty"`
}

func encodeEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(ServerEvent{Event: event, Payload: payload})
}
