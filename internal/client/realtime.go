package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nfrund/parley/internal/dispatcher"
	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/middleware"
	"github.com/nfrund/parley/internal/moderation"
)

// Realtime binds an outbox to a live dispatcher channel: sends go out
// optimistically, and incoming echoes and rejections resolve the matching
// entries by temp ID.
type Realtime struct {
	conn      *websocket.Conn
	outbox    *Outbox
	principal string
	gate      *moderation.Gate
	logger    *slog.Logger

	// writeMu serializes writes; the gorilla connection allows only one
	// concurrent writer.
	writeMu sync.Mutex

	// Callbacks fire from the Listen goroutine. Set them before calling
	// Listen.
	OnMessage func(dispatcher.MessagePayload)
	OnTyping  func(dispatcher.TypingPayload)
	OnError   func(dispatcher.ErrorPayload)
}

// Option configures a Realtime binding at dial time.
type Option func(*Realtime)

// WithGate installs a local moderation gate. Obvious violations are
// rejected in the outbox without ever being transmitted; the server still
// classifies everything that does go out, and its verdict wins.
func WithGate(gate *moderation.Gate) Option {
	return func(r *Realtime) { r.gate = gate }
}

// Dial opens a realtime channel as the given principal.
func Dial(ctx context.Context, rawURL, principal string, outbox *Outbox, opts ...Option) (*Realtime, error) {
	header := http.Header{}
	header.Set(middleware.PrincipalHeader, principal)

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	r := &Realtime{
		conn:      conn,
		outbox:    outbox,
		principal: principal,
		logger:    slog.Default().With("service", "client.realtime"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// precheck runs the local gate, when one is installed, and resolves the
// entry as rejected on a violation. Returns true when the send should stop
// before reaching the wire.
func (r *Realtime) precheck(entry *Entry, text string) bool {
	if r.gate == nil {
		return false
	}
	verdict := r.gate.Classify(text)
	if verdict.Allowed {
		return false
	}
	r.outbox.Reject(entry.TempID, verdict.Reason)
	return true
}

// SendDirect submits a direct message optimistically and returns its
// outbox entry. A local gate violation or a transport failure rejects the
// entry immediately.
func (r *Realtime) SendDirect(counterpart, text string) (*Entry, error) {
	entry := r.outbox.Track(domain.Message{
		Kind:        domain.KindDirect,
		Sender:      r.principal,
		Counterpart: counterpart,
		Body:        text,
		CreatedAt:   time.Now().UTC(),
	})
	if r.precheck(entry, text) {
		return entry, nil
	}
	err := r.write(dispatcher.Envelope{
		Action:       dispatcher.ActionSendDirect,
		Counterpart:  counterpart,
		Text:         text,
		ClientTempID: entry.TempID,
	})
	if err != nil {
		r.outbox.Reject(entry.TempID, domain.ReasonTransport)
		return entry, err
	}
	return entry, nil
}

// SendGroup submits a group message optimistically.
func (r *Realtime) SendGroup(room, text string) (*Entry, error) {
	room = domain.GroupRoom(room)
	entry := r.outbox.Track(domain.Message{
		Kind:      domain.KindGroup,
		Sender:    r.principal,
		Room:      room,
		Body:      text,
		CreatedAt: time.Now().UTC(),
	})
	if r.precheck(entry, text) {
		return entry, nil
	}
	err := r.write(dispatcher.Envelope{
		Action:       dispatcher.ActionSendGroup,
		Room:         room,
		Text:         text,
		ClientTempID: entry.TempID,
	})
	if err != nil {
		r.outbox.Reject(entry.TempID, domain.ReasonTransport)
		return entry, err
	}
	return entry, nil
}

// Join enters a group room.
func (r *Realtime) Join(room string) error {
	return r.write(dispatcher.Envelope{Action: dispatcher.ActionJoin, Room: domain.GroupRoom(room)})
}

// Leave exits a room.
func (r *Realtime) Leave(room string) error {
	return r.write(dispatcher.Envelope{Action: dispatcher.ActionLeave, Room: room})
}

// Typing signals typing state for a room. Callers refresh while the user
// keeps typing; the server expires stale signals on its own.
func (r *Realtime) Typing(room string, isTyping bool) error {
	return r.write(dispatcher.Envelope{Action: dispatcher.ActionTyping, Room: room, IsTyping: isTyping})
}

// Listen reads server events until the connection drops or ctx is
// canceled, resolving outbox entries and invoking callbacks. It blocks;
// run it in its own goroutine.
func (r *Realtime) Listen(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			r.conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		r.handle(data)
	}
}

func (r *Realtime) handle(data []byte) {
	var event struct {
		Event   string          `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &event); err != nil {
		r.logger.Warn("dropping malformed server event", "error", err)
		return
	}

	switch event.Event {
	case dispatcher.EventMessage:
		var payload dispatcher.MessagePayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			r.logger.Warn("dropping malformed message event", "error", err)
			return
		}
		if payload.ClientTempID != "" {
			r.outbox.Confirm(payload.ClientTempID, payload.Message)
		}
		if r.OnMessage != nil {
			r.OnMessage(payload)
		}

	case dispatcher.EventError:
		var payload dispatcher.ErrorPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			r.logger.Warn("dropping malformed error event", "error", err)
			return
		}
		if payload.ClientTempID != "" {
			r.outbox.Reject(payload.ClientTempID, payload.Reason)
		}
		if r.OnError != nil {
			r.OnError(payload)
		}

	case dispatcher.EventTyping:
		var payload dispatcher.TypingPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			r.logger.Warn("dropping malformed typing event", "error", err)
			return
		}
		if r.OnTyping != nil {
			r.OnTyping(payload)
		}
	}
}

func (r *Realtime) write(v any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(v)
}

// Close shuts the channel down politely.
func (r *Realtime) Close() error {
	r.writeMu.Lock()
	r.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"))
	r.writeMu.Unlock()
	return r.conn.Close()
}
