// Package dispatcher owns the realtime channels: it upgrades connections,
// tracks which channels are in which rooms, runs every outgoing message
// through the moderation gate and the ledger, and fans accepted messages
// out to the room. Rejections go back to the sender only.
package dispatcher

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/ledger"
	"github.com/nfrund/parley/internal/middleware"
	"github.com/nfrund/parley/internal/moderation"
	"github.com/nfrund/parley/internal/presence"
	"github.com/nfrund/parley/internal/pubsub"
	"github.com/nfrund/parley/internal/roster"
)

// Appender persists accepted messages. Satisfied by *ledger.Store.
type Appender interface {
	Append(ctx context.Context, c ledger.Candidate) (*domain.Message, error)
}

// Bridge manages all realtime channels and routes frames between them, the
// moderation gate, the ledger, and the message bus.
type Bridge struct {
	gate      *moderation.Gate
	ledger    Appender
	roster    roster.Membership
	typing    *presence.TypingTracker
	publisher pubsub.Publisher
	logger    *slog.Logger

	// mu guards clients and rooms. Fan-out takes it for reading; the
	// register/unregister loop takes it for writing.
	mu      sync.RWMutex
	clients map[string][]*Channel        // userID -> channels
	rooms   map[string]map[*Channel]bool // room key -> joined channels

	// roomLocks serializes append+fan-out per room so every channel in a
	// room observes the same message order as the ledger.
	lockMu    sync.Mutex
	roomLocks map[string]*sync.Mutex

	register   chan *Channel
	unregister chan *Channel
}

// NewBridge wires a dispatcher bridge. Call Run in a goroutine before
// serving connections.
func NewBridge(gate *moderation.Gate, store Appender, members roster.Membership, typing *presence.TypingTracker, pub pubsub.Publisher) *Bridge {
	return &Bridge{
		gate:       gate,
		ledger:     store,
		roster:     members,
		typing:     typing,
		publisher:  pub,
		logger:     slog.Default().With("service", "dispatcher"),
		clients:    make(map[string][]*Channel),
		rooms:      make(map[string]map[*Channel]bool),
		roomLocks:  make(map[string]*sync.Mutex),
		register:   make(chan *Channel),
		unregister: make(chan *Channel),
	}
}

// Run owns the channel lifecycle: registration, and the teardown that
// removes a dropped channel from every room before announcing the
// disconnect on the bus.
func (b *Bridge) Run() {
	b.logger.Info("dispatcher bridge started")
	for {
		select {
		case ch := <-b.register:
			b.mu.Lock()
			b.clients[ch.UserID] = append(b.clients[ch.UserID], ch)
			b.mu.Unlock()
			b.logger.Info("channel registered", "userID", ch.UserID, "clientID", ch.ID)
			b.announce(TopicClientConnected, ch, "")

		case ch := <-b.unregister:
			b.mu.Lock()
			if chans, ok := b.clients[ch.UserID]; ok {
				for i, c := range chans {
					if c == ch {
						b.clients[ch.UserID] = append(chans[:i], chans[i+1:]...)
						break
					}
				}
				if len(b.clients[ch.UserID]) == 0 {
					delete(b.clients, ch.UserID)
				}
			}
			for room, members := range b.rooms {
				delete(members, ch)
				if len(members) == 0 {
					delete(b.rooms, room)
				}
			}
			close(ch.done)
			b.mu.Unlock()
			b.logger.Info("channel unregistered", "userID", ch.UserID, "clientID", ch.ID)
			b.announce(TopicClientDisconnected, ch, "connection closed")
		}
	}
}

// Handler returns the echo handler that upgrades an authenticated request
// into a realtime channel.
func (b *Bridge) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.PrincipalID(c)
		if !ok {
			return echo.NewHTTPError(http.StatusUnauthorized, "no principal")
		}

		conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
			InsecureSkipVerify: true, // origin checks belong to the edge proxy
		})
		if err != nil {
			b.logger.Error("failed to upgrade connection", "userID", userID, "error", err)
			return err
		}

		ch := &Channel{
			ID:     uuid.NewString(),
			UserID: userID,
			conn:   conn,
			send:   make(chan []byte, 256),
			done:   make(chan struct{}),
			bridge: b,
		}
		b.register <- ch

		go ch.writePump()
		go ch.readPump()
		return nil
	}
}

// handleFrame dispatches one decoded client frame. Frames from a single
// channel arrive here sequentially, so a sender's own messages keep their
// submission order.
func (b *Bridge) handleFrame(ch *Channel, data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		b.sendError(ch, "", domain.ReasonValidation)
		return
	}

	ctx := context.Background()
	switch env.Action {
	case ActionJoin:
		b.handleJoin(ctx, ch, env)
	case ActionLeave:
		b.handleLeave(ch, env.Room)
	case ActionSendDirect:
		b.handleSendDirect(ctx, ch, env)
	case ActionSendGroup:
		b.handleSendGroup(ctx, ch, env)
	case ActionTyping:
		b.handleTyping(ch, env)
	default:
		b.sendError(ch, env.ClientTempID, domain.ReasonValidation)
	}
}

func (b *Bridge) handleJoin(ctx context.Context, ch *Channel, env Envelope) {
	kind, parts, ok := domain.ParseRoom(env.Room)
	if !ok {
		b.sendError(ch, "", domain.ReasonValidation)
		return
	}

	switch kind {
	case domain.KindDirect:
		if _, ok := domain.DirectCounterpart(env.Room, ch.UserID); !ok {
			b.sendError(ch, "", domain.ReasonForbidden)
			return
		}
	case domain.KindGroup:
		member, err := b.roster.IsMember(ctx, parts[0], ch.UserID)
		if err != nil {
			b.logger.Error("membership check failed", "room", env.Room, "userID", ch.UserID, "error", err)
			b.sendError(ch, "", domain.ReasonPersistence)
			return
		}
		if !member {
			b.sendError(ch, "", domain.ReasonForbidden)
			return
		}
	}

	b.joinRoom(ch, env.Room)
}

// joinRoom is idempotent: joining a room twice is a no-op.
func (b *Bridge) joinRoom(ch *Channel, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.rooms[room] == nil {
		b.rooms[room] = make(map[*Channel]bool)
	}
	b.rooms[room][ch] = true
}

// handleLeave is idempotent: leaving a room the channel never joined is a
// no-op.
func (b *Bridge) handleLeave(ch *Channel, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if members, ok := b.rooms[room]; ok {
		delete(members, ch)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
}

func (b *Bridge) handleSendDirect(ctx context.Context, ch *Channel, env Envelope) {
	if env.Counterpart == "" || env.Counterpart == ch.UserID {
		b.sendError(ch, env.ClientTempID, domain.ReasonValidation)
		return
	}

	verdict := b.gate.Classify(env.Text)
	if !verdict.Allowed {
		b.logger.Debug("message rejected", "userID", ch.UserID, "reason", verdict.Reason, "term", verdict.Term)
		b.sendError(ch, env.ClientTempID, verdict.Reason)
		return
	}

	room := domain.DirectRoom(ch.UserID, env.Counterpart)
	lock := b.roomLock(room)
	lock.Lock()

	msg, err := b.ledger.Append(ctx, ledger.Candidate{
		Kind:        domain.KindDirect,
		Sender:      ch.UserID,
		Counterpart: env.Counterpart,
		Body:        env.Text,
	})
	if err != nil {
		lock.Unlock()
		b.logger.Error("failed to append direct message", "userID", ch.UserID, "error", err)
		b.sendError(ch, env.ClientTempID, domain.Reason(err))
		return
	}

	// Direct rooms need no explicit join: both participants' channels are
	// addressed by user.
	b.mu.RLock()
	targets := append([]*Channel(nil), b.clients[ch.UserID]...)
	targets = append(targets, b.clients[env.Counterpart]...)
	b.mu.RUnlock()
	b.fanOut(targets, ch, msg, env.ClientTempID)
	lock.Unlock()

	b.publishAccepted(msg)
}

func (b *Bridge) handleSendGroup(ctx context.Context, ch *Channel, env Envelope) {
	if env.Room == "" {
		b.sendError(ch, env.ClientTempID, domain.ReasonValidation)
		return
	}
	room := domain.GroupRoom(env.Room)
	_, parts, ok := domain.ParseRoom(room)
	if !ok {
		b.sendError(ch, env.ClientTempID, domain.ReasonValidation)
		return
	}

	member, err := b.roster.IsMember(ctx, parts[0], ch.UserID)
	if err != nil {
		b.logger.Error("membership check failed", "room", room, "userID", ch.UserID, "error", err)
		b.sendError(ch, env.ClientTempID, domain.ReasonPersistence)
		return
	}
	if !member {
		b.sendError(ch, env.ClientTempID, domain.ReasonForbidden)
		return
	}

	verdict := b.gate.Classify(env.Text)
	if !verdict.Allowed {
		b.logger.Debug("message rejected", "userID", ch.UserID, "reason", verdict.Reason, "term", verdict.Term)
		b.sendError(ch, env.ClientTempID, verdict.Reason)
		return
	}

	// Sending implies presence: the sender's channel is joined so the echo
	// and subsequent room traffic reach it.
	b.joinRoom(ch, room)

	lock := b.roomLock(room)
	lock.Lock()

	msg, err := b.ledger.Append(ctx, ledger.Candidate{
		Kind:   domain.KindGroup,
		Sender: ch.UserID,
		Room:   room,
		Body:   env.Text,
	})
	if err != nil {
		lock.Unlock()
		b.logger.Error("failed to append group message", "userID", ch.UserID, "room", room, "error", err)
		b.sendError(ch, env.ClientTempID, domain.Reason(err))
		return
	}

	b.mu.RLock()
	targets := make([]*Channel, 0, len(b.rooms[room]))
	for member := range b.rooms[room] {
		targets = append(targets, member)
	}
	b.mu.RUnlock()
	b.fanOut(targets, ch, msg, env.ClientTempID)
	lock.Unlock()

	b.publishAccepted(msg)
}

// fanOut delivers an accepted message to every target channel, including
// the sender's. Only the originating channel gets the temp ID echo; every
// other copy, the sender's other devices included, is canonical.
func (b *Bridge) fanOut(targets []*Channel, origin *Channel, msg *domain.Message, tempID string) {
	canonical, err := encodeEvent(EventMessage, MessagePayload{Message: *msg})
	if err != nil {
		b.logger.Error("failed to encode message event", "error", err)
		return
	}
	echo := canonical
	if tempID != "" {
		if withTemp, err := encodeEvent(EventMessage, MessagePayload{Message: *msg, ClientTempID: tempID}); err == nil {
			echo = withTemp
		}
	}

	seen := make(map[*Channel]bool, len(targets))
	for _, target := range targets {
		if seen[target] {
			continue
		}
		seen[target] = true
		if target == origin {
			target.enqueue(echo)
		} else {
			target.enqueue(canonical)
		}
	}
}

func (b *Bridge) handleTyping(ch *Channel, env Envelope) {
	kind, _, ok := domain.ParseRoom(env.Room)
	if !ok {
		return
	}

	// Typing is advisory; unauthorized or unjoined signals are dropped
	// rather than answered with errors.
	var recipients []*Channel
	switch kind {
	case domain.KindDirect:
		other, ok := domain.DirectCounterpart(env.Room, ch.UserID)
		if !ok {
			return
		}
		b.mu.RLock()
		recipients = append([]*Channel(nil), b.clients[other]...)
		b.mu.RUnlock()
	case domain.KindGroup:
		b.mu.RLock()
		if !b.rooms[env.Room][ch] {
			b.mu.RUnlock()
			return
		}
		for member := range b.rooms[env.Room] {
			if member.UserID != ch.UserID {
				recipients = append(recipients, member)
			}
		}
		b.mu.RUnlock()
	}

	b.typing.SetTyping(env.Room, ch.UserID, env.IsTyping)

	// The originator never sees their own indicator; each recipient gets
	// the active set from their own point of view.
	for _, target := range recipients {
		payload := TypingPayload{
			Room:     env.Room,
			User:     ch.UserID,
			IsTyping: env.IsTyping,
			Active:   b.typing.ActiveTypers(env.Room, target.UserID),
		}
		if data, err := encodeEvent(EventTyping, payload); err == nil {
			target.enqueue(data)
		}
	}
}

// sendError delivers a rejection to one channel only. The temp ID, when
// present, lets the sender mark the matching optimistic entry as failed.
func (b *Bridge) sendError(ch *Channel, tempID, reason string) {
	data, err := encodeEvent(EventError, ErrorPayload{ClientTempID: tempID, Reason: reason})
	if err != nil {
		b.logger.Error("failed to encode error event", "error", err)
		return
	}
	ch.enqueue(data)
}

func (b *Bridge) publishAccepted(msg *domain.Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal accepted message", "error", err)
		return
	}
	err = b.publisher.Publish(context.Background(), pubsub.Message{
		Topic:   TopicMessageAccepted,
		UserID:  msg.Sender,
		Payload: payload,
	})
	if err != nil {
		b.logger.Error("failed to publish accepted message", "msgID", msg.ID, "error", err)
	}
}

func (b *Bridge) announce(topic string, ch *Channel, reason string) {
	payload, _ := json.Marshal(map[string]string{
		"userID":   ch.UserID,
		"clientID": ch.ID,
		"reason":   reason,
	})
	err := b.publisher.Publish(context.Background(), pubsub.Message{
		Topic:   topic,
		UserID:  ch.UserID,
		Payload: payload,
	})
	if err != nil {
		b.logger.Error("failed to publish lifecycle event", "topic", topic, "error", err)
	}
}

func (b *Bridge) roomLock(room string) *sync.Mutex {
	b.lockMu.Lock()
	defer b.lockMu.Unlock()
	lock, ok := b.roomLocks[room]
	if !ok {
		lock = &sync.Mutex{}
		b.roomLocks[room] = lock
	}
	return lock
}
