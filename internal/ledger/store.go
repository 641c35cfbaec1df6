// Package ledger is the append-only persisted record of every message,
// keyed by conversation. It is the leaf dependency for the dispatcher and
// the conversation directory.
package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/parley/internal/database"
	"github.com/nfrund/parley/internal/domain"
)

// Candidate is an unpersisted message submitted for appending. The server
// assigns identity and time on acceptance.
type Candidate struct {
	Kind        domain.Kind
	Sender      string
	Counterpart string
	Room        string
	Body        string
	Attachments []string
}

// Page is one history page, oldest to newest. NextCursor is empty on the
// last page.
type Page struct {
	Messages   []domain.Message `json:"messages"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// Store handles database operations for the message ledger.
type Store struct {
	db *surrealdb.DB
}

// NewStore creates a new Store instance.
func NewStore(db *surrealdb.DB) *Store {
	return &Store{db: db}
}

// messageRow mirrors the persisted message record. Fields are selected
// explicitly so the record id never needs unmarshaling.
type messageRow struct {
	MsgID       string    `json:"msg_id"`
	Kind        string    `json:"kind"`
	Sender      string    `json:"sender"`
	Counterpart string    `json:"counterpart,omitempty"`
	Room        string    `json:"room,omitempty"`
	Body        string    `json:"body"`
	Read        bool      `json:"read"`
	Attachments []string  `json:"attachments,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

const messageFields = "msg_id, kind, sender, counterpart, room, body, read, attachments, created_at"

func (r messageRow) toDomain() domain.Message {
	return domain.Message{
		ID:          r.MsgID,
		Kind:        domain.Kind(r.Kind),
		Sender:      r.Sender,
		Counterpart: r.Counterpart,
		Room:        r.Room,
		Body:        r.Body,
		Read:        r.Read,
		Attachments: r.Attachments,
		CreatedAt:   r.CreatedAt,
	}
}

// Append validates and persists a candidate, returning the canonical
// message. The candidate's target must match its kind: a counterpart for
// direct, a room for group.
func (s *Store) Append(ctx context.Context, c Candidate) (*domain.Message, error) {
	switch c.Kind {
	case domain.KindDirect:
		if c.Counterpart == "" || c.Room != "" {
			return nil, domain.ErrInvalidTarget
		}
	case domain.KindGroup:
		if c.Room == "" || c.Counterpart != "" {
			return nil, domain.ErrInvalidTarget
		}
	default:
		return nil, domain.ErrInvalidTarget
	}
	if c.Sender == "" {
		return nil, domain.ErrInvalidTarget
	}

	msg := domain.Message{
		ID:          uuid.NewString(),
		Kind:        c.Kind,
		Sender:      c.Sender,
		Counterpart: c.Counterpart,
		Room:        c.Room,
		Body:        c.Body,
		Attachments: c.Attachments,
		CreatedAt:   time.Now().UTC(),
	}

	query := `
		CREATE type::thing('message', $msg_id) CONTENT {
			msg_id: $msg_id,
			kind: $kind,
			sender: $sender,
			counterpart: $counterpart,
			room: $room,
			body: $body,
			read: false,
			attachments: $attachments,
			created_at: $created_at
		}
	`
	params := map[string]any{
		"msg_id":      msg.ID,
		"kind":        string(msg.Kind),
		"sender":      msg.Sender,
		"counterpart": msg.Counterpart,
		"room":        msg.Room,
		"body":        msg.Body,
		"attachments": msg.Attachments,
		"created_at":  msg.CreatedAt,
	}

	if err := database.Execute(ctx, s.db, query, params); err != nil {
		return nil, fmt.Errorf("failed to append message: %w", err)
	}

	return &msg, nil
}

// History returns one page of a conversation's messages, oldest to newest,
// restartable via the returned cursor.
func (s *Store) History(ctx context.Context, conversationKey string, cursor string, limit int) (*Page, error) {
	kind, parts, ok := domain.ParseRoom(conversationKey)
	if !ok {
		return nil, fmt.Errorf("%w: bad conversation key %q", domain.ErrInvalidTarget, conversationKey)
	}
	if limit <= 0 {
		limit = 50
	}

	var (
		where  string
		params = map[string]any{
			// Fetch one extra row to learn whether another page exists.
			"limit": limit + 1,
		}
	)
	if kind == domain.KindDirect {
		where = `kind = 'direct'
			AND ((sender = $a AND counterpart = $b) OR (sender = $b AND counterpart = $a))`
		params["a"] = parts[0]
		params["b"] = parts[1]
	} else {
		where = `kind = 'group' AND room = $room`
		params["room"] = conversationKey
	}

	if cursor != "" {
		afterTime, afterID, err := decodeCursor(cursor)
		if err != nil {
			return nil, err
		}
		where += ` AND (created_at > $after_ts OR (created_at = $after_ts AND msg_id > $after_id))`
		params["after_ts"] = afterTime
		params["after_id"] = afterID
	}

	query := fmt.Sprintf(
		"SELECT %s FROM message WHERE %s ORDER BY created_at ASC, msg_id ASC LIMIT $limit",
		messageFields, where,
	)

	rows, err := database.Query[messageRow](ctx, s.db, query, params)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	page := &Page{}
	hasMore := len(rows) > limit
	if hasMore {
		rows = rows[:limit]
	}
	for _, r := range rows {
		page.Messages = append(page.Messages, r.toDomain())
	}
	if hasMore && len(rows) > 0 {
		last := rows[len(rows)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.MsgID)
	}
	return page, nil
}

// MarkRead flips unread direct messages addressed to the reader, and bumps
// the reader's seen marker for group rooms. It is idempotent and never
// touches messages the reader authored. Returns the number of direct
// messages updated.
func (s *Store) MarkRead(ctx context.Context, conversationKey, reader string) (int, error) {
	kind, _, ok := domain.ParseRoom(conversationKey)
	if !ok {
		return 0, fmt.Errorf("%w: bad conversation key %q", domain.ErrInvalidTarget, conversationKey)
	}

	if kind == domain.KindGroup {
		if err := s.markSeen(ctx, conversationKey, reader); err != nil {
			return 0, err
		}
		return 0, nil
	}

	other, ok := domain.DirectCounterpart(conversationKey, reader)
	if !ok {
		return 0, domain.ErrForbidden
	}

	query := `
		UPDATE message SET read = true
		WHERE kind = 'direct' AND sender = $other AND counterpart = $reader AND read = false
		RETURN AFTER
	`
	params := map[string]any{
		"other":  other,
		"reader": reader,
	}

	updated, err := database.Query[messageRow](ctx, s.db, query, params)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	return len(updated), nil
}

// markSeen records the reader's last-seen time for a group room. Group
// messages carry no per-message read flag; unread counts derive from this
// marker.
func (s *Store) markSeen(ctx context.Context, room, user string) error {
	query := `
		UPSERT type::thing('room_seen', $key) CONTENT {
			room: $room,
			user: $user,
			seen_at: $seen_at
		}
	`
	params := map[string]any{
		"key":     room + "|" + user,
		"room":    room,
		"user":    user,
		"seen_at": time.Now().UTC(),
	}
	if err := database.Execute(ctx, s.db, query, params); err != nil {
		return fmt.Errorf("failed to update seen marker: %w", err)
	}
	return nil
}

type seenRow struct {
	SeenAt time.Time `json:"seen_at"`
}

// seenAt returns the reader's last-seen time for a room, zero when never
// marked.
func (s *Store) seenAt(ctx context.Context, room, user string) (time.Time, error) {
	query := `SELECT seen_at FROM room_seen WHERE room = $room AND user = $user`
	row, err := database.QueryOne[seenRow](ctx, s.db, query, map[string]any{
		"room": room,
		"user": user,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to fetch seen marker: %w", err)
	}
	if row == nil {
		return time.Time{}, nil
	}
	return row.SeenAt, nil
}

// DirectSummaries derives the per-counterpart conversation aggregates for a
// user: last message and unread count, grouped on the non-self participant.
func (s *Store) DirectSummaries(ctx context.Context, user string) ([]domain.ConversationSummary, error) {
	query := fmt.Sprintf(
		"SELECT %s FROM message WHERE kind = 'direct' AND (sender = $user OR counterpart = $user) ORDER BY created_at DESC, msg_id DESC",
		messageFields,
	)
	rows, err := database.Query[messageRow](ctx, s.db, query, map[string]any{"user": user})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch direct messages: %w", err)
	}

	byCounterpart := make(map[string]*domain.ConversationSummary)
	var order []string
	for _, r := range rows {
		other := r.Counterpart
		if other == user {
			other = r.Sender
		}
		summary, seen := byCounterpart[other]
		if !seen {
			msg := r.toDomain()
			summary = &domain.ConversationSummary{
				Key:          domain.DirectRoom(user, other),
				Kind:         domain.KindDirect,
				Counterpart:  other,
				LastMessage:  &msg,
				LastActivity: msg.CreatedAt,
			}
			byCounterpart[other] = summary
			order = append(order, other)
		}
		if r.Sender == other && !r.Read {
			summary.UnreadCount++
		}
	}

	summaries := make([]domain.ConversationSummary, 0, len(order))
	for _, other := range order {
		summaries = append(summaries, *byCounterpart[other])
	}
	return summaries, nil
}

// GroupSummary derives the aggregate for one group room from the user's
// point of view: last message plus messages from others since the user's
// seen marker.
func (s *Store) GroupSummary(ctx context.Context, room, user string) (*domain.ConversationSummary, error) {
	room = domain.GroupRoom(room)

	lastQuery := fmt.Sprintf(
		"SELECT %s FROM message WHERE kind = 'group' AND room = $room ORDER BY created_at DESC, msg_id DESC",
		messageFields,
	)
	last, err := database.QueryOne[messageRow](ctx, s.db, lastQuery, map[string]any{"room": room})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch last group message: %w", err)
	}

	seen, err := s.seenAt(ctx, room, user)
	if err != nil {
		return nil, err
	}

	countQuery := `
		SELECT count() AS total FROM message
		WHERE kind = 'group' AND room = $room AND sender != $user AND created_at > $seen
		GROUP ALL
	`
	type countRow struct {
		Total int `json:"total"`
	}
	count, err := database.QueryOne[countRow](ctx, s.db, countQuery, map[string]any{
		"room": room,
		"user": user,
		"seen": seen,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to count unread group messages: %w", err)
	}

	summary := &domain.ConversationSummary{
		Key:  room,
		Kind: domain.KindGroup,
		Room: room,
	}
	if last != nil {
		msg := last.toDomain()
		summary.LastMessage = &msg
		summary.LastActivity = msg.CreatedAt
	}
	if count != nil {
		summary.UnreadCount = count.Total
	}
	return summary, nil
}

// encodeCursor packs a (created_at, id) position into an opaque token.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor unpacks a client-supplied token. Garbage is a caller
// mistake, so failures carry the validation sentinel rather than reading
// as storage trouble.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor: %v", domain.ErrInvalidTarget, err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor", domain.ErrInvalidTarget)
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed cursor timestamp: %v", domain.ErrInvalidTarget, err)
	}
	return ts, parts[1], nil
}
