// Package roster answers membership questions about event participant
// rosters. Event lifecycle and roster management belong to an external
// service; this package only reads the facts the messaging core needs.
package roster

import (
	"context"
	"fmt"
	"sync"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/parley/internal/database"
)

// Event is the slice of an event the conversation directory cares about.
type Event struct {
	ID    string `json:"event_id"`
	Title string `json:"title"`
}

// Membership supplies participant facts for group conversations.
type Membership interface {
	// IsMember reports whether the user belongs to the event's roster.
	IsMember(ctx context.Context, eventID, user string) (bool, error)
	// EventsFor lists the events the user participates in.
	EventsFor(ctx context.Context, user string) ([]Event, error)
}

// SurrealMembership reads roster facts from the tables the event service
// maintains.
type SurrealMembership struct {
	db *surrealdb.DB
}

// NewSurrealMembership creates a Membership backed by SurrealDB.
func NewSurrealMembership(db *surrealdb.DB) *SurrealMembership {
	return &SurrealMembership{db: db}
}

func (m *SurrealMembership) IsMember(ctx context.Context, eventID, user string) (bool, error) {
	query := `SELECT event_id FROM event_participant WHERE event_id = $event AND user = $user`
	row, err := database.QueryOne[Event](ctx, m.db, query, map[string]any{
		"event": eventID,
		"user":  user,
	})
	if err != nil {
		return false, fmt.Errorf("failed to check membership: %w", err)
	}
	return row != nil, nil
}

func (m *SurrealMembership) EventsFor(ctx context.Context, user string) ([]Event, error) {
	query := `
		SELECT event_id, title FROM event_participant
		WHERE user = $user ORDER BY joined_at DESC
	`
	events, err := database.Query[Event](ctx, m.db, query, map[string]any{"user": user})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return events, nil
}

// StaticMembership is an in-memory Membership for tests and local
// development.
type StaticMembership struct {
	mu      sync.RWMutex
	members map[string]map[string]bool // eventID -> user -> member
	titles  map[string]string
}

// NewStaticMembership creates an empty static roster.
func NewStaticMembership() *StaticMembership {
	return &StaticMembership{
		members: make(map[string]map[string]bool),
		titles:  make(map[string]string),
	}
}

// Add enrolls users into an event.
func (m *StaticMembership) Add(eventID, title string, users ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.members[eventID] == nil {
		m.members[eventID] = make(map[string]bool)
	}
	m.titles[eventID] = title
	for _, u := range users {
		m.members[eventID][u] = true
	}
}

func (m *StaticMembership) IsMember(ctx context.Context, eventID, user string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.members[eventID][user], nil
}

func (m *StaticMembership) EventsFor(ctx context.Context, user string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var events []Event
	for id, users := range m.members {
		if users[user] {
			events = append(events, Event{ID: id, Title: m.titles[id]})
		}
	}
	return events, nil
}
