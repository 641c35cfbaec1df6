// Package saved persists pinned contacts: a user's explicit intent to keep
// a conversation visible in their directory regardless of message activity.
package saved

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/nfrund/parley/internal/database"
	"github.com/nfrund/parley/internal/domain"
)

// Store handles database operations for saved conversations.
type Store struct {
	db *surrealdb.DB
}

// NewStore creates a new Store instance.
func NewStore(db *surrealdb.DB) *Store {
	return &Store{db: db}
}

type savedRow struct {
	Owner     string    `json:"owner"`
	Target    string    `json:"target"`
	Note      string    `json:"note"`
	SavedAt   time.Time `json:"saved_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const savedFields = "owner, target, note, saved_at, updated_at"

func (r savedRow) toDomain() domain.SavedConversation {
	return domain.SavedConversation{
		Owner:     r.Owner,
		Target:    r.Target,
		Note:      r.Note,
		SavedAt:   r.SavedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

// Upsert creates or updates the saved conversation for (owner, target).
// Re-saving never fails with a duplicate; it refreshes the note and the
// updated timestamp while preserving the original save time.
func (s *Store) Upsert(ctx context.Context, owner, target, note string) (*domain.SavedConversation, error) {
	if owner == "" || target == "" {
		return nil, domain.ErrInvalidTarget
	}

	now := time.Now().UTC()
	// The record id is derived from the pair, which is what makes the
	// operation an upsert rather than a second row.
	query := `
		UPSERT type::thing('saved_conversation', $key) SET
			owner = $owner,
			target = $target,
			note = $note,
			saved_at = saved_at ?? $now,
			updated_at = $now
	`
	params := map[string]any{
		"key":    owner + "|" + target,
		"owner":  owner,
		"target": target,
		"note":   note,
		"now":    now,
	}
	if err := database.Execute(ctx, s.db, query, params); err != nil {
		return nil, fmt.Errorf("failed to upsert saved conversation: %w", err)
	}

	return s.Get(ctx, owner, target)
}

// Get fetches one saved conversation, or nil when none exists.
func (s *Store) Get(ctx context.Context, owner, target string) (*domain.SavedConversation, error) {
	query := fmt.Sprintf("SELECT %s FROM saved_conversation WHERE owner = $owner AND target = $target", savedFields)
	row, err := database.QueryOne[savedRow](ctx, s.db, query, map[string]any{
		"owner":  owner,
		"target": target,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch saved conversation: %w", err)
	}
	if row == nil {
		return nil, nil
	}
	sc := row.toDomain()
	return &sc, nil
}

// ListFor returns the owner's saved conversations, most recently saved
// first.
func (s *Store) ListFor(ctx context.Context, owner string) ([]domain.SavedConversation, error) {
	query := fmt.Sprintf("SELECT %s FROM saved_conversation WHERE owner = $owner ORDER BY updated_at DESC", savedFields)
	rows, err := database.Query[savedRow](ctx, s.db, query, map[string]any{"owner": owner})
	if err != nil {
		return nil, fmt.Errorf("failed to list saved conversations: %w", err)
	}

	out := make([]domain.SavedConversation, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

// Delete removes the saved conversation for (owner, target). Deleting a
// pair that was never saved is a no-op.
func (s *Store) Delete(ctx context.Context, owner, target string) error {
	query := `DELETE saved_conversation WHERE owner = $owner AND target = $target`
	if err := database.Execute(ctx, s.db, query, map[string]any{
		"owner":  owner,
		"target": target,
	}); err != nil {
		return fmt.Errorf("failed to delete saved conversation: %w", err)
	}
	return nil
}
