// Package directory produces the merged, de-duplicated, recency-sorted
// conversation list for a user: direct conversations derived from the
// message ledger, pinned contacts, and group conversations for the events
// the user belongs to.
package directory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/nfrund/parley/internal/domain"
	"github.com/nfrund/parley/internal/roster"
)

// MessageAggregator is the slice of the ledger the directory reads.
type MessageAggregator interface {
	DirectSummaries(ctx context.Context, user string) ([]domain.ConversationSummary, error)
	GroupSummary(ctx context.Context, room, user string) (*domain.ConversationSummary, error)
}

// SavedLister is the slice of the pinned-contact store the directory reads.
type SavedLister interface {
	ListFor(ctx context.Context, owner string) ([]domain.SavedConversation, error)
}

// Service merges the three summary sources.
type Service struct {
	messages MessageAggregator
	saved    SavedLister
	roster   roster.Membership
	logger   *slog.Logger
}

// NewService creates a directory service with statically injected sources.
func NewService(messages MessageAggregator, saved SavedLister, members roster.Membership) *Service {
	return &Service{
		messages: messages,
		saved:    saved,
		roster:   members,
		logger:   slog.Default().With("service", "directory"),
	}
}

// ListDirect returns direct-conversation summaries for the user, merged
// with their pinned contacts. The de-duplication key is the counterpart:
// a contact that is both message-active and saved yields one entry carrying
// both the last message and the saved note.
func (s *Service) ListDirect(ctx context.Context, user string) ([]domain.ConversationSummary, error) {
	active, err := s.messages.DirectSummaries(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to derive direct summaries: %w", err)
	}

	pinned, err := s.saved.ListFor(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list saved conversations: %w", err)
	}

	byCounterpart := make(map[string]int, len(active))
	for i, summary := range active {
		byCounterpart[summary.Counterpart] = i
	}

	for _, sc := range pinned {
		if i, exists := byCounterpart[sc.Target]; exists {
			// Already active: annotate, never duplicate.
			active[i].Saved = true
			active[i].Note = sc.Note
			continue
		}
		// Saved but silent: synthesize an empty summary sorting by its
		// save time.
		active = append(active, domain.ConversationSummary{
			Key:          domain.DirectRoom(user, sc.Target),
			Kind:         domain.KindDirect,
			Counterpart:  sc.Target,
			Note:         sc.Note,
			Saved:        true,
			LastActivity: sc.SavedAt,
		})
	}

	sortByRecency(active)
	return active, nil
}

// ListGroups returns group-conversation summaries for every event the user
// participates in, including events with no messages yet.
func (s *Service) ListGroups(ctx context.Context, user string) ([]domain.ConversationSummary, error) {
	events, err := s.roster.EventsFor(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to list user events: %w", err)
	}

	summaries := make([]domain.ConversationSummary, 0, len(events))
	for _, ev := range events {
		summary, err := s.messages.GroupSummary(ctx, ev.ID, user)
		if err != nil {
			// One broken room must not take down the whole list.
			s.logger.Error("failed to summarize group conversation", "event", ev.ID, "error", err)
			continue
		}
		summary.Note = ev.Title
		summaries = append(summaries, *summary)
	}

	sortByRecency(summaries)
	return summaries, nil
}

// List returns the full merged directory, most recent activity first.
func (s *Service) List(ctx context.Context, user string) ([]domain.ConversationSummary, error) {
	direct, err := s.ListDirect(ctx, user)
	if err != nil {
		return nil, err
	}
	groups, err := s.ListGroups(ctx, user)
	if err != nil {
		return nil, err
	}

	merged := append(direct, groups...)
	sortByRecency(merged)
	return merged, nil
}

func sortByRecency(summaries []domain.ConversationSummary) {
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].LastActivity.After(summaries[j].LastActivity)
	})
}
