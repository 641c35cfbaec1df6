package client

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/nfrund/parley/internal/domain"
)

// Result is what a history fetch resolves to. Degraded is true when every
// strategy failed and the messages slice is a placeholder, so the UI can
// render an explicit empty state instead of crashing or spinning.
type Result struct {
	Messages   []domain.Message
	NextCursor string
	Degraded   bool
	// Source names the strategy that produced the result, empty when
	// degraded.
	Source string
}

// Strategy is one retrieval path for conversation history. Strategies are
// tried in order; the list is explicit and finite.
type Strategy interface {
	Name() string
	Fetch(ctx context.Context, conversationKey, cursor string, limit int) (*Result, error)
}

// RetryPolicy bounds how hard one strategy is retried before the fetcher
// moves on: a fixed attempt count with a fixed delay between attempts, so
// the total time per strategy is attempts*delay at worst.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy matches the interactive budget of a chat screen.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Delay: 500 * time.Millisecond}

// Fetcher resolves history through its strategies under a shared retry
// policy. It never returns an error: when everything fails the result is a
// degraded placeholder.
type Fetcher struct {
	strategies []Strategy
	policy     RetryPolicy
	logger     *slog.Logger
}

// NewFetcher creates a fetcher over an ordered strategy list.
func NewFetcher(policy RetryPolicy, strategies ...Strategy) *Fetcher {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	return &Fetcher{
		strategies: strategies,
		policy:     policy,
		logger:     slog.Default().With("service", "client.fetcher"),
	}
}

// History fetches one page of a conversation, falling through the strategy
// list. Context cancellation stops retrying immediately and degrades.
func (f *Fetcher) History(ctx context.Context, conversationKey, cursor string, limit int) *Result {
	for _, strategy := range f.strategies {
		for attempt := 1; attempt <= f.policy.Attempts; attempt++ {
			result, err := strategy.Fetch(ctx, conversationKey, cursor, limit)
			if err == nil {
				result.Source = strategy.Name()
				return result
			}

			f.logger.Warn("history fetch attempt failed",
				"strategy", strategy.Name(), "attempt", attempt, "error", err)

			if attempt == f.policy.Attempts {
				break
			}
			select {
			case <-ctx.Done():
				return &Result{Degraded: true}
			case <-time.After(f.policy.Delay):
			}
		}
		if ctx.Err() != nil {
			return &Result{Degraded: true}
		}
	}

	f.logger.Error("all history strategies exhausted", "conversation", conversationKey)
	return &Result{Degraded: true}
}

// Merge folds fetched history into messages already held locally, keyed by
// canonical ID so a message confirmed over the realtime channel is never
// duplicated by a later fetch. The result is in (CreatedAt, ID) order.
func Merge(existing, fetched []domain.Message) []domain.Message {
	seen := make(map[string]bool, len(existing))
	merged := make([]domain.Message, 0, len(existing)+len(fetched))
	for _, msg := range existing {
		if !seen[msg.ID] {
			seen[msg.ID] = true
			merged = append(merged, msg)
		}
	}
	for _, msg := range fetched {
		if !seen[msg.ID] {
			seen[msg.ID] = true
			merged = append(merged, msg)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].CreatedAt.Equal(merged[j].CreatedAt) {
			return merged[i].ID < merged[j].ID
		}
		return merged[i].CreatedAt.Before(merged[j].CreatedAt)
	})
	return merged
}
