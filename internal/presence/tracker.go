// Package presence tracks ephemeral "who is typing" state per room. State
// lives in process memory only, expires automatically after a short window
// without renewal, and is owned by the dispatcher instance rather than any
// module-level singleton.
package presence

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nfrund/parley/internal/pubsub"
)

const (
	// DefaultTTL is how long a typing signal stays alive without renewal.
	// Clients refresh while the user keeps typing; a crashed client simply
	// stops refreshing and the entry ages out.
	DefaultTTL = 6 * time.Second

	// DefaultSweepInterval is how often the background sweep removes stale
	// entries. Reads also expire lazily, so the sweep only bounds memory.
	DefaultSweepInterval = 10 * time.Second
)

// TypingTracker holds last-activity timestamps keyed by (room, user).
type TypingTracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]time.Time // room -> user -> last signal

	ttl           time.Duration
	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger

	now func() time.Time // swappable for tests
}

// Option configures a TypingTracker.
type Option func(*TypingTracker)

// WithTTL sets a custom expiry window for typing entries.
func WithTTL(d time.Duration) Option {
	return func(t *TypingTracker) {
		t.ttl = d
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(t *TypingTracker) {
		t.sweepInterval = d
	}
}

// NewTypingTracker creates a tracker and starts its sweep goroutine.
func NewTypingTracker(opts ...Option) *TypingTracker {
	t := &TypingTracker{
		rooms:         make(map[string]map[string]time.Time),
		ttl:           DefaultTTL,
		sweepInterval: DefaultSweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default().With("service", "presence"),
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(t)
	}

	go t.startSweep()
	return t
}

// SetTyping records or clears a typing signal. Repeated "started" signals
// refresh the entry; an explicit "stopped" clears it early, and a missing
// "stopped" is handled by expiry.
func (t *TypingTracker) SetTyping(room, user string, isTyping bool) {
	if room == "" || user == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if !isTyping {
		if users, ok := t.rooms[room]; ok {
			delete(users, user)
			if len(users) == 0 {
				delete(t.rooms, room)
			}
		}
		return
	}

	if t.rooms[room] == nil {
		t.rooms[room] = make(map[string]time.Time)
	}
	t.rooms[room][user] = t.now()
}

// ActiveTypers returns the users currently typing in a room, excluding the
// given user (the originator never sees their own indicator). Stale entries
// are expired on read so a crashed client never leaves a permanent
// indicator even between sweeps.
func (t *TypingTracker) ActiveTypers(room, excluding string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.rooms[room]
	if !ok {
		return nil
	}

	cutoff := t.now().Add(-t.ttl)
	var active []string
	for user, last := range users {
		if last.Before(cutoff) {
			delete(users, user)
			continue
		}
		if user == excluding {
			continue
		}
		active = append(active, user)
	}
	if len(users) == 0 {
		delete(t.rooms, room)
	}

	sort.Strings(active)
	return active
}

// ClearUser drops every typing entry a user owns, in all rooms. Called when
// the user's channel disconnects.
func (t *TypingTracker) ClearUser(user string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for room, users := range t.rooms {
		if _, ok := users[user]; ok {
			delete(users, user)
			if len(users) == 0 {
				delete(t.rooms, room)
			}
		}
	}
}

// SubscribeDisconnects wires the tracker to channel-disconnect events on
// the bus so a dropped connection clears its typing state without the
// dispatcher reaching into the tracker.
func (t *TypingTracker) SubscribeDisconnects(ctx context.Context, subscriber pubsub.Subscriber, topic string) error {
	return subscriber.Subscribe(ctx, topic, func(ctx context.Context, msg pubsub.Message) error {
		var event struct {
			UserID string `json:"userID"`
		}
		if err := json.Unmarshal(msg.Payload, &event); err != nil {
			t.logger.Error("failed to unmarshal disconnect event", "error", err)
			return err
		}
		t.ClearUser(event.UserID)
		return nil
	})
}

func (t *TypingTracker) startSweep() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.sweepStale()
		case <-t.stopSweep:
			return
		}
	}
}

func (t *TypingTracker) sweepStale() {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-t.ttl)
	removed := 0
	for room, users := range t.rooms {
		for user, last := range users {
			if last.Before(cutoff) {
				delete(users, user)
				removed++
			}
		}
		if len(users) == 0 {
			delete(t.rooms, room)
		}
	}

	if removed > 0 {
		t.logger.Debug("swept stale typing entries", "removed", removed)
	}
}

// Shutdown stops the sweep goroutine.
func (t *TypingTracker) Shutdown() {
	t.stopOnce.Do(func() {
		close(t.stopSweep)
	})
}
