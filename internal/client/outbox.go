// Package client is the device-side reconciliation layer: the optimistic
// send lifecycle keyed by temp IDs, and history retrieval that degrades
// through an ordered list of strategies instead of failing hard. It is the
// counterpart library a mobile or desktop shell embeds; the server never
// imports it.
package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nfrund/parley/internal/domain"
)

// Status is the lifecycle state of an optimistic entry.
type Status string

const (
	// StatusPending means the message is rendered locally but not yet
	// acknowledged by the server.
	StatusPending Status = "pending"
	// StatusConfirmed means the canonical server message replaced the
	// provisional one.
	StatusConfirmed Status = "confirmed"
	// StatusRejected means the server refused the message; Reason says why.
	StatusRejected Status = "rejected"
)

// Entry is one optimistically-rendered message. Matching is always by
// TempID, never by content, so two identical texts sent back to back stay
// two entries.
type Entry struct {
	TempID      string
	Status      Status
	Message     domain.Message
	Reason      string
	SubmittedAt time.Time
}

// Outbox tracks optimistic entries from submission to confirmation or
// rejection. It is mutated from both the send path and the network-receive
// callback, so every method is safe for concurrent use.
type Outbox struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewOutbox creates an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{
		entries: make(map[string]*Entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Track registers a provisional message and returns its entry. The temp ID
// is generated here so the caller renders and transmits the same token.
func (o *Outbox) Track(msg domain.Message) *Entry {
	entry := &Entry{
		TempID:      uuid.NewString(),
		Status:      StatusPending,
		Message:     msg,
		SubmittedAt: o.now(),
	}

	o.mu.Lock()
	o.entries[entry.TempID] = entry
	o.mu.Unlock()
	return entry
}

// Confirm replaces the provisional message with the canonical one the
// server echoed. Returns false when the temp ID is unknown, which happens
// when the echo arrives for an entry already dropped.
func (o *Outbox) Confirm(tempID string, canonical domain.Message) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[tempID]
	if !ok {
		return false
	}
	entry.Status = StatusConfirmed
	entry.Message = canonical
	return true
}

// Reject marks the entry failed with the server's reason code.
func (o *Outbox) Reject(tempID, reason string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	entry, ok := o.entries[tempID]
	if !ok {
		return false
	}
	entry.Status = StatusRejected
	entry.Reason = reason
	return true
}

// Get returns a copy of the entry for a temp ID.
func (o *Outbox) Get(tempID string) (Entry, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	entry, ok := o.entries[tempID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Drop removes an entry, typically after the UI has surfaced a rejection.
func (o *Outbox) Drop(tempID string) {
	o.mu.Lock()
	delete(o.entries, tempID)
	o.mu.Unlock()
}

// Pending returns copies of all entries still awaiting a verdict.
func (o *Outbox) Pending() []Entry {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var pending []Entry
	for _, entry := range o.entries {
		if entry.Status == StatusPending {
			pending = append(pending, *entry)
		}
	}
	return pending
}

// ConfirmedIDs returns the canonical IDs of confirmed entries, used to
// keep history fetches from duplicating messages the realtime channel
// already delivered.
func (o *Outbox) ConfirmedIDs() map[string]bool {
	o.mu.RLock()
	defer o.mu.RUnlock()

	ids := make(map[string]bool)
	for _, entry := range o.entries {
		if entry.Status == StatusConfirmed {
			ids[entry.Message.ID] = true
		}
	}
	return ids
}
