package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/domain"
)

func TestAppendRejectsMismatchedTargets(t *testing.T) {
	// Validation happens before any database access, so a nil connection is
	// fine here.
	store := NewStore(nil)
	ctx := context.Background()

	tests := []struct {
		name      string
		candidate Candidate
	}{
		{
			name:      "direct without counterpart",
			candidate: Candidate{Kind: domain.KindDirect, Sender: "u1", Body: "hi"},
		},
		{
			name:      "direct with room set",
			candidate: Candidate{Kind: domain.KindDirect, Sender: "u1", Counterpart: "u2", Room: "event:e1", Body: "hi"},
		},
		{
			name:      "group without room",
			candidate: Candidate{Kind: domain.KindGroup, Sender: "u1", Body: "hi"},
		},
		{
			name:      "group with counterpart set",
			candidate: Candidate{Kind: domain.KindGroup, Sender: "u1", Room: "event:e1", Counterpart: "u2", Body: "hi"},
		},
		{
			name:      "unknown kind",
			candidate: Candidate{Kind: "broadcast", Sender: "u1", Body: "hi"},
		},
		{
			name:      "missing sender",
			candidate: Candidate{Kind: domain.KindDirect, Counterpart: "u2", Body: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := store.Append(ctx, tt.candidate)
			assert.ErrorIs(t, err, domain.ErrInvalidTarget)
		})
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)
	cursor := encodeCursor(ts, "abc-123")

	gotTime, gotID, err := decodeCursor(cursor)
	require.NoError(t, err)
	assert.True(t, ts.Equal(gotTime))
	assert.Equal(t, "abc-123", gotID)
}

func TestDecodeCursorRejectsGarbage(t *testing.T) {
	for _, cursor := range []string{"not base64!!", "bm9wZQ", ""} {
		_, _, err := decodeCursor(cursor)
		assert.ErrorIs(t, err, domain.ErrInvalidTarget, "cursor %q", cursor)
	}
}

func TestHistoryRejectsBadKey(t *testing.T) {
	store := NewStore(nil)
	_, err := store.History(context.Background(), "bogus-key", "", 10)
	assert.ErrorIs(t, err, domain.ErrInvalidTarget)
}

func TestHistoryTreatsBadCursorAsValidation(t *testing.T) {
	// The cursor is decoded before any database access, so a nil connection
	// is fine here.
	store := NewStore(nil)
	_, err := store.History(context.Background(), domain.DirectRoom("u1", "u2"), "!!garbage!!", 10)
	require.ErrorIs(t, err, domain.ErrInvalidTarget)
	assert.Equal(t, domain.ReasonValidation, domain.Reason(err), "client garbage is their error, not a storage fault")
}

func TestMarkReadRejectsNonParticipant(t *testing.T) {
	store := NewStore(nil)
	_, err := store.MarkRead(context.Background(), domain.DirectRoom("u1", "u2"), "intruder")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
