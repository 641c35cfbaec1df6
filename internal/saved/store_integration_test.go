package saved

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nfrund/parley/internal/testutils"
)

func TestUpsertIsIdempotent(t *testing.T) {
	db := testutils.DB(t)
	testutils.ClearTables(t, db, "saved_conversation")

	store := NewStore(db)
	ctx := context.Background()

	first, err := store.Upsert(ctx, "alice", "carol", "met at the park run")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, "met at the park run", first.Note)

	// Saving again updates the note without creating a second record.
	second, err := store.Upsert(ctx, "alice", "carol", "updated note")
	require.NoError(t, err)
	assert.Equal(t, "updated note", second.Note)
	assert.True(t, first.SavedAt.Equal(second.SavedAt), "original save time is preserved")

	list, err := store.ListFor(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestDeleteIsANoOpWhenMissing(t *testing.T) {
	db := testutils.DB(t)
	testutils.ClearTables(t, db, "saved_conversation")

	store := NewStore(db)
	ctx := context.Background()

	require.NoError(t, store.Delete(ctx, "alice", "nobody"))

	_, err := store.Upsert(ctx, "alice", "carol", "")
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "alice", "carol"))

	got, err := store.Get(ctx, "alice", "carol")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSavedIsScopedToOwner(t *testing.T) {
	db := testutils.DB(t)
	testutils.ClearTables(t, db, "saved_conversation")

	store := NewStore(db)
	ctx := context.Background()

	_, err := store.Upsert(ctx, "alice", "carol", "")
	require.NoError(t, err)
	_, err = store.Upsert(ctx, "bob", "carol", "")
	require.NoError(t, err)

	aliceList, err := store.ListFor(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, aliceList, 1)
	assert.Equal(t, "alice", aliceList[0].Owner)
}
