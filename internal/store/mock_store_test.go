// ABOUTME: Unit tests for MockStore to ensure behavior matches SQLiteStore
// ABOUTME: Focuses on copy semantics and failure injection

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_ReturnsCopies(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	rec := &PresenceRecord{AccountID: "a", LastSeen: time.Now(), Status: StatusOnline}
	require.NoError(t, store.UpsertPresence(ctx, rec))

	rec.Status = StatusOffline
	got, err := store.GetPresence(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, got.Status, "caller mutation must not leak into the store")

	got.Status = StatusOffline
	again, err := store.GetPresence(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusOnline, again.Status)
}

func TestMockStore_FailureInjection(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()
	store.SetFailing(true)

	err := store.UpsertPresence(ctx, &PresenceRecord{AccountID: "a", Status: StatusOnline})
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.GetPresence(ctx, "a")
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, err = store.ListPresence(ctx)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	assert.ErrorIs(t, store.RemovePresence(ctx, "a"), ErrStoreUnavailable)
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreUnavailable)
	assert.Equal(t, 0, store.Writes())

	store.SetFailing(false)
	require.NoError(t, store.UpsertPresence(ctx, &PresenceRecord{AccountID: "a", Status: StatusOnline}))
	assert.Equal(t, 1, store.Writes())
}

func TestMockStore_Credentials(t *testing.T) {
	store := NewMockStore()
	ctx := context.Background()

	require.NoError(t, store.SaveCredentials(ctx, &Credentials{ClientID: "c1", AccessToken: "tok"}))
	got, err := store.GetCredentials(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "tok", got.AccessToken)

	require.NoError(t, store.DeleteCredentials(ctx, "c1"))
	_, err = store.GetCredentials(ctx, "c1")
	assert.ErrorIs(t, err, ErrNotFound)
}
