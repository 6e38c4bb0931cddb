package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsers_UpsertAndGet(t *testing.T) {
	ctx := context.Background()
	users, err := NewUsers(ctx, newTestDB(t))
	require.NoError(t, err)

	seen := time.Now().Add(-time.Minute).Truncate(time.Second)
	err = users.Upsert(ctx, User{ID: 42, FirstName: "John", LastName: "Doe", Username: "jdoe", Language: "it", LastSeen: seen})
	require.NoError(t, err)

	user, found, err := users.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "John", user.FirstName)
	assert.Equal(t, "jdoe", user.Username)
	assert.Equal(t, "John Doe", user.DisplayName())
	assert.False(t, user.Banned)

	_, found, err = users.Get(ctx, 999)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestUsers_UpsertKeepsCounters(t *testing.T) {
	ctx := context.Background()
	users, err := NewUsers(ctx, newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, users.Upsert(ctx, User{ID: 1, FirstName: "A"}))

	count, err := users.IncWarn(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	require.NoError(t, users.SetBanned(ctx, 1, true))

	// upsert with a new name must not reset moderation state
	require.NoError(t, users.Upsert(ctx, User{ID: 1, FirstName: "Renamed"}))

	user, found, err := users.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Renamed", user.FirstName)
	assert.Equal(t, 1, user.WarnCount)
	assert.True(t, user.Banned)

	count, err = users.IncWarn(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestUsers_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	users, err := NewUsers(ctx, newTestDB(t))
	require.NoError(t, err)

	u := User{ID: 7, FirstName: "Same", Username: "same"}
	require.NoError(t, users.Upsert(ctx, u))
	require.NoError(t, users.Upsert(ctx, u))

	var count int
	require.NoError(t, users.GetContext(ctx, &count, "SELECT COUNT(*) FROM users WHERE id = 7"))
	assert.Equal(t, 1, count, "upsert must not duplicate rows")
}

func TestUsers_ByUsername(t *testing.T) {
	ctx := context.Background()
	users, err := NewUsers(ctx, newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, users.Upsert(ctx, User{ID: 5, FirstName: "Bob", Username: "BobTheUser"}))

	user, found, err := users.ByUsername(ctx, "bobtheuser")
	require.NoError(t, err)
	require.True(t, found, "lookup is case-insensitive")
	assert.Equal(t, int64(5), user.ID)

	_, found, err = users.ByUsername(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, found)
}
