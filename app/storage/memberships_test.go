package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemberships_TouchCounting(t *testing.T) {
	ctx := context.Background()
	ms, err := NewMemberships(ctx, newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, ms.Touch(ctx, 1, -100, StatusMember, true))
	require.NoError(t, ms.Touch(ctx, 1, -100, StatusMember, true))
	require.NoError(t, ms.Touch(ctx, 1, -100, StatusMember, false), "service update should not count")

	m, found, err := ms.Get(ctx, 1, -100)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, m.MessagesCount)
	assert.Equal(t, StatusMember, m.Status)
}

func TestMemberships_SetStatus(t *testing.T) {
	ctx := context.Background()
	ms, err := NewMemberships(ctx, newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, ms.Touch(ctx, 2, -100, StatusMember, true))
	require.NoError(t, ms.SetStatus(ctx, 2, -100, StatusKicked))

	m, found, err := ms.Get(ctx, 2, -100)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusKicked, m.Status)
	assert.Equal(t, 1, m.MessagesCount, "status change keeps the counter")

	// status change on a group never seen before creates the row
	require.NoError(t, ms.SetStatus(ctx, 2, -200, StatusLeft))
	m, found, err = ms.Get(ctx, 2, -200)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, StatusLeft, m.Status)
}

func TestMemberships_ByUserOrder(t *testing.T) {
	ctx := context.Background()
	ms, err := NewMemberships(ctx, newTestDB(t))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, ms.Touch(ctx, 1, -200, StatusMember, true))
	}
	require.NoError(t, ms.Touch(ctx, 1, -100, StatusMember, true))

	list, err := ms.ByUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(-200), list[0].GroupID, "most active group first")
	assert.Equal(t, 3, list[0].MessagesCount)
}

func TestMemberships_ActiveGroups(t *testing.T) {
	ctx := context.Background()
	ms, err := NewMemberships(ctx, newTestDB(t))
	require.NoError(t, err)

	require.NoError(t, ms.Touch(ctx, 1, -100, StatusMember, false))
	require.NoError(t, ms.Touch(ctx, 1, -200, StatusAdministrator, false))
	require.NoError(t, ms.Touch(ctx, 1, -300, StatusLeft, false))
	require.NoError(t, ms.Touch(ctx, 1, -400, StatusKicked, false))

	groups, err := ms.ActiveGroups(ctx, 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{-100, -200}, groups)
}
