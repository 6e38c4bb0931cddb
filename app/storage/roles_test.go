package storage

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/roles"
)

func TestRoles_SaveAndLoad(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store, err := NewRoles(ctx, db)
	require.NoError(t, err)

	row := RoleRow{
		Variant:     string(roles.Administrator),
		UserID:      42,
		AllGroups:   false,
		CustomTitle: "Capo",
		CanBan:      sql.NullBool{Bool: false, Valid: true}, // explicit deny on top of variant default
		CanSuperban: sql.NullBool{Bool: true, Valid: true},
		RightPinMessages: sql.NullBool{Bool: false, Valid: true},
	}
	id, err := store.Save(ctx, row, []int64{10, 11})
	require.NoError(t, err)
	require.NotZero(t, id)

	loaded, err := store.ForUser(ctx, 42)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	role := loaded[0]
	assert.Equal(t, roles.Administrator, role.Variant)
	assert.Equal(t, "Capo", role.CustomTitle)
	assert.Equal(t, []int64{10, 11}, role.Degrees)

	// tri-state: only the explicit overrides survive the roundtrip
	val, set := role.CapOverrides[audit.Ban]
	require.True(t, set)
	assert.False(t, val)
	val, set = role.CapOverrides[audit.Superban]
	require.True(t, set)
	assert.True(t, val)
	_, set = role.CapOverrides[audit.Kick]
	assert.False(t, set, "untouched caps stay null")

	val, set = role.RightOverrides[roles.RightPinMessages]
	require.True(t, set)
	assert.False(t, val)
	_, set = role.RightOverrides[roles.RightManageChat]
	assert.False(t, set)
}

func TestRoles_SaveUpdatesScope(t *testing.T) {
	ctx := context.Background()
	store, err := NewRoles(ctx, newTestDB(t))
	require.NoError(t, err)

	id, err := store.Save(ctx, RoleRow{Variant: string(roles.Moderator), UserID: 7}, []int64{1})
	require.NoError(t, err)

	_, err = store.Save(ctx, RoleRow{ID: id, Variant: string(roles.Moderator), UserID: 7, AllGroups: true}, []int64{2, 3})
	require.NoError(t, err)

	loaded, err := store.ForUser(ctx, 7)
	require.NoError(t, err)
	require.Len(t, loaded, 1, "update must not create a second role")
	assert.True(t, loaded[0].AllGroups)
	assert.Equal(t, []int64{2, 3}, loaded[0].Degrees)
}

func TestRoles_Delete(t *testing.T) {
	ctx := context.Background()
	store, err := NewRoles(ctx, newTestDB(t))
	require.NoError(t, err)

	id, err := store.Save(ctx, RoleRow{Variant: string(roles.SuperAdmin), UserID: 9, AllGroups: true}, nil)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))

	loaded, err := store.ForUser(ctx, 9)
	require.NoError(t, err)
	assert.Empty(t, loaded)

	err = store.Delete(ctx, id)
	require.Error(t, err, "deleting a missing role reports an error")
}

func TestRoles_PropagationEnqueued(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	store, err := NewRoles(ctx, db)
	require.NoError(t, err)
	tasks, err := NewTasks(ctx, db)
	require.NoError(t, err)
	store.Tasks = tasks

	id, err := store.Save(ctx, RoleRow{Variant: string(roles.Moderator), UserID: 5, AllGroups: true}, nil)
	require.NoError(t, err)

	task, err := tasks.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "propagate_roles", task.Name)
	assert.JSONEq(t, `{"user_id":5}`, string(task.Payload))
	require.NoError(t, tasks.Ack(ctx, task))

	require.NoError(t, store.Delete(ctx, id))
	task, err = tasks.Claim(ctx, time.Minute)
	require.NoError(t, err)
	require.NotNil(t, task, "delete also schedules propagation")
	assert.Equal(t, "propagate_roles", task.Name)
}
