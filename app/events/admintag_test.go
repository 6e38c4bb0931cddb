package events

import (
	"context"
	"database/sql"
	"testing"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/events/mocks"
	"github.com/campusnet/tg-warden/app/storage"
)

func newAdminTagEnv(t *testing.T) (*testStores, *auditorRec, *mocks.TbAPIMock, *mocks.TbAPIMock, *AdminTag) {
	ctx := context.Background()
	st := newTestStores(t)
	auditor := &auditorRec{}

	// group -100123 is the flagship chat of degree 7, Mallory moderates degree 7
	require.NoError(t, st.catalog.AddDepartment(ctx, storage.Department{ID: 1, Name: "Science"}))
	require.NoError(t, st.catalog.AddDegree(ctx, storage.Degree{
		ID: 7, DepartmentID: 1, Name: "CS", ChatID: sql.NullInt64{Int64: -100123, Valid: true}}))
	require.NoError(t, st.users.Upsert(ctx, storage.User{ID: 50, FirstName: "Mallory", Username: "mallory"}))
	_, err := st.roles.Save(ctx, storage.RoleRow{Variant: "moderator", UserID: 50}, []int64{7})
	require.NoError(t, err)

	groupAPI := &mocks.TbAPIMock{SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
		return tbapi.Message{MessageID: 88}, nil
	}}
	staffAPI := &mocks.TbAPIMock{SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
		return tbapi.Message{MessageID: 91}, nil
	}}

	h := &AdminTag{
		RolesStore: st.roles, Catalog: st.catalog, Users: st.users,
		Tasks: st.tasks, Audit: auditor,
		StaffAPI: staffAPI, StaffChatID: -100555, ConfirmTTL: 90 * time.Second,
	}
	return st, auditor, groupAPI, staffAPI, h
}

func TestAdminTag_ReportsOnCallStaff(t *testing.T) {
	ctx := context.Background()
	st, auditor, groupAPI, staffAPI, h := newAdminTagEnv(t)

	group := storage.Group{ID: -100123, Title: "Algorithms", Language: "it"}
	req := &Request{
		Update: groupMessage(-100123, &tbapi.User{ID: 42, FirstName: "Alice"}, "hey @admin please look"),
		API:    groupAPI, Group: group, GroupFound: true,
		Issuer: storage.User{ID: 42, FirstName: "Alice"},
	}

	require.True(t, h.Match(req))
	res, err := h.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Continue, res)

	require.Len(t, staffAPI.SendCalls(), 1)
	report := staffAPI.SendCalls()[0].C.(tbapi.MessageConfig)
	assert.Equal(t, int64(-100555), report.ChatID)
	assert.Contains(t, report.Text, "USER_CALLED_ADMIN")
	assert.Contains(t, report.Text, "Alice")
	assert.Contains(t, report.Text, "Mallory")
	assert.Contains(t, report.Text, "t.me/c/123/77", "deep link to the triggering message")

	require.Len(t, groupAPI.SendCalls(), 1)
	ack := groupAPI.SendCalls()[0].C.(tbapi.MessageConfig)
	assert.Contains(t, ack.Text, "segnalazione")
	pending, err := st.tasks.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending, "ack deletion scheduled")

	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.UserCalledAdmin, auditor.events[0].Kind)
	assert.Equal(t, int64(42), auditor.events[0].Issuer.ID)
}

func TestAdminTag_OutOfScopeModeratorNotCalled(t *testing.T) {
	ctx := context.Background()
	_, _, groupAPI, staffAPI, h := newAdminTagEnv(t)

	// a different chat with no degree mapping, Mallory's scope doesn't cover it
	group := storage.Group{ID: -100999, Title: "Random", Language: "en"}
	req := &Request{
		Update: groupMessage(-100999, &tbapi.User{ID: 42, FirstName: "Alice"}, "@admin help"),
		API:    groupAPI, Group: group, GroupFound: true,
		Issuer: storage.User{ID: 42, FirstName: "Alice"},
	}

	_, err := h.Handle(ctx, req)
	require.NoError(t, err)
	require.Len(t, staffAPI.SendCalls(), 1)
	report := staffAPI.SendCalls()[0].C.(tbapi.MessageConfig)
	assert.NotContains(t, report.Text, "Mallory")
}

func TestAdminTag_MatchRespectsOptOut(t *testing.T) {
	h := &AdminTag{}
	update := groupMessage(-100123, &tbapi.User{ID: 42}, "ping @admin")

	req := &Request{Update: update, Group: storage.Group{ID: -100123}, GroupFound: true}
	assert.True(t, h.Match(req))

	req.Group.IgnoreAdminTagging = true
	assert.False(t, h.Match(req), "opted-out groups ignore @admin")

	req.Group.IgnoreAdminTagging = false
	req.Update = groupMessage(-100123, &tbapi.User{ID: 42}, "no mention here")
	assert.False(t, h.Match(req))

	req.Update = groupMessage(-100123, &tbapi.User{ID: 42}, "ping @admin")
	req.GroupFound = false
	assert.False(t, h.Match(req))
}

func TestAdminTag_ReplyTargetIncluded(t *testing.T) {
	ctx := context.Background()
	_, auditor, groupAPI, staffAPI, h := newAdminTagEnv(t)

	update := groupMessage(-100123, &tbapi.User{ID: 42, FirstName: "Alice"}, "@admin spam above")
	update.Message.ReplyToMessage = &tbapi.Message{
		MessageID: 30,
		From:      &tbapi.User{ID: 66, FirstName: "Spammer"},
		Chat:      tbapi.Chat{ID: -100123, Type: "supergroup"},
	}
	req := &Request{
		Update: update, API: groupAPI,
		Group: storage.Group{ID: -100123, Title: "Algorithms"}, GroupFound: true,
		Issuer: storage.User{ID: 42, FirstName: "Alice"},
	}

	_, err := h.Handle(ctx, req)
	require.NoError(t, err)
	report := staffAPI.SendCalls()[0].C.(tbapi.MessageConfig)
	assert.Contains(t, report.Text, "Spammer")
	require.NotNil(t, auditor.events[0].Target)
	assert.Equal(t, int64(66), auditor.events[0].Target.ID)
}

func TestChatTag(t *testing.T) {
	assert.Equal(t, int64(123), chatTag(-100123))
	assert.Equal(t, int64(4567), chatTag(-1004567))
	assert.Equal(t, int64(42), chatTag(42), "ids without the supergroup prefix pass through")
}
