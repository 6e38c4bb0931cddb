package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/scheduler"
	"github.com/campusnet/tg-warden/app/scheduler/mocks"
	"github.com/campusnet/tg-warden/app/storage"
)

// auditorMock records events without touching telegram
type auditorMock struct{ events []audit.Event }

func (a *auditorMock) Log(_ context.Context, ev audit.Event) error {
	a.events = append(a.events, ev)
	return nil
}

func TestDeleteMessage(t *testing.T) {
	ctx := context.Background()
	groups, err := storage.NewGroups(ctx, newTestDB(t))
	require.NoError(t, err)
	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -100, Title: "Algebra", BotToken: "tkn1"}))

	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	job := &scheduler.DeleteMessage{Groups: groups, Clients: pool}

	t.Run("deletes through the group bot", func(t *testing.T) {
		mockAPI.ResetCalls()
		err := job.Handler(ctx, json.RawMessage(`{"chat_id":-100,"message_id":42}`))
		require.NoError(t, err)
		require.Equal(t, 1, len(mockAPI.RequestCalls()))
		cfg, ok := mockAPI.RequestCalls()[0].C.(tbapi.DeleteMessageConfig)
		require.True(t, ok)
		assert.Equal(t, int64(-100), cfg.ChatConfig.ChatID)
		assert.Equal(t, 42, cfg.MessageID)
		assert.Equal(t, "tkn1", pool.ClientCalls()[0].Token)
	})

	t.Run("message already gone is success", func(t *testing.T) {
		mockAPI.ResetCalls()
		mockAPI.RequestFunc = func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return nil, errors.New("Bad Request: message to delete not found")
		}
		err := job.Handler(ctx, json.RawMessage(`{"chat_id":-100,"message_id":42}`))
		assert.NoError(t, err)
	})

	t.Run("unknown chat dropped without api calls", func(t *testing.T) {
		mockAPI.ResetCalls()
		err := job.Handler(ctx, json.RawMessage(`{"chat_id":-999,"message_id":1}`))
		require.NoError(t, err)
		assert.Equal(t, 0, len(mockAPI.RequestCalls()))
	})

	t.Run("transient failure returned for retry", func(t *testing.T) {
		mockAPI.RequestFunc = func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return nil, errors.New("telegram is down")
		}
		err := job.Handler(ctx, json.RawMessage(`{"chat_id":-100,"message_id":42}`))
		assert.Error(t, err)
	})

	t.Run("bad payload", func(t *testing.T) {
		err := job.Handler(ctx, json.RawMessage(`not json`))
		assert.Error(t, err)
	})
}

func TestRefreshGroupInfo(t *testing.T) {
	ctx := context.Background()
	groups, err := storage.NewGroups(ctx, newTestDB(t))
	require.NoError(t, err)
	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, Title: "Old", BotToken: "tkn1"}))
	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -20, Title: "No bot"})) // no token, skipped

	mockAPI := &mocks.TbAPIMock{
		GetChatFunc: func(config tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error) {
			return tbapi.ChatFullInfo{
				Chat:        tbapi.Chat{ID: -10, Title: "Algebra I"},
				Description: "course group",
				InviteLink:  "https://t.me/+abc",
			}, nil
		},
		GetChatAdministratorsFunc: func(config tbapi.ChatAdministratorsConfig) ([]tbapi.ChatMember, error) {
			return []tbapi.ChatMember{
				{Status: "administrator", User: &tbapi.User{ID: 2}},
				{Status: "creator", User: &tbapi.User{ID: 9}},
			}, nil
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	job := &scheduler.RefreshGroupInfo{Groups: groups, Clients: pool}

	require.NoError(t, job.Handler(ctx, nil))

	group, found, err := groups.Get(ctx, -10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Algebra I", group.Title)
	assert.Equal(t, "course group", group.Description)
	assert.Equal(t, "https://t.me/+abc", group.InviteLink)
	assert.Equal(t, int64(9), group.OwnerID.Int64, "owner taken from the creator entry")
	assert.Equal(t, "tkn1", group.BotToken, "token untouched by the refresh")

	assert.Equal(t, 1, len(mockAPI.GetChatCalls()), "group without bot token skipped")
}

func TestRefreshGroupInfo_LostAccess(t *testing.T) {
	ctx := context.Background()
	groups, err := storage.NewGroups(ctx, newTestDB(t))
	require.NoError(t, err)
	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, Title: "Old", BotToken: "tkn1"}))

	mockAPI := &mocks.TbAPIMock{
		GetChatFunc: func(config tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error) {
			return tbapi.ChatFullInfo{}, errors.New("Forbidden: bot was kicked from the supergroup chat")
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	job := &scheduler.RefreshGroupInfo{Groups: groups, Clients: pool}

	require.NoError(t, job.Handler(ctx, nil), "unauthorized groups are skipped, not failed")

	group, _, err := groups.Get(ctx, -10)
	require.NoError(t, err)
	assert.Equal(t, "Old", group.Title, "nothing changed")
}

func TestSyncBlocklist(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := storage.NewUsers(ctx, db) // blacklist flips the banned flag on users
	require.NoError(t, err)
	memberships, err := storage.NewMemberships(ctx, db)
	require.NoError(t, err)
	groups, err := storage.NewGroups(ctx, db)
	require.NoError(t, err)
	blacklist, err := storage.NewBlacklist(ctx, db)
	require.NoError(t, err)

	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, Title: "Algebra", BotToken: "tkn1"}))
	require.NoError(t, memberships.Touch(ctx, 5, -10, storage.StatusMember, false))

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[5, 6]`)) //nolint:errcheck // test server
	}))
	defer ts.Close()

	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	auditor := &auditorMock{}
	job := &scheduler.SyncBlocklist{URL: ts.URL, Blacklist: blacklist, Memberships: memberships,
		Groups: groups, Clients: pool, Audit: auditor}

	require.NoError(t, job.Handler(ctx, nil))

	has, err := blacklist.Has(ctx, 5)
	require.NoError(t, err)
	assert.True(t, has)
	has, err = blacklist.Has(ctx, 6)
	require.NoError(t, err)
	assert.True(t, has)

	require.Equal(t, 1, len(mockAPI.RequestCalls()), "only user 5 has a membership to ban")
	ban, ok := mockAPI.RequestCalls()[0].C.(tbapi.BanChatMemberConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-10), ban.ChatConfig.ChatID)
	assert.Equal(t, int64(5), ban.UserID)

	membership, found, err := memberships.Get(ctx, 5, -10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, storage.StatusKicked, membership.Status)

	require.Equal(t, 1, len(auditor.events))
	assert.Equal(t, audit.Superban, auditor.events[0].Kind)
	assert.Equal(t, "external blocklist", auditor.events[0].Reason)

	// second run: nothing fresh, nothing to ban
	mockAPI.ResetCalls()
	require.NoError(t, job.Handler(ctx, nil))
	assert.Equal(t, 0, len(mockAPI.RequestCalls()))
}

func TestSyncBlocklist_BadFeed(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	_, err := storage.NewUsers(ctx, db)
	require.NoError(t, err)
	blacklist, err := storage.NewBlacklist(ctx, db)
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	job := &scheduler.SyncBlocklist{URL: ts.URL, Retries: 2, RetryDelay: time.Millisecond, Blacklist: blacklist}
	assert.Error(t, job.Handler(ctx, nil), "feed failure reported after retries, partition untouched")

	job = &scheduler.SyncBlocklist{} // not configured
	assert.NoError(t, job.Handler(ctx, nil))
}

func TestPropagateRoles(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rolesStore, err := storage.NewRoles(ctx, db)
	require.NoError(t, err)
	catalog, err := storage.NewCatalog(ctx, db)
	require.NoError(t, err)
	memberships, err := storage.NewMemberships(ctx, db)
	require.NoError(t, err)
	groups, err := storage.NewGroups(ctx, db)
	require.NoError(t, err)

	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, Title: "Algebra", BotToken: "tkn1"}))
	require.NoError(t, memberships.Touch(ctx, 7, -10, storage.StatusMember, false))
	_, err = rolesStore.Save(ctx, storage.RoleRow{Variant: "moderator", UserID: 7, AllGroups: true}, nil)
	require.NoError(t, err)

	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	job := &scheduler.PropagateRoles{Roles: rolesStore, Catalog: catalog, Memberships: memberships,
		Groups: groups, Clients: pool}

	require.NoError(t, job.Handler(ctx, json.RawMessage(`{"user_id":7}`)))

	require.Equal(t, 2, len(mockAPI.RequestCalls()), "promote and custom title")
	promote, ok := mockAPI.RequestCalls()[0].C.(tbapi.PromoteChatMemberConfig)
	require.True(t, ok)
	assert.Equal(t, int64(-10), promote.ChatConfig.ChatID)
	assert.Equal(t, int64(7), promote.UserID)
	assert.True(t, promote.CanPinMessages)
	assert.True(t, promote.CanManageChat)
	assert.False(t, promote.CanChangeInfo)
	assert.False(t, promote.CanRestrictMembers)

	title, ok := mockAPI.RequestCalls()[1].C.(tbapi.SetChatAdministratorCustomTitle)
	require.True(t, ok)
	assert.Equal(t, "Moderatore", title.CustomTitle)
}

func TestPropagateRoles_Demote(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rolesStore, err := storage.NewRoles(ctx, db)
	require.NoError(t, err)
	catalog, err := storage.NewCatalog(ctx, db)
	require.NoError(t, err)
	memberships, err := storage.NewMemberships(ctx, db)
	require.NoError(t, err)
	groups, err := storage.NewGroups(ctx, db)
	require.NoError(t, err)

	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, BotToken: "tkn1"}))
	require.NoError(t, memberships.Touch(ctx, 7, -10, storage.StatusMember, false))
	// no roles at all, the user gets demoted to a plain member

	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	job := &scheduler.PropagateRoles{Roles: rolesStore, Catalog: catalog, Memberships: memberships,
		Groups: groups, Clients: pool}

	require.NoError(t, job.Handler(ctx, json.RawMessage(`{"user_id":7}`)))

	require.Equal(t, 1, len(mockAPI.RequestCalls()), "no custom title for a demoted user")
	promote, ok := mockAPI.RequestCalls()[0].C.(tbapi.PromoteChatMemberConfig)
	require.True(t, ok)
	assert.False(t, promote.CanPinMessages)
	assert.False(t, promote.CanManageChat)
}

func TestPropagateRoles_SkipsOwnerAndAbsent(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rolesStore, err := storage.NewRoles(ctx, db)
	require.NoError(t, err)
	catalog, err := storage.NewCatalog(ctx, db)
	require.NoError(t, err)
	memberships, err := storage.NewMemberships(ctx, db)
	require.NoError(t, err)
	groups, err := storage.NewGroups(ctx, db)
	require.NoError(t, err)

	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, BotToken: "tkn1"}))
	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -20, BotToken: "tkn2"}))
	require.NoError(t, memberships.Touch(ctx, 7, -10, storage.StatusCreator, false))
	require.NoError(t, memberships.Touch(ctx, 7, -20, storage.StatusLeft, false))

	mockAPI := &mocks.TbAPIMock{}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	job := &scheduler.PropagateRoles{Roles: rolesStore, Catalog: catalog, Memberships: memberships,
		Groups: groups, Clients: pool}

	require.NoError(t, job.Handler(ctx, json.RawMessage(`{"user_id":7}`)))
	assert.Equal(t, 0, len(mockAPI.RequestCalls()), "owner and absent memberships untouched")
}

func TestPropagateRoles_NoRights(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	rolesStore, err := storage.NewRoles(ctx, db)
	require.NoError(t, err)
	catalog, err := storage.NewCatalog(ctx, db)
	require.NoError(t, err)
	memberships, err := storage.NewMemberships(ctx, db)
	require.NoError(t, err)
	groups, err := storage.NewGroups(ctx, db)
	require.NoError(t, err)

	require.NoError(t, groups.Upsert(ctx, storage.Group{ID: -10, Title: "Algebra", BotToken: "tkn1"}))
	require.NoError(t, memberships.Touch(ctx, 7, -10, storage.StatusMember, false))

	mockAPI := &mocks.TbAPIMock{
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return nil, errors.New("Bad Request: not enough rights to restrict/unrestrict chat member")
		},
	}
	pool := &mocks.ClientPoolMock{ClientFunc: func(token string) (scheduler.TbAPI, error) { return mockAPI, nil }}
	auditor := &auditorMock{}
	job := &scheduler.PropagateRoles{Roles: rolesStore, Catalog: catalog, Memberships: memberships,
		Groups: groups, Clients: pool, Audit: auditor}

	require.NoError(t, job.Handler(ctx, json.RawMessage(`{"user_id":7}`)))
	require.Equal(t, 1, len(auditor.events))
	assert.Equal(t, audit.NotEnoughRights, auditor.events[0].Kind)
	assert.Equal(t, int64(7), auditor.events[0].Target.ID)
}
