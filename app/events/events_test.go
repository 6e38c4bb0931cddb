package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/storage/engine"
)

// newTestDB makes an in-memory sqlite engine for handler tests
func newTestDB(t *testing.T) *engine.SQL {
	db, err := engine.NewSqlite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// testStores bundles every storage the handlers need
type testStores struct {
	users       *storage.Users
	groups      *storage.Groups
	memberships *storage.Memberships
	bots        *storage.Bots
	blacklist   *storage.Blacklist
	roles       *storage.Roles
	catalog     *storage.Catalog
	tasks       *storage.Tasks
}

func newTestStores(t *testing.T) *testStores {
	ctx := context.Background()
	db := newTestDB(t)

	users, err := storage.NewUsers(ctx, db)
	require.NoError(t, err)
	groups, err := storage.NewGroups(ctx, db)
	require.NoError(t, err)
	memberships, err := storage.NewMemberships(ctx, db)
	require.NoError(t, err)
	bots, err := storage.NewBots(ctx, db)
	require.NoError(t, err)
	blacklist, err := storage.NewBlacklist(ctx, db)
	require.NoError(t, err)
	rolesStore, err := storage.NewRoles(ctx, db)
	require.NoError(t, err)
	catalog, err := storage.NewCatalog(ctx, db)
	require.NoError(t, err)
	tasks, err := storage.NewTasks(ctx, db)
	require.NoError(t, err)

	return &testStores{users: users, groups: groups, memberships: memberships, bots: bots,
		blacklist: blacklist, roles: rolesStore, catalog: catalog, tasks: tasks}
}

// auditorRec is a recording fake for the audit logger, two-phase included
type auditorRec struct {
	mu           sync.Mutex
	events       []audit.Event
	placeholders []audit.Event
	finalized    []audit.Event
	evidenceIDs  []int
}

func (a *auditorRec) Log(_ context.Context, ev audit.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *auditorRec) Placeholder(_ context.Context, ev audit.Event) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.placeholders = append(a.placeholders, ev)
	return 1000 + len(a.placeholders), nil
}

func (a *auditorRec) Finalize(_ context.Context, ev audit.Event, _, evidenceID int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finalized = append(a.finalized, ev)
	a.evidenceIDs = append(a.evidenceIDs, evidenceID)
	return nil
}

func (a *auditorRec) kinds() []audit.EventKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make([]audit.EventKind, 0, len(a.events))
	for _, ev := range a.events {
		res = append(res, ev.Kind)
	}
	return res
}

// groupMessage builds a plain text update in a supergroup
func groupMessage(chatID int64, from *tbapi.User, text string) tbapi.Update {
	return tbapi.Update{Message: &tbapi.Message{
		MessageID: 77,
		From:      from,
		Chat:      tbapi.Chat{ID: chatID, Type: "supergroup", Title: "Algorithms"},
		Text:      text,
	}}
}

func TestRequest_Command(t *testing.T) {
	tbl := []struct {
		text string
		cmd  string
		args string
	}{
		{"/kick @bob spam", "kick", "@bob spam"},
		{"/KICK", "kick", ""},
		{"/kick@WardenBot @bob", "kick", "@bob"},
		{"not a command", "", "not a command"},
		{"", "", ""},
	}
	for _, tt := range tbl {
		t.Run(tt.text, func(t *testing.T) {
			req := &Request{Update: groupMessage(-100123, &tbapi.User{ID: 1}, tt.text)}
			assert.Equal(t, tt.cmd, req.Command())
			if tt.cmd != "" {
				assert.Equal(t, tt.args, req.CommandArgs())
			}
		})
	}
}

func TestRequest_Sender(t *testing.T) {
	user := &tbapi.User{ID: 42}

	req := &Request{Update: groupMessage(-1, user, "hi")}
	require.NotNil(t, req.Sender())
	assert.Equal(t, int64(42), req.Sender().ID)

	req = &Request{Update: tbapi.Update{ChatMember: &tbapi.ChatMemberUpdated{
		Chat: tbapi.Chat{ID: -1}, From: *user}}}
	require.NotNil(t, req.Sender())
	assert.Equal(t, int64(42), req.Sender().ID)

	req = &Request{Update: tbapi.Update{CallbackQuery: &tbapi.CallbackQuery{From: user}}}
	require.NotNil(t, req.Sender())
	assert.Equal(t, int64(42), req.Sender().ID)

	req = &Request{}
	assert.Nil(t, req.Sender())
}

func TestBotID(t *testing.T) {
	assert.Equal(t, int64(12345), BotID("12345:AAbbCCdd"))
	assert.Equal(t, int64(0), BotID("no-colon"))
	assert.Equal(t, int64(0), BotID("abc:def"))
}

// recordingHandler is a scriptable handler for dispatcher tests
type recordingHandler struct {
	name    string
	match   bool
	result  Result
	err     error
	visited *[]string
}

func (h *recordingHandler) Match(_ *Request) bool { return h.match }

func (h *recordingHandler) Handle(_ context.Context, _ *Request) (Result, error) {
	*h.visited = append(*h.visited, h.name)
	return h.result, h.err
}

func TestDispatcher_PriorityOrderAndStop(t *testing.T) {
	var visited []string
	d := NewDispatcher()
	d.Add(2, &recordingHandler{name: "moderation", match: true, visited: &visited})
	d.Add(0, &recordingHandler{name: "sync", match: true, visited: &visited})
	d.Add(1, &recordingHandler{name: "skipped", match: false, visited: &visited})
	d.Add(1, &recordingHandler{name: "members", match: true, visited: &visited})

	err := d.Dispatch(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sync", "members", "moderation"}, visited, "groups run in priority order")

	visited = nil
	d = NewDispatcher()
	d.Add(0, &recordingHandler{name: "sync", match: true, result: Stop, visited: &visited})
	d.Add(1, &recordingHandler{name: "members", match: true, visited: &visited})
	err = d.Dispatch(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, []string{"sync"}, visited, "stop short-circuits later groups")
}

func TestDispatcher_OneHandlerPerGroup(t *testing.T) {
	var visited []string
	d := NewDispatcher()
	d.Add(1, &recordingHandler{name: "first", match: true, visited: &visited})
	d.Add(1, &recordingHandler{name: "second", match: true, visited: &visited})

	require.NoError(t, d.Dispatch(context.Background(), &Request{}))
	assert.Equal(t, []string{"first"}, visited)
}

func TestDispatcher_CollectsErrors(t *testing.T) {
	var visited []string
	d := NewDispatcher()
	d.Add(0, &recordingHandler{name: "sync", match: true, err: errors.New("sync failed"), visited: &visited})
	d.Add(1, &recordingHandler{name: "members", match: true, err: errors.New("members failed"), visited: &visited})

	err := d.Dispatch(context.Background(), &Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync failed")
	assert.Contains(t, err.Error(), "members failed")
	assert.Equal(t, []string{"sync", "members"}, visited, "errors don't interrupt the chain")
}

func TestPool_CachesClients(t *testing.T) {
	made := 0
	pool := NewPool(func(token string) (TbAPI, error) {
		made++
		if token == "bad" {
			return nil, fmt.Errorf("bad token")
		}
		return &struct{ TbAPI }{}, nil
	})

	c1, err := pool.Client("111:aaa")
	require.NoError(t, err)
	c2, err := pool.Client("111:aaa")
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, made, "second call served from cache")

	_, err = pool.Client("bad")
	require.Error(t, err)
	assert.Equal(t, 2, made)
}
