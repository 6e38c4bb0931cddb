package events

import (
	"context"
	"testing"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusnet/tg-warden/app/events/mocks"
	"github.com/campusnet/tg-warden/app/storage"
)

func TestMemes_RespectsPostsButton(t *testing.T) {
	ctx := context.Background()
	api := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			return tbapi.Message{MessageID: 200}, nil
		},
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	h := NewMemes()
	req := &Request{
		Update: groupMessage(-100123, &tbapi.User{ID: 42}, "/respects"),
		API:    api, Group: storage.Group{ID: -100123}, GroupFound: true,
	}

	require.True(t, h.Match(req))
	res, err := h.Handle(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Stop, res)

	require.Len(t, api.SendCalls(), 1)
	msg := api.SendCalls()[0].C.(tbapi.MessageConfig)
	assert.Contains(t, msg.Text, "F")
	markup, ok := msg.ReplyMarkup.(tbapi.InlineKeyboardMarkup)
	require.True(t, ok)
	require.Len(t, markup.InlineKeyboard, 1)
	assert.Equal(t, pressFData, *markup.InlineKeyboard[0][0].CallbackData)
}

func TestMemes_PressCountsUniqueUsers(t *testing.T) {
	ctx := context.Background()
	var lastEdit tbapi.EditMessageTextConfig
	api := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			if edit, ok := c.(tbapi.EditMessageTextConfig); ok {
				lastEdit = edit
			}
			return tbapi.Message{MessageID: 200}, nil
		},
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	h := NewMemes()

	press := func(userID int64, name string) *Request {
		return &Request{
			Update: tbapi.Update{CallbackQuery: &tbapi.CallbackQuery{
				ID:   "cb1",
				From: &tbapi.User{ID: userID, FirstName: name},
				Message: &tbapi.Message{MessageID: 200,
					Chat: tbapi.Chat{ID: -100123, Type: "supergroup"}},
				Data: pressFData,
			}},
			API: api,
		}
	}

	require.True(t, h.Match(press(1, "Anna")))
	_, err := h.Handle(ctx, press(1, "Anna"))
	require.NoError(t, err)
	assert.Contains(t, lastEdit.Text, "1 utenti")
	assert.Contains(t, lastEdit.Text, "Anna")

	_, err = h.Handle(ctx, press(2, "Luca"))
	require.NoError(t, err)
	assert.Contains(t, lastEdit.Text, "2 utenti")
	assert.Contains(t, lastEdit.Text, "Luca")

	// double press is a no-op
	_, err = h.Handle(ctx, press(1, "Anna"))
	require.NoError(t, err)
	assert.Contains(t, lastEdit.Text, "2 utenti")
}

func TestPrivate_StartShowsLanguageKeyboard(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	api := &mocks.TbAPIMock{SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
		return tbapi.Message{MessageID: 9}, nil
	}}
	h := &Private{Users: st.users}

	update := tbapi.Update{Message: &tbapi.Message{
		From: &tbapi.User{ID: 42}, Chat: tbapi.Chat{ID: 42, Type: "private"}, Text: "/start"}}
	req := &Request{Update: update, API: api}

	require.True(t, h.Match(req))
	_, err := h.Handle(ctx, req)
	require.NoError(t, err)

	msg := api.SendCalls()[0].C.(tbapi.MessageConfig)
	markup, ok := msg.ReplyMarkup.(tbapi.InlineKeyboardMarkup)
	require.True(t, ok)
	assert.Len(t, markup.InlineKeyboard[0], 2)
}

func TestPrivate_SetLanguage(t *testing.T) {
	ctx := context.Background()
	st := newTestStores(t)
	api := &mocks.TbAPIMock{
		SendFunc: func(c tbapi.Chattable) (tbapi.Message, error) {
			return tbapi.Message{MessageID: 9}, nil
		},
		RequestFunc: func(c tbapi.Chattable) (*tbapi.APIResponse, error) {
			return &tbapi.APIResponse{Ok: true}, nil
		},
	}
	h := &Private{Users: st.users}

	req := &Request{
		Update: tbapi.Update{CallbackQuery: &tbapi.CallbackQuery{
			ID:   "cb2",
			From: &tbapi.User{ID: 42, FirstName: "Mario"},
			Message: &tbapi.Message{MessageID: 9,
				Chat: tbapi.Chat{ID: 42, Type: "private"}},
			Data: setLanguagePrefix + "EN",
		}},
		API: api,
	}

	require.True(t, h.Match(req))
	_, err := h.Handle(ctx, req)
	require.NoError(t, err)

	user, found, err := st.users.Get(ctx, 42)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "en", user.Language)
}
