package events

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	cache "github.com/go-pkgz/expirable-cache/v3"
	log "github.com/go-pkgz/lgr"
)

// pressFData is the callback payload of the respects button
const pressFData = "press_f"

// Memes is the group-3 handler for the /respects ritual. The command posts a
// message with a single F button, each press adds the presser to the list in
// the message text. Presses are tracked per message and kept for a day.
type Memes struct {
	pressed cache.Cache[string, []string]
}

// NewMemes makes the handler with its press tracker
func NewMemes() *Memes {
	return &Memes{pressed: cache.NewCache[string, []string]().WithTTL(24 * time.Hour).WithMaxKeys(10000)}
}

// Match accepts the /respects command and the F button callback
func (m *Memes) Match(req *Request) bool {
	if cb := req.Update.CallbackQuery; cb != nil {
		return cb.Data == pressFData
	}
	return req.GroupFound && req.Command() == "respects"
}

// Handle posts the ritual message or registers a press
func (m *Memes) Handle(ctx context.Context, req *Request) (Result, error) {
	if req.Update.CallbackQuery != nil {
		return m.press(ctx, req)
	}

	msg := tbapi.NewMessage(req.Group.ID, "Premi F per pagare rispetto 🕯")
	msg.ReplyMarkup = tbapi.NewInlineKeyboardMarkup(
		tbapi.NewInlineKeyboardRow(tbapi.NewInlineKeyboardButtonData("F", pressFData)),
	)
	if _, err := req.API.Send(msg); err != nil {
		return Stop, fmt.Errorf("failed to post respects message: %w", err)
	}
	deleteNow(ctx, req.API, nil, req.Group.ID, req.Msg().MessageID)
	return Stop, nil
}

// press records the presser once and rewrites the message with the roster
func (m *Memes) press(_ context.Context, req *Request) (Result, error) {
	cb := req.Update.CallbackQuery
	if cb.Message == nil || cb.From == nil {
		return Stop, nil
	}
	chatID := cb.Message.Chat.ID
	key := fmt.Sprintf("%d:%d", chatID, cb.Message.MessageID)
	name := html.EscapeString(cb.From.FirstName)

	names, _ := m.pressed.Get(key)
	for _, existing := range names {
		if existing == name {
			m.answer(req, cb.ID, "")
			return Stop, nil
		}
	}
	names = append(names, name)
	m.pressed.Set(key, names, 0)

	text := fmt.Sprintf("🕯 <b>%d utenti hanno pagato rispetto</b>:\n%s", len(names), strings.Join(names, ", "))
	edit := tbapi.NewEditMessageText(chatID, cb.Message.MessageID, text)
	edit.ParseMode = tbapi.ModeHTML
	edit.ReplyMarkup = &tbapi.InlineKeyboardMarkup{InlineKeyboard: [][]tbapi.InlineKeyboardButton{
		tbapi.NewInlineKeyboardRow(tbapi.NewInlineKeyboardButtonData("F", pressFData)),
	}}
	if _, err := req.API.Send(edit); err != nil {
		log.Printf("[WARN] failed to update respects message %d: %v", cb.Message.MessageID, err)
	}
	m.answer(req, cb.ID, "F")
	return Stop, nil
}

func (m *Memes) answer(req *Request, callbackID, text string) {
	if _, err := req.API.Request(tbapi.NewCallback(callbackID, text)); err != nil {
		log.Printf("[WARN] failed to answer callback %s: %v", callbackID, err)
	}
}
