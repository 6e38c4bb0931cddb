package events

import (
	"context"
	"fmt"
	"strings"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/storage"
)

// setLanguagePrefix is the callback payload prefix of the language keyboard
const setLanguagePrefix = "set_language@"

// Private is the group-4 handler for direct chats with the bot: /start shows
// the language keyboard, the set_language callbacks store the choice.
type Private struct {
	Users *storage.Users
}

// Match accepts private /start messages and the language callbacks
func (p *Private) Match(req *Request) bool {
	if cb := req.Update.CallbackQuery; cb != nil {
		return strings.HasPrefix(cb.Data, setLanguagePrefix)
	}
	msg := req.Msg()
	return msg != nil && msg.Chat.Type == "private" && req.Command() == "start"
}

// Handle shows the keyboard or applies the chosen language
func (p *Private) Handle(ctx context.Context, req *Request) (Result, error) {
	if req.Update.CallbackQuery != nil {
		return p.setLanguage(ctx, req)
	}

	msg := tbapi.NewMessage(req.Msg().Chat.ID, "Scegli la tua lingua / Choose your language:")
	msg.ReplyMarkup = tbapi.NewInlineKeyboardMarkup(
		tbapi.NewInlineKeyboardRow(
			tbapi.NewInlineKeyboardButtonData("🇮🇹 Italiano", setLanguagePrefix+"IT"),
			tbapi.NewInlineKeyboardButtonData("🇬🇧 English", setLanguagePrefix+"EN"),
		),
	)
	if _, err := req.API.Send(msg); err != nil {
		return Stop, fmt.Errorf("failed to send language keyboard: %w", err)
	}
	return Stop, nil
}

func (p *Private) setLanguage(ctx context.Context, req *Request) (Result, error) {
	cb := req.Update.CallbackQuery
	if cb.From == nil {
		return Stop, nil
	}
	lang := strings.ToLower(strings.TrimPrefix(cb.Data, setLanguagePrefix))
	if lang != "it" && lang != "en" {
		return Stop, nil
	}

	if err := p.Users.Upsert(ctx, storage.User{
		ID: cb.From.ID, FirstName: cb.From.FirstName, LastName: cb.From.LastName,
		Username: cb.From.UserName, Language: lang,
	}); err != nil {
		return Stop, fmt.Errorf("failed to store language for user %d: %w", cb.From.ID, err)
	}

	text := "✅ Lingua impostata: Italiano"
	if lang == "en" {
		text = "✅ Language set: English"
	}
	if cb.Message != nil {
		edit := tbapi.NewEditMessageText(cb.Message.Chat.ID, cb.Message.MessageID, text)
		if _, err := req.API.Send(edit); err != nil {
			log.Printf("[WARN] failed to confirm language change for user %d: %v", cb.From.ID, err)
		}
	}
	if _, err := req.API.Request(tbapi.NewCallback(cb.ID, "")); err != nil {
		log.Printf("[WARN] failed to answer callback %s: %v", cb.ID, err)
	}
	return Stop, nil
}
