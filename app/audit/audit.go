// Package audit records moderation and membership events. Every event is written
// to the durable event log and reported to the audit chat as an HTML message sent
// through the dedicated logging bot. Destructive actions use a two-phase protocol:
// a placeholder is reserved in the audit chat first, the evidence is forwarded next
// to it, and the placeholder is then edited to reference the forward.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	log "github.com/go-pkgz/lgr"
)

//go:generate moq --out mocks/tb_api.go --pkg mocks --with-resets --skip-ensure . TbAPI
//go:generate moq --out mocks/recorder.go --pkg mocks --with-resets --skip-ensure . Recorder

// TbAPI is an interface for the telegram logging bot, only subset of methods used
type TbAPI interface {
	Send(c tbapi.Chattable) (tbapi.Message, error)
}

// Recorder persists event records, implemented by the events storage
type Recorder interface {
	Record(ctx context.Context, rec Rec) (int64, error)
}

// EventKind is a stable numeric id of an event. The values are persisted in the
// event log and must never be renumbered.
type EventKind int

// all event kinds, gaps left by retired kinds are preserved
const (
	ChatDoesNotExist EventKind = 0
	Warn             EventKind = 1
	Kick             EventKind = 2
	Ban              EventKind = 3
	Mute             EventKind = 4
	Info             EventKind = 5
	Free             EventKind = 6
	Superban         EventKind = 7
	UserJoined       EventKind = 8
	UserLeft         EventKind = 9
	NotEnoughRights  EventKind = 10
	Superfree        EventKind = 11
	Del              EventKind = 12
	UserCalledAdmin  EventKind = 13
)

var kindInfo = map[EventKind]struct{ name, emoji string }{
	ChatDoesNotExist: {"CHAT_DOES_NOT_EXIST", "❗️"},
	Warn:             {"MODERATION_WARN", "🟡"},
	Kick:             {"MODERATION_KICK", "⚪"},
	Ban:              {"MODERATION_BAN", "🔴"},
	Mute:             {"MODERATION_MUTE", "🟠"},
	Info:             {"MODERATION_INFO", "ℹ️"},
	Free:             {"MODERATION_FREE", "🟢"},
	Superban:         {"MODERATION_SUPERBAN", "⚫️"},
	UserJoined:       {"USER_JOINED", "➕"},
	UserLeft:         {"USER_LEFT", "➖"},
	NotEnoughRights:  {"NOT_ENOUGH_RIGHTS", "🔰"},
	Superfree:        {"MODERATION_SUPERFREE", "✳️"},
	Del:              {"MODERATION_DEL", "🗑"},
	UserCalledAdmin:  {"USER_CALLED_ADMIN", "🚨"},
}

// String returns the stable event name used as a hashtag in the audit chat
func (k EventKind) String() string {
	if info, ok := kindInfo[k]; ok {
		return info.name
	}
	return fmt.Sprintf("UNKNOWN_%d", int(k))
}

// Emoji returns the event marker for the audit chat
func (k EventKind) Emoji() string {
	if info, ok := kindInfo[k]; ok {
		return info.emoji
	}
	return "❔"
}

// Chat identifies the group where the event happened
type Chat struct {
	ID    int64
	Title string
}

// User identifies a participant of the event
type User struct {
	ID        int64
	FirstName string
	LastName  string
	Username  string
}

// Event is a single auditable occurrence
type Event struct {
	Kind      EventKind
	Chat      *Chat
	Target    *User
	Issuer    *User
	UntilDate time.Time // for timed mutes and bans
	Reason    string
	Text      string // message text, for deletions
}

// Rec is a flat event record as persisted by the Recorder
type Rec struct {
	Kind       EventKind
	ChatID     int64
	TargetID   int64
	IssuerID   int64
	Reason     string
	Text       string
	AuditMsgID int
	Timestamp  time.Time
}

// Logger reports events to the audit chat and persists them through the Recorder.
// Writer, if set, gets one JSON line per event, rotation is up to the caller.
type Logger struct {
	API    TbAPI
	ChatID int64 // audit chat id
	Store  Recorder
	Writer io.Writer
	Now    func() time.Time // for tests, defaults to time.Now
}

// Log formats the event, sends it to the audit chat and records it.
// Notification failures are logged but don't fail the call, losing the
// durable record does.
func (l *Logger) Log(ctx context.Context, ev Event) error {
	msgID := l.notify(Format(ev))
	return l.record(ctx, ev, msgID)
}

// Placeholder reserves a message in the audit chat for a destructive event.
// The returned message id is passed to Finalize once the evidence is forwarded.
func (l *Logger) Placeholder(ctx context.Context, ev Event) (int, error) {
	_ = ctx
	text := fmt.Sprintf("%s #%s\n⏳ <i>collecting evidence...</i>", ev.Kind.Emoji(), ev.Kind)
	msg := tbapi.NewMessage(l.ChatID, text)
	msg.ParseMode = tbapi.ModeHTML
	sent, err := l.API.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to reserve audit placeholder: %w", err)
	}
	return sent.MessageID, nil
}

// Finalize rewrites the placeholder with the full event text referencing the
// forwarded evidence and records the event. evidenceID of 0 means the forward
// failed and the event is finalized without it.
func (l *Logger) Finalize(ctx context.Context, ev Event, placeholderID, evidenceID int) error {
	text := Format(ev)
	if evidenceID != 0 {
		text += "\n📎 <b>Evidence</b>: forwarded below"
	}
	edit := tbapi.NewEditMessageText(l.ChatID, placeholderID, text)
	edit.ParseMode = tbapi.ModeHTML
	if _, err := l.API.Send(edit); err != nil {
		log.Printf("[WARN] failed to finalize audit message %d: %v", placeholderID, err)
	}
	return l.record(ctx, ev, placeholderID)
}

func (l *Logger) notify(text string) int {
	msg := tbapi.NewMessage(l.ChatID, text)
	msg.ParseMode = tbapi.ModeHTML
	sent, err := l.API.Send(msg)
	if err != nil {
		log.Printf("[WARN] failed to send audit notification: %v", err)
		return 0
	}
	return sent.MessageID
}

func (l *Logger) record(ctx context.Context, ev Event, auditMsgID int) error {
	now := time.Now
	if l.Now != nil {
		now = l.Now
	}
	rec := Rec{Kind: ev.Kind, Reason: ev.Reason, Text: ev.Text, AuditMsgID: auditMsgID, Timestamp: now()}
	if ev.Chat != nil {
		rec.ChatID = ev.Chat.ID
	}
	if ev.Target != nil {
		rec.TargetID = ev.Target.ID
	}
	if ev.Issuer != nil {
		rec.IssuerID = ev.Issuer.ID
	}

	if l.Writer != nil {
		if line, err := json.Marshal(rec); err == nil {
			_, _ = l.Writer.Write(append(line, '\n'))
		}
	}

	if l.Store == nil {
		return nil
	}
	if _, err := l.Store.Record(ctx, rec); err != nil {
		return fmt.Errorf("failed to record %s event: %w", rec.Kind, err)
	}
	return nil
}

// Format renders the event as the audit chat HTML message
func Format(ev Event) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s #%s", ev.Kind.Emoji(), ev.Kind))
	sb.WriteString(fmt.Sprintf("\n👥 <b>Group</b>: %s", formatChat(ev.Chat)))

	if hasTarget(ev.Kind) {
		sb.WriteString(fmt.Sprintf("\n👤 <b>Target user</b>: %s", formatUser(ev.Target)))
	}
	if hasIssuer(ev.Kind) {
		sb.WriteString(fmt.Sprintf("\n👮 <b>Issuer</b>: %s", formatUser(ev.Issuer)))
	}
	if (ev.Kind == Mute || ev.Kind == Ban) && !ev.UntilDate.IsZero() {
		sb.WriteString(fmt.Sprintf("\n⏳ <b>Until date</b>: %s", ev.UntilDate.Format("02/01/2006 15:04")))
	}
	if ev.Reason != "" {
		sb.WriteString(fmt.Sprintf("\n📄 <b>Reason</b>: %s", html.EscapeString(ev.Reason)))
	}
	return sb.String()
}

func hasTarget(k EventKind) bool {
	switch k {
	case Warn, Kick, Ban, Mute, Info, Free, Superban, Superfree, UserJoined, UserLeft, NotEnoughRights, Del:
		return true
	}
	return false
}

func hasIssuer(k EventKind) bool {
	switch k {
	case Warn, Kick, Ban, Mute, Info, Free, Superban, Superfree, Del, UserCalledAdmin:
		return true
	}
	return false
}

// GroupTag makes a searchable group hashtag, the minus sign of supergroup ids is dropped
func GroupTag(id int64) string {
	if id == 0 {
		return "#gid_unknown"
	}
	if id < 0 {
		id = -id
	}
	return fmt.Sprintf("#gid_%d", id)
}

// UserTag makes a searchable user hashtag
func UserTag(id int64) string {
	if id == 0 {
		return "#uid_unknown"
	}
	return fmt.Sprintf("#uid_%d", id)
}

func formatChat(chat *Chat) string {
	if chat == nil {
		return GroupTag(0)
	}
	return fmt.Sprintf("%s %s", html.EscapeString(chat.Title), GroupTag(chat.ID))
}

func formatUser(user *User) string {
	if user == nil {
		return UserTag(0)
	}
	text := html.EscapeString(user.FirstName)
	if user.LastName != "" {
		text += " " + html.EscapeString(user.LastName)
	}
	if user.Username != "" {
		text += fmt.Sprintf(" [@%s]", html.EscapeString(strings.TrimPrefix(user.Username, "@")))
	}
	return fmt.Sprintf("%s %s", text, UserTag(user.ID))
}
