// Package events processes telegram updates for the whole bot fleet. Updates
// arrive from the webhook ingress and run through a dispatcher of prioritized
// handler groups: 0 sync invariants, 1 membership and admin tagging,
// 2 moderation commands, 3 user commands, 4 private-chat callbacks. The first
// matching handler in a group runs, a Stop result short-circuits all later
// groups.
package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	cache "github.com/go-pkgz/expirable-cache/v3"
	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/tgsafe"
)

//go:generate moq --out mocks/tb_api.go --pkg mocks --with-resets --skip-ensure . TbAPI

// TbAPI is an interface for telegram bot API, subset of methods used by handlers
type TbAPI interface {
	Send(c tbapi.Chattable) (tbapi.Message, error)
	Request(c tbapi.Chattable) (*tbapi.APIResponse, error)
	GetChat(config tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error)
	GetChatAdministrators(config tbapi.ChatAdministratorsConfig) ([]tbapi.ChatMember, error)
	GetChatMembersCount(config tbapi.ChatMemberCountConfig) (int, error)
}

// Auditor writes events to the audit chat and the event log
type Auditor interface {
	Log(ctx context.Context, ev audit.Event) error
}

// Result tells the dispatcher whether to keep running later handler groups
type Result int

// handler outcomes
const (
	Continue Result = iota
	Stop
)

// Handler is a single update processor bound to a priority group
type Handler interface {
	Match(req *Request) bool
	Handle(ctx context.Context, req *Request) (Result, error)
}

// Request is the per-update context threaded through all handlers. The sync
// handler (group 0) fills Group and Issuer for the later groups.
type Request struct {
	Update tbapi.Update
	API    TbAPI       // client of the bot that received the update
	Bot    storage.Bot // receiving bot row
	BotID  int64       // numeric bot id, parsed from the token

	Group      storage.Group
	GroupFound bool
	Issuer     storage.User
}

// Msg returns the message of the update, edited or not, nil for other kinds
func (r *Request) Msg() *tbapi.Message {
	if r.Update.Message != nil {
		return r.Update.Message
	}
	return r.Update.EditedMessage
}

// Sender returns the user behind the update, nil when the update carries none
func (r *Request) Sender() *tbapi.User {
	switch {
	case r.Msg() != nil:
		return r.Msg().From
	case r.Update.ChatMember != nil:
		return &r.Update.ChatMember.From
	case r.Update.ChatJoinRequest != nil:
		return &r.Update.ChatJoinRequest.From
	case r.Update.CallbackQuery != nil:
		return r.Update.CallbackQuery.From
	}
	return nil
}

// ChatID returns the chat the update belongs to, 0 when it has none
func (r *Request) ChatID() int64 {
	switch {
	case r.Msg() != nil:
		return r.Msg().Chat.ID
	case r.Update.ChatMember != nil:
		return r.Update.ChatMember.Chat.ID
	case r.Update.ChatJoinRequest != nil:
		return r.Update.ChatJoinRequest.Chat.ID
	case r.Update.CallbackQuery != nil && r.Update.CallbackQuery.Message != nil:
		return r.Update.CallbackQuery.Message.Chat.ID
	}
	return 0
}

// InGroupChat reports whether the update comes from a group or supergroup
func (r *Request) InGroupChat() bool {
	msg := r.Msg()
	if msg == nil {
		return r.Update.ChatMember != nil || r.Update.ChatJoinRequest != nil
	}
	return msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
}

// Command returns the lowercased command of the message without the leading
// slash and the @BotName suffix, empty string for non-command messages
func (r *Request) Command() string {
	msg := r.Msg()
	if msg == nil || !strings.HasPrefix(msg.Text, "/") {
		return ""
	}
	first := strings.Fields(msg.Text)[0]
	cmd := strings.TrimPrefix(first, "/")
	if i := strings.Index(cmd, "@"); i >= 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd)
}

// CommandArgs returns everything after the command token, trimmed
func (r *Request) CommandArgs() string {
	msg := r.Msg()
	if msg == nil {
		return ""
	}
	fields := strings.SplitN(msg.Text, " ", 2)
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// BotID extracts the numeric bot id from a token formatted as "12345:secret"
func BotID(token string) int64 {
	head, _, found := strings.Cut(token, ":")
	if !found {
		return 0
	}
	id, err := strconv.ParseInt(head, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Dispatcher routes an update through prioritized handler groups
type Dispatcher struct {
	groups   map[int][]Handler
	priority []int
}

// NewDispatcher makes an empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{groups: map[int][]Handler{}}
}

// Add registers a handler in the given priority group
func (d *Dispatcher) Add(priority int, h Handler) {
	if _, ok := d.groups[priority]; !ok {
		d.priority = append(d.priority, priority)
		for i := len(d.priority) - 1; i > 0 && d.priority[i] < d.priority[i-1]; i-- {
			d.priority[i], d.priority[i-1] = d.priority[i-1], d.priority[i]
		}
	}
	d.groups[priority] = append(d.groups[priority], h)
}

// Dispatch runs the update through the handler groups in priority order. The
// first matching handler of each group runs, Stop ends the chain. Handler
// errors are collected and returned but never interrupt the remaining groups.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) error {
	result := new(multierror.Error)
	for _, priority := range d.priority {
		for _, h := range d.groups[priority] {
			if !h.Match(req) {
				continue
			}
			res, err := h.Handle(ctx, req)
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("group %d: %w", priority, err))
			}
			if res == Stop {
				return result.ErrorOrNil()
			}
			break // one handler per group
		}
	}
	return result.ErrorOrNil()
}

// Pool makes and caches telegram clients per bot token. Every group is served
// by its own bot, the pool keeps the fleet from re-authenticating on each
// update.
type Pool struct {
	factory func(token string) (TbAPI, error)
	cache   cache.Cache[string, TbAPI]
}

// NewPool makes a pool with the given client factory, nil factory defaults to
// the real telegram api
func NewPool(factory func(token string) (TbAPI, error)) *Pool {
	if factory == nil {
		factory = func(token string) (TbAPI, error) { return tbapi.NewBotAPI(token) }
	}
	return &Pool{
		factory: factory,
		cache:   cache.NewCache[string, TbAPI]().WithTTL(time.Hour).WithMaxKeys(1000),
	}
}

// Client returns a cached client for the token, making one on first use
func (p *Pool) Client(token string) (TbAPI, error) {
	if client, ok := p.cache.Get(token); ok {
		return client, nil
	}
	client, err := p.factory(token)
	if err != nil {
		return nil, fmt.Errorf("failed to make client: %w", err)
	}
	p.cache.Set(token, client, 0)
	return client, nil
}

// sendHTML sends an HTML-formatted message and returns the sent message id
func sendHTML(api TbAPI, chatID int64, text string) (int, error) {
	msg := tbapi.NewMessage(chatID, text)
	msg.ParseMode = tbapi.ModeHTML
	msg.LinkPreviewOptions = tbapi.LinkPreviewOptions{IsDisabled: true}
	res, err := api.Send(msg)
	if err != nil {
		return 0, fmt.Errorf("can't send message to telegram: %w", err)
	}
	return res.MessageID, nil
}

// scheduleDeletion enqueues a delayed message deletion through the task queue
func scheduleDeletion(ctx context.Context, tasks storage.TaskEnqueuer, chatID int64, messageID int, delay time.Duration) {
	if tasks == nil || messageID == 0 {
		return
	}
	payload := map[string]int64{"chat_id": chatID, "message_id": int64(messageID)}
	if _, err := tasks.Enqueue(ctx, "delete_message", payload, time.Now().Add(delay), 0); err != nil {
		log.Printf("[WARN] failed to schedule deletion of message %d in chat %d: %v", messageID, chatID, err)
	}
}

// deleteNow removes the message immediately. An already-gone message counts as
// success, a flood limit turns into a scheduled deletion through the queue.
func deleteNow(ctx context.Context, api TbAPI, tasks storage.TaskEnqueuer, chatID int64, messageID int) {
	_, err := api.Request(tbapi.DeleteMessageConfig{
		BaseChatMessage: tbapi.BaseChatMessage{ChatConfig: tbapi.ChatConfig{ChatID: chatID}, MessageID: messageID},
	})
	if err == nil || tgsafe.IsMessageGone(err) {
		return
	}
	if _, flood := tgsafe.RetryAfter(err); flood {
		scheduleDeletion(ctx, tasks, chatID, messageID, time.Minute)
		return
	}
	log.Printf("[WARN] failed to delete message %d in chat %d: %v", messageID, chatID, err)
}
