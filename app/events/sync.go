package events

import (
	"context"
	"fmt"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/storage"
)

// Sync is the group-0 handler enforcing the per-update invariants: the sender
// and their membership exist in the store, unknown groups are rejected, banned
// users never get a second message in. Later groups rely on Request.Group and
// Request.Issuer being filled here.
type Sync struct {
	Users        *storage.Users
	Groups       *storage.Groups
	Memberships  *storage.Memberships
	Blacklist    *storage.Blacklist
	Audit        Auditor
	LeaveUnknown bool // leave chats that have no group row
}

// Match accepts any group-chat update with a sender
func (s *Sync) Match(req *Request) bool {
	return req.Sender() != nil && req.ChatID() != 0 && req.InGroupChat()
}

// Handle runs the sync invariants, Stop means the update must go no further
func (s *Sync) Handle(ctx context.Context, req *Request) (Result, error) {
	sender := req.Sender()
	chatID := req.ChatID()

	if sender.ID == req.BotID {
		return Stop, nil // the bot's own messages are not updates to process
	}

	group, found, err := s.Groups.Get(ctx, chatID)
	if err != nil {
		return Stop, fmt.Errorf("failed to load group %d: %w", chatID, err)
	}
	if !found {
		return s.unknownGroup(ctx, req, chatID)
	}
	req.Group, req.GroupFound = group, true

	user := storage.User{
		ID:        sender.ID,
		FirstName: sender.FirstName,
		LastName:  sender.LastName,
		Username:  sender.UserName,
		Language:  sender.LanguageCode,
	}
	if err := s.Users.Upsert(ctx, user); err != nil {
		return Stop, fmt.Errorf("failed to upsert user %d: %w", sender.ID, err)
	}
	issuer, _, err := s.Users.Get(ctx, sender.ID)
	if err != nil {
		return Stop, fmt.Errorf("failed to load user %d: %w", sender.ID, err)
	}
	req.Issuer = issuer

	if !issuer.Banned {
		// a sync of the external blocklist may have listed the id before the
		// user was ever seen, the user row alone is not enough
		listed, lerr := s.Blacklist.Has(ctx, sender.ID)
		if lerr != nil {
			return Stop, fmt.Errorf("failed to check user %d against blacklist: %w", sender.ID, lerr)
		}
		issuer.Banned = listed
	}
	if issuer.Banned {
		return s.banOnSight(ctx, req, group, issuer)
	}

	status := storage.StatusMember
	if membership, ok, merr := s.Memberships.Get(ctx, sender.ID, chatID); merr == nil && ok {
		status = membership.Status
	}
	if err := s.Memberships.Touch(ctx, sender.ID, chatID, status, s.substantive(req)); err != nil {
		return Stop, fmt.Errorf("failed to touch membership (%d, %d): %w", sender.ID, chatID, err)
	}
	return Continue, nil
}

// unknownGroup logs the rejected chat and optionally leaves it
func (s *Sync) unknownGroup(ctx context.Context, req *Request, chatID int64) (Result, error) {
	title := ""
	if msg := req.Msg(); msg != nil {
		title = msg.Chat.Title
	} else if req.Update.ChatMember != nil {
		title = req.Update.ChatMember.Chat.Title
	}
	ev := audit.Event{Kind: audit.ChatDoesNotExist, Chat: &audit.Chat{ID: chatID, Title: title}}
	if err := s.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log unknown chat %d: %v", chatID, err)
	}
	if s.LeaveUnknown {
		if _, err := req.API.Request(tbapi.LeaveChatConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}}); err != nil {
			log.Printf("[WARN] failed to leave unknown chat %d: %v", chatID, err)
		}
	}
	return Stop, nil
}

// banOnSight enforces the global ban on any activity of a blacklisted user
func (s *Sync) banOnSight(ctx context.Context, req *Request, group storage.Group, user storage.User) (Result, error) {
	resp, err := req.API.Request(tbapi.BanChatMemberConfig{
		ChatMemberConfig: tbapi.ChatMemberConfig{
			ChatConfig: tbapi.ChatConfig{ChatID: group.ID},
			UserID:     user.ID,
		},
	})
	if err != nil {
		return Stop, fmt.Errorf("failed to ban user %d in chat %d: %w", user.ID, group.ID, err)
	}
	if !resp.Ok {
		return Stop, fmt.Errorf("ban response is not Ok: %v", string(resp.Result))
	}
	if err := s.Memberships.SetStatus(ctx, user.ID, group.ID, storage.StatusKicked); err != nil {
		log.Printf("[WARN] failed to mark user %d kicked from %d: %v", user.ID, group.ID, err)
	}
	if err := s.Users.SetBanned(ctx, user.ID, true); err != nil {
		log.Printf("[WARN] failed to persist ban flag for user %d: %v", user.ID, err)
	}

	ev := audit.Event{
		Kind:   audit.Superban,
		Chat:   &audit.Chat{ID: group.ID, Title: group.Title},
		Target: auditUser(user),
		Reason: "globally banned user activity",
	}
	if err := s.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log ban of user %d: %v", user.ID, err)
	}
	return Stop, nil
}

// substantive reports whether the update counts towards messages_count,
// service messages and member transitions don't
func (s *Sync) substantive(req *Request) bool {
	msg := req.Msg()
	if msg == nil {
		return false
	}
	if len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil {
		return false
	}
	return true
}

// auditUser converts a stored user row to the audit form
func auditUser(u storage.User) *audit.User {
	return &audit.User{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Username: u.Username}
}

// auditTgUser converts a live telegram user to the audit form
func auditTgUser(u *tbapi.User) *audit.User {
	if u == nil {
		return nil
	}
	return &audit.User{ID: u.ID, FirstName: u.FirstName, LastName: u.LastName, Username: u.UserName}
}
