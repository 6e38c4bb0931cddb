package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/storage"
)

// serviceDeleteThreshold is the member count above which "user joined" service
// messages are deleted to reduce noise
const serviceDeleteThreshold = 50

// Members is the group-1 handler for chat_member transitions, join requests
// and service message cleanup. Bots joining without a whitelist entry are
// kicked, humans get synced, promoted to their resolved rights and welcomed.
type Members struct {
	Users       *storage.Users
	Groups      *storage.Groups
	Memberships *storage.Memberships
	Bots        *storage.Bots
	RolesStore  *storage.Roles
	Catalog     *storage.Catalog
	Tasks       storage.TaskEnqueuer
	Audit       Auditor
	ConfirmTTL  time.Duration // welcome message lifetime, default 90s
}

// Match accepts member transitions, join requests and join/left service messages
func (m *Members) Match(req *Request) bool {
	if req.Update.ChatMember != nil || req.Update.ChatJoinRequest != nil {
		return true
	}
	msg := req.Msg()
	return msg != nil && (len(msg.NewChatMembers) > 0 || msg.LeftChatMember != nil)
}

// Handle routes the update to the right membership routine
func (m *Members) Handle(ctx context.Context, req *Request) (Result, error) {
	switch {
	case req.Update.ChatMember != nil:
		return m.transition(ctx, req)
	case req.Update.ChatJoinRequest != nil:
		return m.joinRequest(ctx, req)
	default:
		return m.serviceMessage(ctx, req)
	}
}

func (m *Members) transition(ctx context.Context, req *Request) (Result, error) {
	upd := req.Update.ChatMember
	target := upd.NewChatMember.User
	if target == nil {
		return Continue, nil
	}
	chatID := upd.Chat.ID

	if err := m.Users.Upsert(ctx, storage.User{
		ID: target.ID, FirstName: target.FirstName, LastName: target.LastName,
		Username: target.UserName, Language: target.LanguageCode,
	}); err != nil {
		return Continue, fmt.Errorf("failed to upsert user %d: %w", target.ID, err)
	}

	switch upd.NewChatMember.Status {
	case "left":
		if err := m.Memberships.SetStatus(ctx, target.ID, chatID, storage.StatusLeft); err != nil {
			log.Printf("[WARN] failed to mark user %d left from %d: %v", target.ID, chatID, err)
		}
		m.logEvent(ctx, audit.UserLeft, req.Group, target)
		return Continue, nil

	case "kicked":
		if err := m.Memberships.SetStatus(ctx, target.ID, chatID, storage.StatusKicked); err != nil {
			log.Printf("[WARN] failed to mark user %d kicked from %d: %v", target.ID, chatID, err)
		}
		return Continue, nil

	case "administrator", "creator", "restricted":
		if err := m.Memberships.SetStatus(ctx, target.ID, chatID,
			storage.MembershipStatus(upd.NewChatMember.Status)); err != nil {
			log.Printf("[WARN] failed to update membership of user %d in %d: %v", target.ID, chatID, err)
		}
		return Continue, nil

	case "member":
		return m.joined(ctx, req, upd, target)
	}
	return Continue, nil
}

func (m *Members) joined(ctx context.Context, req *Request, upd *tbapi.ChatMemberUpdated, target *tbapi.User) (Result, error) {
	chatID := upd.Chat.ID

	if err := m.Memberships.SetStatus(ctx, target.ID, chatID, storage.StatusMember); err != nil {
		return Continue, fmt.Errorf("failed to record membership of user %d: %w", target.ID, err)
	}

	if upd.OldChatMember.Status == "administrator" {
		return Continue, nil // returned to the ranks, nothing to celebrate
	}

	if target.IsBot {
		return m.botJoined(ctx, req, target, chatID)
	}

	grant, err := resolveGrant(ctx, m.RolesStore, m.Catalog, target.ID, chatID)
	if err != nil {
		log.Printf("[WARN] failed to resolve rights for joined user %d: %v", target.ID, err)
	} else if err := applyRights(req.API, grant, target.ID, chatID); err != nil {
		log.Printf("[WARN] failed to apply rights for joined user %d: %v", target.ID, err)
	}

	m.logEvent(ctx, audit.UserJoined, req.Group, target)

	welcome := renderWelcome(req.Group, target)
	msgID, err := sendHTML(req.API, chatID, welcome)
	if err != nil {
		log.Printf("[WARN] failed to welcome user %d in chat %d: %v", target.ID, chatID, err)
		return Continue, nil
	}
	scheduleDeletion(ctx, m.Tasks, chatID, msgID, m.confirmTTL())
	return Continue, nil
}

// botJoined kicks bots that are not whitelisted, no welcome and no join event
func (m *Members) botJoined(ctx context.Context, req *Request, target *tbapi.User, chatID int64) (Result, error) {
	allowed, err := m.Bots.IsWhitelisted(ctx, target.UserName)
	if err != nil {
		return Stop, fmt.Errorf("failed to check bot whitelist for %s: %w", target.UserName, err)
	}
	if allowed {
		return Continue, nil
	}

	resp, err := req.API.Request(tbapi.BanChatMemberConfig{
		ChatMemberConfig: tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}, UserID: target.ID},
	})
	if err != nil {
		return Stop, fmt.Errorf("failed to kick bot %s from chat %d: %w", target.UserName, chatID, err)
	}
	if !resp.Ok {
		return Stop, fmt.Errorf("kick response is not Ok: %v", string(resp.Result))
	}
	log.Printf("[INFO] bot @%s kicked from chat %d, not whitelisted", target.UserName, chatID)
	return Stop, nil
}

// joinRequest approves the pending request, saving the user first
func (m *Members) joinRequest(ctx context.Context, req *Request) (Result, error) {
	jr := req.Update.ChatJoinRequest
	if err := m.Users.Upsert(ctx, storage.User{
		ID: jr.From.ID, FirstName: jr.From.FirstName, LastName: jr.From.LastName,
		Username: jr.From.UserName, Language: jr.From.LanguageCode,
	}); err != nil {
		return Continue, fmt.Errorf("failed to save joining user %d: %w", jr.From.ID, err)
	}

	_, err := req.API.Request(tbapi.ApproveChatJoinRequestConfig{
		ChatConfig: tbapi.ChatConfig{ChatID: jr.Chat.ID},
		UserID:     jr.From.ID,
	})
	if err != nil {
		return Continue, fmt.Errorf("failed to approve join request of user %d: %w", jr.From.ID, err)
	}
	return Continue, nil
}

// serviceMessage cleans up "user joined" and "user left" service messages
func (m *Members) serviceMessage(ctx context.Context, req *Request) (Result, error) {
	msg := req.Msg()
	chatID := msg.Chat.ID

	if len(msg.NewChatMembers) > 0 {
		count, err := req.API.GetChatMembersCount(tbapi.ChatMemberCountConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}})
		if err != nil {
			log.Printf("[WARN] failed to get member count for chat %d: %v", chatID, err)
			return Continue, nil
		}
		if count >= serviceDeleteThreshold {
			deleteNow(ctx, req.API, m.Tasks, chatID, msg.MessageID)
		}
		return Continue, nil
	}

	if msg.LeftChatMember != nil {
		deleteNow(ctx, req.API, m.Tasks, chatID, msg.MessageID)
	}
	return Continue, nil
}

func (m *Members) logEvent(ctx context.Context, kind audit.EventKind, group storage.Group, target *tbapi.User) {
	ev := audit.Event{
		Kind:   kind,
		Chat:   &audit.Chat{ID: group.ID, Title: group.Title},
		Target: auditTgUser(target),
	}
	if err := m.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log %s for user %d: %v", kind, target.ID, err)
	}
}

func (m *Members) confirmTTL() time.Duration {
	if m.ConfirmTTL > 0 {
		return m.ConfirmTTL
	}
	return 90 * time.Second
}

// renderWelcome fills the group's welcome template, falling back to a
// per-language default. Slots: {greetings} is the mention of the new user,
// {title} the group title.
func renderWelcome(group storage.Group, user *tbapi.User) string {
	template := group.WelcomeTemplate
	if template == "" {
		if strings.EqualFold(group.Language, "en") {
			template = "Hi {greetings}, welcome to <b>{title}</b>!"
		} else {
			template = "Ciao {greetings}, e benvenuto nel gruppo <b>{title}</b>!"
		}
	}
	text := strings.ReplaceAll(template, "{greetings}", mention(user.ID, user.FirstName))
	text = strings.ReplaceAll(text, "{title}", group.Title)
	return text
}
