package events

import (
	"context"
	"fmt"
	"html"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/roles"
	"github.com/campusnet/tg-warden/app/storage"
)

// AdminTag is the group-1 handler turning "@admin" mentions into staff-chat
// reports. On-call discovery picks every moderator or stronger role whose
// scope covers the chat, the report carries a deep link to the triggering
// message and the reply target when there is one.
type AdminTag struct {
	RolesStore *storage.Roles
	Catalog    *storage.Catalog
	Users      *storage.Users
	Tasks      storage.TaskEnqueuer
	Audit      Auditor

	StaffAPI    TbAPI // client of the dedicated staff bot
	StaffChatID int64
	ConfirmTTL  time.Duration
}

// Match accepts group messages mentioning @admin unless the group opted out
func (a *AdminTag) Match(req *Request) bool {
	msg := req.Msg()
	if msg == nil || !req.GroupFound || req.Group.IgnoreAdminTagging {
		return false
	}
	return strings.Contains(strings.ToLower(msg.Text), "@admin")
}

// Handle notifies the staff chat and acknowledges in the group
func (a *AdminTag) Handle(ctx context.Context, req *Request) (Result, error) {
	msg := req.Msg()

	staffRoles, err := a.RolesStore.Staff(ctx)
	if err != nil {
		return Continue, fmt.Errorf("failed to load staff roles: %w", err)
	}
	dgrp, err := a.Catalog.DegreesForChat(ctx, req.Group.ID)
	if err != nil {
		return Continue, fmt.Errorf("failed to load degree scope for chat %d: %w", req.Group.ID, err)
	}
	onCall := roles.OnCall(staffRoles, dgrp)

	report := a.renderReport(ctx, req, onCall)
	if a.StaffChatID != 0 && a.StaffAPI != nil {
		if _, err := sendHTML(a.StaffAPI, a.StaffChatID, report); err != nil {
			log.Printf("[WARN] failed to report @admin call from chat %d: %v", req.Group.ID, err)
		}
	}

	ack := "Grazie per la segnalazione, un moderatore arriverà il prima possibile."
	if strings.EqualFold(req.Group.Language, "en") {
		ack = "Thanks for your report, a moderator will get here as soon as possible."
	}
	ackID, err := sendHTML(req.API, req.Group.ID, ack)
	if err != nil {
		log.Printf("[WARN] failed to acknowledge @admin call in chat %d: %v", req.Group.ID, err)
	} else {
		scheduleDeletion(ctx, a.Tasks, req.Group.ID, ackID, a.confirmTTL())
	}

	ev := audit.Event{
		Kind:   audit.UserCalledAdmin,
		Chat:   &audit.Chat{ID: req.Group.ID, Title: req.Group.Title},
		Issuer: auditUser(req.Issuer),
	}
	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		ev.Target = auditTgUser(msg.ReplyToMessage.From)
	}
	if err := a.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log @admin call in chat %d: %v", req.Group.ID, err)
	}
	return Continue, nil
}

// renderReport builds the staff-chat HTML message
func (a *AdminTag) renderReport(ctx context.Context, req *Request, onCall []int64) string {
	msg := req.Msg()
	var b strings.Builder
	b.WriteString("🚨 #USER_CALLED_ADMIN\n")
	fmt.Fprintf(&b, "👥 %s [%s]\n", html.EscapeString(req.Group.Title), audit.GroupTag(req.Group.ID))
	fmt.Fprintf(&b, "👤 %s [%s]\n", mention(req.Issuer.ID, req.Issuer.DisplayName()), audit.UserTag(req.Issuer.ID))
	fmt.Fprintf(&b, "🔗 <a href=\"%s\">vai al messaggio</a>\n", deepLink(req.Group.ID, msg.MessageID))
	if reply := msg.ReplyToMessage; reply != nil && reply.From != nil {
		fmt.Fprintf(&b, "🎯 %s [%s]\n", mention(reply.From.ID, reply.From.FirstName), audit.UserTag(reply.From.ID))
	}

	if len(onCall) == 0 {
		b.WriteString("\nnessun moderatore di turno")
		return b.String()
	}
	b.WriteString("\nDi turno: ")
	for i, userID := range onCall {
		if i > 0 {
			b.WriteString(", ")
		}
		name := fmt.Sprintf("%d", userID)
		if user, found, err := a.Users.Get(ctx, userID); err == nil && found {
			name = user.DisplayName()
		}
		b.WriteString(mention(userID, name))
	}
	return b.String()
}

func (a *AdminTag) confirmTTL() time.Duration {
	if a.ConfirmTTL > 0 {
		return a.ConfirmTTL
	}
	return 90 * time.Second
}

// deepLink builds the t.me/c/... link for a message in a supergroup. The chat
// part is the absolute id without the -100 prefix telegram adds to supergroups.
func deepLink(chatID int64, messageID int) string {
	return fmt.Sprintf("https://t.me/c/%d/%d", chatTag(chatID), messageID)
}

// chatTag strips the -100 supergroup prefix, leaving the short chat id
func chatTag(chatID int64) int64 {
	id := chatID
	if id < 0 {
		id = -id
	}
	s := fmt.Sprintf("%d", id)
	if strings.HasPrefix(s, "100") && len(s) > 3 {
		s = s[3:]
	}
	var res int64
	fmt.Sscanf(s, "%d", &res)
	return res
}
