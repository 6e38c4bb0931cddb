package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	log "github.com/go-pkgz/lgr"
	"github.com/hashicorp/go-multierror"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/roles"
	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/tgsafe"
)

// ClientPool returns a telegram client per bot token, used for actions that
// span groups served by different bots
type ClientPool interface {
	Client(token string) (TbAPI, error)
}

// DestructiveAuditor extends Auditor with the evidence pre-allocation protocol
// used for message deletions
type DestructiveAuditor interface {
	Auditor
	Placeholder(ctx context.Context, ev audit.Event) (int, error)
	Finalize(ctx context.Context, ev audit.Event, placeholderID, evidenceID int) error
}

// warnMarkThreshold is the warn count from which the counter gets the ⚠ mark
const warnMarkThreshold = 3

// commandKinds maps moderation commands to the event kind they require
var commandKinds = map[string]audit.EventKind{
	"info":      audit.Info,
	"del":       audit.Del,
	"warn":      audit.Warn,
	"kick":      audit.Kick,
	"mute":      audit.Mute,
	"ban":       audit.Ban,
	"free":      audit.Free,
	"superban":  audit.Superban,
	"superfree": audit.Superfree,
}

// Moderation is the group-2 handler running staff commands. Targets resolve
// from a mention, a numeric id or the replied-to message, authorization comes
// from the resolved grant and unauthorized commands die silently. Applied
// actions delete the command message and post a short-lived confirmation.
type Moderation struct {
	Users       *storage.Users
	Groups      *storage.Groups
	Memberships *storage.Memberships
	Blacklist   *storage.Blacklist
	Bots        *storage.Bots
	RolesStore  *storage.Roles
	Catalog     *storage.Catalog
	Tasks       storage.TaskEnqueuer
	Audit       DestructiveAuditor
	Clients     ClientPool

	AuditChatID int64 // destination of forwarded deletion evidence
	ConfirmTTL  time.Duration
}

// Match accepts known commands in registered groups
func (m *Moderation) Match(req *Request) bool {
	if !req.GroupFound {
		return false
	}
	cmd := req.Command()
	if cmd == "" {
		return false
	}
	if _, ok := commandKinds[cmd]; ok {
		return true
	}
	return cmd == "claim" || cmd == "whitelistbot" || cmd == "ignore_admin"
}

// Handle authorizes and executes the command, the update goes no further
func (m *Moderation) Handle(ctx context.Context, req *Request) (Result, error) {
	cmd := req.Command()

	grant, err := resolveGrant(ctx, m.RolesStore, m.Catalog, req.Issuer.ID, req.Group.ID)
	if err != nil {
		return Stop, fmt.Errorf("failed to resolve grant for user %d: %w", req.Issuer.ID, err)
	}

	switch cmd {
	case "claim":
		return m.claim(ctx, req, grant)
	case "whitelistbot":
		return m.whitelistBot(ctx, req, grant)
	case "ignore_admin":
		return m.toggleIgnoreAdmin(ctx, req, grant)
	}

	kind := commandKinds[cmd]
	if !grant.Allows(kind) {
		return Stop, nil // no feedback for unauthorized issuers
	}

	target, found, err := m.resolveTarget(ctx, req)
	if err != nil {
		return Stop, fmt.Errorf("failed to resolve target of /%s: %w", cmd, err)
	}
	if !found {
		m.usageHint(ctx, req, cmd)
		return Stop, nil
	}

	reason, until := m.reasonAndUntil(req, kind)

	if kind == audit.Del {
		return m.deleteTargeted(ctx, req, target, reason)
	}

	if err := m.apply(ctx, req, kind, target, reason, until); err != nil {
		if tgsafe.IsNotEnoughRights(err) {
			m.reportNoRights(ctx, req, target)
			return Stop, nil
		}
		return Stop, fmt.Errorf("failed to apply /%s to user %d: %w", cmd, target.ID, err)
	}

	deleteNow(ctx, req.API, m.Tasks, req.Group.ID, req.Msg().MessageID)
	return Stop, nil
}

// resolveTarget finds the command target: mention entity, then numeric id in
// the first argument, then the replied-to author
func (m *Moderation) resolveTarget(ctx context.Context, req *Request) (storage.User, bool, error) {
	msg := req.Msg()

	for _, entity := range msg.Entities {
		switch entity.Type {
		case "text_mention":
			if entity.User == nil {
				continue
			}
			if err := m.Users.Upsert(ctx, storage.User{
				ID: entity.User.ID, FirstName: entity.User.FirstName, LastName: entity.User.LastName,
				Username: entity.User.UserName, Language: entity.User.LanguageCode,
			}); err != nil {
				return storage.User{}, false, err
			}
			return m.Users.Get(ctx, entity.User.ID)
		case "mention":
			username := entityText(msg.Text, entity)
			username = strings.TrimPrefix(username, "@")
			user, found, err := m.Users.ByUsername(ctx, username)
			if err != nil || found {
				return user, found, err
			}
		}
	}

	if args := strings.Fields(req.CommandArgs()); len(args) > 0 {
		if id, err := strconv.ParseInt(args[0], 10, 64); err == nil {
			return m.Users.Get(ctx, id)
		}
	}

	if msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil {
		from := msg.ReplyToMessage.From
		if err := m.Users.Upsert(ctx, storage.User{
			ID: from.ID, FirstName: from.FirstName, LastName: from.LastName,
			Username: from.UserName, Language: from.LanguageCode,
		}); err != nil {
			return storage.User{}, false, err
		}
		return m.Users.Get(ctx, from.ID)
	}

	return storage.User{}, false, nil
}

// reasonAndUntil extracts the free-form reason and, for mute, the optional
// duration carried by the last whitespace token. A token that fails to parse
// stays part of the reason and the restriction is indefinite.
func (m *Moderation) reasonAndUntil(req *Request, kind audit.EventKind) (string, time.Time) {
	args := strings.Fields(req.CommandArgs())

	// the target token is not part of the reason
	if len(args) > 0 && (strings.HasPrefix(args[0], "@") || isNumeric(args[0])) {
		args = args[1:]
	}

	until := time.Time{}
	if kind == audit.Mute && len(args) > 0 {
		if dur, err := parseDuration(args[len(args)-1]); err == nil {
			until = time.Now().Add(dur)
			args = args[:len(args)-1]
		} else if dur, err := parseDuration(args[0]); err == nil {
			// duration right after the target, the rest is the reason
			until = time.Now().Add(dur)
			args = args[1:]
		}
	}
	return strings.Join(args, " "), until
}

// apply runs the telegram action and the storage side effects for one command
func (m *Moderation) apply(ctx context.Context, req *Request, kind audit.EventKind,
	target storage.User, reason string, until time.Time) error {
	chatID := req.Group.ID

	switch kind {
	case audit.Info:
		return m.sendDossier(ctx, req, target)

	case audit.Warn:
		count, err := m.Users.IncWarn(ctx, target.ID)
		if err != nil {
			return err
		}
		m.logAction(ctx, req, kind, target, reason, until, req.Group)
		m.confirm(ctx, req, warnConfirmation(target, count), chatID)
		return nil

	case audit.Kick:
		// unban of a present member kicks without banning, rejoin stays possible
		if err := m.request(req.API, tbapi.UnbanChatMemberConfig{
			ChatMemberConfig: chatMember(chatID, target.ID),
		}); err != nil {
			return err
		}
		if err := m.Memberships.SetStatus(ctx, target.ID, chatID, storage.StatusLeft); err != nil {
			log.Printf("[WARN] failed to mark user %d left from %d: %v", target.ID, chatID, err)
		}
		m.logAction(ctx, req, kind, target, reason, until, req.Group)
		m.confirm(ctx, req, listConfirmation("⚪️", "kickati", target), chatID)
		return nil

	case audit.Mute:
		cfg := tbapi.RestrictChatMemberConfig{
			ChatMemberConfig: chatMember(chatID, target.ID),
			Permissions:      &tbapi.ChatPermissions{}, // everything false
		}
		if !until.IsZero() {
			cfg.UntilDate = until.Unix()
		}
		if err := m.request(req.API, cfg); err != nil {
			return err
		}
		if err := m.Memberships.SetStatus(ctx, target.ID, chatID, storage.StatusRestricted); err != nil {
			log.Printf("[WARN] failed to mark user %d restricted in %d: %v", target.ID, chatID, err)
		}
		m.logAction(ctx, req, kind, target, reason, until, req.Group)
		m.confirm(ctx, req, muteConfirmation(target, until), chatID)
		return nil

	case audit.Ban:
		if err := m.request(req.API, tbapi.BanChatMemberConfig{
			ChatMemberConfig: chatMember(chatID, target.ID),
		}); err != nil {
			return err
		}
		if err := m.Memberships.SetStatus(ctx, target.ID, chatID, storage.StatusKicked); err != nil {
			log.Printf("[WARN] failed to mark user %d kicked from %d: %v", target.ID, chatID, err)
		}
		m.logAction(ctx, req, kind, target, reason, until, req.Group)
		m.confirm(ctx, req, listConfirmation("🔴️", "bannati dal gruppo", target), chatID)
		return nil

	case audit.Free:
		if err := m.freeInGroup(ctx, req.API, target.ID, chatID); err != nil {
			return err
		}
		m.logAction(ctx, req, kind, target, reason, until, req.Group)
		m.confirm(ctx, req, listConfirmation("🟢", "liberati dalle restrizioni", target), chatID)
		return nil

	case audit.Superban:
		return m.superban(ctx, req, target, reason)

	case audit.Superfree:
		return m.superfree(ctx, req, target, reason)
	}
	return fmt.Errorf("unknown moderation kind %d", kind)
}

// deleteTargeted removes the replied-to message with the evidence protocol:
// reserve the audit entry, forward the message, delete it, then finalize.
func (m *Moderation) deleteTargeted(ctx context.Context, req *Request, target storage.User, reason string) (Result, error) {
	msg := req.Msg()
	if msg.ReplyToMessage == nil {
		m.usageHint(ctx, req, "del")
		return Stop, nil
	}
	chatID := req.Group.ID
	evidence := msg.ReplyToMessage

	ev := audit.Event{
		Kind:   audit.Del,
		Chat:   &audit.Chat{ID: chatID, Title: req.Group.Title},
		Target: auditUser(target),
		Issuer: auditUser(req.Issuer),
		Reason: reason,
		Text:   evidence.Text,
	}
	placeholderID, err := m.Audit.Placeholder(ctx, ev)
	if err != nil {
		return Stop, fmt.Errorf("failed to reserve audit entry for deletion: %w", err)
	}

	evidenceID := 0
	if m.AuditChatID != 0 {
		forwarded, ferr := req.API.Send(tbapi.NewForward(m.AuditChatID, chatID, evidence.MessageID))
		if ferr != nil {
			log.Printf("[WARN] failed to forward evidence from chat %d: %v", chatID, ferr)
		} else {
			evidenceID = forwarded.MessageID
		}
	}

	if _, err := req.API.Request(tbapi.DeleteMessageConfig{
		BaseChatMessage: tbapi.BaseChatMessage{ChatConfig: tbapi.ChatConfig{ChatID: chatID}, MessageID: evidence.MessageID},
	}); err != nil && !tgsafe.IsMessageGone(err) {
		if tgsafe.IsNotEnoughRights(err) {
			m.reportNoRights(ctx, req, target)
			return Stop, nil
		}
		return Stop, fmt.Errorf("failed to delete message %d in chat %d: %w", evidence.MessageID, chatID, err)
	}

	if err := m.Audit.Finalize(ctx, ev, placeholderID, evidenceID); err != nil {
		log.Printf("[WARN] failed to finalize deletion audit entry: %v", err)
	}

	deleteNow(ctx, req.API, m.Tasks, chatID, msg.MessageID)
	return Stop, nil // deletions are silent, no confirmation
}

// superban bans the target from every group it is present in and flips the
// global banned flag. Per-group failures are collected and don't stop the loop.
func (m *Moderation) superban(ctx context.Context, req *Request, target storage.User, reason string) error {
	if err := m.Blacklist.Add(ctx, target.ID, storage.SourceAdministrator); err != nil {
		return fmt.Errorf("failed to blacklist user %d: %w", target.ID, err)
	}

	groupIDs, err := m.Memberships.ActiveGroups(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("failed to list groups of user %d: %w", target.ID, err)
	}

	errs := new(multierror.Error)
	for _, groupID := range groupIDs {
		group, found, gerr := m.Groups.Get(ctx, groupID)
		if gerr != nil || !found {
			errs = multierror.Append(errs, fmt.Errorf("group %d not available: %v", groupID, gerr))
			continue
		}
		api, cerr := m.Clients.Client(group.BotToken)
		if cerr != nil {
			errs = multierror.Append(errs, fmt.Errorf("no client for group %d: %w", groupID, cerr))
			continue
		}
		if berr := m.request(api, tbapi.BanChatMemberConfig{ChatMemberConfig: chatMember(groupID, target.ID)}); berr != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to ban in group %d: %w", groupID, berr))
			continue
		}
		if serr := m.Memberships.SetStatus(ctx, target.ID, groupID, storage.StatusKicked); serr != nil {
			log.Printf("[WARN] failed to mark user %d kicked from %d: %v", target.ID, groupID, serr)
		}
		m.logAction(ctx, req, audit.Superban, target, reason, time.Time{}, group)
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Printf("[WARN] superban of user %d partially failed: %v", target.ID, err)
	}

	m.confirm(ctx, req, listConfirmation("⚫️", "bannati dal network", target), req.Group.ID)
	return nil
}

// superfree lifts the global ban and the per-group restrictions everywhere
func (m *Moderation) superfree(ctx context.Context, req *Request, target storage.User, reason string) error {
	if err := m.Blacklist.Remove(ctx, target.ID); err != nil {
		return fmt.Errorf("failed to remove user %d from blacklist: %w", target.ID, err)
	}

	memberships, err := m.Memberships.ByUser(ctx, target.ID)
	if err != nil {
		return fmt.Errorf("failed to list memberships of user %d: %w", target.ID, err)
	}

	errs := new(multierror.Error)
	for _, membership := range memberships {
		group, found, gerr := m.Groups.Get(ctx, membership.GroupID)
		if gerr != nil || !found {
			errs = multierror.Append(errs, fmt.Errorf("group %d not available: %v", membership.GroupID, gerr))
			continue
		}
		api, cerr := m.Clients.Client(group.BotToken)
		if cerr != nil {
			errs = multierror.Append(errs, fmt.Errorf("no client for group %d: %w", membership.GroupID, cerr))
			continue
		}
		if ferr := m.freeInGroup(ctx, api, target.ID, membership.GroupID); ferr != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to free in group %d: %w", membership.GroupID, ferr))
			continue
		}
		m.logAction(ctx, req, audit.Superfree, target, reason, time.Time{}, group)
	}
	if err := errs.ErrorOrNil(); err != nil {
		log.Printf("[WARN] superfree of user %d partially failed: %v", target.ID, err)
	}

	m.confirm(ctx, req, listConfirmation("✳️", "liberati dal network", target), req.Group.ID)
	return nil
}

// freeInGroup lifts the ban if there is one and restores the send permissions
func (m *Moderation) freeInGroup(ctx context.Context, api TbAPI, userID, chatID int64) error {
	if err := m.request(api, tbapi.UnbanChatMemberConfig{
		ChatMemberConfig: chatMember(chatID, userID),
		OnlyIfBanned:     true,
	}); err != nil {
		return err
	}
	if err := m.request(api, tbapi.RestrictChatMemberConfig{
		ChatMemberConfig: chatMember(chatID, userID),
		Permissions: &tbapi.ChatPermissions{
			CanSendMessages: true, CanSendAudios: true, CanSendDocuments: true,
			CanSendPhotos: true, CanSendVideos: true, CanSendVideoNotes: true,
			CanSendVoiceNotes: true, CanSendOtherMessages: true,
		},
	}); err != nil {
		return err
	}
	return m.Memberships.SetStatus(ctx, userID, chatID, storage.StatusMember)
}

// claim re-applies the issuer's resolved rights in the chat
func (m *Moderation) claim(ctx context.Context, req *Request, grant roles.Grant) (Result, error) {
	if grant.Empty() {
		return Stop, nil
	}
	if err := applyRights(req.API, grant, req.Issuer.ID, req.Group.ID); err != nil {
		if tgsafe.IsNotEnoughRights(err) {
			m.reportNoRights(ctx, req, req.Issuer)
			return Stop, nil
		}
		return Stop, fmt.Errorf("failed to claim rights for user %d: %w", req.Issuer.ID, err)
	}
	deleteNow(ctx, req.API, m.Tasks, req.Group.ID, req.Msg().MessageID)
	return Stop, nil
}

// whitelistBot adds a bot username to the admission whitelist, ban cap required
func (m *Moderation) whitelistBot(ctx context.Context, req *Request, grant roles.Grant) (Result, error) {
	if !grant.Allows(audit.Ban) {
		return Stop, nil
	}
	args := strings.Fields(req.CommandArgs())
	if len(args) == 0 {
		m.usageHint(ctx, req, "whitelistbot")
		return Stop, nil
	}
	username := strings.TrimPrefix(args[0], "@")
	if err := m.Bots.Whitelist(ctx, username); err != nil {
		return Stop, fmt.Errorf("failed to whitelist bot %s: %w", username, err)
	}
	deleteNow(ctx, req.API, m.Tasks, req.Group.ID, req.Msg().MessageID)
	m.confirm(ctx, req, fmt.Sprintf("🤖 <b>Bot @%s aggiunto alla whitelist</b>", username), req.Group.ID)
	return Stop, nil
}

// toggleIgnoreAdmin flips the group's @admin opt-out flag, ban cap required
func (m *Moderation) toggleIgnoreAdmin(ctx context.Context, req *Request, grant roles.Grant) (Result, error) {
	if !grant.Allows(audit.Ban) {
		return Stop, nil
	}
	val, err := m.Groups.SetIgnoreAdminTagging(ctx, req.Group.ID)
	if err != nil {
		return Stop, fmt.Errorf("failed to toggle admin tagging for group %d: %w", req.Group.ID, err)
	}
	deleteNow(ctx, req.API, m.Tasks, req.Group.ID, req.Msg().MessageID)
	text := "🔔 <b>Le chiamate @admin sono di nuovo attive</b>"
	if val {
		text = "🔕 <b>Le chiamate @admin verranno ignorate in questo gruppo</b>"
	}
	m.confirm(ctx, req, text, req.Group.ID)
	return Stop, nil
}

// usageHint posts a short how-to for commands that failed to resolve a target
func (m *Moderation) usageHint(ctx context.Context, req *Request, cmd string) {
	text := fmt.Sprintf("⚠️ Utilizzo: <code>/%s @username [motivazione]</code> oppure rispondi al messaggio dell'utente", cmd)
	if strings.EqualFold(req.Group.Language, "en") {
		text = fmt.Sprintf("⚠️ Usage: <code>/%s @username [reason]</code> or reply to the user's message", cmd)
	}
	if cmd == "del" {
		text = "⚠️ Rispondi al messaggio da eliminare con <code>/del [motivazione]</code>"
		if strings.EqualFold(req.Group.Language, "en") {
			text = "⚠️ Reply to the message to delete with <code>/del [reason]</code>"
		}
	}
	if cmd == "whitelistbot" {
		text = "⚠️ Utilizzo: <code>/whitelistbot @botname</code>"
	}
	m.confirm(ctx, req, text, req.Group.ID)
}

// confirm posts a short-lived message, retrying once on a flood limit
func (m *Moderation) confirm(ctx context.Context, req *Request, text string, chatID int64) {
	msgID, err := sendHTML(req.API, chatID, text)
	if err != nil {
		if delay, flood := tgsafe.RetryAfter(err); flood {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
			msgID, err = sendHTML(req.API, chatID, text)
		}
	}
	if err != nil {
		log.Printf("[WARN] failed to send confirmation to chat %d: %v", chatID, err)
		return
	}
	scheduleDeletion(ctx, m.Tasks, chatID, msgID, m.confirmTTL())
}

// reportNoRights logs the rights failure, nothing is shown in the chat
func (m *Moderation) reportNoRights(ctx context.Context, req *Request, target storage.User) {
	log.Printf("[WARN] bot lacks rights for action on user %d in chat %d", target.ID, req.Group.ID)
	ev := audit.Event{
		Kind:   audit.NotEnoughRights,
		Chat:   &audit.Chat{ID: req.Group.ID, Title: req.Group.Title},
		Target: auditUser(target),
	}
	if err := m.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log rights failure in chat %d: %v", req.Group.ID, err)
	}
}

func (m *Moderation) logAction(ctx context.Context, req *Request, kind audit.EventKind,
	target storage.User, reason string, until time.Time, group storage.Group) {
	ev := audit.Event{
		Kind:      kind,
		Chat:      &audit.Chat{ID: group.ID, Title: group.Title},
		Target:    auditUser(target),
		Issuer:    auditUser(req.Issuer),
		Reason:    reason,
		UntilDate: until,
	}
	if err := m.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log %s in chat %d: %v", kind, group.ID, err)
	}
}

func (m *Moderation) request(api TbAPI, c tbapi.Chattable) error {
	resp, err := api.Request(c)
	if err != nil {
		return err
	}
	if !resp.Ok {
		return fmt.Errorf("response is not Ok: %v", string(resp.Result))
	}
	return nil
}

func (m *Moderation) confirmTTL() time.Duration {
	if m.ConfirmTTL > 0 {
		return m.ConfirmTTL
	}
	return 90 * time.Second
}

// listConfirmation renders the standard "I seguenti utenti" confirmation
func listConfirmation(emoji, action string, target storage.User) string {
	return fmt.Sprintf("%s <b>I seguenti utenti sono stati %s</b>:\n- %s",
		emoji, action, mention(target.ID, target.DisplayName()))
}

// warnConfirmation adds the warn counter, marked from the third warn on
func warnConfirmation(target storage.User, count int) string {
	mark := ""
	if count >= warnMarkThreshold {
		mark = " ⚠"
	}
	return fmt.Sprintf("🟡 <b>I seguenti utenti sono stati warnati</b>:\n- %s [%d%s]",
		mention(target.ID, target.DisplayName()), count, mark)
}

// muteConfirmation includes the expiry for timed mutes
func muteConfirmation(target storage.User, until time.Time) string {
	head := "🟠 <b>I seguenti utenti sono stati mutati dal gruppo</b>:"
	if !until.IsZero() {
		head = fmt.Sprintf("🟠 <b>I seguenti utenti sono stati mutati dal gruppo</b>, fino al %s:",
			until.Format("02/01/2006 alle ore 15:04:05"))
	}
	return fmt.Sprintf("%s\n- %s", head, mention(target.ID, target.DisplayName()))
}

// chatMember builds the (chat, user) pair config shared by member actions
func chatMember(chatID, userID int64) tbapi.ChatMemberConfig {
	return tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}, UserID: userID}
}

// entityText extracts the substring the entity covers, offsets are in UTF-16
// code units as telegram counts them
func entityText(text string, entity tbapi.MessageEntity) string {
	utf16Text := []rune(text)
	// rune indexing is close enough for mention entities, which are ascii
	if entity.Offset < 0 || entity.Offset+entity.Length > len(utf16Text) {
		return ""
	}
	return string(utf16Text[entity.Offset : entity.Offset+entity.Length])
}

// isNumeric reports whether the token is a plain integer
func isNumeric(s string) bool {
	_, err := strconv.ParseInt(s, 10, 64)
	return err == nil
}

// parseDuration reads Go-style durations extended with a days suffix (2d, 1d12h)
func parseDuration(s string) (time.Duration, error) {
	if i := strings.IndexByte(s, 'd'); i > 0 {
		days, err := strconv.Atoi(s[:i])
		if err != nil {
			return 0, fmt.Errorf("bad duration %q", s)
		}
		rest := time.Duration(0)
		if tail := s[i+1:]; tail != "" {
			rest, err = time.ParseDuration(tail)
			if err != nil {
				return 0, fmt.Errorf("bad duration %q", s)
			}
		}
		return time.Duration(days)*24*time.Hour + rest, nil
	}
	return time.ParseDuration(s)
}
