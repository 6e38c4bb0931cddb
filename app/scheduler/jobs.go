package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater/v2"
	"github.com/hashicorp/go-multierror"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/roles"
	"github.com/campusnet/tg-warden/app/storage"
	"github.com/campusnet/tg-warden/app/tgsafe"
)

//go:generate moq --out mocks/tb_api.go --pkg mocks --with-resets --skip-ensure . TbAPI
//go:generate moq --out mocks/client_pool.go --pkg mocks --with-resets --skip-ensure . ClientPool

// TbAPI is a subset of telegram bot API used by the jobs
type TbAPI interface {
	Send(c tbapi.Chattable) (tbapi.Message, error)
	Request(c tbapi.Chattable) (*tbapi.APIResponse, error)
	GetChat(config tbapi.ChatInfoConfig) (tbapi.ChatFullInfo, error)
	GetChatAdministrators(config tbapi.ChatAdministratorsConfig) ([]tbapi.ChatMember, error)
}

// ClientPool resolves a bot token to an api client. Every group is served by
// its own bot, jobs pick the client per group.
type ClientPool interface {
	Client(token string) (TbAPI, error)
}

// Auditor writes moderation events to the audit chat and the event log
type Auditor interface {
	Log(ctx context.Context, ev audit.Event) error
}

// DeleteMessage removes a single message, scheduled with a delay to keep
// confirmations visible for a while. Safe to run twice, a message already gone
// counts as success.
type DeleteMessage struct {
	Groups  *storage.Groups
	Clients ClientPool
}

// Handler is the JobFunc for delete_message tasks
func (d *DeleteMessage) Handler(ctx context.Context, payload json.RawMessage) error {
	var req struct {
		ChatID    int64 `json:"chat_id"`
		MessageID int   `json:"message_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to parse delete_message payload: %w", err)
	}

	group, found, err := d.Groups.Get(ctx, req.ChatID)
	if err != nil {
		return fmt.Errorf("failed to load group %d: %w", req.ChatID, err)
	}
	if !found || group.BotToken == "" {
		log.Printf("[INFO] no bot for chat %d, delete of message %d dropped", req.ChatID, req.MessageID)
		return nil
	}

	client, err := d.Clients.Client(group.BotToken)
	if err != nil {
		return fmt.Errorf("failed to get client for group %d: %w", req.ChatID, err)
	}

	_, err = client.Request(tbapi.DeleteMessageConfig{
		BaseChatMessage: tbapi.BaseChatMessage{
			ChatConfig: tbapi.ChatConfig{ChatID: req.ChatID},
			MessageID:  req.MessageID,
		},
	})
	if tgsafe.IsMessageGone(err) {
		return nil
	}
	if tgsafe.IsNotEnoughRights(err) {
		log.Printf("[WARN] can't delete message %d in chat %d, no rights", req.MessageID, req.ChatID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete message %d in chat %d: %w", req.MessageID, req.ChatID, err)
	}
	return nil
}

// RefreshGroupInfo pulls title, description, invite link and owner from
// telegram for every registered group. Recurring, failures of a single group
// don't block the rest.
type RefreshGroupInfo struct {
	Groups  *storage.Groups
	Clients ClientPool
}

// Handler is the JobFunc for refresh_group_info tasks
func (r *RefreshGroupInfo) Handler(ctx context.Context, _ json.RawMessage) error {
	groups, err := r.Groups.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list groups: %w", err)
	}

	result := new(multierror.Error)
	for _, group := range groups {
		if group.BotToken == "" {
			continue
		}
		if err := r.refresh(ctx, group); err != nil {
			if tgsafe.IsUnauthorized(err) {
				log.Printf("[WARN] bot lost access to group %d (%s), skipped", group.ID, group.Title)
				continue
			}
			result = multierror.Append(result, fmt.Errorf("group %d: %w", group.ID, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Printf("[WARN] group info refresh incomplete: %v", err)
	}
	return nil // recurring task, the next run picks up the failed groups
}

func (r *RefreshGroupInfo) refresh(ctx context.Context, group storage.Group) error {
	client, err := r.Clients.Client(group.BotToken)
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}

	chat, err := client.GetChat(tbapi.ChatInfoConfig{ChatConfig: tbapi.ChatConfig{ChatID: group.ID}})
	if delay, flood := tgsafe.RetryAfter(err); flood {
		sleep(ctx, delay)
		chat, err = client.GetChat(tbapi.ChatInfoConfig{ChatConfig: tbapi.ChatConfig{ChatID: group.ID}})
	}
	if err != nil {
		return fmt.Errorf("failed to get chat: %w", err)
	}

	admins, err := client.GetChatAdministrators(tbapi.ChatAdministratorsConfig{ChatConfig: tbapi.ChatConfig{ChatID: group.ID}})
	if err != nil {
		return fmt.Errorf("failed to get administrators: %w", err)
	}
	var ownerID int64
	for _, admin := range admins {
		if admin.Status == "creator" && admin.User != nil {
			ownerID = admin.User.ID
			break
		}
	}

	if err := r.Groups.UpdateInfo(ctx, group.ID, chat.Title, chat.Description, chat.InviteLink, ownerID); err != nil {
		return fmt.Errorf("failed to store group info: %w", err)
	}
	return nil
}

// SyncBlocklist pulls the external feed of banned user ids and swaps the
// external partition of the blacklist. Users new to the feed get banned in all
// groups they are present in.
type SyncBlocklist struct {
	URL         string
	HTTPClient  *http.Client
	Retries     int           // feed fetch attempts, default 5
	RetryDelay  time.Duration // initial backoff delay, default 1s
	Blacklist   *storage.Blacklist
	Memberships *storage.Memberships
	Groups      *storage.Groups
	Clients     ClientPool
	Audit       Auditor
}

// Handler is the JobFunc for sync_external_blocklist tasks
func (s *SyncBlocklist) Handler(ctx context.Context, _ json.RawMessage) error {
	if s.URL == "" {
		return nil
	}

	var ids []int64
	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, http.NoBody)
		if err != nil {
			return fmt.Errorf("failed to make request: %w", err)
		}
		client := s.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: 30 * time.Second}
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to fetch blocklist: %w", err)
		}
		defer resp.Body.Close() //nolint:errcheck // read-only body
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected blocklist status %s", resp.Status)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read blocklist body: %w", err)
		}
		if err := json.Unmarshal(body, &ids); err != nil {
			return fmt.Errorf("failed to parse blocklist: %w", err)
		}
		return nil
	}
	retries, delay := s.Retries, s.RetryDelay
	if retries <= 0 {
		retries = 5
	}
	if delay <= 0 {
		delay = time.Second
	}
	if err := repeater.NewBackoff(retries, delay).Do(ctx, fetch); err != nil {
		return fmt.Errorf("blocklist fetch gave up: %w", err)
	}

	fresh, err := s.Blacklist.ReplaceExternal(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to swap blocklist partition: %w", err)
	}
	log.Printf("[INFO] blocklist synced, %d ids, %d fresh", len(ids), len(fresh))

	for _, userID := range fresh {
		s.banEverywhere(ctx, userID)
	}
	return nil
}

// banEverywhere bans the user in every group they are present in, best effort
func (s *SyncBlocklist) banEverywhere(ctx context.Context, userID int64) {
	groupIDs, err := s.Memberships.ActiveGroups(ctx, userID)
	if err != nil {
		log.Printf("[WARN] failed to list groups for blocklisted user %d: %v", userID, err)
		return
	}
	for _, groupID := range groupIDs {
		group, found, err := s.Groups.Get(ctx, groupID)
		if err != nil || !found || group.BotToken == "" {
			continue
		}
		client, err := s.Clients.Client(group.BotToken)
		if err != nil {
			log.Printf("[WARN] failed to get client for group %d: %v", groupID, err)
			continue
		}
		_, err = client.Request(tbapi.BanChatMemberConfig{
			ChatMemberConfig: tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: groupID}, UserID: userID},
		})
		if err != nil {
			log.Printf("[WARN] failed to ban blocklisted user %d in group %d: %v", userID, groupID, err)
			continue
		}
		if err := s.Memberships.SetStatus(ctx, userID, groupID, storage.StatusKicked); err != nil {
			log.Printf("[WARN] failed to update membership for user %d in group %d: %v", userID, groupID, err)
		}
		if s.Audit != nil {
			ev := audit.Event{
				Kind:   audit.Superban,
				Chat:   &audit.Chat{ID: groupID, Title: group.Title},
				Target: &audit.User{ID: userID},
				Reason: "external blocklist",
			}
			if err := s.Audit.Log(ctx, ev); err != nil {
				log.Printf("[WARN] failed to log blocklist ban for user %d: %v", userID, err)
			}
		}
	}
}

// PropagateRoles reconciles telegram admin rights and custom titles with the
// resolved grant of a user in every group they are a member of. Enqueued by the
// roles storage after every role save or delete.
type PropagateRoles struct {
	Roles       *storage.Roles
	Catalog     *storage.Catalog
	Memberships *storage.Memberships
	Groups      *storage.Groups
	Clients     ClientPool
	Audit       Auditor
}

// Handler is the JobFunc for propagate_roles tasks
func (p *PropagateRoles) Handler(ctx context.Context, payload json.RawMessage) error {
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("failed to parse propagate_roles payload: %w", err)
	}

	userRoles, err := p.Roles.ForUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to load roles for user %d: %w", req.UserID, err)
	}
	memberships, err := p.Memberships.ByUser(ctx, req.UserID)
	if err != nil {
		return fmt.Errorf("failed to list memberships for user %d: %w", req.UserID, err)
	}

	result := new(multierror.Error)
	for _, membership := range memberships {
		if !membership.Status.Active() || membership.Status == storage.StatusCreator {
			continue // can't touch rights of absent users or the group owner
		}
		if err := p.reconcile(ctx, req.UserID, membership.GroupID, userRoles); err != nil {
			result = multierror.Append(result, fmt.Errorf("group %d: %w", membership.GroupID, err))
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		log.Printf("[WARN] role propagation incomplete for user %d: %v", req.UserID, err)
	}
	return nil
}

func (p *PropagateRoles) reconcile(ctx context.Context, userID, groupID int64, userRoles []roles.Role) error {
	group, found, err := p.Groups.Get(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to load group: %w", err)
	}
	if !found || group.BotToken == "" {
		return nil
	}

	dgrp, err := p.Catalog.DegreesForChat(ctx, groupID)
	if err != nil {
		return fmt.Errorf("failed to load degree scope: %w", err)
	}
	grant := roles.Resolve(userRoles, dgrp)

	client, err := p.Clients.Client(group.BotToken)
	if err != nil {
		return fmt.Errorf("failed to get client: %w", err)
	}

	promote := tbapi.PromoteChatMemberConfig{
		ChatMemberConfig:    tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: groupID}, UserID: userID},
		CanChangeInfo:       grant.Rights[roles.RightChangeInfo],
		CanInviteUsers:      grant.Rights[roles.RightInviteUsers],
		CanPinMessages:      grant.Rights[roles.RightPinMessages],
		CanManageChat:       grant.Rights[roles.RightManageChat],
		CanDeleteMessages:   grant.Rights[roles.RightDeleteMessages],
		CanManageVideoChats: grant.Rights[roles.RightManageVideoChats],
		CanRestrictMembers:  grant.Rights[roles.RightRestrictMembers],
		CanPromoteMembers:   grant.Rights[roles.RightPromoteMembers],
	}
	if _, err = client.Request(promote); err != nil {
		if tgsafe.IsNotEnoughRights(err) {
			p.reportNoRights(ctx, userID, group)
			return nil
		}
		return fmt.Errorf("failed to set rights: %w", err)
	}

	if grant.HasAnyRight() && grant.CustomTitle != "" {
		title := grant.CustomTitle
		if len([]rune(title)) > 16 { // telegram limit on admin titles
			title = string([]rune(title)[:16])
		}
		_, err = client.Request(tbapi.SetChatAdministratorCustomTitle{
			ChatMemberConfig: tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: groupID}, UserID: userID},
			CustomTitle:      title,
		})
		if err != nil && !tgsafe.IsNotEnoughRights(err) {
			return fmt.Errorf("failed to set custom title: %w", err)
		}
	}
	return nil
}

func (p *PropagateRoles) reportNoRights(ctx context.Context, userID int64, group storage.Group) {
	log.Printf("[WARN] bot can't change rights of user %d in group %d", userID, group.ID)
	if p.Audit == nil {
		return
	}
	ev := audit.Event{
		Kind:   audit.NotEnoughRights,
		Chat:   &audit.Chat{ID: group.ID, Title: group.Title},
		Target: &audit.User{ID: userID},
	}
	if err := p.Audit.Log(ctx, ev); err != nil {
		log.Printf("[WARN] failed to log rights failure for user %d: %v", userID, err)
	}
}
