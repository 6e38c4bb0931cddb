package events

import (
	"context"
	"fmt"
	"html"

	tbapi "github.com/OvyFlash/telegram-bot-api"

	"github.com/campusnet/tg-warden/app/roles"
	"github.com/campusnet/tg-warden/app/storage"
)

// resolveGrant composes the user's roles against the chat's degree scope
func resolveGrant(ctx context.Context, rolesStore *storage.Roles, catalog *storage.Catalog,
	userID, chatID int64) (roles.Grant, error) {
	userRoles, err := rolesStore.ForUser(ctx, userID)
	if err != nil {
		return roles.Grant{}, fmt.Errorf("failed to load roles for user %d: %w", userID, err)
	}
	dgrp, err := catalog.DegreesForChat(ctx, chatID)
	if err != nil {
		return roles.Grant{}, fmt.Errorf("failed to load degree scope for chat %d: %w", chatID, err)
	}
	return roles.Resolve(userRoles, dgrp), nil
}

// applyRights promotes the user to the resolved admin rights mask and sets the
// custom title. An empty grant leaves the user a plain member.
func applyRights(api TbAPI, grant roles.Grant, userID, chatID int64) error {
	if !grant.HasAnyRight() {
		return nil
	}
	promote := tbapi.PromoteChatMemberConfig{
		ChatMemberConfig:    tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}, UserID: userID},
		CanChangeInfo:       grant.Rights[roles.RightChangeInfo],
		CanInviteUsers:      grant.Rights[roles.RightInviteUsers],
		CanPinMessages:      grant.Rights[roles.RightPinMessages],
		CanManageChat:       grant.Rights[roles.RightManageChat],
		CanDeleteMessages:   grant.Rights[roles.RightDeleteMessages],
		CanManageVideoChats: grant.Rights[roles.RightManageVideoChats],
		CanRestrictMembers:  grant.Rights[roles.RightRestrictMembers],
		CanPromoteMembers:   grant.Rights[roles.RightPromoteMembers],
	}
	if _, err := api.Request(promote); err != nil {
		return fmt.Errorf("failed to promote user %d in chat %d: %w", userID, chatID, err)
	}

	if grant.CustomTitle == "" {
		return nil
	}
	title := grant.CustomTitle
	if len([]rune(title)) > 16 { // telegram limit on admin titles
		title = string([]rune(title)[:16])
	}
	_, err := api.Request(tbapi.SetChatAdministratorCustomTitle{
		ChatMemberConfig: tbapi.ChatMemberConfig{ChatConfig: tbapi.ChatConfig{ChatID: chatID}, UserID: userID},
		CustomTitle:      title,
	})
	if err != nil {
		return fmt.Errorf("failed to set custom title for user %d in chat %d: %w", userID, chatID, err)
	}
	return nil
}

// mention renders an HTML link that notifies the user
func mention(userID int64, name string) string {
	return fmt.Sprintf(`<a href="tg://user?id=%d">%s</a>`, userID, html.EscapeString(name))
}
