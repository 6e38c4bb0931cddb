// Package tgsafe classifies telegram bot api errors. Flood control is surfaced
// as a value, permanent failures as predicates, so callers can compose retries
// and skips without string-matching all over the codebase.
package tgsafe

import (
	"errors"
	"strings"
	"time"

	tbapi "github.com/OvyFlash/telegram-bot-api"
)

// RetryAfter extracts the flood-control interval from the error, ok=false when
// the error is not a flood-control rejection
func RetryAfter(err error) (time.Duration, bool) {
	var tgErr *tbapi.Error
	if errors.As(err, &tgErr) && tgErr.RetryAfter > 0 {
		return time.Duration(tgErr.RetryAfter) * time.Second, true
	}
	return 0, false
}

// IsNotEnoughRights reports the bot lacking the admin right for the call
func IsNotEnoughRights(err error) bool {
	return containsAny(err, "not enough rights", "need administrator rights", "CHAT_ADMIN_REQUIRED")
}

// IsUnauthorized reports the bot being removed or blocked, the group should be skipped
func IsUnauthorized(err error) bool {
	var tgErr *tbapi.Error
	if errors.As(err, &tgErr) && (tgErr.Code == 401 || tgErr.Code == 403) {
		return true
	}
	return containsAny(err, "Unauthorized", "bot was kicked", "bot is not a member")
}

// IsChatNotFound reports a chat unknown to telegram
func IsChatNotFound(err error) bool {
	return containsAny(err, "chat not found")
}

// IsMessageGone reports deletion of a message that no longer exists, callers
// treat it as success to keep delete_message idempotent
func IsMessageGone(err error) bool {
	return containsAny(err, "message to delete not found", "message can't be deleted", "MESSAGE_ID_INVALID")
}

func containsAny(err error, parts ...string) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, part := range parts {
		if strings.Contains(msg, strings.ToLower(part)) {
			return true
		}
	}
	return false
}
