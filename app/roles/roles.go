// Package roles resolves effective permissions for a (user, chat) pair by
// composing all applicable roles. A role is a variant (representative, professor,
// moderator, administrator, superadmin) with a scope selector and tri-state
// overrides on top of the variant defaults. The resolver is pure, all data comes
// in as arguments and the result is a Grant triple of moderation capabilities,
// telegram admin rights and a custom title.
package roles

import (
	"github.com/campusnet/tg-warden/app/audit"
)

// Variant is a role kind, stored as the discriminator column
type Variant string

// all role variants
const (
	Representative Variant = "representative"
	Professor      Variant = "professor"
	Moderator      Variant = "moderator"
	Administrator  Variant = "administrator"
	SuperAdmin     Variant = "superadmin"
)

// rank orders variants for the permission level, higher wins
var rank = map[Variant]int{Representative: 1, Professor: 2, Moderator: 3, Administrator: 4, SuperAdmin: 5}

// Right is a telegram admin right a role can grant
type Right string

// all telegram admin rights a role can carry
const (
	RightChangeInfo       Right = "change_info"
	RightInviteUsers      Right = "invite_users"
	RightPinMessages      Right = "pin_messages"
	RightManageChat       Right = "manage_chat"
	RightDeleteMessages   Right = "delete_messages"
	RightManageVideoChats Right = "manage_video_chats"
	RightRestrictMembers  Right = "restrict_members"
	RightPromoteMembers   Right = "promote_members"
)

// AllRights lists every right in a stable order
var AllRights = []Right{RightChangeInfo, RightInviteUsers, RightPinMessages, RightManageChat,
	RightDeleteMessages, RightManageVideoChats, RightRestrictMembers, RightPromoteMembers}

// Caps lists every moderation capability a role can grant
var Caps = []audit.EventKind{audit.Info, audit.Del, audit.Warn, audit.Kick, audit.Ban,
	audit.Mute, audit.Free, audit.Superban, audit.Superfree}

// Role is a single permission grant owned by a user. Overrides are tri-state:
// a missing key inherits the variant default, an explicit value wins over it.
type Role struct {
	Variant        Variant
	UserID         int64
	AllGroups      bool
	ExtraGroups    bool
	Degrees        []int64 // degree ids the role is scoped to
	CustomTitle    string
	CapOverrides   map[audit.EventKind]bool
	RightOverrides map[Right]bool
}

// Title returns the custom title or the variant default
func (r Role) Title() string {
	if r.CustomTitle != "" {
		return r.CustomTitle
	}
	return defaultTitle(r.Variant)
}

// appliesTo reports whether the role covers a chat with the given degree scope.
// dgrp is the set of degrees whose flagship or course group is the chat.
func (r Role) appliesTo(dgrp []int64) bool {
	if r.AllGroups {
		return true
	}
	if len(dgrp) > 0 {
		for _, d := range dgrp {
			for _, rd := range r.Degrees {
				if d == rd {
					return true
				}
			}
		}
		return false
	}
	return r.ExtraGroups
}

// effectiveCaps merges the role's overrides into its variant defaults
func (r Role) effectiveCaps() map[audit.EventKind]bool {
	res := map[audit.EventKind]bool{}
	defaults := defaultCaps(r.Variant)
	for _, c := range Caps {
		val, overridden := r.CapOverrides[c]
		if !overridden {
			val = defaults[c]
		}
		if val {
			res[c] = true
		}
	}
	return res
}

// Grant is the resolved permission triple for a (user, chat) pair
type Grant struct {
	Caps        map[audit.EventKind]bool
	Rights      map[Right]bool
	CustomTitle string
	Level       string // strongest applicable variant, "user" when none
}

// Allows reports whether the grant includes the moderation capability
func (g Grant) Allows(kind audit.EventKind) bool {
	return g.Caps[kind]
}

// HasAnyRight reports whether at least one telegram right is granted
func (g Grant) HasAnyRight() bool {
	for _, v := range g.Rights {
		if v {
			return true
		}
	}
	return false
}

// Empty reports a grant with no capabilities and no rights
func (g Grant) Empty() bool {
	return len(g.Caps) == 0 && !g.HasAnyRight()
}

// Resolve composes all of the user's roles against the chat's degree scope.
// Capabilities union per-role effective sets. Rights are granted when any role
// grants them, an explicit false override disables the right regardless of other
// grants. The custom title is the last one produced in iteration order.
func Resolve(userRoles []Role, dgrp []int64) Grant {
	res := Grant{Caps: map[audit.EventKind]bool{}, Rights: map[Right]bool{}, Level: "user"}

	denied := map[Right]bool{}
	for _, role := range userRoles {
		if !role.appliesTo(dgrp) {
			continue
		}
		if rank[role.Variant] > rank[Variant(res.Level)] {
			res.Level = string(role.Variant)
		}

		for c := range role.effectiveCaps() {
			res.Caps[c] = true
		}

		defaults := defaultRights(role.Variant)
		for _, right := range AllRights {
			val, overridden := role.RightOverrides[right]
			if overridden && !val {
				denied[right] = true
				continue
			}
			if !overridden {
				val = defaults[right]
			}
			if val {
				res.Rights[right] = true
			}
		}

		if title := role.Title(); title != "" {
			res.CustomTitle = title
		}
	}

	for right := range denied {
		delete(res.Rights, right)
	}
	return res
}

// OnCall filters staff roles (moderator and stronger) down to those covering a
// chat with the given degree scope and returns the unique user ids, first-seen
// order preserved.
func OnCall(staffRoles []Role, dgrp []int64) []int64 {
	seen := map[int64]bool{}
	res := []int64{}
	for _, role := range staffRoles {
		if rank[role.Variant] < rank[Moderator] {
			continue
		}
		if !role.appliesTo(dgrp) || seen[role.UserID] {
			continue
		}
		seen[role.UserID] = true
		res = append(res, role.UserID)
	}
	return res
}

func defaultCaps(v Variant) map[audit.EventKind]bool {
	switch v {
	case Moderator:
		return map[audit.EventKind]bool{audit.Info: true, audit.Del: true, audit.Mute: true}
	case Administrator:
		return map[audit.EventKind]bool{audit.Info: true, audit.Del: true, audit.Warn: true,
			audit.Kick: true, audit.Ban: true, audit.Mute: true, audit.Free: true}
	case SuperAdmin:
		res := map[audit.EventKind]bool{}
		for _, c := range Caps {
			res[c] = true
		}
		return res
	}
	return map[audit.EventKind]bool{} // representative and professor moderate nothing by default
}

func defaultRights(v Variant) map[Right]bool {
	switch v {
	case Representative, Professor:
		return map[Right]bool{RightPinMessages: true}
	case Moderator:
		return map[Right]bool{RightPinMessages: true, RightManageChat: true}
	case Administrator:
		return map[Right]bool{RightPinMessages: true, RightChangeInfo: true}
	case SuperAdmin:
		res := map[Right]bool{}
		for _, right := range AllRights {
			res[right] = true
		}
		return res
	}
	return map[Right]bool{}
}

func defaultTitle(v Variant) string {
	switch v {
	case Representative:
		return "Rappresentante"
	case Professor:
		return "Docente"
	case Moderator:
		return "Moderatore"
	case Administrator:
		return "Amministratore"
	case SuperAdmin:
		return "CdA Network"
	}
	return ""
}
