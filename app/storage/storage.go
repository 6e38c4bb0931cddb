// Package storage keeps the catalog of users, groups, memberships, bots, roles,
// blacklists, events and scheduled tasks in a sql database. Each table is
// represented by a struct, and each struct has methods working the table with the
// business logic for this data type. All stores share one engine.SQL connection
// and go through per-dialect queries picked from a QueryMap.
package storage

// MembershipStatus mirrors telegram chat member statuses
type MembershipStatus string

// all membership statuses
const (
	StatusCreator       MembershipStatus = "creator"
	StatusAdministrator MembershipStatus = "administrator"
	StatusMember        MembershipStatus = "member"
	StatusRestricted    MembershipStatus = "restricted"
	StatusLeft          MembershipStatus = "left"
	StatusKicked        MembershipStatus = "kicked"
)

// Active reports whether the status means the user is currently in the group
func (s MembershipStatus) Active() bool {
	switch s {
	case StatusCreator, StatusAdministrator, StatusMember, StatusRestricted:
		return true
	}
	return false
}

// blacklist sources
const (
	SourceAdministrator = "administrator"
	SourceExternalFeed  = "external_feed"
)
