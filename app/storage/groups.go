package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// groups command constants
const (
	CmdCreateGroupsTable engine.DBCmd = iota + 300
	CmdCreateGroupsIndexes
	CmdUpsertGroup
	CmdUpdateGroupInfo
)

// groupsQueries holds all groups-related queries
var groupsQueries = engine.NewQueryMap().
	Add(CmdCreateGroupsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS groups (
            id INTEGER PRIMARY KEY,
            title TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            invite_link TEXT NOT NULL DEFAULT '',
            language TEXT NOT NULL DEFAULT 'it',
            welcome_template TEXT NOT NULL DEFAULT '',
            owner_id INTEGER,
            bot_token TEXT NOT NULL DEFAULT '',
            ignore_admin_tagging BOOLEAN NOT NULL DEFAULT 0
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS groups (
            id BIGINT PRIMARY KEY,
            title TEXT NOT NULL DEFAULT '',
            description TEXT NOT NULL DEFAULT '',
            invite_link TEXT NOT NULL DEFAULT '',
            language TEXT NOT NULL DEFAULT 'it',
            welcome_template TEXT NOT NULL DEFAULT '',
            owner_id BIGINT,
            bot_token TEXT NOT NULL DEFAULT '',
            ignore_admin_tagging BOOLEAN NOT NULL DEFAULT false
        )`,
	}).
	AddSame(CmdCreateGroupsIndexes, "CREATE INDEX IF NOT EXISTS idx_groups_bot_token ON groups(bot_token)").
	AddSame(CmdUpsertGroup, `INSERT INTO groups (id, title, description, invite_link, language, welcome_template,
            owner_id, bot_token, ignore_admin_tagging)
        VALUES (:id, :title, :description, :invite_link, :language, :welcome_template,
            :owner_id, :bot_token, :ignore_admin_tagging)
        ON CONFLICT (id) DO UPDATE SET
        title = excluded.title,
        description = excluded.description,
        invite_link = excluded.invite_link,
        language = excluded.language,
        welcome_template = excluded.welcome_template,
        owner_id = excluded.owner_id,
        bot_token = excluded.bot_token,
        ignore_admin_tagging = excluded.ignore_admin_tagging`).
	AddSame(CmdUpdateGroupInfo, `UPDATE groups SET title = :title, description = :description,
        invite_link = :invite_link, owner_id = :owner_id WHERE id = :id`)

// Group is a telegram group row, managed through the admin plane. The core
// reads it on every update and refreshes title/description/invite_link/owner.
type Group struct {
	ID                 int64         `db:"id"`
	Title              string        `db:"title"`
	Description        string        `db:"description"`
	InviteLink         string        `db:"invite_link"`
	Language           string        `db:"language"`
	WelcomeTemplate    string        `db:"welcome_template"`
	OwnerID            sql.NullInt64 `db:"owner_id"`
	BotToken           string        `db:"bot_token"`
	IgnoreAdminTagging bool          `db:"ignore_admin_tagging"`
}

// Groups is a storage for group rows
type Groups struct {
	*engine.SQL
	engine.RWLocker
}

// NewGroups creates groups storage and initializes the table
func NewGroups(ctx context.Context, db *engine.SQL) (*Groups, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Groups{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "groups",
		CreateTable:   CmdCreateGroupsTable,
		CreateIndexes: CmdCreateGroupsIndexes,
		QueriesMap:    groupsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init groups storage: %w", err)
	}
	return res, nil
}

// Upsert creates or replaces the full group row
func (g *Groups) Upsert(ctx context.Context, group Group) error {
	g.Lock()
	defer g.Unlock()

	query, err := groupsQueries.Pick(g.Type(), CmdUpsertGroup)
	if err != nil {
		return fmt.Errorf("failed to get upsert group query: %w", err)
	}
	if _, err := g.NamedExecContext(ctx, query, group); err != nil {
		return fmt.Errorf("failed to upsert group %d: %w", group.ID, err)
	}
	return nil
}

// Get returns the group by chat id, found=false when the chat is not registered
func (g *Groups) Get(ctx context.Context, id int64) (Group, bool, error) {
	g.RLock()
	defer g.RUnlock()

	var group Group
	err := g.GetContext(ctx, &group, g.Adopt("SELECT * FROM groups WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Group{}, false, nil
	}
	if err != nil {
		return Group{}, false, fmt.Errorf("failed to get group %d: %w", id, err)
	}
	return group, true, nil
}

// List returns all registered groups ordered by id
func (g *Groups) List(ctx context.Context) ([]Group, error) {
	g.RLock()
	defer g.RUnlock()

	var res []Group
	if err := g.SelectContext(ctx, &res, "SELECT * FROM groups ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return res, nil
}

// UpdateInfo refreshes the telegram-sourced metadata of the group
func (g *Groups) UpdateInfo(ctx context.Context, id int64, title, description, inviteLink string, ownerID int64) error {
	g.Lock()
	defer g.Unlock()

	query, err := groupsQueries.Pick(g.Type(), CmdUpdateGroupInfo)
	if err != nil {
		return fmt.Errorf("failed to get update group info query: %w", err)
	}
	owner := sql.NullInt64{Int64: ownerID, Valid: ownerID != 0}
	_, err = g.NamedExecContext(ctx, query, map[string]interface{}{
		"id": id, "title": title, "description": description, "invite_link": inviteLink, "owner_id": owner,
	})
	if err != nil {
		return fmt.Errorf("failed to update group %d info: %w", id, err)
	}
	return nil
}

// SetIgnoreAdminTagging toggles the @admin opt-out flag and returns the new value
func (g *Groups) SetIgnoreAdminTagging(ctx context.Context, id int64) (bool, error) {
	g.Lock()
	defer g.Unlock()

	if _, err := g.ExecContext(ctx,
		g.Adopt("UPDATE groups SET ignore_admin_tagging = NOT ignore_admin_tagging WHERE id = ?"), id); err != nil {
		return false, fmt.Errorf("failed to toggle admin tagging for group %d: %w", id, err)
	}
	var val bool
	if err := g.GetContext(ctx, &val, g.Adopt("SELECT ignore_admin_tagging FROM groups WHERE id = ?"), id); err != nil {
		return false, fmt.Errorf("failed to read admin tagging flag for group %d: %w", id, err)
	}
	return val, nil
}
