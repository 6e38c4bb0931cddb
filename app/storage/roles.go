package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/roles"
	"github.com/campusnet/tg-warden/app/storage/engine"
)

// roles command constants
const (
	CmdCreateRolesTables engine.DBCmd = iota + 600
	CmdCreateRolesIndexes
	CmdInsertRole
	CmdUpdateRole
)

// rolesQueries holds all role-related queries. One table with a discriminator
// column keeps all variants, tri-state overrides are nullable booleans.
var rolesQueries = engine.NewQueryMap().
	Add(CmdCreateRolesTables, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS roles (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            variant TEXT NOT NULL,
            user_id INTEGER NOT NULL,
            all_groups BOOLEAN NOT NULL DEFAULT 0,
            extra_groups BOOLEAN NOT NULL DEFAULT 0,
            custom_title TEXT NOT NULL DEFAULT '',
            can_info BOOLEAN, can_del BOOLEAN, can_warn BOOLEAN, can_kick BOOLEAN, can_ban BOOLEAN,
            can_mute BOOLEAN, can_free BOOLEAN, can_superban BOOLEAN, can_superfree BOOLEAN,
            right_change_info BOOLEAN, right_invite_users BOOLEAN, right_pin_messages BOOLEAN,
            right_manage_chat BOOLEAN, right_delete_messages BOOLEAN, right_manage_video_chats BOOLEAN,
            right_restrict_members BOOLEAN, right_promote_members BOOLEAN
        );
        CREATE TABLE IF NOT EXISTS role_degrees (
            role_id INTEGER NOT NULL,
            degree_id INTEGER NOT NULL,
            PRIMARY KEY (role_id, degree_id)
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS roles (
            id BIGSERIAL PRIMARY KEY,
            variant TEXT NOT NULL,
            user_id BIGINT NOT NULL,
            all_groups BOOLEAN NOT NULL DEFAULT false,
            extra_groups BOOLEAN NOT NULL DEFAULT false,
            custom_title TEXT NOT NULL DEFAULT '',
            can_info BOOLEAN, can_del BOOLEAN, can_warn BOOLEAN, can_kick BOOLEAN, can_ban BOOLEAN,
            can_mute BOOLEAN, can_free BOOLEAN, can_superban BOOLEAN, can_superfree BOOLEAN,
            right_change_info BOOLEAN, right_invite_users BOOLEAN, right_pin_messages BOOLEAN,
            right_manage_chat BOOLEAN, right_delete_messages BOOLEAN, right_manage_video_chats BOOLEAN,
            right_restrict_members BOOLEAN, right_promote_members BOOLEAN
        );
        CREATE TABLE IF NOT EXISTS role_degrees (
            role_id BIGINT NOT NULL,
            degree_id BIGINT NOT NULL,
            PRIMARY KEY (role_id, degree_id)
        )`,
	}).
	AddSame(CmdCreateRolesIndexes, "CREATE INDEX IF NOT EXISTS idx_roles_user ON roles(user_id)").
	Add(CmdInsertRole, engine.Query{
		Sqlite: `INSERT INTO roles (variant, user_id, all_groups, extra_groups, custom_title,
            can_info, can_del, can_warn, can_kick, can_ban, can_mute, can_free, can_superban, can_superfree,
            right_change_info, right_invite_users, right_pin_messages, right_manage_chat, right_delete_messages,
            right_manage_video_chats, right_restrict_members, right_promote_members)
            VALUES (:variant, :user_id, :all_groups, :extra_groups, :custom_title,
            :can_info, :can_del, :can_warn, :can_kick, :can_ban, :can_mute, :can_free, :can_superban, :can_superfree,
            :right_change_info, :right_invite_users, :right_pin_messages, :right_manage_chat, :right_delete_messages,
            :right_manage_video_chats, :right_restrict_members, :right_promote_members)`,
		Postgres: `INSERT INTO roles (variant, user_id, all_groups, extra_groups, custom_title,
            can_info, can_del, can_warn, can_kick, can_ban, can_mute, can_free, can_superban, can_superfree,
            right_change_info, right_invite_users, right_pin_messages, right_manage_chat, right_delete_messages,
            right_manage_video_chats, right_restrict_members, right_promote_members)
            VALUES (:variant, :user_id, :all_groups, :extra_groups, :custom_title,
            :can_info, :can_del, :can_warn, :can_kick, :can_ban, :can_mute, :can_free, :can_superban, :can_superfree,
            :right_change_info, :right_invite_users, :right_pin_messages, :right_manage_chat, :right_delete_messages,
            :right_manage_video_chats, :right_restrict_members, :right_promote_members)
            RETURNING id`,
	}).
	AddSame(CmdUpdateRole, `UPDATE roles SET variant = :variant, user_id = :user_id, all_groups = :all_groups,
        extra_groups = :extra_groups, custom_title = :custom_title,
        can_info = :can_info, can_del = :can_del, can_warn = :can_warn, can_kick = :can_kick, can_ban = :can_ban,
        can_mute = :can_mute, can_free = :can_free, can_superban = :can_superban, can_superfree = :can_superfree,
        right_change_info = :right_change_info, right_invite_users = :right_invite_users,
        right_pin_messages = :right_pin_messages, right_manage_chat = :right_manage_chat,
        right_delete_messages = :right_delete_messages, right_manage_video_chats = :right_manage_video_chats,
        right_restrict_members = :right_restrict_members, right_promote_members = :right_promote_members
        WHERE id = :id`)

// RoleRow is the persisted form of a role, overrides are nullable tri-states
type RoleRow struct {
	ID          int64  `db:"id"`
	Variant     string `db:"variant"`
	UserID      int64  `db:"user_id"`
	AllGroups   bool   `db:"all_groups"`
	ExtraGroups bool   `db:"extra_groups"`
	CustomTitle string `db:"custom_title"`

	CanInfo      sql.NullBool `db:"can_info"`
	CanDel       sql.NullBool `db:"can_del"`
	CanWarn      sql.NullBool `db:"can_warn"`
	CanKick      sql.NullBool `db:"can_kick"`
	CanBan       sql.NullBool `db:"can_ban"`
	CanMute      sql.NullBool `db:"can_mute"`
	CanFree      sql.NullBool `db:"can_free"`
	CanSuperban  sql.NullBool `db:"can_superban"`
	CanSuperfree sql.NullBool `db:"can_superfree"`

	RightChangeInfo       sql.NullBool `db:"right_change_info"`
	RightInviteUsers      sql.NullBool `db:"right_invite_users"`
	RightPinMessages      sql.NullBool `db:"right_pin_messages"`
	RightManageChat       sql.NullBool `db:"right_manage_chat"`
	RightDeleteMessages   sql.NullBool `db:"right_delete_messages"`
	RightManageVideoChats sql.NullBool `db:"right_manage_video_chats"`
	RightRestrictMembers  sql.NullBool `db:"right_restrict_members"`
	RightPromoteMembers   sql.NullBool `db:"right_promote_members"`
}

// toRole converts the row and its degree scope to the resolver's form
func (r RoleRow) toRole(degrees []int64) roles.Role {
	res := roles.Role{
		Variant:        roles.Variant(r.Variant),
		UserID:         r.UserID,
		AllGroups:      r.AllGroups,
		ExtraGroups:    r.ExtraGroups,
		Degrees:        degrees,
		CustomTitle:    r.CustomTitle,
		CapOverrides:   map[audit.EventKind]bool{},
		RightOverrides: map[roles.Right]bool{},
	}
	caps := map[audit.EventKind]sql.NullBool{
		audit.Info: r.CanInfo, audit.Del: r.CanDel, audit.Warn: r.CanWarn, audit.Kick: r.CanKick,
		audit.Ban: r.CanBan, audit.Mute: r.CanMute, audit.Free: r.CanFree,
		audit.Superban: r.CanSuperban, audit.Superfree: r.CanSuperfree,
	}
	for kind, val := range caps {
		if val.Valid {
			res.CapOverrides[kind] = val.Bool
		}
	}
	rights := map[roles.Right]sql.NullBool{
		roles.RightChangeInfo: r.RightChangeInfo, roles.RightInviteUsers: r.RightInviteUsers,
		roles.RightPinMessages: r.RightPinMessages, roles.RightManageChat: r.RightManageChat,
		roles.RightDeleteMessages: r.RightDeleteMessages, roles.RightManageVideoChats: r.RightManageVideoChats,
		roles.RightRestrictMembers: r.RightRestrictMembers, roles.RightPromoteMembers: r.RightPromoteMembers,
	}
	for right, val := range rights {
		if val.Valid {
			res.RightOverrides[right] = val.Bool
		}
	}
	return res
}

// TaskEnqueuer schedules background work, implemented by the Tasks store
type TaskEnqueuer interface {
	Enqueue(ctx context.Context, name string, payload interface{}, notBefore time.Time, recurrence time.Duration) (int64, error)
}

// Roles is a storage for permission roles. When Tasks is set, every save or
// delete enqueues a propagate_roles task so telegram rights get reconciled.
type Roles struct {
	*engine.SQL
	engine.RWLocker
	Tasks TaskEnqueuer
}

// NewRoles creates roles storage and initializes the tables
func NewRoles(ctx context.Context, db *engine.SQL) (*Roles, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Roles{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "roles",
		CreateTable:   CmdCreateRolesTables,
		CreateIndexes: CmdCreateRolesIndexes,
		QueriesMap:    rolesQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init roles storage: %w", err)
	}
	return res, nil
}

// Save inserts a new role (row.ID == 0) or updates an existing one, replacing
// its degree scope, and schedules rights propagation for the affected user.
func (r *Roles) Save(ctx context.Context, row RoleRow, degrees []int64) (int64, error) {
	r.Lock()

	id, err := r.save(ctx, row, degrees)
	r.Unlock()
	if err != nil {
		return 0, err
	}
	r.propagate(ctx, row.UserID)
	return id, nil
}

func (r *Roles) save(ctx context.Context, row RoleRow, degrees []int64) (int64, error) {
	tx, err := r.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	id := row.ID
	if id == 0 {
		query, qerr := rolesQueries.Pick(r.Type(), CmdInsertRole)
		if qerr != nil {
			return 0, fmt.Errorf("failed to get insert role query: %w", qerr)
		}
		if r.Type() == engine.Postgres {
			rows, nerr := tx.NamedQuery(query, row)
			if nerr != nil {
				return 0, fmt.Errorf("failed to insert role: %w", nerr)
			}
			if rows.Next() {
				if serr := rows.Scan(&id); serr != nil {
					rows.Close()
					return 0, fmt.Errorf("failed to scan role id: %w", serr)
				}
			}
			rows.Close()
		} else {
			execRes, eerr := tx.NamedExecContext(ctx, query, row)
			if eerr != nil {
				return 0, fmt.Errorf("failed to insert role: %w", eerr)
			}
			if id, eerr = execRes.LastInsertId(); eerr != nil {
				return 0, fmt.Errorf("failed to get inserted role id: %w", eerr)
			}
		}
	} else {
		query, qerr := rolesQueries.Pick(r.Type(), CmdUpdateRole)
		if qerr != nil {
			return 0, fmt.Errorf("failed to get update role query: %w", qerr)
		}
		if _, err = tx.NamedExecContext(ctx, query, row); err != nil {
			return 0, fmt.Errorf("failed to update role %d: %w", row.ID, err)
		}
	}

	if _, err = tx.ExecContext(ctx, r.Adopt("DELETE FROM role_degrees WHERE role_id = ?"), id); err != nil {
		return 0, fmt.Errorf("failed to clear role degrees: %w", err)
	}
	for _, degree := range degrees {
		if _, err = tx.ExecContext(ctx,
			r.Adopt("INSERT INTO role_degrees (role_id, degree_id) VALUES (?, ?) ON CONFLICT (role_id, degree_id) DO NOTHING"),
			id, degree); err != nil {
			return 0, fmt.Errorf("failed to add role degree %d: %w", degree, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit role save: %w", err)
	}
	return id, nil
}

// Delete removes the role and its degree scope, then schedules propagation
func (r *Roles) Delete(ctx context.Context, roleID int64) error {
	r.Lock()

	var userID int64
	if err := r.GetContext(ctx, &userID, r.Adopt("SELECT user_id FROM roles WHERE id = ?"), roleID); err != nil {
		r.Unlock()
		return fmt.Errorf("failed to find role %d: %w", roleID, err)
	}
	if _, err := r.ExecContext(ctx, r.Adopt("DELETE FROM roles WHERE id = ?"), roleID); err != nil {
		r.Unlock()
		return fmt.Errorf("failed to delete role %d: %w", roleID, err)
	}
	if _, err := r.ExecContext(ctx, r.Adopt("DELETE FROM role_degrees WHERE role_id = ?"), roleID); err != nil {
		r.Unlock()
		return fmt.Errorf("failed to delete role degrees for %d: %w", roleID, err)
	}
	r.Unlock()

	r.propagate(ctx, userID)
	return nil
}

// ForUser loads all roles of a user in the resolver's form, stable order by id
func (r *Roles) ForUser(ctx context.Context, userID int64) ([]roles.Role, error) {
	r.RLock()
	defer r.RUnlock()

	var rows []RoleRow
	if err := r.SelectContext(ctx, &rows, r.Adopt("SELECT * FROM roles WHERE user_id = ? ORDER BY id"), userID); err != nil {
		return nil, fmt.Errorf("failed to load roles for user %d: %w", userID, err)
	}

	res := make([]roles.Role, 0, len(rows))
	for _, row := range rows {
		var degrees []int64
		if err := r.SelectContext(ctx, &degrees,
			r.Adopt("SELECT degree_id FROM role_degrees WHERE role_id = ? ORDER BY degree_id"), row.ID); err != nil {
			return nil, fmt.Errorf("failed to load degrees for role %d: %w", row.ID, err)
		}
		res = append(res, row.toRole(degrees))
	}
	return res, nil
}

// Staff loads all moderator, administrator and superadmin roles with their
// degree scopes. Used for on-call discovery by the admin-tag notifier.
func (r *Roles) Staff(ctx context.Context) ([]roles.Role, error) {
	r.RLock()
	defer r.RUnlock()

	var rows []RoleRow
	query := r.Adopt("SELECT * FROM roles WHERE variant IN (?, ?, ?) ORDER BY id")
	if err := r.SelectContext(ctx, &rows, query,
		string(roles.Moderator), string(roles.Administrator), string(roles.SuperAdmin)); err != nil {
		return nil, fmt.Errorf("failed to load staff roles: %w", err)
	}

	res := make([]roles.Role, 0, len(rows))
	for _, row := range rows {
		var degrees []int64
		if err := r.SelectContext(ctx, &degrees,
			r.Adopt("SELECT degree_id FROM role_degrees WHERE role_id = ? ORDER BY degree_id"), row.ID); err != nil {
			return nil, fmt.Errorf("failed to load degrees for role %d: %w", row.ID, err)
		}
		res = append(res, row.toRole(degrees))
	}
	return res, nil
}

func (r *Roles) propagate(ctx context.Context, userID int64) {
	if r.Tasks == nil {
		return
	}
	payload := map[string]int64{"user_id": userID}
	if _, err := r.Tasks.Enqueue(ctx, "propagate_roles", payload, time.Now(), 0); err != nil {
		log.Printf("[WARN] failed to enqueue role propagation for user %d: %v", userID, err)
	}
}
