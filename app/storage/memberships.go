package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// memberships command constants
const (
	CmdCreateMembershipsTable engine.DBCmd = iota + 200
	CmdCreateMembershipsIndexes
	CmdUpsertMembership
)

// membershipsQueries holds all membership-related queries
var membershipsQueries = engine.NewQueryMap().
	Add(CmdCreateMembershipsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS memberships (
            user_id INTEGER NOT NULL,
            group_id INTEGER NOT NULL,
            status TEXT NOT NULL DEFAULT 'member',
            last_seen TIMESTAMP,
            messages_count INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (user_id, group_id)
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS memberships (
            user_id BIGINT NOT NULL,
            group_id BIGINT NOT NULL,
            status TEXT NOT NULL DEFAULT 'member',
            last_seen TIMESTAMP,
            messages_count INTEGER NOT NULL DEFAULT 0,
            PRIMARY KEY (user_id, group_id)
        )`,
	}).
	AddSame(CmdCreateMembershipsIndexes, `
        CREATE INDEX IF NOT EXISTS idx_memberships_group ON memberships(group_id);
        CREATE INDEX IF NOT EXISTS idx_memberships_user ON memberships(user_id)`).
	AddSame(CmdUpsertMembership, `INSERT INTO memberships (user_id, group_id, status, last_seen, messages_count)
        VALUES (:user_id, :group_id, :status, :last_seen, :messages_count)
        ON CONFLICT (user_id, group_id) DO UPDATE SET
        status = excluded.status,
        last_seen = excluded.last_seen,
        messages_count = memberships.messages_count + excluded.messages_count`)

// Membership is a (user, group) relation row
type Membership struct {
	UserID        int64            `db:"user_id"`
	GroupID       int64            `db:"group_id"`
	Status        MembershipStatus `db:"status"`
	LastSeen      time.Time        `db:"last_seen"`
	MessagesCount int              `db:"messages_count"`
}

// Memberships is a storage for group membership rows
type Memberships struct {
	*engine.SQL
	engine.RWLocker
}

// NewMemberships creates memberships storage and initializes the table
func NewMemberships(ctx context.Context, db *engine.SQL) (*Memberships, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Memberships{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "memberships",
		CreateTable:   CmdCreateMembershipsTable,
		CreateIndexes: CmdCreateMembershipsIndexes,
		QueriesMap:    membershipsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init memberships storage: %w", err)
	}
	return res, nil
}

// Touch creates or refreshes the membership. countMessage bumps messages_count,
// set only for substantive user messages, not for service updates.
func (m *Memberships) Touch(ctx context.Context, userID, groupID int64, status MembershipStatus, countMessage bool) error {
	m.Lock()
	defer m.Unlock()

	query, err := membershipsQueries.Pick(m.Type(), CmdUpsertMembership)
	if err != nil {
		return fmt.Errorf("failed to get upsert membership query: %w", err)
	}
	bump := 0
	if countMessage {
		bump = 1
	}
	_, err = m.NamedExecContext(ctx, query, map[string]interface{}{
		"user_id":        userID,
		"group_id":       groupID,
		"status":         status,
		"last_seen":      time.Now(),
		"messages_count": bump,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert membership (%d, %d): %w", userID, groupID, err)
	}
	return nil
}

// SetStatus updates the status without touching counters, missing row is created
func (m *Memberships) SetStatus(ctx context.Context, userID, groupID int64, status MembershipStatus) error {
	return m.Touch(ctx, userID, groupID, status, false)
}

// Get returns a single membership row
func (m *Memberships) Get(ctx context.Context, userID, groupID int64) (Membership, bool, error) {
	m.RLock()
	defer m.RUnlock()

	var res Membership
	err := m.GetContext(ctx, &res, m.Adopt("SELECT * FROM memberships WHERE user_id = ? AND group_id = ?"), userID, groupID)
	if errors.Is(err, sql.ErrNoRows) {
		return Membership{}, false, nil
	}
	if err != nil {
		return Membership{}, false, fmt.Errorf("failed to get membership (%d, %d): %w", userID, groupID, err)
	}
	return res, true, nil
}

// ByUser lists all memberships of the user, most active groups first
func (m *Memberships) ByUser(ctx context.Context, userID int64) ([]Membership, error) {
	m.RLock()
	defer m.RUnlock()

	var res []Membership
	err := m.SelectContext(ctx, &res,
		m.Adopt("SELECT * FROM memberships WHERE user_id = ? ORDER BY messages_count DESC, group_id"), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list memberships for user %d: %w", userID, err)
	}
	return res, nil
}

// ActiveGroups lists ids of groups where the user is currently present
func (m *Memberships) ActiveGroups(ctx context.Context, userID int64) ([]int64, error) {
	m.RLock()
	defer m.RUnlock()

	var res []int64
	err := m.SelectContext(ctx, &res,
		m.Adopt(`SELECT group_id FROM memberships WHERE user_id = ?
            AND status IN ('creator', 'administrator', 'member', 'restricted') ORDER BY group_id`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active groups for user %d: %w", userID, err)
	}
	return res, nil
}
