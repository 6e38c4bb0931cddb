package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// users command constants
const (
	CmdCreateUsersTable engine.DBCmd = iota + 100
	CmdCreateUsersIndexes
	CmdUpsertUser
)

// usersQueries holds all users-related queries
var usersQueries = engine.NewQueryMap().
	Add(CmdCreateUsersTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS users (
            id INTEGER PRIMARY KEY,
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT '',
            username TEXT NOT NULL DEFAULT '',
            language TEXT NOT NULL DEFAULT '',
            reputation INTEGER NOT NULL DEFAULT 0,
            warn_count INTEGER NOT NULL DEFAULT 0,
            banned BOOLEAN NOT NULL DEFAULT 0,
            last_seen TIMESTAMP
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS users (
            id BIGINT PRIMARY KEY,
            first_name TEXT NOT NULL DEFAULT '',
            last_name TEXT NOT NULL DEFAULT '',
            username TEXT NOT NULL DEFAULT '',
            language TEXT NOT NULL DEFAULT '',
            reputation INTEGER NOT NULL DEFAULT 0,
            warn_count INTEGER NOT NULL DEFAULT 0,
            banned BOOLEAN NOT NULL DEFAULT false,
            last_seen TIMESTAMP
        )`,
	}).
	AddSame(CmdCreateUsersIndexes, "CREATE INDEX IF NOT EXISTS idx_users_username ON users(username)").
	AddSame(CmdUpsertUser, `INSERT INTO users (id, first_name, last_name, username, language, last_seen)
        VALUES (:id, :first_name, :last_name, :username, :language, :last_seen)
        ON CONFLICT (id) DO UPDATE SET
        first_name = excluded.first_name,
        last_name = excluded.last_name,
        username = excluded.username,
        language = excluded.language,
        last_seen = excluded.last_seen`)

// User is a telegram user row. Reputation, warn count and banned flag are
// managed by moderation and survive upserts.
type User struct {
	ID         int64     `db:"id"`
	FirstName  string    `db:"first_name"`
	LastName   string    `db:"last_name"`
	Username   string    `db:"username"`
	Language   string    `db:"language"`
	Reputation int       `db:"reputation"`
	WarnCount  int       `db:"warn_count"`
	Banned     bool      `db:"banned"`
	LastSeen   time.Time `db:"last_seen"`
}

// DisplayName returns the user's first and last name joined
func (u User) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// Users is a storage for telegram user rows
type Users struct {
	*engine.SQL
	engine.RWLocker
}

// NewUsers creates users storage and initializes the table
func NewUsers(ctx context.Context, db *engine.SQL) (*Users, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Users{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "users",
		CreateTable:   CmdCreateUsersTable,
		CreateIndexes: CmdCreateUsersIndexes,
		QueriesMap:    usersQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init users storage: %w", err)
	}
	return res, nil
}

// Upsert creates or refreshes the user row. Identity fields and last_seen are
// taken from the update, moderation counters are left alone.
func (u *Users) Upsert(ctx context.Context, user User) error {
	u.Lock()
	defer u.Unlock()

	query, err := usersQueries.Pick(u.Type(), CmdUpsertUser)
	if err != nil {
		return fmt.Errorf("failed to get upsert user query: %w", err)
	}
	if user.LastSeen.IsZero() {
		user.LastSeen = time.Now()
	}
	if _, err := u.NamedExecContext(ctx, query, user); err != nil {
		return fmt.Errorf("failed to upsert user %d: %w", user.ID, err)
	}
	return nil
}

// Get returns the user by telegram id, found=false when missing
func (u *Users) Get(ctx context.Context, id int64) (User, bool, error) {
	u.RLock()
	defer u.RUnlock()

	var user User
	err := u.GetContext(ctx, &user, u.Adopt("SELECT * FROM users WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return user, true, nil
}

// ByUsername finds a user by username, case-insensitive, @ prefix not expected
func (u *Users) ByUsername(ctx context.Context, username string) (User, bool, error) {
	u.RLock()
	defer u.RUnlock()

	var user User
	err := u.GetContext(ctx, &user, u.Adopt("SELECT * FROM users WHERE LOWER(username) = LOWER(?)"), username)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, fmt.Errorf("failed to get user by username %q: %w", username, err)
	}
	return user, true, nil
}

// SetBanned flips the global ban flag
func (u *Users) SetBanned(ctx context.Context, id int64, banned bool) error {
	u.Lock()
	defer u.Unlock()

	if _, err := u.ExecContext(ctx, u.Adopt("UPDATE users SET banned = ? WHERE id = ?"), banned, id); err != nil {
		return fmt.Errorf("failed to set banned=%v for user %d: %w", banned, id, err)
	}
	return nil
}

// IncWarn increments the warn counter and returns the new value
func (u *Users) IncWarn(ctx context.Context, id int64) (int, error) {
	u.Lock()
	defer u.Unlock()

	if _, err := u.ExecContext(ctx, u.Adopt("UPDATE users SET warn_count = warn_count + 1 WHERE id = ?"), id); err != nil {
		return 0, fmt.Errorf("failed to increment warn count for user %d: %w", id, err)
	}
	var count int
	if err := u.GetContext(ctx, &count, u.Adopt("SELECT warn_count FROM users WHERE id = ?"), id); err != nil {
		return 0, fmt.Errorf("failed to read warn count for user %d: %w", id, err)
	}
	return count, nil
}
