package storage

import (
	"context"
	"fmt"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// blacklist command constants
const (
	CmdCreateBlacklistTable engine.DBCmd = iota + 700
	CmdCreateBlacklistIndexes
	CmdAddBlacklisted
)

// blacklistQueries holds all blacklist-related queries
var blacklistQueries = engine.NewQueryMap().
	Add(CmdCreateBlacklistTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS blacklist (
            user_id INTEGER NOT NULL,
            source TEXT NOT NULL,
            PRIMARY KEY (user_id, source)
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS blacklist (
            user_id BIGINT NOT NULL,
            source TEXT NOT NULL,
            PRIMARY KEY (user_id, source)
        )`,
	}).
	AddSame(CmdCreateBlacklistIndexes, "CREATE INDEX IF NOT EXISTS idx_blacklist_user ON blacklist(user_id)").
	AddSame(CmdAddBlacklisted, `INSERT INTO blacklist (user_id, source) VALUES (?, ?)
        ON CONFLICT (user_id, source) DO NOTHING`)

// Blacklist is a storage for globally banned user ids. Adding an entry flips
// the matching user's banned flag in the same transaction.
type Blacklist struct {
	*engine.SQL
	engine.RWLocker
}

// NewBlacklist creates blacklist storage and initializes the table
func NewBlacklist(ctx context.Context, db *engine.SQL) (*Blacklist, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Blacklist{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "blacklist",
		CreateTable:   CmdCreateBlacklistTable,
		CreateIndexes: CmdCreateBlacklistIndexes,
		QueriesMap:    blacklistQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init blacklist storage: %w", err)
	}
	return res, nil
}

// Add blacklists the user id from the given source and sets banned=true on the
// user row if one exists. Duplicate inserts are treated as already present.
func (b *Blacklist) Add(ctx context.Context, userID int64, source string) error {
	b.Lock()
	defer b.Unlock()

	tx, err := b.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	query, err := blacklistQueries.Pick(b.Type(), CmdAddBlacklisted)
	if err != nil {
		return fmt.Errorf("failed to get add blacklisted query: %w", err)
	}
	if _, err = tx.ExecContext(ctx, b.Adopt(query), userID, source); err != nil {
		return fmt.Errorf("failed to blacklist user %d: %w", userID, err)
	}
	if _, err = tx.ExecContext(ctx, b.Adopt("UPDATE users SET banned = ? WHERE id = ?"), true, userID); err != nil {
		return fmt.Errorf("failed to flip banned flag for user %d: %w", userID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit blacklist add: %w", err)
	}
	return nil
}

// Remove drops the user from the administrator partition and clears the banned
// flag, used by superfree
func (b *Blacklist) Remove(ctx context.Context, userID int64) error {
	b.Lock()
	defer b.Unlock()

	tx, err := b.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err = tx.ExecContext(ctx,
		b.Adopt("DELETE FROM blacklist WHERE user_id = ? AND source = ?"), userID, SourceAdministrator); err != nil {
		return fmt.Errorf("failed to remove user %d from blacklist: %w", userID, err)
	}
	if _, err = tx.ExecContext(ctx, b.Adopt("UPDATE users SET banned = ? WHERE id = ?"), false, userID); err != nil {
		return fmt.Errorf("failed to clear banned flag for user %d: %w", userID, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit blacklist remove: %w", err)
	}
	return nil
}

// Has reports whether the user id is blacklisted from any source
func (b *Blacklist) Has(ctx context.Context, userID int64) (bool, error) {
	b.RLock()
	defer b.RUnlock()

	var count int
	if err := b.GetContext(ctx, &count, b.Adopt("SELECT COUNT(*) FROM blacklist WHERE user_id = ?"), userID); err != nil {
		return false, fmt.Errorf("failed to check blacklist for user %d: %w", userID, err)
	}
	return count > 0, nil
}

// ReplaceExternal atomically swaps the external_feed partition with the given
// ids and flips banned on all matching users. Returns the ids that were not in
// the partition before, so the caller can propagate fresh bans.
func (b *Blacklist) ReplaceExternal(ctx context.Context, ids []int64) ([]int64, error) {
	b.Lock()
	defer b.Unlock()

	tx, err := b.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	var existing []int64
	if err = tx.SelectContext(ctx, &existing,
		b.Adopt("SELECT user_id FROM blacklist WHERE source = ?"), SourceExternalFeed); err != nil {
		return nil, fmt.Errorf("failed to read external blacklist partition: %w", err)
	}
	known := make(map[int64]bool, len(existing))
	for _, id := range existing {
		known[id] = true
	}

	if _, err = tx.ExecContext(ctx, b.Adopt("DELETE FROM blacklist WHERE source = ?"), SourceExternalFeed); err != nil {
		return nil, fmt.Errorf("failed to clear external blacklist partition: %w", err)
	}

	fresh := []int64{}
	query, err := blacklistQueries.Pick(b.Type(), CmdAddBlacklisted)
	if err != nil {
		return nil, fmt.Errorf("failed to get add blacklisted query: %w", err)
	}
	for _, id := range ids {
		if _, err = tx.ExecContext(ctx, b.Adopt(query), id, SourceExternalFeed); err != nil {
			return nil, fmt.Errorf("failed to insert external blacklisted user %d: %w", id, err)
		}
		if _, err = tx.ExecContext(ctx, b.Adopt("UPDATE users SET banned = ? WHERE id = ?"), true, id); err != nil {
			return nil, fmt.Errorf("failed to flip banned flag for user %d: %w", id, err)
		}
		if !known[id] {
			fresh = append(fresh, id)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit external blacklist replace: %w", err)
	}
	return fresh, nil
}
