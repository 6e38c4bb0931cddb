package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// bots command constants
const (
	CmdCreateBotsTables engine.DBCmd = iota + 400
	CmdUpsertBot
)

// botsQueries holds bot registry and bot whitelist queries
var botsQueries = engine.NewQueryMap().
	AddSame(CmdCreateBotsTables, `CREATE TABLE IF NOT EXISTS bots (
            token TEXT PRIMARY KEY,
            username TEXT NOT NULL DEFAULT '',
            notes TEXT NOT NULL DEFAULT ''
        );
        CREATE TABLE IF NOT EXISTS bot_whitelist (
            username TEXT PRIMARY KEY
        )`).
	AddSame(CmdUpsertBot, `INSERT INTO bots (token, username, notes) VALUES (:token, :username, :notes)
        ON CONFLICT (token) DO UPDATE SET username = excluded.username, notes = excluded.notes`)

// Bot is a registered telegram bot, the token is the webhook capability
type Bot struct {
	Token    string `db:"token"`
	Username string `db:"username"`
	Notes    string `db:"notes"`
}

// Bots is a storage for the bot registry and the bot admission whitelist
type Bots struct {
	*engine.SQL
	engine.RWLocker
}

// NewBots creates bots storage and initializes the tables
func NewBots(ctx context.Context, db *engine.SQL) (*Bots, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Bots{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:        "bots",
		CreateTable: CmdCreateBotsTables,
		QueriesMap:  botsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init bots storage: %w", err)
	}
	return res, nil
}

// Upsert registers or updates a bot
func (b *Bots) Upsert(ctx context.Context, bot Bot) error {
	b.Lock()
	defer b.Unlock()

	query, err := botsQueries.Pick(b.Type(), CmdUpsertBot)
	if err != nil {
		return fmt.Errorf("failed to get upsert bot query: %w", err)
	}
	if _, err := b.NamedExecContext(ctx, query, bot); err != nil {
		return fmt.Errorf("failed to upsert bot %s: %w", bot.Username, err)
	}
	return nil
}

// ByToken finds the bot owning the webhook token
func (b *Bots) ByToken(ctx context.Context, token string) (Bot, bool, error) {
	b.RLock()
	defer b.RUnlock()

	var bot Bot
	err := b.GetContext(ctx, &bot, b.Adopt("SELECT * FROM bots WHERE token = ?"), token)
	if errors.Is(err, sql.ErrNoRows) {
		return Bot{}, false, nil
	}
	if err != nil {
		return Bot{}, false, fmt.Errorf("failed to get bot by token: %w", err)
	}
	return bot, true, nil
}

// Whitelist allows a bot username to stay in groups
func (b *Bots) Whitelist(ctx context.Context, username string) error {
	b.Lock()
	defer b.Unlock()

	username = strings.TrimPrefix(strings.ToLower(username), "@")
	query := b.Adopt("INSERT INTO bot_whitelist (username) VALUES (?) ON CONFLICT (username) DO NOTHING")
	if _, err := b.ExecContext(ctx, query, username); err != nil {
		return fmt.Errorf("failed to whitelist bot %q: %w", username, err)
	}
	return nil
}

// IsWhitelisted reports whether the bot username is allowed to stay
func (b *Bots) IsWhitelisted(ctx context.Context, username string) (bool, error) {
	b.RLock()
	defer b.RUnlock()

	username = strings.TrimPrefix(strings.ToLower(username), "@")
	var count int
	err := b.GetContext(ctx, &count, b.Adopt("SELECT COUNT(*) FROM bot_whitelist WHERE username = ?"), username)
	if err != nil {
		return false, fmt.Errorf("failed to check bot whitelist for %q: %w", username, err)
	}
	return count > 0, nil
}
