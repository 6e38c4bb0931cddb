package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/campusnet/tg-warden/app/audit"
	"github.com/campusnet/tg-warden/app/storage/engine"
)

// event log command constants
const (
	CmdCreateEventsTable engine.DBCmd = iota + 800
	CmdCreateEventsIndexes
	CmdInsertEvent
)

// eventsQueries holds the append-only event log queries
var eventsQueries = engine.NewQueryMap().
	Add(CmdCreateEventsTable, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS event_log (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            kind INTEGER NOT NULL,
            chat_id INTEGER NOT NULL DEFAULT 0,
            target_id INTEGER NOT NULL DEFAULT 0,
            issuer_id INTEGER NOT NULL DEFAULT 0,
            reason TEXT NOT NULL DEFAULT '',
            message_text TEXT NOT NULL DEFAULT '',
            audit_msg_id INTEGER NOT NULL DEFAULT 0,
            timestamp TIMESTAMP NOT NULL
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS event_log (
            id BIGSERIAL PRIMARY KEY,
            kind INTEGER NOT NULL,
            chat_id BIGINT NOT NULL DEFAULT 0,
            target_id BIGINT NOT NULL DEFAULT 0,
            issuer_id BIGINT NOT NULL DEFAULT 0,
            reason TEXT NOT NULL DEFAULT '',
            message_text TEXT NOT NULL DEFAULT '',
            audit_msg_id INTEGER NOT NULL DEFAULT 0,
            timestamp TIMESTAMP NOT NULL
        )`,
	}).
	AddSame(CmdCreateEventsIndexes, `
        CREATE INDEX IF NOT EXISTS idx_event_log_chat ON event_log(chat_id);
        CREATE INDEX IF NOT EXISTS idx_event_log_target ON event_log(target_id);
        CREATE INDEX IF NOT EXISTS idx_event_log_kind ON event_log(kind)`).
	Add(CmdInsertEvent, engine.Query{
		Sqlite: `INSERT INTO event_log (kind, chat_id, target_id, issuer_id, reason, message_text, audit_msg_id, timestamp)
            VALUES (:kind, :chat_id, :target_id, :issuer_id, :reason, :message_text, :audit_msg_id, :timestamp)`,
		Postgres: `INSERT INTO event_log (kind, chat_id, target_id, issuer_id, reason, message_text, audit_msg_id, timestamp)
            VALUES (:kind, :chat_id, :target_id, :issuer_id, :reason, :message_text, :audit_msg_id, :timestamp)
            RETURNING id`,
	})

// EventRow is a persisted event log entry
type EventRow struct {
	ID         int64     `db:"id"`
	Kind       int       `db:"kind"`
	ChatID     int64     `db:"chat_id"`
	TargetID   int64     `db:"target_id"`
	IssuerID   int64     `db:"issuer_id"`
	Reason     string    `db:"reason"`
	Text       string    `db:"message_text"`
	AuditMsgID int       `db:"audit_msg_id"`
	Timestamp  time.Time `db:"timestamp"`
}

// Events is the append-only event log storage, implements audit.Recorder
type Events struct {
	*engine.SQL
	engine.RWLocker
}

// NewEvents creates event log storage and initializes the table
func NewEvents(ctx context.Context, db *engine.SQL) (*Events, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Events{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "event_log",
		CreateTable:   CmdCreateEventsTable,
		CreateIndexes: CmdCreateEventsIndexes,
		QueriesMap:    eventsQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init event log storage: %w", err)
	}
	return res, nil
}

// Record appends one event and returns its id
func (e *Events) Record(ctx context.Context, rec audit.Rec) (int64, error) {
	e.Lock()
	defer e.Unlock()

	row := EventRow{
		Kind:       int(rec.Kind),
		ChatID:     rec.ChatID,
		TargetID:   rec.TargetID,
		IssuerID:   rec.IssuerID,
		Reason:     rec.Reason,
		Text:       rec.Text,
		AuditMsgID: rec.AuditMsgID,
		Timestamp:  rec.Timestamp,
	}
	if row.Timestamp.IsZero() {
		row.Timestamp = time.Now()
	}

	query, err := eventsQueries.Pick(e.Type(), CmdInsertEvent)
	if err != nil {
		return 0, fmt.Errorf("failed to get insert event query: %w", err)
	}

	if e.Type() == engine.Postgres {
		rows, err := e.NamedQueryContext(ctx, query, row)
		if err != nil {
			return 0, fmt.Errorf("failed to insert event: %w", err)
		}
		defer rows.Close()
		var id int64
		if rows.Next() {
			if err := rows.Scan(&id); err != nil {
				return 0, fmt.Errorf("failed to scan event id: %w", err)
			}
		}
		return id, nil
	}

	execRes, err := e.NamedExecContext(ctx, query, row)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	id, err := execRes.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted event id: %w", err)
	}
	return id, nil
}

// ByTarget returns the latest events about the user, newest first
func (e *Events) ByTarget(ctx context.Context, targetID int64, limit int) ([]EventRow, error) {
	e.RLock()
	defer e.RUnlock()

	var res []EventRow
	err := e.SelectContext(ctx, &res,
		e.Adopt("SELECT * FROM event_log WHERE target_id = ? ORDER BY id DESC LIMIT ?"), targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events for target %d: %w", targetID, err)
	}
	return res, nil
}

// CountByKind returns the number of events of the kind in the chat, chatID of 0
// counts across all chats
func (e *Events) CountByKind(ctx context.Context, kind audit.EventKind, chatID int64) (int, error) {
	e.RLock()
	defer e.RUnlock()

	var count int
	query := "SELECT COUNT(*) FROM event_log WHERE kind = ?"
	args := []interface{}{int(kind)}
	if chatID != 0 {
		query += " AND chat_id = ?"
		args = append(args, chatID)
	}
	if err := e.GetContext(ctx, &count, e.Adopt(query), args...); err != nil {
		return 0, fmt.Errorf("failed to count %s events: %w", kind, err)
	}
	return count, nil
}
