package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/campusnet/tg-warden/app/storage/engine"
)

// catalog command constants
const (
	CmdCreateCatalogTables engine.DBCmd = iota + 500
	CmdCreateCatalogIndexes
	CmdDegreesForChat
)

// catalogQueries holds the university catalog queries. The catalog is seeded by
// the admin plane, the core only reads it to scope roles to chats.
var catalogQueries = engine.NewQueryMap().
	Add(CmdCreateCatalogTables, engine.Query{
		Sqlite: `CREATE TABLE IF NOT EXISTS departments (
            id INTEGER PRIMARY KEY,
            name TEXT NOT NULL DEFAULT ''
        );
        CREATE TABLE IF NOT EXISTS degrees (
            id INTEGER PRIMARY KEY,
            department_id INTEGER NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            chat_id INTEGER
        );
        CREATE TABLE IF NOT EXISTS courses (
            id INTEGER PRIMARY KEY,
            degree_id INTEGER NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            chat_id INTEGER
        )`,
		Postgres: `CREATE TABLE IF NOT EXISTS departments (
            id BIGINT PRIMARY KEY,
            name TEXT NOT NULL DEFAULT ''
        );
        CREATE TABLE IF NOT EXISTS degrees (
            id BIGINT PRIMARY KEY,
            department_id BIGINT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            chat_id BIGINT
        );
        CREATE TABLE IF NOT EXISTS courses (
            id BIGINT PRIMARY KEY,
            degree_id BIGINT NOT NULL,
            name TEXT NOT NULL DEFAULT '',
            chat_id BIGINT
        )`,
	}).
	AddSame(CmdCreateCatalogIndexes, `
        CREATE INDEX IF NOT EXISTS idx_degrees_chat ON degrees(chat_id);
        CREATE INDEX IF NOT EXISTS idx_courses_chat ON courses(chat_id);
        CREATE INDEX IF NOT EXISTS idx_courses_degree ON courses(degree_id)`).
	AddSame(CmdDegreesForChat, `SELECT id FROM degrees WHERE chat_id = ?
        UNION
        SELECT degree_id FROM courses WHERE chat_id = ?
        ORDER BY 1`)

// Department is a university department row
type Department struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// Degree is a degree row, chat_id points to the degree's flagship group
type Degree struct {
	ID           int64         `db:"id"`
	DepartmentID int64         `db:"department_id"`
	Name         string        `db:"name"`
	ChatID       sql.NullInt64 `db:"chat_id"`
}

// Course is a course row, chat_id points to the per-course group
type Course struct {
	ID       int64         `db:"id"`
	DegreeID int64         `db:"degree_id"`
	Name     string        `db:"name"`
	ChatID   sql.NullInt64 `db:"chat_id"`
}

// Catalog is a read-side storage of departments, degrees and courses
type Catalog struct {
	*engine.SQL
	engine.RWLocker
}

// NewCatalog creates catalog storage and initializes the tables
func NewCatalog(ctx context.Context, db *engine.SQL) (*Catalog, error) {
	if db == nil {
		return nil, fmt.Errorf("db connection is nil")
	}
	res := &Catalog{SQL: db, RWLocker: db.MakeLock()}
	cfg := engine.TableConfig{
		Name:          "catalog",
		CreateTable:   CmdCreateCatalogTables,
		CreateIndexes: CmdCreateCatalogIndexes,
		QueriesMap:    catalogQueries,
	}
	if err := engine.InitTable(ctx, db, cfg); err != nil {
		return nil, fmt.Errorf("failed to init catalog storage: %w", err)
	}
	return res, nil
}

// DegreesForChat returns ids of degrees tied to the chat, either through the
// flagship group or through a course group. Used to scope roles to a chat.
func (c *Catalog) DegreesForChat(ctx context.Context, chatID int64) ([]int64, error) {
	c.RLock()
	defer c.RUnlock()

	query, err := catalogQueries.Pick(c.Type(), CmdDegreesForChat)
	if err != nil {
		return nil, fmt.Errorf("failed to get degrees for chat query: %w", err)
	}
	var res []int64
	if err := c.SelectContext(ctx, &res, c.Adopt(query), chatID, chatID); err != nil {
		return nil, fmt.Errorf("failed to find degrees for chat %d: %w", chatID, err)
	}
	return res, nil
}

// AddDepartment inserts or replaces a department, used by the import plane
func (c *Catalog) AddDepartment(ctx context.Context, dep Department) error {
	c.Lock()
	defer c.Unlock()

	query := c.Adopt("INSERT INTO departments (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name")
	if _, err := c.ExecContext(ctx, query, dep.ID, dep.Name); err != nil {
		return fmt.Errorf("failed to add department %d: %w", dep.ID, err)
	}
	return nil
}

// AddDegree inserts or replaces a degree
func (c *Catalog) AddDegree(ctx context.Context, deg Degree) error {
	c.Lock()
	defer c.Unlock()

	query := c.Adopt(`INSERT INTO degrees (id, department_id, name, chat_id) VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET department_id = excluded.department_id,
        name = excluded.name, chat_id = excluded.chat_id`)
	if _, err := c.ExecContext(ctx, query, deg.ID, deg.DepartmentID, deg.Name, deg.ChatID); err != nil {
		return fmt.Errorf("failed to add degree %d: %w", deg.ID, err)
	}
	return nil
}

// AddCourse inserts or replaces a course
func (c *Catalog) AddCourse(ctx context.Context, course Course) error {
	c.Lock()
	defer c.Unlock()

	query := c.Adopt(`INSERT INTO courses (id, degree_id, name, chat_id) VALUES (?, ?, ?, ?)
        ON CONFLICT (id) DO UPDATE SET degree_id = excluded.degree_id,
        name = excluded.name, chat_id = excluded.chat_id`)
	if _, err := c.ExecContext(ctx, query, course.ID, course.DegreeID, course.Name, course.ChatID); err != nil {
		return fmt.Errorf("failed to add course %d: %w", course.ID, err)
	}
	return nil
}
