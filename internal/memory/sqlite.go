package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so lexical order matches chronological order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteStore persists conversation documents in a local SQLite database.
type SQLiteStore struct {
	db    *sql.DB
	table string
}

// NewSQLiteStore opens (and optionally provisions) a SQLite store at path.
// Parent directories are created if needed.
func NewSQLiteStore(path, container string, createIfNotExists bool) (*SQLiteStore, error) {
	table, err := validContainer(container)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, table: `"` + table + `"`}
	if createIfNotExists {
		if err := s.createSchema(table); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}
	return s, nil
}

func (s *SQLiteStore) createSchema(table string) error {
	schema := `
		CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			name TEXT,
			metadata TEXT NOT NULL DEFAULT '{}',
			ts TEXT NOT NULL,
			used_tools TEXT NOT NULL DEFAULT '[]'
		);

		CREATE INDEX IF NOT EXISTS "idx_` + table + `_session_ts"
			ON ` + s.table + `(session_id, ts DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) CreateItem(ctx context.Context, doc Document) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	usedTools := doc.UsedTools
	if usedTools == nil {
		usedTools = []string{}
	}
	tools, err := json.Marshal(usedTools)
	if err != nil {
		return fmt.Errorf("encode used tools: %w", err)
	}

	var name sql.NullString
	if doc.Name != nil {
		name = sql.NullString{String: *doc.Name, Valid: true}
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO `+s.table+` (id, session_id, role, content, name, metadata, ts, used_tools)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID,
		doc.SessionID,
		doc.Role,
		doc.Content,
		name,
		string(metadata),
		doc.Timestamp.UTC().Format(sqliteTimeLayout),
		string(tools),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryItems(ctx context.Context, q WindowQuery) ([]Document, error) {
	if q.MaxItems <= 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, name, metadata, ts
		 FROM `+s.table+` WHERE session_id = ? ORDER BY ts DESC, id DESC LIMIT ?`,
		q.SessionID,
		q.MaxItems,
	)
	if err != nil {
		return nil, fmt.Errorf("query window: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0, q.MaxItems)
	for rows.Next() {
		var (
			d        Document
			name     sql.NullString
			metadata string
			ts       string
		)
		if err := rows.Scan(&d.Role, &d.Content, &name, &metadata, &ts); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		if name.Valid {
			n := name.String
			d.Name = &n
		}
		d.Metadata = decodeMetadata([]byte(metadata))
		d.Timestamp, err = time.Parse(sqliteTimeLayout, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window rows: %w", err)
	}
	return items, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
