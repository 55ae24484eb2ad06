package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var containerNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validContainer(name string) (string, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = DefaultContainer
	}
	if !containerNamePattern.MatchString(name) {
		return "", fmt.Errorf("invalid container name %q", name)
	}
	return name, nil
}

// PostgresStore persists conversation documents in PostgreSQL.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

func NewPostgresStore(ctx context.Context, databaseURL, container string, createIfNotExists bool) (*PostgresStore, error) {
	table, err := validContainer(container)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &PostgresStore{pool: pool, table: pgx.Identifier{table}.Sanitize()}
	if createIfNotExists {
		if err := s.initSchema(ctx, table); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context, table string) error {
	index := pgx.Identifier{"idx_" + table + "_session_ts"}.Sanitize()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + s.table + ` (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			name TEXT NULL,
			metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
			ts TIMESTAMPTZ NOT NULL,
			used_tools TEXT[] NOT NULL DEFAULT '{}'
		);`,
		`CREATE INDEX IF NOT EXISTS ` + index + ` ON ` + s.table + ` (session_id, ts DESC);`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateItem(ctx context.Context, doc Document) error {
	metadata, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	usedTools := doc.UsedTools
	if usedTools == nil {
		usedTools = []string{}
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table+` (id, session_id, role, content, name, metadata, ts, used_tools)
		 VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)`,
		doc.ID,
		doc.SessionID,
		doc.Role,
		doc.Content,
		doc.Name,
		string(metadata),
		doc.Timestamp,
		usedTools,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryItems(ctx context.Context, q WindowQuery) ([]Document, error) {
	if q.MaxItems <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, name, metadata, ts
		 FROM `+s.table+` WHERE session_id=$1 ORDER BY ts DESC, id DESC LIMIT $2`,
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
			d   Document
			raw []byte
		)
		if err := rows.Scan(&d.Role, &d.Content, &d.Name, &raw, &d.Timestamp); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		d.Metadata = decodeMetadata(raw)
		d.Timestamp = d.Timestamp.UTC()
		items = append(items, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window rows: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func decodeMetadata(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
