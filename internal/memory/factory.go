package memory

import (
	"context"
	"fmt"
	"strings"
)

const (
	DefaultContainer  = "conversations"
	DefaultWindowSize = 5
)

// BackendConfig selects and provisions a DocumentStore.
type BackendConfig struct {
	// Backend is one of auto, memory, postgres, sqlite.
	Backend           string
	DatabaseURL       string
	SQLitePath        string
	Container         string
	CreateIfNotExists bool
}

// NewDocumentStore creates a postgres- or sqlite-backed store when configured,
// otherwise in-memory.
func NewDocumentStore(ctx context.Context, cfg BackendConfig) (DocumentStore, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "auto":
		if strings.TrimSpace(cfg.DatabaseURL) != "" {
			return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Container, cfg.CreateIfNotExists)
		}
		if strings.TrimSpace(cfg.SQLitePath) != "" {
			return NewSQLiteStore(cfg.SQLitePath, cfg.Container, cfg.CreateIfNotExists)
		}
		return NewInMemoryStore(), nil
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for postgres backend")
		}
		return NewPostgresStore(ctx, cfg.DatabaseURL, cfg.Container, cfg.CreateIfNotExists)
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required for sqlite backend")
		}
		return NewSQLiteStore(cfg.SQLitePath, cfg.Container, cfg.CreateIfNotExists)
	default:
		return nil, fmt.Errorf("unsupported memory backend %q", cfg.Backend)
	}
}

// BackendName reports which backend a store is, for health output and logs.
func BackendName(s DocumentStore) string {
	switch s.(type) {
	case *PostgresStore:
		return "postgres"
	case *SQLiteStore:
		return "sqlite"
	case *InMemoryStore:
		return "memory"
	default:
		return "custom"
	}
}
