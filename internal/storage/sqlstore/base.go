// Package sqlstore implements storage.Store on a SQL database. It works
// against both SQLite (mattn/go-sqlite3) and PostgreSQL (pgx stdlib):
// queries are written with ? placeholders and rebound per driver, and the
// few dialect-sensitive column types are selected at schema time.
package sqlstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/coderelay/coderelay/internal/storage"
)

// Store is a SQL-backed storage.Store.
type Store struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

var _ storage.Store = (*Store)(nil)

// New creates a Store over writer and reader connections and initializes
// the schema.
func New(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both connection pools.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.ro != s.db {
		if roErr := s.ro.Close(); roErr != nil && err == nil {
			err = roErr
		}
	}
	return err
}

func (s *Store) isPostgres() bool {
	return s.db.DriverName() == "pgx"
}

// timestampType returns the column type for timestamps.
func (s *Store) timestampType() string {
	if s.isPostgres() {
		return "TIMESTAMPTZ"
	}
	return "DATETIME"
}

// boolType returns the column type for booleans.
func (s *Store) boolType() string {
	if s.isPostgres() {
		return "BOOLEAN"
	}
	return "INTEGER"
}

// initSchema creates tables and indexes if they do not exist. Migrations
// are idempotent; JSON-shaped columns are plain TEXT on both dialects.
func (s *Store) initSchema() error {
	ts := s.timestampType()
	boolean := s.boolType()

	statements := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			secret TEXT NOT NULL DEFAULT '',
			max_workers INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'pending',
			host TEXT NOT NULL DEFAULT '{}',
			tags TEXT NOT NULL DEFAULT '[]',
			allowed_tools TEXT NOT NULL DEFAULT '[]',
			last_heartbeat %[1]s,
			last_validated %[1]s,
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS repositories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			local_path TEXT NOT NULL DEFAULT '',
			branch TEXT NOT NULL DEFAULT '',
			credentials TEXT NOT NULL DEFAULT '',
			enabled %[2]s NOT NULL DEFAULT %[3]s,
			description TEXT NOT NULL DEFAULT '',
			settings TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, ts, boolean, s.boolLiteral(true)),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			ai_tool TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			repository_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			external_session_id TEXT NOT NULL DEFAULT '',
			message_count INTEGER NOT NULL DEFAULT 0,
			total_tokens BIGINT NOT NULL DEFAULT 0,
			total_cost REAL NOT NULL DEFAULT 0,
			last_activity %[1]s NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at %[1]s NOT NULL,
			updated_at %[1]s NOT NULL
		)`, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at %[1]s NOT NULL
		)`, ts),

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS audit_log (
			id TEXT PRIMARY KEY,
			actor TEXT NOT NULL DEFAULT '',
			action TEXT NOT NULL,
			resource_id TEXT NOT NULL DEFAULT '',
			context TEXT NOT NULL DEFAULT '{}',
			created_at %[1]s NOT NULL
		)`, ts),

		`CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_agent_id ON sessions(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_id ON messages(session_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_repositories_updated_at ON repositories(updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) boolLiteral(v bool) string {
	if s.isPostgres() {
		if v {
			return "TRUE"
		}
		return "FALSE"
	}
	if v {
		return "1"
	}
	return "0"
}

// marshalJSON serializes v for a TEXT column; nil maps become empty
// objects so NOT NULL defaults hold.
func marshalJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize json column: %w", err)
	}
	return string(data), nil
}

// unmarshalJSON deserializes a TEXT column into out, tolerating empty and
// default values.
func unmarshalJSON(raw string, out any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "{}" || raw == "[]" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}

// translateNotFound maps sql.ErrNoRows onto the storage sentinel.
func translateNotFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ErrNotFound
	}
	return err
}
