package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/storage"
)

const sessionColumns = `id, user_id, name, ai_tool, status, repository_id, agent_id, worker_id,
	external_session_id, message_count, total_tokens, total_cost, last_activity, metadata,
	created_at, updated_at`

func (s *Store) CreateSession(ctx context.Context, session *storage.Session) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	if session.LastActivity.IsZero() {
		session.LastActivity = now
	}
	if session.Status == "" {
		session.Status = storage.SessionStatusActive
	}

	metadataJSON, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.UserID, session.Name, session.AITool, session.Status,
		session.RepositoryID, session.AgentID, session.WorkerID, session.ExternalSessionID,
		session.MessageCount, session.TotalTokens, session.TotalCost, session.LastActivity,
		metadataJSON, session.CreatedAt, session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*storage.Session, error) {
	session := &storage.Session{}
	var metadataJSON string
	err := row.Scan(&session.ID, &session.UserID, &session.Name, &session.AITool,
		&session.Status, &session.RepositoryID, &session.AgentID, &session.WorkerID,
		&session.ExternalSessionID, &session.MessageCount, &session.TotalTokens,
		&session.TotalCost, &session.LastActivity, &metadataJSON,
		&session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if err := unmarshalJSON(metadataJSON, &session.Metadata); err != nil {
		return nil, fmt.Errorf("deserialize session metadata: %w", err)
	}
	return session, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*storage.Session, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`), id)
	return scanSession(row)
}

func (s *Store) UpdateSession(ctx context.Context, session *storage.Session) error {
	metadataJSON, err := marshalJSON(session.Metadata)
	if err != nil {
		return err
	}
	session.UpdatedAt = time.Now().UTC()

	// message_count is owned by AppendMessage; an update never rewrites it.
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE sessions SET
			name = ?, ai_tool = ?, status = ?, repository_id = ?, agent_id = ?,
			worker_id = ?, external_session_id = ?, total_tokens = ?, total_cost = ?,
			last_activity = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`), session.Name, session.AITool, session.Status, session.RepositoryID,
		session.AgentID, session.WorkerID, session.ExternalSessionID,
		session.TotalTokens, session.TotalCost, session.LastActivity,
		metadataJSON, session.UpdatedAt, session.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(result)
}

func (s *Store) DeleteSession(ctx context.Context, id string) error {
	// Messages cascade via the FK; delete explicitly anyway so SQLite
	// databases created without foreign_keys=on stay consistent.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete session: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM messages WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("delete session messages: %w", err)
	}
	result, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListSessions(ctx context.Context, filter storage.SessionFilter, page storage.Pagination) (*storage.Page[*storage.Session], error) {
	page = page.Normalize()

	where, args := buildSessionFilter(filter)

	var total int
	countQuery := `SELECT COUNT(*) FROM sessions` + where
	if err := s.ro.QueryRowContext(ctx, s.ro.Rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions` + where +
		` ORDER BY last_activity DESC, id ASC LIMIT ? OFFSET ?`
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	items := make([]*storage.Session, 0, page.Limit)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	return &storage.Page[*storage.Session]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

func buildSessionFilter(filter storage.SessionFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, filter.UserID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.RepositoryID != "" {
		clauses = append(clauses, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.AgentID != "" {
		clauses = append(clauses, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + joinAnd(clauses), args
}

func joinAnd(clauses []string) string {
	out := clauses[0]
	for _, c := range clauses[1:] {
		out += " AND " + c
	}
	return out
}

func (s *Store) AppendMessage(ctx context.Context, message *storage.Message) error {
	if message.ID == "" {
		message.ID = uuid.New().String()
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}

	metadataJSON, err := marshalJSON(message.Metadata)
	if err != nil {
		return err
	}

	// Append and counter bump share a transaction so messageCount always
	// equals the log length.
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append message: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE sessions SET message_count = message_count + 1, last_activity = ?, updated_at = ?
		WHERE id = ?
	`), message.CreatedAt, message.CreatedAt, message.SessionID)
	if err != nil {
		return fmt.Errorf("bump session counters: %w", err)
	}
	if err := requireRow(result); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO messages (id, session_id, role, content, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), message.ID, message.SessionID, message.Role, message.Content, metadataJSON, message.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	return tx.Commit()
}

func scanMessage(row rowScanner) (*storage.Message, error) {
	message := &storage.Message{}
	var metadataJSON string
	err := row.Scan(&message.ID, &message.SessionID, &message.Role, &message.Content,
		&metadataJSON, &message.CreatedAt)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if err := unmarshalJSON(metadataJSON, &message.Metadata); err != nil {
		return nil, fmt.Errorf("deserialize message metadata: %w", err)
	}
	return message, nil
}

func (s *Store) ListMessages(ctx context.Context, sessionID string, page storage.Pagination) (*storage.Page[*storage.Message], error) {
	page = page.Normalize()

	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var total int
	if err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT COUNT(*) FROM messages WHERE session_id = ?`), sessionID).Scan(&total); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?
	`), sessionID, page.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	items := make([]*storage.Message, 0, page.Limit)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return &storage.Page[*storage.Message]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}, nil
}

func (s *Store) LatestMessages(ctx context.Context, sessionID string, n int) ([]*storage.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 50
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, session_id, role, content, metadata, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at DESC, id DESC LIMIT ?
	`), sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("latest messages: %w", err)
	}
	defer rows.Close()

	var reversed []*storage.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		reversed = append(reversed, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	// Flip back to chronological order.
	out := make([]*storage.Message, len(reversed))
	for i, m := range reversed {
		out[len(reversed)-1-i] = m
	}
	return out, nil
}

type rowsAffecter interface {
	RowsAffected() (int64, error)
}

func requireRow(result rowsAffecter) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}
