package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/storage"
)

const agentColumns = `id, name, secret, max_workers, status, host, tags, allowed_tools,
	last_heartbeat, last_validated, created_at, updated_at`

func (s *Store) CreateAgent(ctx context.Context, agent *storage.Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.Status == "" {
		agent.Status = storage.AgentStatusPending
	}
	if agent.MaxWorkers <= 0 {
		agent.MaxWorkers = 1
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	agent.UpdatedAt = now

	hostJSON, err := marshalJSON(agent.Host)
	if err != nil {
		return err
	}
	tagsJSON, err := marshalJSON(agent.Tags)
	if err != nil {
		return err
	}
	toolsJSON, err := marshalJSON(agent.AllowedTools)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO agents (`+agentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), agent.ID, agent.Name, agent.Secret, agent.MaxWorkers, agent.Status,
		hostJSON, tagsJSON, toolsJSON, agent.LastHeartbeat, agent.LastValidated,
		agent.CreatedAt, agent.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}
	return nil
}

func scanAgent(row rowScanner) (*storage.Agent, error) {
	agent := &storage.Agent{}
	var hostJSON, tagsJSON, toolsJSON string
	var lastHeartbeat, lastValidated sql.NullTime
	err := row.Scan(&agent.ID, &agent.Name, &agent.Secret, &agent.MaxWorkers,
		&agent.Status, &hostJSON, &tagsJSON, &toolsJSON,
		&lastHeartbeat, &lastValidated, &agent.CreatedAt, &agent.UpdatedAt)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if lastHeartbeat.Valid {
		t := lastHeartbeat.Time
		agent.LastHeartbeat = &t
	}
	if lastValidated.Valid {
		t := lastValidated.Time
		agent.LastValidated = &t
	}
	if err := unmarshalJSON(hostJSON, &agent.Host); err != nil {
		return nil, fmt.Errorf("deserialize agent host: %w", err)
	}
	if err := unmarshalJSON(tagsJSON, &agent.Tags); err != nil {
		return nil, fmt.Errorf("deserialize agent tags: %w", err)
	}
	if err := unmarshalJSON(toolsJSON, &agent.AllowedTools); err != nil {
		return nil, fmt.Errorf("deserialize agent tools: %w", err)
	}
	return agent, nil
}

func (s *Store) GetAgent(ctx context.Context, id string) (*storage.Agent, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+agentColumns+` FROM agents WHERE id = ?
	`), id)
	return scanAgent(row)
}

func (s *Store) UpdateAgent(ctx context.Context, agent *storage.Agent) error {
	hostJSON, err := marshalJSON(agent.Host)
	if err != nil {
		return err
	}
	tagsJSON, err := marshalJSON(agent.Tags)
	if err != nil {
		return err
	}
	toolsJSON, err := marshalJSON(agent.AllowedTools)
	if err != nil {
		return err
	}
	agent.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE agents SET
			name = ?, secret = ?, max_workers = ?, status = ?, host = ?, tags = ?,
			allowed_tools = ?, last_heartbeat = ?, last_validated = ?, updated_at = ?
		WHERE id = ?
	`), agent.Name, agent.Secret, agent.MaxWorkers, agent.Status, hostJSON, tagsJSON,
		toolsJSON, agent.LastHeartbeat, agent.LastValidated, agent.UpdatedAt, agent.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return requireRow(result)
}

func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM agents WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return requireRow(result)
}

func (s *Store) UpdateAgentStatus(ctx context.Context, id string, status storage.AgentStatus) error {
	now := time.Now().UTC()

	query := `UPDATE agents SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{status, now, id}
	if status == storage.AgentStatusConnected {
		query = `UPDATE agents SET status = ?, last_validated = ?, updated_at = ? WHERE id = ?`
		args = []any{status, now, now, id}
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	return requireRow(result)
}

func (s *Store) TouchAgentHeartbeat(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE agents SET last_heartbeat = ? WHERE id = ?`), at.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch agent heartbeat: %w", err)
	}
	return requireRow(result)
}

func (s *Store) ListAgents(ctx context.Context, filter storage.AgentFilter) ([]*storage.Agent, error) {
	where := ""
	var args []any
	if filter.Status != "" {
		where = " WHERE status = ?"
		args = append(args, filter.Status)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(
		`SELECT `+agentColumns+` FROM agents`+where+` ORDER BY name ASC`), args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*storage.Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		// Tool permission lives in a JSON column; filter after scanning.
		if filter.Tool != "" && !agent.AllowsTool(filter.Tool) {
			continue
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}
