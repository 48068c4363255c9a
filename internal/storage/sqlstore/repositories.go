package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/storage"
)

const repositoryColumns = `id, name, type, url, local_path, branch, credentials, enabled,
	description, settings, metadata, created_at, updated_at`

func (s *Store) CreateRepository(ctx context.Context, repo *storage.Repository) error {
	if repo.ID == "" {
		repo.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	settingsJSON, err := marshalJSON(repo.Settings)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalJSON(repo.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO repositories (`+repositoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.Name, repo.Type, repo.URL, repo.LocalPath, repo.Branch,
		repo.Credentials, repo.Enabled, repo.Description, settingsJSON, metadataJSON,
		repo.CreatedAt, repo.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert repository: %w", err)
	}
	return nil
}

func scanRepository(row rowScanner) (*storage.Repository, error) {
	repo := &storage.Repository{}
	var settingsJSON, metadataJSON string
	err := row.Scan(&repo.ID, &repo.Name, &repo.Type, &repo.URL, &repo.LocalPath,
		&repo.Branch, &repo.Credentials, &repo.Enabled, &repo.Description,
		&settingsJSON, &metadataJSON, &repo.CreatedAt, &repo.UpdatedAt)
	if err != nil {
		return nil, translateNotFound(err)
	}
	if err := unmarshalJSON(settingsJSON, &repo.Settings); err != nil {
		return nil, fmt.Errorf("deserialize repository settings: %w", err)
	}
	if err := unmarshalJSON(metadataJSON, &repo.Metadata); err != nil {
		return nil, fmt.Errorf("deserialize repository metadata: %w", err)
	}
	return repo, nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*storage.Repository, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+repositoryColumns+` FROM repositories WHERE id = ?
	`), id)
	return scanRepository(row)
}

func (s *Store) UpdateRepository(ctx context.Context, repo *storage.Repository) error {
	settingsJSON, err := marshalJSON(repo.Settings)
	if err != nil {
		return err
	}
	metadataJSON, err := marshalJSON(repo.Metadata)
	if err != nil {
		return err
	}
	repo.UpdatedAt = time.Now().UTC()

	result, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE repositories SET
			name = ?, type = ?, url = ?, local_path = ?, branch = ?, credentials = ?,
			enabled = ?, description = ?, settings = ?, metadata = ?, updated_at = ?
		WHERE id = ?
	`), repo.Name, repo.Type, repo.URL, repo.LocalPath, repo.Branch, repo.Credentials,
		repo.Enabled, repo.Description, settingsJSON, metadataJSON, repo.UpdatedAt, repo.ID)
	if err != nil {
		return fmt.Errorf("update repository: %w", err)
	}
	return requireRow(result)
}

func (s *Store) DeleteRepository(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM repositories WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete repository: %w", err)
	}
	return requireRow(result)
}

func (s *Store) UpdateRepositoryMetadata(ctx context.Context, id string, branch string, meta storage.RepositoryMetadata) error {
	metadataJSON, err := marshalJSON(meta)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	query := `UPDATE repositories SET metadata = ?, updated_at = ? WHERE id = ?`
	args := []any{metadataJSON, now, id}
	if branch != "" {
		query = `UPDATE repositories SET metadata = ?, branch = ?, updated_at = ? WHERE id = ?`
		args = []any{metadataJSON, branch, now, id}
	}

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update repository metadata: %w", err)
	}
	return requireRow(result)
}

func (s *Store) SearchRepositories(ctx context.Context, search storage.RepositorySearch, page storage.Pagination) (*storage.Page[*storage.Repository], error) {
	page = page.Normalize()

	var clauses []string
	var args []any
	if search.Query != "" {
		like := "%" + search.Query + "%"
		clauses = append(clauses, "(name LIKE ? OR url LIKE ? OR description LIKE ?)")
		args = append(args, like, like, like)
	}
	if search.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, search.Type)
	}
	if search.Enabled != nil {
		clauses = append(clauses, "enabled = ?")
		args = append(args, *search.Enabled)
	}

	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + joinAnd(clauses)
	}

	// Sort column is whitelisted, never interpolated from input.
	orderBy := " ORDER BY updated_at DESC, id ASC"
	switch search.SortBy {
	case "name":
		orderBy = " ORDER BY name ASC, id ASC"
	case "type":
		orderBy = " ORDER BY type ASC, name ASC"
	}

	var total int
	if err := s.ro.QueryRowContext(ctx, s.ro.Rebind(
		`SELECT COUNT(*) FROM repositories`+where), args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count repositories: %w", err)
	}

	query := `SELECT ` + repositoryColumns + ` FROM repositories` + where + orderBy + ` LIMIT ? OFFSET ?`
	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(query), append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("search repositories: %w", err)
	}
	defer rows.Close()

	items := make([]*storage.Repository, 0, page.Limit)
	for rows.Next() {
		repo, err := scanRepository(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, repo)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repositories: %w", err)
	}

	return &storage.Page[*storage.Repository]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}, nil
}
