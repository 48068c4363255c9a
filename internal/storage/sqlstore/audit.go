package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/coderelay/coderelay/internal/storage"
)

func (s *Store) AppendAudit(ctx context.Context, entry *storage.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	contextJSON, err := marshalJSON(entry.Context)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO audit_log (id, actor, action, resource_id, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), entry.ID, entry.Actor, entry.Action, entry.ResourceID, contextJSON, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, page storage.Pagination) (*storage.Page[*storage.AuditEntry], error) {
	page = page.Normalize()

	var total int
	if err := s.ro.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&total); err != nil {
		return nil, fmt.Errorf("count audit entries: %w", err)
	}

	rows, err := s.ro.QueryContext(ctx, s.ro.Rebind(`
		SELECT id, actor, action, resource_id, context, created_at
		FROM audit_log ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?
	`), page.Limit, page.Offset())
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	items := make([]*storage.AuditEntry, 0, page.Limit)
	for rows.Next() {
		entry := &storage.AuditEntry{}
		var contextJSON string
		if err := rows.Scan(&entry.ID, &entry.Actor, &entry.Action, &entry.ResourceID,
			&contextJSON, &entry.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalJSON(contextJSON, &entry.Context); err != nil {
			return nil, fmt.Errorf("deserialize audit context: %w", err)
		}
		items = append(items, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}

	return &storage.Page[*storage.AuditEntry]{Items: items, Total: total, Page: page.Page, Limit: page.Limit}, nil
}
