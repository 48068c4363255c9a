// Package audit records who did what to which resource. Writes are
// best-effort: an audit failure must never fail the operation it
// describes, so errors are logged and swallowed.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coderelay/coderelay/internal/common/logger"
	"github.com/coderelay/coderelay/internal/storage"
)

// Recorder appends audit entries to the store.
type Recorder struct {
	store  storage.AuditStore
	logger *logger.Logger
}

// NewRecorder creates a recorder backed by the given store.
func NewRecorder(store storage.AuditStore, log *logger.Logger) *Recorder {
	return &Recorder{
		store:  store,
		logger: log.WithFields(zap.String("component", "audit")),
	}
}

// Record appends one audit entry. Fire and forget: failures are logged,
// never returned.
func (r *Recorder) Record(ctx context.Context, actor, action, resourceID string, ctxMap map[string]any) {
	entry := &storage.AuditEntry{
		ID:         uuid.New().String(),
		Actor:      actor,
		Action:     action,
		ResourceID: resourceID,
		Context:    ctxMap,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.Error("audit append failed",
			zap.String("action", action),
			zap.String("resource_id", resourceID),
			zap.Error(err))
	}
}
