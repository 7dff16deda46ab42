package repository

import (
	"context"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// OutboxRepository outbox event store
type OutboxRepository interface {
	// Create inserts a PENDING event in the caller's transaction
	Create(ctx context.Context, e *model.OutboxEvent) error

	// ListPending returns the oldest PENDING events across all tenants
	ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)

	// MarkCompleted stamps a PENDING event as processed
	MarkCompleted(ctx context.Context, tenantID, id uint64, at time.Time) error

	// MarkFailed records the dispatch error and counts the attempt
	MarkFailed(ctx context.Context, tenantID, id uint64, reason string) error

	// RequeueFailed returns FAILED events under maxAttempts to PENDING
	RequeueFailed(ctx context.Context, maxAttempts int) (int64, error)

	// CountByStatus reports the backlog per status
	CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error)
}

type outboxRepository struct {
	db *gorm.DB
}

// NewOutboxRepository creates an outbox repository
func NewOutboxRepository(db *gorm.DB) OutboxRepository {
	return &outboxRepository{db: db}
}

func (r *outboxRepository) Create(ctx context.Context, e *model.OutboxEvent) error {
	if e.Status == "" {
		e.Status = model.OutboxPending
	}
	return r.db.WithContext(ctx).Create(e).Error
}

func (r *outboxRepository) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxPending).
		Order("created_at, id").
		Limit(limit).
		Find(&events).Error
	return events, err
}

func (r *outboxRepository) MarkCompleted(ctx context.Context, tenantID, id uint64, at time.Time) error {
	return r.mark(ctx, tenantID, id, map[string]interface{}{
		"status":       model.OutboxCompleted,
		"processed_at": at,
		"attempts":     gorm.Expr("attempts + 1"),
		"error":        nil,
	})
}

func (r *outboxRepository) MarkFailed(ctx context.Context, tenantID, id uint64, reason string) error {
	return r.mark(ctx, tenantID, id, map[string]interface{}{
		"status":   model.OutboxFailed,
		"attempts": gorm.Expr("attempts + 1"),
		"error":    truncateReason(reason, maxErrorLen),
	})
}

// maxErrorLen fits the error column in characters for any utf8mb4 text
const maxErrorLen = 1024

// truncateReason cuts s to at most n bytes without splitting a rune
func truncateReason(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (r *outboxRepository) mark(ctx context.Context, tenantID, id uint64, fields map[string]interface{}) error {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, model.OutboxPending).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrNotFound, "pending outbox event %d not found", id)
	}
	return nil
}

func (r *outboxRepository) RequeueFailed(ctx context.Context, maxAttempts int) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Where("status = ? AND attempts < ?", model.OutboxFailed, maxAttempts).
		Update("status", model.OutboxPending)
	return result.RowsAffected, result.Error
}

func (r *outboxRepository) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	var rows []struct {
		Status model.OutboxStatus
		Total  int64
	}
	err := r.db.WithContext(ctx).
		Model(&model.OutboxEvent{}).
		Select("status, COUNT(*) AS total").
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	counts := make(map[model.OutboxStatus]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Total
	}
	return counts, nil
}
