package repository

import (
	"context"

	"gorm.io/gorm"

	"inventory/internal/model"
)

// InventoryLogRepository append-only audit trail
type InventoryLogRepository interface {
	// Append writes one or more log rows
	Append(ctx context.Context, logs ...*model.InventoryLog) error

	// ListBySKU returns the newest rows of a SKU first
	ListBySKU(ctx context.Context, tenantID, skuID uint64, limit int) ([]model.InventoryLog, error)
}

type inventoryLogRepository struct {
	db *gorm.DB
}

// NewInventoryLogRepository creates an inventory log repository
func NewInventoryLogRepository(db *gorm.DB) InventoryLogRepository {
	return &inventoryLogRepository{db: db}
}

func (r *inventoryLogRepository) Append(ctx context.Context, logs ...*model.InventoryLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Create(logs).Error
}

func (r *inventoryLogRepository) ListBySKU(ctx context.Context, tenantID, skuID uint64, limit int) ([]model.InventoryLog, error) {
	var logs []model.InventoryLog
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND sku_stock_id = ?", tenantID, skuID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}
