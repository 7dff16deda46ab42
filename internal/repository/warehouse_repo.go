package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// WarehouseRepository warehouses and their per-SKU quantities
type WarehouseRepository interface {
	Create(ctx context.Context, w *model.Warehouse) error
	Get(ctx context.Context, tenantID, warehouseID uint64) (*model.Warehouse, error)

	// GetStockForUpdate locks the warehouse line of a SKU. A missing line
	// returns ErrNotFound so the caller can decide to create it.
	GetStockForUpdate(ctx context.Context, tenantID, warehouseID, skuID uint64) (*model.WarehouseStock, error)
	CreateStock(ctx context.Context, ws *model.WarehouseStock) error

	// AdjustQuantity adds delta to the line, refusing to go below zero
	AdjustQuantity(ctx context.Context, tenantID, warehouseID, skuID uint64, delta int) error

	// ListStocks returns every warehouse line of a SKU
	ListStocks(ctx context.Context, tenantID, skuID uint64) ([]model.WarehouseStock, error)
}

type warehouseRepository struct {
	db *gorm.DB
}

// NewWarehouseRepository creates a warehouse repository
func NewWarehouseRepository(db *gorm.DB) WarehouseRepository {
	return &warehouseRepository{db: db}
}

func (r *warehouseRepository) Create(ctx context.Context, w *model.Warehouse) error {
	return r.db.WithContext(ctx).Create(w).Error
}

func (r *warehouseRepository) Get(ctx context.Context, tenantID, warehouseID uint64) (*model.Warehouse, error) {
	var w model.Warehouse
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", warehouseID, tenantID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "warehouse %d not found", warehouseID)
		}
		return nil, err
	}
	return &w, nil
}

func (r *warehouseRepository) GetStockForUpdate(ctx context.Context, tenantID, warehouseID, skuID uint64) (*model.WarehouseStock, error) {
	var ws model.WarehouseStock
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("tenant_id = ? AND warehouse_id = ? AND sku_stock_id = ?", tenantID, warehouseID, skuID).
		First(&ws).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "sku %d has no stock in warehouse %d", skuID, warehouseID)
		}
		return nil, err
	}
	return &ws, nil
}

func (r *warehouseRepository) CreateStock(ctx context.Context, ws *model.WarehouseStock) error {
	return r.db.WithContext(ctx).Create(ws).Error
}

func (r *warehouseRepository) AdjustQuantity(ctx context.Context, tenantID, warehouseID, skuID uint64, delta int) error {
	result := r.db.WithContext(ctx).
		Model(&model.WarehouseStock{}).
		Where("tenant_id = ? AND warehouse_id = ? AND sku_stock_id = ? AND quantity + ? >= 0",
			tenantID, warehouseID, skuID, delta).
		Update("quantity", gorm.Expr("quantity + ?", delta))

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrInsufficientStock, "warehouse %d cannot apply %+d to sku %d", warehouseID, delta, skuID)
	}
	return nil
}

func (r *warehouseRepository) ListStocks(ctx context.Context, tenantID, skuID uint64) ([]model.WarehouseStock, error) {
	var lines []model.WarehouseStock
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND sku_stock_id = ?", tenantID, skuID).
		Order("warehouse_id").
		Find(&lines).Error
	return lines, err
}
