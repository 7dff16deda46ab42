package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// StockRepository SKU stock ledger
type StockRepository interface {
	// Create registers a SKU with its opening counters
	Create(ctx context.Context, stock *model.SKUStock) error

	// Get reads a SKU without locking
	Get(ctx context.Context, tenantID, skuID uint64) (*model.SKUStock, error)

	// GetForUpdate reads a SKU and holds its row lock until the transaction ends
	GetForUpdate(ctx context.Context, tenantID, skuID uint64) (*model.SKUStock, error)

	// GetBySKU looks a SKU up by its code
	GetBySKU(ctx context.Context, tenantID uint64, sku string) (*model.SKUStock, error)

	// ApplyDelta moves both counters in one guarded statement. Neither
	// counter may go negative; a violated guard yields ErrInsufficientStock.
	ApplyDelta(ctx context.Context, tenantID, skuID uint64, availableDelta, reservedDelta int) error

	// SetRetired flags a SKU so no new reservation is accepted
	SetRetired(ctx context.Context, tenantID, skuID uint64, retired bool) error
}

// stockRepository stock repository implementation
type stockRepository struct {
	db *gorm.DB
}

// NewStockRepository creates a stock repository
func NewStockRepository(db *gorm.DB) StockRepository {
	return &stockRepository{db: db}
}

// Create creates a SKU stock row
func (r *stockRepository) Create(ctx context.Context, stock *model.SKUStock) error {
	if stock.Available < 0 || stock.Reserved < 0 {
		return utils.Errorf(utils.ErrValidation, "opening stock must not be negative")
	}
	return r.db.WithContext(ctx).Create(stock).Error
}

// Get gets a SKU stock row
func (r *stockRepository) Get(ctx context.Context, tenantID, skuID uint64) (*model.SKUStock, error) {
	return r.first(r.db.WithContext(ctx), tenantID, skuID)
}

// GetForUpdate gets a SKU stock row with SELECT ... FOR UPDATE
func (r *stockRepository) GetForUpdate(ctx context.Context, tenantID, skuID uint64) (*model.SKUStock, error) {
	return r.first(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tenantID, skuID)
}

func (r *stockRepository) first(db *gorm.DB, tenantID, skuID uint64) (*model.SKUStock, error) {
	var stock model.SKUStock
	err := db.Where("id = ? AND tenant_id = ?", skuID, tenantID).First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "sku %d not found", skuID)
		}
		return nil, err
	}
	return &stock, nil
}

// GetBySKU gets a SKU stock row by code
func (r *stockRepository) GetBySKU(ctx context.Context, tenantID uint64, sku string) (*model.SKUStock, error) {
	var stock model.SKUStock
	err := r.db.WithContext(ctx).Where("tenant_id = ? AND sku = ?", tenantID, sku).First(&stock).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "sku %q not found", sku)
		}
		return nil, err
	}
	return &stock, nil
}

// ApplyDelta adjusts available and reserved atomically
func (r *stockRepository) ApplyDelta(ctx context.Context, tenantID, skuID uint64, availableDelta, reservedDelta int) error {
	result := r.db.WithContext(ctx).
		Model(&model.SKUStock{}).
		Where("id = ? AND tenant_id = ? AND available + ? >= 0 AND reserved + ? >= 0",
			skuID, tenantID, availableDelta, reservedDelta).
		Updates(map[string]interface{}{
			"available": gorm.Expr("available + ?", availableDelta),
			"reserved":  gorm.Expr("reserved + ?", reservedDelta),
		})

	if result.Error != nil {
		return result.Error
	}

	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrInsufficientStock, "sku %d cannot apply available %+d reserved %+d",
			skuID, availableDelta, reservedDelta)
	}

	return nil
}

// SetRetired updates the retired flag
func (r *stockRepository) SetRetired(ctx context.Context, tenantID, skuID uint64, retired bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.SKUStock{}).
		Where("id = ? AND tenant_id = ?", skuID, tenantID).
		Update("retired", retired)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrNotFound, "sku %d not found", skuID)
	}
	return nil
}
