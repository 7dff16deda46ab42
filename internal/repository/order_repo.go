package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// OrderRepository order repository interface
type OrderRepository interface {
	// Create order together with its items
	Create(ctx context.Context, order *model.Order) error

	// Get order with items
	Get(ctx context.Context, tenantID, id uint64) (*model.Order, error)

	// GetForUpdate locks the order row and loads its items
	GetForUpdate(ctx context.Context, tenantID, id uint64) (*model.Order, error)

	// GetByNo gets an order by its order number
	GetByNo(ctx context.Context, tenantID uint64, orderNo string) (*model.Order, error)

	// UpdateStatus moves an order from one status to another
	UpdateStatus(ctx context.Context, tenantID, id uint64, from, to model.OrderStatus) error

	// ListStale lists orders in status not touched since before, across
	// tenants, ordered by (updated_at, id) and starting after the cursor
	ListStale(ctx context.Context, status model.OrderStatus, before time.Time, after StaleCursor, limit int) ([]model.Order, error)
}

// StaleCursor marks where a stale scan stopped. The zero value starts at the
// oldest order.
type StaleCursor struct {
	UpdatedAt time.Time
	ID        uint64
}

// IsZero reports whether the cursor starts from the beginning
func (c StaleCursor) IsZero() bool {
	return c.ID == 0 && c.UpdatedAt.IsZero()
}

// CursorAfter returns the cursor that resumes after o
func CursorAfter(o model.Order) StaleCursor {
	return StaleCursor{UpdatedAt: o.UpdatedAt, ID: o.ID}
}

// orderRepository order repository implementation
type orderRepository struct {
	db *gorm.DB
}

// NewOrderRepository creates an order repository
func NewOrderRepository(db *gorm.DB) OrderRepository {
	return &orderRepository{db: db}
}

// Create creates an order; gorm inserts the items in the same statement batch
func (r *orderRepository) Create(ctx context.Context, order *model.Order) error {
	for i := range order.Items {
		order.Items[i].TenantID = order.TenantID
	}
	return r.db.WithContext(ctx).Create(order).Error
}

// Get gets an order by ID
func (r *orderRepository) Get(ctx context.Context, tenantID, id uint64) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx), tenantID, id)
}

// GetForUpdate gets an order with SELECT ... FOR UPDATE
func (r *orderRepository) GetForUpdate(ctx context.Context, tenantID, id uint64) (*model.Order, error) {
	return r.first(r.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), tenantID, id)
}

// GetByNo gets an order by order number
func (r *orderRepository) GetByNo(ctx context.Context, tenantID uint64, orderNo string) (*model.Order, error) {
	var order model.Order
	err := r.db.WithContext(ctx).Preload("Items").Where("order_no = ? AND tenant_id = ?", orderNo, tenantID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "order %s not found", orderNo)
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) first(db *gorm.DB, tenantID, id uint64) (*model.Order, error) {
	var order model.Order
	err := db.Preload("Items").Where("id = ? AND tenant_id = ?", id, tenantID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "order %d not found", id)
		}
		return nil, err
	}
	return &order, nil
}

// UpdateStatus updates order status guarded by the expected current status
func (r *orderRepository) UpdateStatus(ctx context.Context, tenantID, id uint64, from, to model.OrderStatus) error {
	result := r.db.WithContext(ctx).
		Model(&model.Order{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, from).
		Update("status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrInvalidTransition, "order %d is not %s", id, from)
	}
	return nil
}

// ListStale lists orders for the reconciliation job
func (r *orderRepository) ListStale(ctx context.Context, status model.OrderStatus, before time.Time, after StaleCursor, limit int) ([]model.Order, error) {
	var orders []model.Order
	query := r.db.WithContext(ctx).Where("status = ? AND updated_at < ?", status, before)
	if !after.IsZero() {
		query = query.Where("(updated_at > ? OR (updated_at = ? AND id > ?))", after.UpdatedAt, after.UpdatedAt, after.ID)
	}
	err := query.
		Order("updated_at").
		Order("id").
		Limit(limit).
		Find(&orders).Error
	return orders, err
}
