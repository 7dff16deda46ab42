package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// ShipmentRepository shipment repository interface
type ShipmentRepository interface {
	// Create shipment together with its items
	Create(ctx context.Context, s *model.Shipment) error

	// GetForUpdate locks a shipment and loads its items
	GetForUpdate(ctx context.Context, tenantID, id uint64) (*model.Shipment, error)

	// ListByOrder lists every shipment of an order with items
	ListByOrder(ctx context.Context, tenantID, orderID uint64) ([]model.Shipment, error)

	// UpdateStatus persists status and timestamps if the row is still in from
	UpdateStatus(ctx context.Context, s *model.Shipment, from model.ShipmentStatus) error
}

type shipmentRepository struct {
	db *gorm.DB
}

// NewShipmentRepository creates a shipment repository
func NewShipmentRepository(db *gorm.DB) ShipmentRepository {
	return &shipmentRepository{db: db}
}

func (r *shipmentRepository) Create(ctx context.Context, s *model.Shipment) error {
	for i := range s.Items {
		s.Items[i].TenantID = s.TenantID
	}
	return r.db.WithContext(ctx).Create(s).Error
}

func (r *shipmentRepository) GetForUpdate(ctx context.Context, tenantID, id uint64) (*model.Shipment, error) {
	var s model.Shipment
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Preload("Items").
		Where("id = ? AND tenant_id = ?", id, tenantID).
		First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "shipment %d not found", id)
		}
		return nil, err
	}
	return &s, nil
}

func (r *shipmentRepository) ListByOrder(ctx context.Context, tenantID, orderID uint64) ([]model.Shipment, error) {
	var shipments []model.Shipment
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("tenant_id = ? AND order_id = ?", tenantID, orderID).
		Order("id").
		Find(&shipments).Error
	return shipments, err
}

func (r *shipmentRepository) UpdateStatus(ctx context.Context, s *model.Shipment, from model.ShipmentStatus) error {
	result := r.db.WithContext(ctx).
		Model(&model.Shipment{}).
		Where("id = ? AND tenant_id = ? AND status = ?", s.ID, s.TenantID, from).
		Updates(map[string]interface{}{
			"status":       s.Status,
			"shipped_at":   s.ShippedAt,
			"delivered_at": s.DeliveredAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrInvalidTransition, "shipment %d is no longer %s", s.ID, from)
	}
	return nil
}
