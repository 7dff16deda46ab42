package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// ReservationRepository reservation hold repository interface
type ReservationRepository interface {
	// Create records a hold. Splitting a hold records its settled part
	// as a row of its own.
	Create(ctx context.Context, r *model.Reservation) error

	// Get gets a hold by ID
	Get(ctx context.Context, tenantID uint64, id string) (*model.Reservation, error)

	// Settle moves an open hold to RELEASED or DEDUCTED. A hold that is
	// no longer open returns ErrReservationSettled and is left untouched.
	Settle(ctx context.Context, tenantID uint64, id string, status model.ReservationStatus, at time.Time) error

	// Shrink takes by units off an open hold that holds more than by.
	// Anything else returns ErrReservationSettled.
	Shrink(ctx context.Context, tenantID uint64, id string, by int) error

	// ListOpenByReference lists RESERVED holds carrying the reference
	ListOpenByReference(ctx context.Context, tenantID uint64, reference string) ([]model.Reservation, error)
}

type reservationRepository struct {
	db *gorm.DB
}

// NewReservationRepository creates a reservation repository
func NewReservationRepository(db *gorm.DB) ReservationRepository {
	return &reservationRepository{db: db}
}

func (r *reservationRepository) Create(ctx context.Context, res *model.Reservation) error {
	return r.db.WithContext(ctx).Create(res).Error
}

func (r *reservationRepository) Get(ctx context.Context, tenantID uint64, id string) (*model.Reservation, error) {
	var res model.Reservation
	err := r.db.WithContext(ctx).Where("id = ? AND tenant_id = ?", id, tenantID).First(&res).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "reservation %s not found", id)
		}
		return nil, err
	}
	return &res, nil
}

func (r *reservationRepository) Settle(ctx context.Context, tenantID uint64, id string, status model.ReservationStatus, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("id = ? AND tenant_id = ? AND status = ?", id, tenantID, model.ReservationReserved).
		Updates(map[string]interface{}{
			"status":     status,
			"settled_at": at,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrReservationSettled, "reservation %s is not open", id)
	}
	return nil
}

func (r *reservationRepository) Shrink(ctx context.Context, tenantID uint64, id string, by int) error {
	result := r.db.WithContext(ctx).
		Model(&model.Reservation{}).
		Where("id = ? AND tenant_id = ? AND status = ? AND quantity > ?", id, tenantID, model.ReservationReserved, by).
		Update("quantity", gorm.Expr("quantity - ?", by))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return utils.Errorf(utils.ErrReservationSettled, "reservation %s cannot give up %d", id, by)
	}
	return nil
}

func (r *reservationRepository) ListOpenByReference(ctx context.Context, tenantID uint64, reference string) ([]model.Reservation, error) {
	var holds []model.Reservation
	err := r.db.WithContext(ctx).
		Where("tenant_id = ? AND reference = ? AND status = ?", tenantID, reference, model.ReservationReserved).
		Order("created_at").
		Find(&holds).Error
	return holds, err
}
