package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"inventory/internal/model"
	"inventory/pkg/utils"
)

// TenantRepository per-tenant settings
type TenantRepository interface {
	GetSetting(ctx context.Context, tenantID uint64) (*model.TenantSetting, error)
	UpsertSetting(ctx context.Context, s *model.TenantSetting) error
}

type tenantRepository struct {
	db *gorm.DB
}

// NewTenantRepository creates a tenant repository
func NewTenantRepository(db *gorm.DB) TenantRepository {
	return &tenantRepository{db: db}
}

func (r *tenantRepository) GetSetting(ctx context.Context, tenantID uint64) (*model.TenantSetting, error) {
	var s model.TenantSetting
	err := r.db.WithContext(ctx).Where("tenant_id = ?", tenantID).First(&s).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.Errorf(utils.ErrNotFound, "tenant %d has no settings", tenantID)
		}
		return nil, err
	}
	return &s, nil
}

func (r *tenantRepository) UpsertSetting(ctx context.Context, s *model.TenantSetting) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"low_stock_threshold", "updated_at"}),
		}).
		Create(s).Error
}
