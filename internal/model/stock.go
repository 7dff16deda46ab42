package model

import (
	"time"
)

// SKUStock is the authoritative stock record of one sellable variant.
// available + reserved is the physical stock not yet permanently sold.
type SKUStock struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  uint64    `gorm:"type:bigint unsigned;not null;uniqueIndex:uk_sku_stocks_tenant_sku,priority:1" json:"tenant_id"`
	SKU       string    `gorm:"type:varchar(64);not null;uniqueIndex:uk_sku_stocks_tenant_sku,priority:2" json:"sku"`
	Available int       `gorm:"type:int;not null;default:0;check:chk_sku_stocks_available,available >= 0" json:"available"`
	Reserved  int       `gorm:"type:int;not null;default:0;check:chk_sku_stocks_reserved,reserved >= 0" json:"reserved"`
	Retired   bool      `gorm:"not null;default:false" json:"retired"`
	CreatedAt time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName set name
func (SKUStock) TableName() string {
	return "sku_stocks"
}

// OnHand returns stock not yet sold.
func (s *SKUStock) OnHand() int {
	return s.Available + s.Reserved
}

// CanReserve reports whether qty can move from available to reserved.
func (s *SKUStock) CanReserve(qty int) bool {
	return !s.Retired && s.Available >= qty
}

// Warehouse is referenced as a mutation input for goods-in and transfers.
type Warehouse struct {
	ID        uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  uint64    `gorm:"type:bigint unsigned;not null;index" json:"tenant_id"`
	Code      string    `gorm:"type:varchar(32);not null" json:"code"`
	Name      string    `gorm:"type:varchar(128);not null" json:"name"`
	Active    bool      `gorm:"not null;default:true" json:"active"`
	CreatedAt time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
}

// TableName set name
func (Warehouse) TableName() string {
	return "warehouses"
}

// WarehouseStock is the per-warehouse quantity of a SKU. The aggregate
// SKUStock.Available moves together with it inside one transaction.
type WarehouseStock struct {
	ID          uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID    uint64    `gorm:"type:bigint unsigned;not null;uniqueIndex:uk_warehouse_stocks,priority:1" json:"tenant_id"`
	WarehouseID uint64    `gorm:"type:bigint unsigned;not null;uniqueIndex:uk_warehouse_stocks,priority:2" json:"warehouse_id"`
	SKUStockID  uint64    `gorm:"type:bigint unsigned;not null;uniqueIndex:uk_warehouse_stocks,priority:3" json:"sku_stock_id"`
	Quantity    int       `gorm:"type:int;not null;default:0;check:chk_warehouse_stocks_quantity,quantity >= 0" json:"quantity"`
	UpdatedAt   time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName set name
func (WarehouseStock) TableName() string {
	return "warehouse_stocks"
}

// TenantSetting holds the per-tenant knobs this core reads.
type TenantSetting struct {
	TenantID          uint64    `gorm:"primaryKey;autoIncrement:false" json:"tenant_id"`
	LowStockThreshold *int      `gorm:"type:int" json:"low_stock_threshold,omitempty"`
	UpdatedAt         time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName set name
func (TenantSetting) TableName() string {
	return "tenant_settings"
}
