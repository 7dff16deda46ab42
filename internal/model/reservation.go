package model

import (
	"time"
)

// Reservation is a hold created by reserve. Release and deduct settle it at
// most once, which is what makes repeated calls with the same id harmless.
type Reservation struct {
	ID         string            `gorm:"type:char(36);primaryKey" json:"id"`
	TenantID   uint64            `gorm:"type:bigint unsigned;not null;index:idx_reservations_reference,priority:1" json:"tenant_id"`
	SKUStockID uint64            `gorm:"type:bigint unsigned;not null" json:"sku_stock_id"`
	Quantity   int               `gorm:"type:int;not null" json:"quantity"`
	Reference  string            `gorm:"type:varchar(64);not null;default:'';index:idx_reservations_reference,priority:2" json:"reference"`
	Status     ReservationStatus `gorm:"type:varchar(16);not null" json:"status"`
	CreatedAt  time.Time         `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	SettledAt  *time.Time        `gorm:"type:timestamp" json:"settled_at,omitempty"`
}

// TableName set name
func (Reservation) TableName() string {
	return "reservations"
}

// ReservationStatus hold lifecycle
type ReservationStatus string

const (
	ReservationReserved ReservationStatus = "RESERVED"
	ReservationReleased ReservationStatus = "RELEASED"
	ReservationDeducted ReservationStatus = "DEDUCTED"
)

// IsOpen reports whether the hold can still be released or deducted.
func (r *Reservation) IsOpen() bool {
	return r.Status == ReservationReserved
}
