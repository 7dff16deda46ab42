package model

import (
	"time"
)

// InventoryLog is the immutable audit row written for every stock delta.
type InventoryLog struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID      uint64    `gorm:"type:bigint unsigned;not null;index:idx_inventory_logs_sku,priority:1" json:"tenant_id"`
	SKUStockID    uint64    `gorm:"type:bigint unsigned;not null;index:idx_inventory_logs_sku,priority:2" json:"sku_stock_id"`
	WarehouseID   *uint64   `gorm:"type:bigint unsigned" json:"warehouse_id,omitempty"`
	Scope         LogScope  `gorm:"type:varchar(16);not null" json:"scope"`
	Counter       Counter   `gorm:"type:varchar(16);not null" json:"counter"`
	Delta         int       `gorm:"type:int;not null" json:"delta"`
	PreviousValue int       `gorm:"type:int;not null" json:"previous_value"`
	NewValue      int       `gorm:"type:int;not null" json:"new_value"`
	Reason        Reason    `gorm:"type:varchar(32);not null" json:"reason"`
	Actor         string    `gorm:"type:varchar(64);not null" json:"actor"`
	Reference     *string   `gorm:"type:varchar(64);index" json:"reference,omitempty"`
	CreatedAt     time.Time `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP;index:idx_inventory_logs_sku,priority:3" json:"created_at"`
}

// TableName set name
func (InventoryLog) TableName() string {
	return "inventory_logs"
}

// LogScope tells whether a row audits the aggregate SKU counters or one warehouse.
type LogScope string

const (
	ScopeSKU       LogScope = "SKU"
	ScopeWarehouse LogScope = "WAREHOUSE"
)

// Counter names the column a log row describes.
type Counter string

const (
	CounterAvailable Counter = "available"
	CounterReserved  Counter = "reserved"
	CounterQuantity  Counter = "quantity"
)

// Reason is the closed set of stock mutation causes.
type Reason string

const (
	ReasonReserve       Reason = "RESERVE"
	ReasonRelease       Reason = "RELEASE"
	ReasonDeduct        Reason = "DEDUCT"
	ReasonGoodsReceived Reason = "GOODS_RECEIVED"
	ReasonAdjustment    Reason = "ADJUSTMENT"
	ReasonReturnRestock Reason = "RETURN_RESTOCK"
	ReasonTransferOut   Reason = "TRANSFER_OUT"
	ReasonTransferIn    Reason = "TRANSFER_IN"
	// ReasonWriteOff removes damaged or lost units. It is the only way
	// on-hand stock leaves without a deduct.
	ReasonWriteOff      Reason = "WRITE_OFF"
)

// IsProcurement reports reasons accepted by the procurement UpdateStock path.
func (r Reason) IsProcurement() bool {
	switch r {
	case ReasonGoodsReceived, ReasonAdjustment, ReasonReturnRestock, ReasonWriteOff:
		return true
	}
	return false
}

// SystemActor is recorded when no user initiated the mutation.
const SystemActor = "system"
