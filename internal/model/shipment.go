package model

import (
	"time"
)

// Shipment is one physical delivery covering part or all of an order.
type Shipment struct {
	ID           uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID     uint64         `gorm:"type:bigint unsigned;not null;index:idx_shipments_order,priority:1" json:"tenant_id"`
	OrderID      uint64         `gorm:"type:bigint unsigned;not null;index:idx_shipments_order,priority:2" json:"order_id"`
	ShipmentNo   string         `gorm:"type:varchar(32);not null;uniqueIndex" json:"shipment_no"`
	Carrier      string         `gorm:"type:varchar(64);not null;default:''" json:"carrier"`
	TrackingCode string         `gorm:"type:varchar(128);not null;default:''" json:"tracking_code"`
	Status       ShipmentStatus `gorm:"type:varchar(16);not null;index" json:"status"`
	ShippedAt    *time.Time     `gorm:"type:timestamp" json:"shipped_at,omitempty"`
	DeliveredAt  *time.Time     `gorm:"type:timestamp" json:"delivered_at,omitempty"`
	CreatedAt    time.Time      `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP" json:"updated_at"`

	Items []ShipmentItem `gorm:"foreignKey:ShipmentID" json:"items,omitempty"`
}

// TableName set name
func (Shipment) TableName() string {
	return "shipments"
}

// ShipmentItem quantity of one order line placed in a shipment
type ShipmentItem struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	ShipmentID  uint64 `gorm:"type:bigint unsigned;not null;index" json:"shipment_id"`
	TenantID    uint64 `gorm:"type:bigint unsigned;not null" json:"tenant_id"`
	OrderItemID uint64 `gorm:"type:bigint unsigned;not null;index" json:"order_item_id"`
	Quantity    int    `gorm:"type:int;not null" json:"quantity"`
}

// TableName set name
func (ShipmentItem) TableName() string {
	return "shipment_items"
}

// ShipmentStatus shipment lifecycle
type ShipmentStatus string

const (
	ShipmentPending   ShipmentStatus = "PENDING"
	ShipmentShipped   ShipmentStatus = "SHIPPED"
	ShipmentDelivered ShipmentStatus = "DELIVERED"
	ShipmentReturned  ShipmentStatus = "RETURNED"
	ShipmentCancelled ShipmentStatus = "CANCELLED"
)

var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentPending:   {ShipmentShipped, ShipmentDelivered, ShipmentCancelled},
	ShipmentShipped:   {ShipmentDelivered, ShipmentReturned},
	ShipmentDelivered: {ShipmentReturned},
}

// CanTransitionTo reports whether the shipment may move to next.
func (s ShipmentStatus) CanTransitionTo(next ShipmentStatus) bool {
	for _, allowed := range shipmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known status.
func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentPending, ShipmentShipped, ShipmentDelivered, ShipmentReturned, ShipmentCancelled:
		return true
	}
	return false
}

// IsDelivered check shipment is delivered
func (s *Shipment) IsDelivered() bool {
	return s.Status == ShipmentDelivered
}
