package model

import (
	"time"
)

// Order is owned by the order service. This core only reads item
// quantities and drives the fulfillment part of the status.
type Order struct {
	ID        uint64      `gorm:"primaryKey;autoIncrement" json:"id"`
	TenantID  uint64      `gorm:"type:bigint unsigned;not null;index:idx_orders_tenant_status,priority:1" json:"tenant_id"`
	OrderNo   string      `gorm:"type:varchar(32);not null;uniqueIndex" json:"order_no"`
	Status    OrderStatus `gorm:"type:varchar(16);not null;index:idx_orders_tenant_status,priority:2;index:idx_orders_status_updated,priority:1" json:"status"`
	CreatedAt time.Time   `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt time.Time   `gorm:"type:timestamp;not null;default:CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP;index:idx_orders_status_updated,priority:2" json:"updated_at"`

	Items []OrderItem `gorm:"foreignKey:OrderID" json:"items,omitempty"`
}

// TableName set name
func (Order) TableName() string {
	return "orders"
}

// OrderItem order line
type OrderItem struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID    uint64 `gorm:"type:bigint unsigned;not null;index" json:"order_id"`
	TenantID   uint64 `gorm:"type:bigint unsigned;not null" json:"tenant_id"`
	SKUStockID uint64 `gorm:"type:bigint unsigned;not null" json:"sku_stock_id"`
	Quantity   int    `gorm:"type:int;not null" json:"quantity"`
}

// TableName set name
func (OrderItem) TableName() string {
	return "order_items"
}

// OrderStatus order status
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusProcessing OrderStatus = "PROCESSING"
	OrderStatusCompleted  OrderStatus = "COMPLETED"
	OrderStatusCancelled  OrderStatus = "CANCELLED"
)

// IsPending check order is pending
func (o *Order) IsPending() bool {
	return o.Status == OrderStatusPending
}

// IsCompleted check order is completed
func (o *Order) IsCompleted() bool {
	return o.Status == OrderStatusCompleted
}

// IsCancelled check order is cancelled
func (o *Order) IsCancelled() bool {
	return o.Status == OrderStatusCancelled
}

// Item finds an order line by id.
func (o *Order) Item(id uint64) (*OrderItem, bool) {
	for i := range o.Items {
		if o.Items[i].ID == id {
			return &o.Items[i], true
		}
	}
	return nil, false
}

// TotalQuantity sums ordered units over all lines.
func (o *Order) TotalQuantity() int {
	total := 0
	for _, it := range o.Items {
		total += it.Quantity
	}
	return total
}
