package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"inventory/internal/model"
	"inventory/internal/repository"
)

// Event types stored in outbox_events.type
const (
	TypeLowStockAlert          = "LOW_STOCK_ALERT"
	TypeOrderStockReleaseCheck = "ORDER_STOCK_RELEASE_CHECK"
	TypeOrderPostProcess       = "ORDER_POST_PROCESS"
	TypeShipmentStatusChanged  = "SHIPMENT_STATUS_CHANGED"
)

// Aggregate types stored in outbox_events.aggregate_type
const (
	AggregateSKU      = "sku"
	AggregateOrder    = "order"
	AggregateShipment = "shipment"
)

// ErrUnknownEventType is returned by Decode for a type no handler knows.
var ErrUnknownEventType = errors.New("unknown outbox event type")

// Aggregate identifies the entity an event is about
type Aggregate struct {
	Type string
	ID   string
}

// Event is one outbox intent. The set of implementations is closed: each
// kind has a method on Handler, so adding a kind breaks every handler
// until it deals with it.
type Event interface {
	Type() string
	Aggregate() Aggregate
	Accept(ctx context.Context, h Handler) error
}

// Handler performs the side effect of each event kind
type Handler interface {
	HandleLowStockAlert(ctx context.Context, e *LowStockAlert) error
	HandleOrderStockReleaseCheck(ctx context.Context, e *OrderStockReleaseCheck) error
	HandleOrderPostProcess(ctx context.Context, e *OrderPostProcess) error
	HandleShipmentStatusChanged(ctx context.Context, e *ShipmentStatusChanged) error
}

// LowStockAlert is written when a reservation leaves available below the
// tenant threshold.
type LowStockAlert struct {
	TenantID   uint64 `json:"tenant_id"`
	SKUStockID uint64 `json:"sku_stock_id"`
	SKU        string `json:"sku"`
	Available  int    `json:"available"`
	Threshold  int    `json:"threshold"`
}

func (e *LowStockAlert) Type() string { return TypeLowStockAlert }

func (e *LowStockAlert) Aggregate() Aggregate {
	return Aggregate{Type: AggregateSKU, ID: strconv.FormatUint(e.SKUStockID, 10)}
}

func (e *LowStockAlert) Accept(ctx context.Context, h Handler) error {
	return h.HandleLowStockAlert(ctx, e)
}

// OrderStockReleaseCheck asks the order side to release the holds of an
// order that is still unpaid after CheckAfter.
type OrderStockReleaseCheck struct {
	TenantID       uint64    `json:"tenant_id"`
	Reference      string    `json:"reference"`
	ReservationIDs []string  `json:"reservation_ids"`
	CheckAfter     time.Time `json:"check_after"`
}

func (e *OrderStockReleaseCheck) Type() string { return TypeOrderStockReleaseCheck }

func (e *OrderStockReleaseCheck) Aggregate() Aggregate {
	return Aggregate{Type: AggregateOrder, ID: e.Reference}
}

func (e *OrderStockReleaseCheck) Accept(ctx context.Context, h Handler) error {
	return h.HandleOrderStockReleaseCheck(ctx, e)
}

// OrderPostProcess is written when an order becomes COMPLETED.
type OrderPostProcess struct {
	TenantID    uint64    `json:"tenant_id"`
	OrderID     uint64    `json:"order_id"`
	OrderNo     string    `json:"order_no"`
	CompletedAt time.Time `json:"completed_at"`
}

func (e *OrderPostProcess) Type() string { return TypeOrderPostProcess }

func (e *OrderPostProcess) Aggregate() Aggregate {
	return Aggregate{Type: AggregateOrder, ID: strconv.FormatUint(e.OrderID, 10)}
}

func (e *OrderPostProcess) Accept(ctx context.Context, h Handler) error {
	return h.HandleOrderPostProcess(ctx, e)
}

// ShipmentStatusChanged is written for every shipment transition.
type ShipmentStatusChanged struct {
	TenantID   uint64    `json:"tenant_id"`
	ShipmentID uint64    `json:"shipment_id"`
	ShipmentNo string    `json:"shipment_no"`
	OrderID    uint64    `json:"order_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	ChangedAt  time.Time `json:"changed_at"`
}

func (e *ShipmentStatusChanged) Type() string { return TypeShipmentStatusChanged }

func (e *ShipmentStatusChanged) Aggregate() Aggregate {
	return Aggregate{Type: AggregateShipment, ID: strconv.FormatUint(e.ShipmentID, 10)}
}

func (e *ShipmentStatusChanged) Accept(ctx context.Context, h Handler) error {
	return h.HandleShipmentStatusChanged(ctx, e)
}

// Decode rebuilds an event from a stored row
func Decode(eventType string, payload []byte) (Event, error) {
	var ev Event
	switch eventType {
	case TypeLowStockAlert:
		ev = &LowStockAlert{}
	case TypeOrderStockReleaseCheck:
		ev = &OrderStockReleaseCheck{}
	case TypeOrderPostProcess:
		ev = &OrderPostProcess{}
	case TypeShipmentStatusChanged:
		ev = &ShipmentStatusChanged{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, eventType)
	}

	if err := json.Unmarshal(payload, ev); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
	}
	return ev, nil
}

// Enqueue writes ev as a PENDING row through uow, so it commits or rolls
// back with the caller's state change.
func Enqueue(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", ev.Type(), err)
	}

	agg := ev.Aggregate()
	return uow.Outbox().Create(ctx, &model.OutboxEvent{
		TenantID:      tenantID,
		AggregateType: agg.Type,
		AggregateID:   agg.ID,
		Type:          ev.Type(),
		Payload:       payload,
		Status:        model.OutboxPending,
	})
}
