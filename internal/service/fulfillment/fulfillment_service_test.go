package fulfillment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"inventory/internal/model"
	"inventory/internal/repository"
	"inventory/internal/repository/memstore"
	"inventory/internal/service/outbox"
	"inventory/internal/service/reservation"
	"inventory/pkg/snowflake"
	"inventory/pkg/utils"
)

const tenant = uint64(1)

type fixture struct {
	store *memstore.Store
	stock *reservation.Service
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memstore.New()
	ids, err := snowflake.NewGenerator(1)
	require.NoError(t, err)
	stock := reservation.NewService(store, nil, reservation.Options{}, nil, nil)
	return &fixture{
		store: store,
		stock: stock,
		svc:   NewService(store, stock, ids, Options{StaleAfter: time.Hour, SyncInterval: 10 * time.Millisecond}, nil, nil),
	}
}

// order seeds an order whose lines are already reserved
func (f *fixture) order(quantities ...int) model.Order {
	var items []model.OrderItem
	for i, q := range quantities {
		sku := f.store.PutSKU(tenant, string(rune('A'+i)), 0, q)
		items = append(items, model.OrderItem{SKUStockID: sku.ID, Quantity: q})
	}
	return f.store.PutOrder(tenant, model.OrderStatusPending, items...)
}

func (f *fixture) status(orderID uint64) model.OrderStatus {
	o, _ := f.store.Order(orderID)
	return o.Status
}

func (f *fixture) events(eventType string) []model.OutboxEvent {
	var out []model.OutboxEvent
	for _, e := range f.store.OutboxEvents() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func line(item model.OrderItem, qty int) ShipmentLine {
	return ShipmentLine{OrderItemID: item.ID, Quantity: qty}
}

func TestFulfillment_SplitShipmentCompletesAfterBoth(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(2, 3)
	a, b := order.Items[0], order.Items[1]

	sh1, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Carrier: "DHL", Items: []ShipmentLine{line(a, 2)}})
	require.NoError(t, err)
	assert.Equal(t, model.ShipmentPending, sh1.Status)
	assert.Regexp(t, `^SH\d+$`, sh1.ShipmentNo)
	assert.Equal(t, model.OrderStatusProcessing, f.status(order.ID))

	sh2, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(b, 3)}})
	require.NoError(t, err)
	assert.NotEqual(t, sh1.ShipmentNo, sh2.ShipmentNo)

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh1.ID, model.ShipmentShipped)
	require.NoError(t, err)
	got, err := f.svc.UpdateShipmentStatus(ctx, tenant, sh1.ID, model.ShipmentDelivered)
	require.NoError(t, err)
	assert.NotNil(t, got.DeliveredAt)
	assert.Equal(t, model.OrderStatusProcessing, f.status(order.ID), "only one of two shipments delivered")
	assert.Empty(t, f.events(outbox.TypeOrderPostProcess))

	skuA, _ := f.store.SKU(a.SKUStockID)
	assert.Zero(t, skuA.Reserved, "delivery deducts reserved stock")

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh2.ID, model.ShipmentDelivered)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, f.status(order.ID))

	skuB, _ := f.store.SKU(b.SKUStockID)
	assert.Zero(t, skuB.Reserved)
	assert.Zero(t, skuB.Available)

	post := f.events(outbox.TypeOrderPostProcess)
	require.Len(t, post, 1)
	assert.Equal(t, outbox.AggregateOrder, post[0].AggregateType)
	assert.Len(t, f.events(outbox.TypeShipmentStatusChanged), 3)
}

func TestFulfillment_RejectsOverShipment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(2)
	a := order.Items[0]

	_, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(a, 3)}})
	assert.True(t, errors.Is(err, utils.ErrValidation))
	assert.Empty(t, f.store.Shipments(order.ID))
	assert.Equal(t, model.OrderStatusPending, f.status(order.ID))

	first, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(a, 2)}})
	require.NoError(t, err)

	_, err = f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(a, 1)}})
	assert.True(t, errors.Is(err, utils.ErrValidation))

	// a cancelled shipment frees its quantity
	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, first.ID, model.ShipmentCancelled)
	require.NoError(t, err)
	_, err = f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(a, 2)}})
	require.NoError(t, err)
	assert.Len(t, f.store.Shipments(order.ID), 2)
}

func TestFulfillment_CreateShipmentValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(2, 1)
	other := f.order(1)
	a := order.Items[0]

	tests := []struct {
		name  string
		items []ShipmentLine
	}{
		{"empty", nil},
		{"zero quantity", []ShipmentLine{line(a, 0)}},
		{"duplicate line", []ShipmentLine{line(a, 1), line(a, 1)}},
		{"item of another order", []ShipmentLine{line(other.Items[0], 1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: tt.items})
			assert.True(t, errors.Is(err, utils.ErrValidation), "got %v", err)
		})
	}

	_, err := f.svc.CreateShipment(ctx, 2, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(a, 1)}})
	assert.True(t, errors.Is(err, utils.ErrNotFound))

	assert.Empty(t, f.store.Shipments(order.ID))
}

func TestFulfillment_TransitionTable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(1)
	sh, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(order.Items[0], 1)}})
	require.NoError(t, err)

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentReturned)
	assert.True(t, errors.Is(err, utils.ErrInvalidTransition))

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, "LOST")
	assert.True(t, errors.Is(err, utils.ErrValidation))

	_, err = f.svc.UpdateShipmentStatus(ctx, 2, sh.ID, model.ShipmentShipped)
	assert.True(t, errors.Is(err, utils.ErrNotFound))

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, 9999, model.ShipmentShipped)
	assert.True(t, errors.Is(err, utils.ErrNotFound))

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentShipped)
	require.NoError(t, err)

	// repeating the current status changes nothing
	again, err := f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentShipped)
	require.NoError(t, err)
	assert.Equal(t, model.ShipmentShipped, again.Status)
	assert.Len(t, f.events(outbox.TypeShipmentStatusChanged), 1)

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentCancelled)
	assert.True(t, errors.Is(err, utils.ErrInvalidTransition))
}

func TestFulfillment_ReturnReopensOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(2)
	sh, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(order.Items[0], 2)}})
	require.NoError(t, err)

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentDelivered)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, f.status(order.ID))

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentReturned)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusProcessing, f.status(order.ID))

	// returns do not put stock back through the reservation path
	sku, _ := f.store.SKU(order.Items[0].SKUStockID)
	assert.Zero(t, sku.Available)
	assert.Zero(t, sku.Reserved)
	assert.Len(t, f.events(outbox.TypeOrderPostProcess), 1)
}

func TestFulfillment_DeliveryRollsBackWhenStockMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sku := f.store.PutSKU(tenant, "NOHOLD", 5, 0)
	order := f.store.PutOrder(tenant, model.OrderStatusPending, model.OrderItem{SKUStockID: sku.ID, Quantity: 1})

	sh, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(order.Items[0], 1)}})
	require.NoError(t, err)

	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentDelivered)
	assert.True(t, errors.Is(err, utils.ErrInsufficientStock))

	shipments := f.store.Shipments(order.ID)
	require.Len(t, shipments, 1)
	assert.Equal(t, model.ShipmentPending, shipments[0].Status)
	assert.Equal(t, model.OrderStatusProcessing, f.status(order.ID))
	assert.Empty(t, f.events(outbox.TypeShipmentStatusChanged))
}

func TestFulfillment_DeliverySettlesOrderHolds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sku := f.store.PutSKU(tenant, "MUG", 5, 0)
	order := f.store.PutOrder(tenant, model.OrderStatusPending, model.OrderItem{SKUStockID: sku.ID, Quantity: 2})

	_, err := f.stock.ReserveBatch(ctx, tenant, reservation.BatchRequest{
		Items:     []reservation.BatchItem{{SKUID: sku.ID, Quantity: 2}},
		Reference: order.OrderNo,
	})
	require.NoError(t, err)

	sh, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(order.Items[0], 2)}})
	require.NoError(t, err)
	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentDelivered)
	require.NoError(t, err)

	// the order expiry job finds nothing left to release
	n, err := f.stock.ReleaseReference(ctx, tenant, order.OrderNo, "expiry")
	require.NoError(t, err)
	assert.Zero(t, n)

	got, _ := f.store.SKU(sku.ID)
	assert.Equal(t, 3, got.Available)
	assert.Zero(t, got.Reserved)
}

func TestFulfillment_SplitLineReleasesOnlyUndelivered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sku := f.store.PutSKU(tenant, "MUG", 10, 0)
	order := f.store.PutOrder(tenant, model.OrderStatusPending, model.OrderItem{SKUStockID: sku.ID, Quantity: 2})
	other := f.store.PutOrder(tenant, model.OrderStatusPending, model.OrderItem{SKUStockID: sku.ID, Quantity: 3})

	for _, o := range []model.Order{order, other} {
		_, err := f.stock.ReserveBatch(ctx, tenant, reservation.BatchRequest{
			Items:     []reservation.BatchItem{{SKUID: sku.ID, Quantity: o.Items[0].Quantity}},
			Reference: o.OrderNo,
		})
		require.NoError(t, err)
	}

	sh, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(order.Items[0], 1)}})
	require.NoError(t, err)
	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh.ID, model.ShipmentDelivered)
	require.NoError(t, err)

	n, err := f.stock.ReleaseReference(ctx, tenant, order.OrderNo, "expiry")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, _ := f.store.SKU(sku.ID)
	assert.Equal(t, 6, got.Available)
	assert.Equal(t, 3, got.Reserved)

	sh2, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: other.ID, Items: []ShipmentLine{line(other.Items[0], 3)}})
	require.NoError(t, err)
	_, err = f.svc.UpdateShipmentStatus(ctx, tenant, sh2.ID, model.ShipmentDelivered)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, f.status(other.ID))
}

func TestFulfillment_SyncStaleOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	order := f.order(1)
	pending := f.order(1)
	sh, err := f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: order.ID, Items: []ShipmentLine{line(order.Items[0], 1)}})
	require.NoError(t, err)
	_, err = f.svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: pending.ID, Items: []ShipmentLine{line(pending.Items[0], 1)}})
	require.NoError(t, err)

	// the carrier update reached the shipment row without reconciling the order
	err = f.store.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		now := time.Now().UTC()
		delivered := *sh
		delivered.Status = model.ShipmentDelivered
		delivered.DeliveredAt = &now
		return uow.Shipments().UpdateStatus(ctx, &delivered, model.ShipmentPending)
	})
	require.NoError(t, err)
	f.store.TouchOrder(order.ID, time.Now().Add(-2*time.Hour))
	f.store.TouchOrder(pending.ID, time.Now().Add(-2*time.Hour))

	n, err := f.svc.SyncStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OrderStatusCompleted, f.status(order.ID))
	assert.Equal(t, model.OrderStatusProcessing, f.status(pending.ID))
	assert.Len(t, f.events(outbox.TypeOrderPostProcess), 1)

	// already complete, nothing more to do
	status, err := f.svc.ReconcileOrder(ctx, tenant, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusCompleted, status)
	assert.Len(t, f.events(outbox.TypeOrderPostProcess), 1)
}

func TestFulfillment_SyncStaleOrdersMovesPastStuckOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	svc := NewService(f.store, f.stock, f.svc.ids, Options{StaleAfter: time.Hour, BatchSize: 2}, nil, nil)

	// two orders whose shipments never arrive
	for i, age := range []time.Duration{4 * time.Hour, 3 * time.Hour} {
		stuck := f.order(1)
		_, err := svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: stuck.ID, Items: []ShipmentLine{line(stuck.Items[0], 1)}})
		require.NoError(t, err, "stuck order %d", i)
		f.store.TouchOrder(stuck.ID, time.Now().Add(-age))
	}

	target := f.order(1)
	sh, err := svc.CreateShipment(ctx, tenant, CreateShipmentRequest{OrderID: target.ID, Items: []ShipmentLine{line(target.Items[0], 1)}})
	require.NoError(t, err)
	err = f.store.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		now := time.Now().UTC()
		delivered := *sh
		delivered.Status = model.ShipmentDelivered
		delivered.DeliveredAt = &now
		return uow.Shipments().UpdateStatus(ctx, &delivered, model.ShipmentPending)
	})
	require.NoError(t, err)
	f.store.TouchOrder(target.ID, time.Now().Add(-2*time.Hour))

	n, err := svc.SyncStaleOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, model.OrderStatusProcessing, f.status(target.ID))

	n, err = svc.SyncStaleOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OrderStatusCompleted, f.status(target.ID))

	// wrapped around to the stuck orders again
	n, err = svc.SyncStaleOrders(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFulfillment_StartStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sync loop did not stop")
	}
}
