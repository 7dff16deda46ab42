package fulfillment

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"inventory/internal/config"
	"inventory/internal/model"
	"inventory/internal/monitor"
	"inventory/internal/repository"
	"inventory/internal/service/outbox"
	"inventory/internal/service/reservation"
	"inventory/pkg/log"
	"inventory/pkg/snowflake"
	"inventory/pkg/utils"
)

// Actor recorded on stock logs written by deliveries
const Actor = "fulfillment"

// Reconcile triggers, used as metric labels
const (
	TriggerShipment = "shipment"
	TriggerSync     = "sync"
	TriggerManual   = "manual"
)

// Deductor settles reserved stock inside a unit of work.
// *reservation.Service implements it.
type Deductor interface {
	DeductTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req reservation.StockRequest) error
}

// ShipmentLine quantity of one order line to ship
type ShipmentLine struct {
	OrderItemID uint64 `json:"order_item_id"`
	Quantity    int    `json:"quantity"`
}

// CreateShipmentRequest places part of an order into a new shipment
type CreateShipmentRequest struct {
	OrderID      uint64         `json:"order_id"`
	Carrier      string         `json:"carrier"`
	TrackingCode string         `json:"tracking_code"`
	Items        []ShipmentLine `json:"items"`
}

// Options backup sync settings
type Options struct {
	SyncInterval time.Duration
	StaleAfter   time.Duration
	BatchSize    int
}

// OptionsFrom maps the fulfillment config section
func OptionsFrom(cfg config.FulfillmentConfig) Options {
	return Options{
		SyncInterval: cfg.StaleSyncInterval,
		StaleAfter:   cfg.StaleAfter,
		BatchSize:    cfg.StaleBatchSize,
	}
}

// Service creates shipments and closes orders once every ordered unit is
// delivered.
type Service struct {
	txm      repository.TxManager
	deductor Deductor
	ids      *snowflake.Generator
	opts     Options
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer
	now      func() time.Time

	// syncMu guards cursor, where the next stale sync picks up
	syncMu sync.Mutex
	cursor repository.StaleCursor
}

// NewService creates a fulfillment service
func NewService(txm repository.TxManager, deductor Deductor, ids *snowflake.Generator, opts Options, metrics *monitor.Metrics, tracer *monitor.Tracer) *Service {
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 10 * time.Minute
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = time.Hour
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	return &Service{
		txm:      txm,
		deductor: deductor,
		ids:      ids,
		opts:     opts,
		metrics:  metrics,
		tracer:   tracer,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateShipment validates every line against what is left to ship and
// creates the shipment. The first shipment moves the order to PROCESSING.
func (s *Service) CreateShipment(ctx context.Context, tenantID uint64, req CreateShipmentRequest) (*model.Shipment, error) {
	ctx, span := s.tracer.StartSpan(ctx, "fulfillment.create_shipment",
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int64("order.id", int64(req.OrderID)),
	)
	defer span.End()

	if err := validateLines(req.Items); err != nil {
		return nil, err
	}

	var shipment *model.Shipment
	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		order, err := uow.Orders().GetForUpdate(ctx, tenantID, req.OrderID)
		if err != nil {
			return err
		}
		if order.IsCancelled() || order.IsCompleted() {
			return utils.Errorf(utils.ErrValidation, "order %s is %s", order.OrderNo, order.Status)
		}

		placed, err := placedQuantities(ctx, uow, tenantID, order.ID)
		if err != nil {
			return err
		}

		sh := &model.Shipment{
			TenantID:     tenantID,
			OrderID:      order.ID,
			ShipmentNo:   s.ids.Next("SH"),
			Carrier:      req.Carrier,
			TrackingCode: req.TrackingCode,
			Status:       model.ShipmentPending,
		}
		for _, line := range req.Items {
			item, ok := order.Item(line.OrderItemID)
			if !ok {
				return utils.Errorf(utils.ErrValidation, "item %d is not part of order %s", line.OrderItemID, order.OrderNo)
			}
			remaining := item.Quantity - placed[item.ID]
			if line.Quantity > remaining {
				return utils.Errorf(utils.ErrValidation, "item %d: requested %d, remaining %d", item.ID, line.Quantity, remaining)
			}
			sh.Items = append(sh.Items, model.ShipmentItem{OrderItemID: item.ID, Quantity: line.Quantity})
		}

		if err := uow.Shipments().Create(ctx, sh); err != nil {
			return err
		}
		if order.IsPending() {
			if err := uow.Orders().UpdateStatus(ctx, tenantID, order.ID, model.OrderStatusPending, model.OrderStatusProcessing); err != nil {
				return err
			}
		}
		shipment = sh
		return nil
	})
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}

	s.metrics.RecordShipmentTransition(string(model.ShipmentPending))
	log.ForTenant(tenantID).WithFields(map[string]interface{}{
		"order_id":    req.OrderID,
		"shipment_id": shipment.ID,
		"shipment_no": shipment.ShipmentNo,
		"lines":       len(shipment.Items),
	}).Info("Shipment created")
	return shipment, nil
}

// UpdateShipmentStatus moves a shipment along its transition table. Entering
// DELIVERED deducts the shipped stock; DELIVERED and RETURNED re-aggregate
// the order. Setting the current status again is a no-op.
func (s *Service) UpdateShipmentStatus(ctx context.Context, tenantID, shipmentID uint64, status model.ShipmentStatus) (*model.Shipment, error) {
	ctx, span := s.tracer.StartSpan(ctx, "fulfillment.update_shipment_status",
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int64("shipment.id", int64(shipmentID)),
		attribute.String("shipment.status", string(status)),
	)
	defer span.End()

	if !status.Valid() {
		return nil, utils.Errorf(utils.ErrValidation, "unknown shipment status %q", status)
	}

	var (
		shipment *model.Shipment
		changed  bool
	)
	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		sh, err := uow.Shipments().GetForUpdate(ctx, tenantID, shipmentID)
		if err != nil {
			return err
		}
		shipment = sh
		if sh.Status == status {
			return nil
		}
		if !sh.Status.CanTransitionTo(status) {
			return utils.Errorf(utils.ErrInvalidTransition, "shipment %s cannot go from %s to %s", sh.ShipmentNo, sh.Status, status)
		}

		order, err := uow.Orders().GetForUpdate(ctx, tenantID, sh.OrderID)
		if err != nil {
			return err
		}

		from := sh.Status
		now := s.now()
		sh.Status = status
		switch status {
		case model.ShipmentShipped:
			sh.ShippedAt = &now
		case model.ShipmentDelivered:
			if sh.ShippedAt == nil {
				sh.ShippedAt = &now
			}
			sh.DeliveredAt = &now
		}
		if err := uow.Shipments().UpdateStatus(ctx, sh, from); err != nil {
			return err
		}

		if status == model.ShipmentDelivered {
			if err := s.deductShipped(ctx, uow, order, sh); err != nil {
				return err
			}
		}

		err = outbox.Enqueue(ctx, uow, tenantID, &outbox.ShipmentStatusChanged{
			TenantID:   tenantID,
			ShipmentID: sh.ID,
			ShipmentNo: sh.ShipmentNo,
			OrderID:    order.ID,
			From:       string(from),
			To:         string(status),
			ChangedAt:  now,
		})
		if err != nil {
			return err
		}

		if status == model.ShipmentDelivered || status == model.ShipmentReturned {
			if _, err := s.reconcileTx(ctx, uow, order, TriggerShipment); err != nil {
				return err
			}
		}
		changed = true
		return nil
	})
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}

	if changed {
		s.metrics.RecordShipmentTransition(string(status))
		log.ForTenant(tenantID).WithFields(map[string]interface{}{
			"shipment_id": shipment.ID,
			"order_id":    shipment.OrderID,
			"status":      status,
		}).Info("Shipment status updated")
	}
	return shipment, nil
}

// ReconcileOrder re-aggregates an order from its delivered shipments and
// returns the resulting status.
func (s *Service) ReconcileOrder(ctx context.Context, tenantID, orderID uint64) (model.OrderStatus, error) {
	return s.reconcile(ctx, tenantID, orderID, TriggerManual)
}

func (s *Service) reconcile(ctx context.Context, tenantID, orderID uint64, trigger string) (model.OrderStatus, error) {
	var status model.OrderStatus
	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		order, err := uow.Orders().GetForUpdate(ctx, tenantID, orderID)
		if err != nil {
			return err
		}
		status, err = s.reconcileTx(ctx, uow, order, trigger)
		return err
	})
	return status, err
}

// reconcileTx sums delivered quantities per line over every DELIVERED
// shipment. The order completes only when each line is fully delivered and
// drops back to PROCESSING when a return breaks that.
func (s *Service) reconcileTx(ctx context.Context, uow repository.UnitOfWork, order *model.Order, trigger string) (model.OrderStatus, error) {
	if order.IsCancelled() || order.IsPending() || len(order.Items) == 0 {
		return order.Status, nil
	}

	shipments, err := uow.Shipments().ListByOrder(ctx, order.TenantID, order.ID)
	if err != nil {
		return "", err
	}
	delivered := make(map[uint64]int)
	for _, sh := range shipments {
		if !sh.IsDelivered() {
			continue
		}
		for _, it := range sh.Items {
			delivered[it.OrderItemID] += it.Quantity
		}
	}

	complete := true
	for _, it := range order.Items {
		if delivered[it.ID] < it.Quantity {
			complete = false
			break
		}
	}

	next := order.Status
	switch {
	case complete && !order.IsCompleted():
		next = model.OrderStatusCompleted
	case !complete && order.IsCompleted():
		next = model.OrderStatusProcessing
	}
	if next == order.Status {
		return next, nil
	}

	if err := uow.Orders().UpdateStatus(ctx, order.TenantID, order.ID, order.Status, next); err != nil {
		return "", err
	}
	if next == model.OrderStatusCompleted {
		err := outbox.Enqueue(ctx, uow, order.TenantID, &outbox.OrderPostProcess{
			TenantID:    order.TenantID,
			OrderID:     order.ID,
			OrderNo:     order.OrderNo,
			CompletedAt: s.now(),
		})
		if err != nil {
			return "", err
		}
	}

	s.metrics.RecordOrderReconcile(trigger, string(next))
	log.ForTenant(order.TenantID).WithFields(map[string]interface{}{
		"order_id": order.ID,
		"from":     order.Status,
		"to":       next,
		"trigger":  trigger,
	}).Info("Order status reconciled")
	order.Status = next
	return next, nil
}

// SyncStaleOrders re-aggregates one page of PROCESSING orders that have not
// changed for StaleAfter and returns how many were completed. Pages move
// forward between calls and wrap around after the last one, so orders that
// stay incomplete cannot starve the rest. One failing order does not stop
// the others.
func (s *Service) SyncStaleOrders(ctx context.Context) (int, error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()

	before := s.now().Add(-s.opts.StaleAfter)
	orders, err := s.txm.Repos().Orders().ListStale(ctx, model.OrderStatusProcessing, before, s.cursor, s.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(orders) < s.opts.BatchSize {
		s.cursor = repository.StaleCursor{}
	} else {
		s.cursor = repository.CursorAfter(orders[len(orders)-1])
	}

	completed := 0
	for _, o := range orders {
		status, err := s.reconcile(ctx, o.TenantID, o.ID, TriggerSync)
		if err != nil {
			if ctx.Err() != nil {
				return completed, ctx.Err()
			}
			log.ForTenant(o.TenantID).WithField("order_id", o.ID).WithError(err).Warn("Stale order sync failed")
			continue
		}
		if status == model.OrderStatusCompleted {
			completed++
		}
	}

	if len(orders) > 0 {
		log.ForComponent("fulfillment").WithFields(map[string]interface{}{
			"checked":   len(orders),
			"completed": completed,
		}).Info("Stale order sync finished")
	}
	return completed, nil
}

// Start runs SyncStaleOrders on SyncInterval until ctx is done
func (s *Service) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()

	log.ForComponent("fulfillment").WithFields(map[string]interface{}{
		"interval":    s.opts.SyncInterval.String(),
		"stale_after": s.opts.StaleAfter.String(),
	}).Info("Stale order sync started")

	for {
		select {
		case <-ctx.Done():
			log.ForComponent("fulfillment").Info("Stale order sync stopped")
			return nil
		case <-ticker.C:
			if _, err := s.SyncStaleOrders(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.ForComponent("fulfillment").WithError(err).Error("Stale order sync failed")
			}
		}
	}
}

func (s *Service) deductShipped(ctx context.Context, uow repository.UnitOfWork, order *model.Order, sh *model.Shipment) error {
	for _, it := range sh.Items {
		line, ok := order.Item(it.OrderItemID)
		if !ok {
			return utils.Errorf(utils.ErrValidation, "shipment %s references unknown item %d", sh.ShipmentNo, it.OrderItemID)
		}
		err := s.deductor.DeductTx(ctx, uow, order.TenantID, reservation.StockRequest{
			SKUID:     line.SKUStockID,
			Quantity:  it.Quantity,
			Reference: order.OrderNo,
			Actor:     Actor,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// placedQuantities sums per order line what non-cancelled shipments hold
func placedQuantities(ctx context.Context, uow repository.UnitOfWork, tenantID, orderID uint64) (map[uint64]int, error) {
	shipments, err := uow.Shipments().ListByOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	placed := make(map[uint64]int)
	for _, sh := range shipments {
		if sh.Status == model.ShipmentCancelled {
			continue
		}
		for _, it := range sh.Items {
			placed[it.OrderItemID] += it.Quantity
		}
	}
	return placed, nil
}

func validateLines(lines []ShipmentLine) error {
	if len(lines) == 0 {
		return utils.Errorf(utils.ErrValidation, "shipment has no items")
	}
	seen := make(map[uint64]bool, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return utils.Errorf(utils.ErrValidation, "item %d: quantity must be positive", l.OrderItemID)
		}
		if seen[l.OrderItemID] {
			return utils.Errorf(utils.ErrValidation, "item %d listed twice", l.OrderItemID)
		}
		seen[l.OrderItemID] = true
	}
	return nil
}
