package reservation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"inventory/internal/config"
	"inventory/internal/model"
	"inventory/internal/monitor"
	"inventory/internal/repository"
	"inventory/internal/service/outbox"
	"inventory/pkg/log"
	"inventory/pkg/utils"
)

// ReserveRequest moves Quantity of a SKU from available to reserved
type ReserveRequest struct {
	SKUID     uint64 `json:"sku_id"`
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference"`
	Actor     string `json:"actor"`
}

// BatchItem one line of a batch reservation
type BatchItem struct {
	SKUID    uint64 `json:"sku_id"`
	Quantity int    `json:"quantity"`
}

// BatchRequest reserves every item or none
type BatchRequest struct {
	Items     []BatchItem `json:"items"`
	Reference string      `json:"reference"`
	Actor     string      `json:"actor"`
	// ReleaseCheckAfter overrides the configured delay of the release check.
	ReleaseCheckAfter time.Duration `json:"release_check_after"`
}

// StockRequest settles reserved stock. With ReservationID set the hold is
// settled exactly once and SKUID/Quantity default to the hold's values.
// WarehouseID picks the warehouse a deduct ships from; zero drains the SKU's
// warehouse lines in warehouse id order.
type StockRequest struct {
	SKUID         uint64 `json:"sku_id"`
	Quantity      int    `json:"quantity"`
	ReservationID string `json:"reservation_id"`
	Reference     string `json:"reference"`
	Actor         string `json:"actor"`
	WarehouseID   uint64 `json:"warehouse_id"`
}

// InsufficientStockError names the batch item that could not be reserved.
// It matches utils.ErrInsufficientStock with errors.Is.
type InsufficientStockError struct {
	Item      BatchItem
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for sku %d: requested %d, available %d", e.Item.SKUID, e.Item.Quantity, e.Available)
}

func (e *InsufficientStockError) Unwrap() error {
	return utils.ErrInsufficientStock
}

// Options service settings
type Options struct {
	ReleaseCheckDelay time.Duration
}

// OptionsFrom maps the inventory config section
func OptionsFrom(cfg config.InventoryConfig) Options {
	return Options{ReleaseCheckDelay: cfg.ReleaseCheckDelay}
}

// Service is the only writer of the available and reserved counters besides
// procurement. Every operation runs in one transaction; the *Tx variants let
// other services fold it into theirs.
type Service struct {
	txm     repository.TxManager
	monitor *Monitor
	opts    Options
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	now     func() time.Time
}

// NewService creates a reservation service
func NewService(txm repository.TxManager, mon *Monitor, opts Options, metrics *monitor.Metrics, tracer *monitor.Tracer) *Service {
	if opts.ReleaseCheckDelay <= 0 {
		opts.ReleaseCheckDelay = 15 * time.Minute
	}
	return &Service{
		txm:     txm,
		monitor: mon,
		opts:    opts,
		metrics: metrics,
		tracer:  tracer,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Reserve holds req.Quantity of one SKU
func (s *Service) Reserve(ctx context.Context, tenantID uint64, req ReserveRequest) (*model.Reservation, error) {
	ctx, span := s.tracer.StartSpan(ctx, "reservation.reserve",
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int64("sku.id", int64(req.SKUID)),
		attribute.Int("quantity", req.Quantity),
	)
	defer span.End()

	var res *model.Reservation
	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		var err error
		res, err = s.ReserveTx(ctx, uow, tenantID, req)
		return err
	})
	s.observe(span, "reserve", err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// ReserveTx runs Reserve inside the caller's unit of work
func (s *Service) ReserveTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req ReserveRequest) (*model.Reservation, error) {
	if req.Quantity <= 0 {
		return nil, utils.Errorf(utils.ErrValidation, "quantity must be positive, got %d", req.Quantity)
	}

	stock, err := uow.Stocks().GetForUpdate(ctx, tenantID, req.SKUID)
	if err != nil {
		return nil, err
	}
	if stock.Retired {
		return nil, utils.Errorf(utils.ErrNotFound, "sku %d is retired", req.SKUID)
	}
	if !stock.CanReserve(req.Quantity) {
		return nil, utils.Errorf(utils.ErrInsufficientStock, "sku %d: requested %d, available %d", req.SKUID, req.Quantity, stock.Available)
	}

	if err := s.apply(ctx, uow, stock, -req.Quantity, req.Quantity, model.ReasonReserve, req.Actor, req.Reference); err != nil {
		return nil, err
	}

	res := &model.Reservation{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		SKUStockID: stock.ID,
		Quantity:   req.Quantity,
		Reference:  req.Reference,
		Status:     model.ReservationReserved,
		CreatedAt:  s.now(),
	}
	if err := uow.Reservations().Create(ctx, res); err != nil {
		return nil, err
	}

	if s.monitor != nil {
		if _, err := s.monitor.Check(ctx, uow, stock); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// ReserveBatch reserves all items in one transaction or nothing. The first
// failing item is reported as *InsufficientStockError.
func (s *Service) ReserveBatch(ctx context.Context, tenantID uint64, req BatchRequest) ([]model.Reservation, error) {
	ctx, span := s.tracer.StartSpan(ctx, "reservation.reserve_batch",
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int("items", len(req.Items)),
	)
	defer span.End()

	var out []model.Reservation
	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		var err error
		out, err = s.ReserveBatchTx(ctx, uow, tenantID, req)
		return err
	})
	s.observe(span, "reserve_batch", err)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReserveBatchTx runs ReserveBatch inside the caller's unit of work
func (s *Service) ReserveBatchTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req BatchRequest) ([]model.Reservation, error) {
	if len(req.Items) == 0 {
		return nil, utils.Errorf(utils.ErrValidation, "batch has no items")
	}

	// lock rows in id order so concurrent batches cannot deadlock
	items := append([]BatchItem(nil), req.Items...)
	sort.SliceStable(items, func(i, j int) bool { return items[i].SKUID < items[j].SKUID })

	out := make([]model.Reservation, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		res, err := s.ReserveTx(ctx, uow, tenantID, ReserveRequest{
			SKUID:     item.SKUID,
			Quantity:  item.Quantity,
			Reference: req.Reference,
			Actor:     req.Actor,
		})
		if err != nil {
			if errors.Is(err, utils.ErrInsufficientStock) {
				stock, getErr := uow.Stocks().Get(ctx, tenantID, item.SKUID)
				if getErr != nil {
					return nil, err
				}
				return nil, &InsufficientStockError{Item: item, Available: stock.Available}
			}
			return nil, err
		}
		out = append(out, *res)
		ids = append(ids, res.ID)
	}

	if req.Reference != "" {
		delay := req.ReleaseCheckAfter
		if delay <= 0 {
			delay = s.opts.ReleaseCheckDelay
		}
		err := outbox.Enqueue(ctx, uow, tenantID, &outbox.OrderStockReleaseCheck{
			TenantID:       tenantID,
			Reference:      req.Reference,
			ReservationIDs: ids,
			CheckAfter:     s.now().Add(delay),
		})
		if err != nil {
			return nil, fmt.Errorf("enqueue release check: %w", err)
		}
	}
	return out, nil
}

// Release returns reserved stock to available
func (s *Service) Release(ctx context.Context, tenantID uint64, req StockRequest) error {
	return s.settle(ctx, tenantID, req, model.ReservationReleased)
}

// ReleaseTx runs Release inside the caller's unit of work
func (s *Service) ReleaseTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req StockRequest) error {
	return s.settleTx(ctx, uow, tenantID, req, model.ReservationReleased)
}

// Deduct removes reserved stock permanently
func (s *Service) Deduct(ctx context.Context, tenantID uint64, req StockRequest) error {
	return s.settle(ctx, tenantID, req, model.ReservationDeducted)
}

// DeductTx runs Deduct inside the caller's unit of work
func (s *Service) DeductTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req StockRequest) error {
	return s.settleTx(ctx, uow, tenantID, req, model.ReservationDeducted)
}

// ReleaseReference releases every open hold recorded under reference and
// returns how many were released.
func (s *Service) ReleaseReference(ctx context.Context, tenantID uint64, reference, actor string) (int, error) {
	var released int
	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		var err error
		released, err = s.ReleaseReferenceTx(ctx, uow, tenantID, reference, actor)
		return err
	})
	s.metrics.RecordStockOperation("release_reference", outcome(err))
	return released, err
}

// ReleaseReferenceTx is ReleaseReference inside the caller's transaction.
func (s *Service) ReleaseReferenceTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, reference, actor string) (int, error) {
	if reference == "" {
		return 0, utils.Errorf(utils.ErrValidation, "reference is required")
	}

	holds, err := uow.Reservations().ListOpenByReference(ctx, tenantID, reference)
	if err != nil {
		return 0, err
	}
	for i, h := range holds {
		err := s.settleTx(ctx, uow, tenantID, StockRequest{ReservationID: h.ID, Reference: reference, Actor: actor}, model.ReservationReleased)
		if err != nil {
			return i, err
		}
	}
	return len(holds), nil
}

func (s *Service) settle(ctx context.Context, tenantID uint64, req StockRequest, to model.ReservationStatus) error {
	op := operationFor(to)
	ctx, span := s.tracer.StartSpan(ctx, "reservation."+op,
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int64("sku.id", int64(req.SKUID)),
		attribute.String("reservation.id", req.ReservationID),
	)
	defer span.End()

	err := s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
		return s.settleTx(ctx, uow, tenantID, req, to)
	})
	s.observe(span, op, err)
	return err
}

func (s *Service) settleTx(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req StockRequest, to model.ReservationStatus) error {
	if req.ReservationID != "" {
		hold, err := uow.Reservations().Get(ctx, tenantID, req.ReservationID)
		if err != nil {
			return err
		}
		if !hold.IsOpen() {
			return utils.Errorf(utils.ErrReservationSettled, "reservation %s is already %s", hold.ID, hold.Status)
		}
		if req.SKUID != 0 && req.SKUID != hold.SKUStockID {
			return utils.Errorf(utils.ErrValidation, "reservation %s belongs to sku %d", hold.ID, hold.SKUStockID)
		}
		if req.Quantity != 0 && req.Quantity != hold.Quantity {
			return utils.Errorf(utils.ErrValidation, "reservation %s holds %d, not %d", hold.ID, hold.Quantity, req.Quantity)
		}
		req.SKUID = hold.SKUStockID
		req.Quantity = hold.Quantity
		if req.Reference == "" {
			req.Reference = hold.Reference
		}
		if err := uow.Reservations().Settle(ctx, tenantID, hold.ID, to, s.now()); err != nil {
			return err
		}
	}

	if req.Quantity <= 0 {
		return utils.Errorf(utils.ErrValidation, "quantity must be positive, got %d", req.Quantity)
	}

	stock, err := uow.Stocks().GetForUpdate(ctx, tenantID, req.SKUID)
	if err != nil {
		return err
	}
	if stock.Reserved < req.Quantity {
		return utils.Errorf(utils.ErrInsufficientStock, "sku %d: %s %d, reserved %d", req.SKUID, operationFor(to), req.Quantity, stock.Reserved)
	}

	availableDelta, reason := req.Quantity, model.ReasonRelease
	if to == model.ReservationDeducted {
		availableDelta, reason = 0, model.ReasonDeduct
	}
	if err := s.apply(ctx, uow, stock, availableDelta, -req.Quantity, reason, req.Actor, req.Reference); err != nil {
		return err
	}
	if to == model.ReservationDeducted {
		if err := s.drawDown(ctx, uow, stock, req); err != nil {
			return err
		}
	}

	if req.ReservationID == "" && req.Reference != "" {
		return s.settleHolds(ctx, uow, tenantID, req, to)
	}
	return nil
}

// settleHolds closes open holds of req.Reference on the same SKU for the
// settled quantity, oldest first. A hold that is only partly covered is split:
// it keeps the remainder open and a settled row records the covered part. Open
// holds of a reference then always add up to what it still has reserved.
func (s *Service) settleHolds(ctx context.Context, uow repository.UnitOfWork, tenantID uint64, req StockRequest, to model.ReservationStatus) error {
	holds, err := uow.Reservations().ListOpenByReference(ctx, tenantID, req.Reference)
	if err != nil {
		return err
	}
	left := req.Quantity
	for _, h := range holds {
		if left == 0 {
			break
		}
		if h.SKUStockID != req.SKUID {
			continue
		}
		now := s.now()
		if h.Quantity <= left {
			if err := uow.Reservations().Settle(ctx, tenantID, h.ID, to, now); err != nil {
				return err
			}
			left -= h.Quantity
			continue
		}

		if err := uow.Reservations().Shrink(ctx, tenantID, h.ID, left); err != nil {
			return err
		}
		err := uow.Reservations().Create(ctx, &model.Reservation{
			ID:         uuid.NewString(),
			TenantID:   tenantID,
			SKUStockID: h.SKUStockID,
			Quantity:   left,
			Reference:  h.Reference,
			Status:     to,
			CreatedAt:  now,
			SettledAt:  &now,
		})
		if err != nil {
			return err
		}
		left = 0
	}
	return nil
}

// drawDown takes deducted units off the SKU's warehouse lines so the lines
// keep adding up to available + reserved. SKUs that were never stocked through
// a warehouse have no lines and are left alone. The caller holds the SKU row
// lock, which every warehouse line change of the SKU takes first.
func (s *Service) drawDown(ctx context.Context, uow repository.UnitOfWork, stock *model.SKUStock, req StockRequest) error {
	lines, err := uow.Warehouses().ListStocks(ctx, stock.TenantID, stock.ID)
	if err != nil {
		return err
	}
	if len(lines) == 0 {
		if req.WarehouseID != 0 {
			return utils.Errorf(utils.ErrInsufficientStock, "sku %d has no stock in warehouse %d", stock.ID, req.WarehouseID)
		}
		return nil
	}

	actor := req.Actor
	if actor == "" {
		actor = model.SystemActor
	}
	var ref *string
	if req.Reference != "" {
		ref = &req.Reference
	}

	left := req.Quantity
	var logs []*model.InventoryLog
	for _, line := range lines {
		if left == 0 {
			break
		}
		if req.WarehouseID != 0 && line.WarehouseID != req.WarehouseID {
			continue
		}
		take := min(line.Quantity, left)
		if take <= 0 {
			continue
		}
		if err := uow.Warehouses().AdjustQuantity(ctx, stock.TenantID, line.WarehouseID, stock.ID, -take); err != nil {
			return err
		}
		warehouseID := line.WarehouseID
		logs = append(logs, &model.InventoryLog{
			TenantID:      stock.TenantID,
			SKUStockID:    stock.ID,
			WarehouseID:   &warehouseID,
			Scope:         model.ScopeWarehouse,
			Counter:       model.CounterQuantity,
			Delta:         -take,
			PreviousValue: line.Quantity,
			NewValue:      line.Quantity - take,
			Reason:        model.ReasonDeduct,
			Actor:         actor,
			Reference:     ref,
			CreatedAt:     s.now(),
		})
		left -= take
	}
	if left > 0 {
		return utils.Errorf(utils.ErrInsufficientStock, "sku %d: warehouse lines are short %d to deduct %d", stock.ID, left, req.Quantity)
	}
	return uow.InventoryLogs().Append(ctx, logs...)
}

// apply moves the counters under the guarded update and writes one aggregate
// log row per counter that changed. stock is updated to the new values.
func (s *Service) apply(ctx context.Context, uow repository.UnitOfWork, stock *model.SKUStock, availableDelta, reservedDelta int, reason model.Reason, actor, reference string) error {
	if err := uow.Stocks().ApplyDelta(ctx, stock.TenantID, stock.ID, availableDelta, reservedDelta); err != nil {
		return err
	}

	if actor == "" {
		actor = model.SystemActor
	}
	var ref *string
	if reference != "" {
		ref = &reference
	}

	now := s.now()
	var logs []*model.InventoryLog
	if availableDelta != 0 {
		logs = append(logs, &model.InventoryLog{
			TenantID:      stock.TenantID,
			SKUStockID:    stock.ID,
			Scope:         model.ScopeSKU,
			Counter:       model.CounterAvailable,
			Delta:         availableDelta,
			PreviousValue: stock.Available,
			NewValue:      stock.Available + availableDelta,
			Reason:        reason,
			Actor:         actor,
			Reference:     ref,
			CreatedAt:     now,
		})
	}
	if reservedDelta != 0 {
		logs = append(logs, &model.InventoryLog{
			TenantID:      stock.TenantID,
			SKUStockID:    stock.ID,
			Scope:         model.ScopeSKU,
			Counter:       model.CounterReserved,
			Delta:         reservedDelta,
			PreviousValue: stock.Reserved,
			NewValue:      stock.Reserved + reservedDelta,
			Reason:        reason,
			Actor:         actor,
			Reference:     ref,
			CreatedAt:     now,
		})
	}
	if err := uow.InventoryLogs().Append(ctx, logs...); err != nil {
		return err
	}

	stock.Available += availableDelta
	stock.Reserved += reservedDelta
	return nil
}

func (s *Service) observe(span oteltrace.Span, op string, err error) {
	s.metrics.RecordStockOperation(op, outcome(err))
	if err == nil {
		return
	}
	s.tracer.RecordError(span, err)
	entry := log.WithFields(map[string]interface{}{"operation": op}).WithError(err)
	if errors.Is(err, utils.ErrInsufficientStock) || errors.Is(err, utils.ErrReservationSettled) {
		entry.Debug("Stock operation rejected")
		return
	}
	entry.Warn("Stock operation failed")
}

func operationFor(to model.ReservationStatus) string {
	if to == model.ReservationDeducted {
		return "deduct"
	}
	return "release"
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, utils.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, utils.ErrNotFound):
		return "not_found"
	case errors.Is(err, utils.ErrValidation):
		return "invalid"
	case errors.Is(err, utils.ErrReservationSettled):
		return "settled"
	default:
		return "error"
	}
}
