package procurement

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"inventory/internal/model"
	"inventory/internal/monitor"
	"inventory/internal/repository"
	"inventory/pkg/log"
	"inventory/pkg/utils"
)

// StockUpdate changes the quantity of one SKU in one warehouse
type StockUpdate struct {
	WarehouseID uint64       `json:"warehouse_id"`
	SKUID       uint64       `json:"sku_id"`
	Delta       int          `json:"delta"`
	Reason      model.Reason `json:"reason"`
	Actor       string       `json:"actor"`
	Reference   string       `json:"reference"`
}

// Transfer moves unreserved stock between two warehouses
type Transfer struct {
	From      uint64 `json:"from"`
	To        uint64 `json:"to"`
	SKUID     uint64 `json:"sku_id"`
	Quantity  int    `json:"quantity"`
	Actor     string `json:"actor"`
	Reference string `json:"reference"`
}

// Service writes warehouse lines and the aggregate available counter
// together. With deduct drawing lines down as well, the lines of a SKU add up
// to available + reserved.
type Service struct {
	txm     repository.TxManager
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	now     func() time.Time
}

// NewService creates a procurement service
func NewService(txm repository.TxManager, metrics *monitor.Metrics, tracer *monitor.Tracer) *Service {
	return &Service{
		txm:     txm,
		metrics: metrics,
		tracer:  tracer,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// UpdateStock applies a goods-in, upward adjustment, return restock or
// write-off and returns the SKU after the change. Only WRITE_OFF may lower
// stock; a write-off can only take unreserved units.
func (s *Service) UpdateStock(ctx context.Context, tenantID uint64, req StockUpdate) (*model.SKUStock, error) {
	ctx, span := s.tracer.StartSpan(ctx, "procurement.update_stock",
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int64("warehouse.id", int64(req.WarehouseID)),
		attribute.Int64("sku.id", int64(req.SKUID)),
		attribute.Int("delta", req.Delta),
	)
	defer span.End()

	var out *model.SKUStock
	err := validateUpdate(req)
	if err == nil {
		err = s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
			stock, err := s.lockSKU(ctx, uow, tenantID, req.SKUID)
			if err != nil {
				return err
			}
			if err := s.applyDelta(ctx, uow, stock, req.WarehouseID, req.Delta, req.Reason, req.Actor, req.Reference); err != nil {
				return err
			}
			out = stock
			return nil
		})
	}

	s.observe(string(req.Reason), err)
	if err != nil {
		s.tracer.RecordError(span, err)
		return nil, err
	}

	log.ForTenant(tenantID).WithFields(map[string]interface{}{
		"warehouse_id": req.WarehouseID,
		"sku_stock_id": req.SKUID,
		"delta":        req.Delta,
		"reason":       req.Reason,
		"available":    out.Available,
	}).Info("Warehouse stock updated")
	return out, nil
}

// TransferStock debits the source warehouse and credits the destination in
// one transaction. Only unreserved stock can move.
func (s *Service) TransferStock(ctx context.Context, tenantID uint64, req Transfer) error {
	ctx, span := s.tracer.StartSpan(ctx, "procurement.transfer_stock",
		attribute.Int64("tenant.id", int64(tenantID)),
		attribute.Int64("warehouse.from", int64(req.From)),
		attribute.Int64("warehouse.to", int64(req.To)),
		attribute.Int64("sku.id", int64(req.SKUID)),
		attribute.Int("quantity", req.Quantity),
	)
	defer span.End()

	err := validateTransfer(req)
	if err == nil {
		err = s.txm.WithinTx(ctx, func(uow repository.UnitOfWork) error {
			stock, err := s.lockSKU(ctx, uow, tenantID, req.SKUID)
			if err != nil {
				return err
			}
			if err := s.applyDelta(ctx, uow, stock, req.From, -req.Quantity, model.ReasonTransferOut, req.Actor, req.Reference); err != nil {
				return err
			}
			return s.applyDelta(ctx, uow, stock, req.To, req.Quantity, model.ReasonTransferIn, req.Actor, req.Reference)
		})
	}

	s.observe("TRANSFER", err)
	if err != nil {
		s.tracer.RecordError(span, err)
		return err
	}

	log.ForTenant(tenantID).WithFields(map[string]interface{}{
		"from":         req.From,
		"to":           req.To,
		"sku_stock_id": req.SKUID,
		"quantity":     req.Quantity,
	}).Info("Stock transferred")
	return nil
}

// RetireSKU stops new reservations of a SKU. Its rows stay for history.
func (s *Service) RetireSKU(ctx context.Context, tenantID, skuID uint64) error {
	err := s.txm.Repos().Stocks().SetRetired(ctx, tenantID, skuID, true)
	s.observe("RETIRE", err)
	return err
}

func validateUpdate(req StockUpdate) error {
	if !req.Reason.IsProcurement() {
		return utils.Errorf(utils.ErrValidation, "reason %q is not a procurement reason", req.Reason)
	}
	if req.Reason == model.ReasonWriteOff {
		if req.Delta >= 0 {
			return utils.Errorf(utils.ErrValidation, "write-off delta must be negative, got %d", req.Delta)
		}
		return nil
	}
	if req.Delta <= 0 {
		return utils.Errorf(utils.ErrValidation, "%s delta must be positive, got %d", req.Reason, req.Delta)
	}
	return nil
}

func validateTransfer(req Transfer) error {
	if req.Quantity <= 0 {
		return utils.Errorf(utils.ErrValidation, "quantity must be positive, got %d", req.Quantity)
	}
	if req.From == req.To {
		return utils.Errorf(utils.ErrValidation, "cannot transfer within warehouse %d", req.From)
	}
	return nil
}

func (s *Service) lockSKU(ctx context.Context, uow repository.UnitOfWork, tenantID, skuID uint64) (*model.SKUStock, error) {
	stock, err := uow.Stocks().GetForUpdate(ctx, tenantID, skuID)
	if err != nil {
		return nil, err
	}
	if stock.Retired {
		return nil, utils.Errorf(utils.ErrNotFound, "sku %d is retired", skuID)
	}
	return stock, nil
}

// applyDelta changes one warehouse line and the aggregate available counter
// by delta and logs both. stock must be locked by the caller and is updated
// in place.
func (s *Service) applyDelta(ctx context.Context, uow repository.UnitOfWork, stock *model.SKUStock, warehouseID uint64, delta int, reason model.Reason, actor, reference string) error {
	tenantID := stock.TenantID
	wh, err := uow.Warehouses().Get(ctx, tenantID, warehouseID)
	if err != nil {
		return err
	}
	if !wh.Active {
		return utils.Errorf(utils.ErrValidation, "warehouse %d is inactive", warehouseID)
	}

	line, err := uow.Warehouses().GetStockForUpdate(ctx, tenantID, warehouseID, stock.ID)
	switch {
	case err == nil:
	case errors.Is(err, utils.ErrNotFound) && delta > 0:
		line = &model.WarehouseStock{TenantID: tenantID, WarehouseID: warehouseID, SKUStockID: stock.ID}
		if err := uow.Warehouses().CreateStock(ctx, line); err != nil {
			return err
		}
	case errors.Is(err, utils.ErrNotFound):
		return utils.Errorf(utils.ErrInsufficientStock, "sku %d has no stock in warehouse %d", stock.ID, warehouseID)
	default:
		return err
	}

	if delta < 0 && stock.Available+delta < 0 {
		return utils.Errorf(utils.ErrInsufficientStock, "sku %d: only %d unreserved, cannot remove %d", stock.ID, stock.Available, -delta)
	}
	if err := uow.Warehouses().AdjustQuantity(ctx, tenantID, warehouseID, stock.ID, delta); err != nil {
		return err
	}
	if err := uow.Stocks().ApplyDelta(ctx, tenantID, stock.ID, delta, 0); err != nil {
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
	err = uow.InventoryLogs().Append(ctx,
		&model.InventoryLog{
			TenantID:      tenantID,
			SKUStockID:    stock.ID,
			WarehouseID:   &wh.ID,
			Scope:         model.ScopeWarehouse,
			Counter:       model.CounterQuantity,
			Delta:         delta,
			PreviousValue: line.Quantity,
			NewValue:      line.Quantity + delta,
			Reason:        reason,
			Actor:         actor,
			Reference:     ref,
			CreatedAt:     now,
		},
		&model.InventoryLog{
			TenantID:      tenantID,
			SKUStockID:    stock.ID,
			Scope:         model.ScopeSKU,
			Counter:       model.CounterAvailable,
			Delta:         delta,
			PreviousValue: stock.Available,
			NewValue:      stock.Available + delta,
			Reason:        reason,
			Actor:         actor,
			Reference:     ref,
			CreatedAt:     now,
		},
	)
	if err != nil {
		return err
	}

	stock.Available += delta
	return nil
}

func (s *Service) observe(reason string, err error) {
	outcome := "success"
	switch {
	case err == nil:
	case errors.Is(err, utils.ErrInsufficientStock):
		outcome = "insufficient_stock"
	case errors.Is(err, utils.ErrNotFound):
		outcome = "not_found"
	case errors.Is(err, utils.ErrValidation):
		outcome = "invalid"
	default:
		outcome = "error"
		log.WithField("reason", reason).WithError(err).Warn("Procurement operation failed")
	}
	s.metrics.RecordProcurement(reason, outcome)
}
