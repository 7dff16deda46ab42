package memstore

import (
	"context"
	"sort"
	"strconv"
	"time"

	"inventory/internal/model"
	"inventory/internal/repository"
	"inventory/pkg/utils"
)

func formatID(id uint64) string {
	return strconv.FormatUint(id, 10)
}

type stockRepo struct{ u *unitOfWork }

func (r *stockRepo) Create(ctx context.Context, stock *model.SKUStock) error {
	if stock.Available < 0 || stock.Reserved < 0 {
		return utils.Errorf(utils.ErrValidation, "opening stock must not be negative")
	}
	return r.u.run(ctx, func(st *state) error {
		for _, existing := range st.stocks {
			if existing.TenantID == stock.TenantID && existing.SKU == stock.SKU {
				return utils.Errorf(utils.ErrValidation, "sku %q already exists", stock.SKU)
			}
		}
		now := r.u.now()
		stock.ID = st.id()
		stock.CreatedAt, stock.UpdatedAt = now, now
		st.stocks[stock.ID] = *stock
		return nil
	})
}

func (r *stockRepo) Get(ctx context.Context, tenantID, skuID uint64) (*model.SKUStock, error) {
	var out *model.SKUStock
	err := r.u.run(ctx, func(st *state) error {
		s, ok := st.stocks[skuID]
		if !ok || s.TenantID != tenantID {
			return utils.Errorf(utils.ErrNotFound, "sku %d not found", skuID)
		}
		out = &s
		return nil
	})
	return out, err
}

// GetForUpdate is Get: the store lock already serialises transactions.
func (r *stockRepo) GetForUpdate(ctx context.Context, tenantID, skuID uint64) (*model.SKUStock, error) {
	return r.Get(ctx, tenantID, skuID)
}

func (r *stockRepo) GetBySKU(ctx context.Context, tenantID uint64, sku string) (*model.SKUStock, error) {
	var out *model.SKUStock
	err := r.u.run(ctx, func(st *state) error {
		for _, s := range st.stocks {
			if s.TenantID == tenantID && s.SKU == sku {
				s := s
				out = &s
				return nil
			}
		}
		return utils.Errorf(utils.ErrNotFound, "sku %q not found", sku)
	})
	return out, err
}

func (r *stockRepo) ApplyDelta(ctx context.Context, tenantID, skuID uint64, availableDelta, reservedDelta int) error {
	return r.u.run(ctx, func(st *state) error {
		s, ok := st.stocks[skuID]
		if !ok || s.TenantID != tenantID || s.Available+availableDelta < 0 || s.Reserved+reservedDelta < 0 {
			return utils.Errorf(utils.ErrInsufficientStock, "sku %d cannot apply available %+d reserved %+d",
				skuID, availableDelta, reservedDelta)
		}
		s.Available += availableDelta
		s.Reserved += reservedDelta
		s.UpdatedAt = r.u.now()
		st.stocks[skuID] = s
		return nil
	})
}

func (r *stockRepo) SetRetired(ctx context.Context, tenantID, skuID uint64, retired bool) error {
	return r.u.run(ctx, func(st *state) error {
		s, ok := st.stocks[skuID]
		if !ok || s.TenantID != tenantID {
			return utils.Errorf(utils.ErrNotFound, "sku %d not found", skuID)
		}
		s.Retired = retired
		st.stocks[skuID] = s
		return nil
	})
}

type warehouseRepo struct{ u *unitOfWork }

func (r *warehouseRepo) Create(ctx context.Context, w *model.Warehouse) error {
	return r.u.run(ctx, func(st *state) error {
		w.ID = st.id()
		w.CreatedAt = r.u.now()
		st.warehouses[w.ID] = *w
		return nil
	})
}

func (r *warehouseRepo) Get(ctx context.Context, tenantID, warehouseID uint64) (*model.Warehouse, error) {
	var out *model.Warehouse
	err := r.u.run(ctx, func(st *state) error {
		w, ok := st.warehouses[warehouseID]
		if !ok || w.TenantID != tenantID {
			return utils.Errorf(utils.ErrNotFound, "warehouse %d not found", warehouseID)
		}
		out = &w
		return nil
	})
	return out, err
}

func (r *warehouseRepo) GetStockForUpdate(ctx context.Context, tenantID, warehouseID, skuID uint64) (*model.WarehouseStock, error) {
	var out *model.WarehouseStock
	err := r.u.run(ctx, func(st *state) error {
		ws, ok := st.warehouseStocks[warehouseStockKey{tenantID, warehouseID, skuID}]
		if !ok {
			return utils.Errorf(utils.ErrNotFound, "sku %d has no stock in warehouse %d", skuID, warehouseID)
		}
		out = &ws
		return nil
	})
	return out, err
}

func (r *warehouseRepo) CreateStock(ctx context.Context, ws *model.WarehouseStock) error {
	return r.u.run(ctx, func(st *state) error {
		key := warehouseStockKey{ws.TenantID, ws.WarehouseID, ws.SKUStockID}
		if _, exists := st.warehouseStocks[key]; exists {
			return utils.Errorf(utils.ErrValidation, "warehouse line already exists")
		}
		ws.ID = st.id()
		ws.UpdatedAt = r.u.now()
		st.warehouseStocks[key] = *ws
		return nil
	})
}

func (r *warehouseRepo) AdjustQuantity(ctx context.Context, tenantID, warehouseID, skuID uint64, delta int) error {
	return r.u.run(ctx, func(st *state) error {
		key := warehouseStockKey{tenantID, warehouseID, skuID}
		ws, ok := st.warehouseStocks[key]
		if !ok || ws.Quantity+delta < 0 {
			return utils.Errorf(utils.ErrInsufficientStock, "warehouse %d cannot apply %+d to sku %d", warehouseID, delta, skuID)
		}
		ws.Quantity += delta
		ws.UpdatedAt = r.u.now()
		st.warehouseStocks[key] = ws
		return nil
	})
}

func (r *warehouseRepo) ListStocks(ctx context.Context, tenantID, skuID uint64) ([]model.WarehouseStock, error) {
	var out []model.WarehouseStock
	err := r.u.run(ctx, func(st *state) error {
		for key, ws := range st.warehouseStocks {
			if key.tenantID == tenantID && key.skuID == skuID {
				out = append(out, ws)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].WarehouseID < out[j].WarehouseID })
	return out, err
}

type reservationRepo struct{ u *unitOfWork }

func (r *reservationRepo) Create(ctx context.Context, res *model.Reservation) error {
	return r.u.run(ctx, func(st *state) error {
		if _, exists := st.reservations[res.ID]; exists {
			return utils.Errorf(utils.ErrValidation, "reservation %s already exists", res.ID)
		}
		res.CreatedAt = r.u.now()
		st.reservations[res.ID] = *res
		return nil
	})
}

func (r *reservationRepo) Get(ctx context.Context, tenantID uint64, id string) (*model.Reservation, error) {
	var out *model.Reservation
	err := r.u.run(ctx, func(st *state) error {
		res, ok := st.reservations[id]
		if !ok || res.TenantID != tenantID {
			return utils.Errorf(utils.ErrNotFound, "reservation %s not found", id)
		}
		out = &res
		return nil
	})
	return out, err
}

func (r *reservationRepo) Settle(ctx context.Context, tenantID uint64, id string, status model.ReservationStatus, at time.Time) error {
	return r.u.run(ctx, func(st *state) error {
		res, ok := st.reservations[id]
		if !ok || res.TenantID != tenantID || !res.IsOpen() {
			return utils.Errorf(utils.ErrReservationSettled, "reservation %s is not open", id)
		}
		res.Status = status
		res.SettledAt = &at
		st.reservations[id] = res
		return nil
	})
}

func (r *reservationRepo) Shrink(ctx context.Context, tenantID uint64, id string, by int) error {
	return r.u.run(ctx, func(st *state) error {
		res, ok := st.reservations[id]
		if !ok || res.TenantID != tenantID || !res.IsOpen() || res.Quantity <= by {
			return utils.Errorf(utils.ErrReservationSettled, "reservation %s cannot give up %d", id, by)
		}
		res.Quantity -= by
		st.reservations[id] = res
		return nil
	})
}

func (r *reservationRepo) ListOpenByReference(ctx context.Context, tenantID uint64, reference string) ([]model.Reservation, error) {
	var out []model.Reservation
	err := r.u.run(ctx, func(st *state) error {
		for _, res := range st.reservations {
			if res.TenantID == tenantID && res.Reference == reference && res.IsOpen() {
				out = append(out, res)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, err
}

type logRepo struct{ u *unitOfWork }

func (r *logRepo) Append(ctx context.Context, logs ...*model.InventoryLog) error {
	if len(logs) == 0 {
		return nil
	}
	return r.u.run(ctx, func(st *state) error {
		for _, l := range logs {
			l.ID = st.id()
			l.CreatedAt = r.u.now()
			st.logs = append(st.logs, *l)
		}
		return nil
	})
}

func (r *logRepo) ListBySKU(ctx context.Context, tenantID, skuID uint64, limit int) ([]model.InventoryLog, error) {
	var out []model.InventoryLog
	err := r.u.run(ctx, func(st *state) error {
		for i := len(st.logs) - 1; i >= 0 && len(out) < limit; i-- {
			if l := st.logs[i]; l.TenantID == tenantID && l.SKUStockID == skuID {
				out = append(out, l)
			}
		}
		return nil
	})
	return out, err
}

type outboxRepo struct{ u *unitOfWork }

func (r *outboxRepo) Create(ctx context.Context, e *model.OutboxEvent) error {
	return r.u.run(ctx, func(st *state) error {
		if e.Status == "" {
			e.Status = model.OutboxPending
		}
		e.ID = st.id()
		e.CreatedAt = r.u.now()
		st.outbox = append(st.outbox, copyEvent(*e))
		return nil
	})
}

func (r *outboxRepo) ListPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	var out []model.OutboxEvent
	err := r.u.run(ctx, func(st *state) error {
		for _, e := range st.outbox {
			if len(out) == limit {
				break
			}
			if e.IsPending() {
				out = append(out, copyEvent(e))
			}
		}
		return nil
	})
	return out, err
}

func (r *outboxRepo) MarkCompleted(ctx context.Context, tenantID, id uint64, at time.Time) error {
	return r.mark(ctx, tenantID, id, func(e *model.OutboxEvent) {
		e.Status = model.OutboxCompleted
		e.ProcessedAt = &at
		e.Attempts++
		e.Error = nil
	})
}

func (r *outboxRepo) MarkFailed(ctx context.Context, tenantID, id uint64, reason string) error {
	return r.mark(ctx, tenantID, id, func(e *model.OutboxEvent) {
		e.Status = model.OutboxFailed
		e.Attempts++
		e.Error = &reason
	})
}

func (r *outboxRepo) mark(ctx context.Context, tenantID, id uint64, apply func(e *model.OutboxEvent)) error {
	return r.u.run(ctx, func(st *state) error {
		for i := range st.outbox {
			e := &st.outbox[i]
			if e.ID == id && e.TenantID == tenantID && e.IsPending() {
				apply(e)
				return nil
			}
		}
		return utils.Errorf(utils.ErrNotFound, "pending outbox event %d not found", id)
	})
}

func (r *outboxRepo) RequeueFailed(ctx context.Context, maxAttempts int) (int64, error) {
	var n int64
	err := r.u.run(ctx, func(st *state) error {
		for i := range st.outbox {
			e := &st.outbox[i]
			if e.Status == model.OutboxFailed && e.Attempts < maxAttempts {
				e.Status = model.OutboxPending
				n++
			}
		}
		return nil
	})
	return n, err
}

func (r *outboxRepo) CountByStatus(ctx context.Context) (map[model.OutboxStatus]int64, error) {
	counts := make(map[model.OutboxStatus]int64)
	err := r.u.run(ctx, func(st *state) error {
		for _, e := range st.outbox {
			counts[e.Status]++
		}
		return nil
	})
	return counts, err
}

type orderRepo struct{ u *unitOfWork }

func (r *orderRepo) Create(ctx context.Context, order *model.Order) error {
	return r.u.run(ctx, func(st *state) error {
		now := r.u.now()
		order.ID = st.id()
		order.CreatedAt, order.UpdatedAt = now, now
		for i := range order.Items {
			order.Items[i].ID = st.id()
			order.Items[i].OrderID = order.ID
			order.Items[i].TenantID = order.TenantID
		}
		st.orders[order.ID] = copyOrder(*order)
		return nil
	})
}

func (r *orderRepo) Get(ctx context.Context, tenantID, id uint64) (*model.Order, error) {
	var out *model.Order
	err := r.u.run(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok || o.TenantID != tenantID {
			return utils.Errorf(utils.ErrNotFound, "order %d not found", id)
		}
		o = copyOrder(o)
		out = &o
		return nil
	})
	return out, err
}

func (r *orderRepo) GetForUpdate(ctx context.Context, tenantID, id uint64) (*model.Order, error) {
	return r.Get(ctx, tenantID, id)
}

func (r *orderRepo) GetByNo(ctx context.Context, tenantID uint64, orderNo string) (*model.Order, error) {
	var out *model.Order
	err := r.u.run(ctx, func(st *state) error {
		for _, o := range st.orders {
			if o.TenantID == tenantID && o.OrderNo == orderNo {
				o = copyOrder(o)
				out = &o
				return nil
			}
		}
		return utils.Errorf(utils.ErrNotFound, "order %s not found", orderNo)
	})
	return out, err
}

func (r *orderRepo) UpdateStatus(ctx context.Context, tenantID, id uint64, from, to model.OrderStatus) error {
	return r.u.run(ctx, func(st *state) error {
		o, ok := st.orders[id]
		if !ok || o.TenantID != tenantID || o.Status != from {
			return utils.Errorf(utils.ErrInvalidTransition, "order %d is not %s", id, from)
		}
		o.Status = to
		o.UpdatedAt = r.u.now()
		st.orders[id] = o
		return nil
	})
}

func (r *orderRepo) ListStale(ctx context.Context, status model.OrderStatus, before time.Time, after repository.StaleCursor, limit int) ([]model.Order, error) {
	var out []model.Order
	err := r.u.run(ctx, func(st *state) error {
		for _, o := range st.orders {
			if o.Status != status || !o.UpdatedAt.Before(before) {
				continue
			}
			if !after.IsZero() && !staleAfter(o, after) {
				continue
			}
			out = append(out, copyOrder(o))
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.Before(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, err
}

func staleAfter(o model.Order, c repository.StaleCursor) bool {
	if o.UpdatedAt.Equal(c.UpdatedAt) {
		return o.ID > c.ID
	}
	return o.UpdatedAt.After(c.UpdatedAt)
}

type shipmentRepo struct{ u *unitOfWork }

func (r *shipmentRepo) Create(ctx context.Context, s *model.Shipment) error {
	return r.u.run(ctx, func(st *state) error {
		now := r.u.now()
		s.ID = st.id()
		s.CreatedAt, s.UpdatedAt = now, now
		for i := range s.Items {
			s.Items[i].ID = st.id()
			s.Items[i].ShipmentID = s.ID
			s.Items[i].TenantID = s.TenantID
		}
		st.shipments[s.ID] = copyShipment(*s)
		return nil
	})
}

func (r *shipmentRepo) GetForUpdate(ctx context.Context, tenantID, id uint64) (*model.Shipment, error) {
	var out *model.Shipment
	err := r.u.run(ctx, func(st *state) error {
		s, ok := st.shipments[id]
		if !ok || s.TenantID != tenantID {
			return utils.Errorf(utils.ErrNotFound, "shipment %d not found", id)
		}
		s = copyShipment(s)
		out = &s
		return nil
	})
	return out, err
}

func (r *shipmentRepo) ListByOrder(ctx context.Context, tenantID, orderID uint64) ([]model.Shipment, error) {
	var out []model.Shipment
	err := r.u.run(ctx, func(st *state) error {
		for _, s := range st.shipments {
			if s.TenantID == tenantID && s.OrderID == orderID {
				out = append(out, copyShipment(s))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

func (r *shipmentRepo) UpdateStatus(ctx context.Context, s *model.Shipment, from model.ShipmentStatus) error {
	return r.u.run(ctx, func(st *state) error {
		cur, ok := st.shipments[s.ID]
		if !ok || cur.TenantID != s.TenantID || cur.Status != from {
			return utils.Errorf(utils.ErrInvalidTransition, "shipment %d is no longer %s", s.ID, from)
		}
		cur.Status = s.Status
		cur.ShippedAt = s.ShippedAt
		cur.DeliveredAt = s.DeliveredAt
		cur.UpdatedAt = r.u.now()
		st.shipments[s.ID] = cur
		return nil
	})
}

type tenantRepo struct{ u *unitOfWork }

func (r *tenantRepo) GetSetting(ctx context.Context, tenantID uint64) (*model.TenantSetting, error) {
	var out *model.TenantSetting
	err := r.u.run(ctx, func(st *state) error {
		s, ok := st.settings[tenantID]
		if !ok {
			return utils.Errorf(utils.ErrNotFound, "tenant %d has no settings", tenantID)
		}
		out = &s
		return nil
	})
	return out, err
}

func (r *tenantRepo) UpsertSetting(ctx context.Context, s *model.TenantSetting) error {
	return r.u.run(ctx, func(st *state) error {
		s.UpdatedAt = r.u.now()
		st.settings[s.TenantID] = *s
		return nil
	})
}
