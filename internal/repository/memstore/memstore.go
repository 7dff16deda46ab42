// Package memstore is an in-process implementation of the repository
// interfaces. Transactions are serialised behind one mutex and run against a
// copy of the state that replaces the live state only on commit.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"inventory/internal/model"
	"inventory/internal/repository"
)

type warehouseStockKey struct {
	tenantID    uint64
	warehouseID uint64
	skuID       uint64
}

type state struct {
	nextID uint64

	stocks          map[uint64]model.SKUStock
	warehouses      map[uint64]model.Warehouse
	warehouseStocks map[warehouseStockKey]model.WarehouseStock
	reservations    map[string]model.Reservation
	settings        map[uint64]model.TenantSetting
	orders          map[uint64]model.Order
	shipments       map[uint64]model.Shipment
	logs            []model.InventoryLog
	outbox          []model.OutboxEvent
}

func newState() *state {
	return &state{
		stocks:          make(map[uint64]model.SKUStock),
		warehouses:      make(map[uint64]model.Warehouse),
		warehouseStocks: make(map[warehouseStockKey]model.WarehouseStock),
		reservations:    make(map[string]model.Reservation),
		settings:        make(map[uint64]model.TenantSetting),
		orders:          make(map[uint64]model.Order),
		shipments:       make(map[uint64]model.Shipment),
	}
}

func (s *state) id() uint64 {
	s.nextID++
	return s.nextID
}

func (s *state) clone() *state {
	c := newState()
	c.nextID = s.nextID
	for k, v := range s.stocks {
		c.stocks[k] = v
	}
	for k, v := range s.warehouses {
		c.warehouses[k] = v
	}
	for k, v := range s.warehouseStocks {
		c.warehouseStocks[k] = v
	}
	for k, v := range s.reservations {
		c.reservations[k] = v
	}
	for k, v := range s.settings {
		c.settings[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range s.shipments {
		c.shipments[k] = copyShipment(v)
	}
	c.logs = append([]model.InventoryLog(nil), s.logs...)
	c.outbox = make([]model.OutboxEvent, len(s.outbox))
	for i, e := range s.outbox {
		c.outbox[i] = copyEvent(e)
	}
	return c
}

func copyOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	return o
}

func copyShipment(s model.Shipment) model.Shipment {
	s.Items = append([]model.ShipmentItem(nil), s.Items...)
	return s
}

func copyEvent(e model.OutboxEvent) model.OutboxEvent {
	e.Payload = append(model.JSONPayload(nil), e.Payload...)
	return e
}

// Store holds the whole dataset and implements repository.TxManager.
type Store struct {
	mu  sync.Mutex
	st  *state
	now func() time.Time
}

// New creates an empty store
func New() *Store {
	return &Store{
		st:  newState(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// WithinTx runs fn against a private copy of the state. The copy replaces
// the live state only when fn returns nil.
func (s *Store) WithinTx(ctx context.Context, fn func(uow repository.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&unitOfWork{store: s, tx: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Repos returns repositories that apply each call atomically on its own.
func (s *Store) Repos() repository.UnitOfWork {
	return &unitOfWork{store: s}
}

type unitOfWork struct {
	store *Store
	tx    *state
}

// run executes fn on the transaction state, or on the live state under the
// store lock when the unit of work is not transactional.
func (u *unitOfWork) run(ctx context.Context, fn func(st *state) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.tx != nil {
		return fn(u.tx)
	}

	u.store.mu.Lock()
	defer u.store.mu.Unlock()

	work := u.store.st.clone()
	if err := fn(work); err != nil {
		return err
	}
	u.store.st = work
	return nil
}

func (u *unitOfWork) now() time.Time {
	return u.store.now()
}

func (u *unitOfWork) Stocks() repository.StockRepository {
	return &stockRepo{u}
}

func (u *unitOfWork) Warehouses() repository.WarehouseRepository {
	return &warehouseRepo{u}
}

func (u *unitOfWork) Reservations() repository.ReservationRepository {
	return &reservationRepo{u}
}

func (u *unitOfWork) InventoryLogs() repository.InventoryLogRepository {
	return &logRepo{u}
}

func (u *unitOfWork) Outbox() repository.OutboxRepository {
	return &outboxRepo{u}
}

func (u *unitOfWork) Orders() repository.OrderRepository {
	return &orderRepo{u}
}

func (u *unitOfWork) Shipments() repository.ShipmentRepository {
	return &shipmentRepo{u}
}

func (u *unitOfWork) Tenants() repository.TenantRepository {
	return &tenantRepo{u}
}

// read runs fn on a consistent snapshot without publishing changes.
func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}

// SKU returns the current counters of a SKU.
func (s *Store) SKU(skuID uint64) (model.SKUStock, bool) {
	var (
		out model.SKUStock
		ok  bool
	)
	s.read(func(st *state) {
		out, ok = st.stocks[skuID]
	})
	return out, ok
}

// WarehouseQuantity returns the quantity of a SKU held in a warehouse.
func (s *Store) WarehouseQuantity(tenantID, warehouseID, skuID uint64) int {
	var qty int
	s.read(func(st *state) {
		qty = st.warehouseStocks[warehouseStockKey{tenantID, warehouseID, skuID}].Quantity
	})
	return qty
}

// OutboxEvents returns every outbox row in insertion order.
func (s *Store) OutboxEvents() []model.OutboxEvent {
	var out []model.OutboxEvent
	s.read(func(st *state) {
		for _, e := range st.outbox {
			out = append(out, copyEvent(e))
		}
	})
	return out
}

// InventoryLogs returns every log row in insertion order.
func (s *Store) InventoryLogs() []model.InventoryLog {
	var out []model.InventoryLog
	s.read(func(st *state) {
		out = append(out, st.logs...)
	})
	return out
}

// Order returns an order with its items.
func (s *Store) Order(orderID uint64) (model.Order, bool) {
	var (
		out model.Order
		ok  bool
	)
	s.read(func(st *state) {
		var o model.Order
		if o, ok = st.orders[orderID]; ok {
			out = copyOrder(o)
		}
	})
	return out, ok
}

// Shipments returns the shipments of an order ordered by id.
func (s *Store) Shipments(orderID uint64) []model.Shipment {
	var out []model.Shipment
	s.read(func(st *state) {
		for _, sh := range st.shipments {
			if sh.OrderID == orderID {
				out = append(out, copyShipment(sh))
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PutSKU seeds a SKU with opening counters and returns it.
func (s *Store) PutSKU(tenantID uint64, sku string, available, reserved int) model.SKUStock {
	var out model.SKUStock
	s.mutate(func(st *state) {
		now := s.now()
		out = model.SKUStock{
			ID:        st.id(),
			TenantID:  tenantID,
			SKU:       sku,
			Available: available,
			Reserved:  reserved,
			CreatedAt: now,
			UpdatedAt: now,
		}
		st.stocks[out.ID] = out
	})
	return out
}

// PutWarehouse seeds an active warehouse.
func (s *Store) PutWarehouse(tenantID uint64, code string) model.Warehouse {
	var out model.Warehouse
	s.mutate(func(st *state) {
		out = model.Warehouse{ID: st.id(), TenantID: tenantID, Code: code, Name: code, Active: true, CreatedAt: s.now()}
		st.warehouses[out.ID] = out
	})
	return out
}

// PutWarehouseStock seeds a warehouse line without touching the aggregate.
func (s *Store) PutWarehouseStock(tenantID, warehouseID, skuID uint64, qty int) {
	s.mutate(func(st *state) {
		st.warehouseStocks[warehouseStockKey{tenantID, warehouseID, skuID}] = model.WarehouseStock{
			ID: st.id(), TenantID: tenantID, WarehouseID: warehouseID, SKUStockID: skuID, Quantity: qty, UpdatedAt: s.now(),
		}
	})
}

// PutOrder seeds an order. Item quantities are given per SKU id in order.
func (s *Store) PutOrder(tenantID uint64, status model.OrderStatus, items ...model.OrderItem) model.Order {
	var out model.Order
	s.mutate(func(st *state) {
		now := s.now()
		out = model.Order{ID: st.id(), TenantID: tenantID, Status: status, CreatedAt: now, UpdatedAt: now}
		out.OrderNo = "ORD" + formatID(out.ID)
		for _, it := range items {
			it.ID = st.id()
			it.OrderID = out.ID
			it.TenantID = tenantID
			out.Items = append(out.Items, it)
		}
		st.orders[out.ID] = copyOrder(out)
	})
	return out
}

// TouchOrder overrides the last update time of an order.
func (s *Store) TouchOrder(orderID uint64, at time.Time) {
	s.mutate(func(st *state) {
		if o, ok := st.orders[orderID]; ok {
			o.UpdatedAt = at
			st.orders[orderID] = o
		}
	})
}

// SetThreshold stores a tenant low-stock threshold.
func (s *Store) SetThreshold(tenantID uint64, threshold int) {
	s.mutate(func(st *state) {
		st.settings[tenantID] = model.TenantSetting{TenantID: tenantID, LowStockThreshold: &threshold, UpdatedAt: s.now()}
	})
}

func (s *Store) mutate(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.st)
}
