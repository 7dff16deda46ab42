package repository

import (
	"context"

	"gorm.io/gorm"
)

// UnitOfWork exposes repositories bound to one transaction. Everything
// written through it commits or rolls back together.
type UnitOfWork interface {
	Stocks() StockRepository
	Warehouses() WarehouseRepository
	Reservations() ReservationRepository
	InventoryLogs() InventoryLogRepository
	Outbox() OutboxRepository
	Orders() OrderRepository
	Shipments() ShipmentRepository
	Tenants() TenantRepository
}

// TxManager runs fn inside a transaction. A returned error rolls back
// every write made through the UnitOfWork, outbox rows included.
type TxManager interface {
	WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error

	// Repos returns repositories outside any transaction, for reads and
	// single-statement writes.
	Repos() UnitOfWork
}

type gormUnitOfWork struct {
	db *gorm.DB
}

func (u *gormUnitOfWork) Stocks() StockRepository {
	return NewStockRepository(u.db)
}

func (u *gormUnitOfWork) Warehouses() WarehouseRepository {
	return NewWarehouseRepository(u.db)
}

func (u *gormUnitOfWork) Reservations() ReservationRepository {
	return NewReservationRepository(u.db)
}

func (u *gormUnitOfWork) InventoryLogs() InventoryLogRepository {
	return NewInventoryLogRepository(u.db)
}

func (u *gormUnitOfWork) Outbox() OutboxRepository {
	return NewOutboxRepository(u.db)
}

func (u *gormUnitOfWork) Orders() OrderRepository {
	return NewOrderRepository(u.db)
}

func (u *gormUnitOfWork) Shipments() ShipmentRepository {
	return NewShipmentRepository(u.db)
}

func (u *gormUnitOfWork) Tenants() TenantRepository {
	return NewTenantRepository(u.db)
}

type gormTxManager struct {
	db *gorm.DB
}

// NewTxManager creates a TxManager over a gorm connection pool
func NewTxManager(db *gorm.DB) TxManager {
	return &gormTxManager{db: db}
}

func (m *gormTxManager) WithinTx(ctx context.Context, fn func(uow UnitOfWork) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormUnitOfWork{db: tx})
	})
}

func (m *gormTxManager) Repos() UnitOfWork {
	return &gormUnitOfWork{db: m.db}
}
