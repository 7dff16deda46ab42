package database

import (
	"fmt"

	"gorm.io/gorm"

	"inventory/internal/model"
	"inventory/pkg/log"
)

// Models lists every table owned or read by the inventory core, in
// creation order.
func Models() []interface{} {
	return []interface{}{
		&model.TenantSetting{},
		&model.SKUStock{},
		&model.Warehouse{},
		&model.WarehouseStock{},
		&model.Reservation{},
		&model.InventoryLog{},
		&model.OutboxEvent{},
		&model.Order{},
		&model.OrderItem{},
		&model.Shipment{},
		&model.ShipmentItem{},
	}
}

// AutoMigrate auto migrate database table schema
func AutoMigrate(db *gorm.DB) error {
	log.Info("Starting database migration...")

	for _, m := range Models() {
		if err := db.AutoMigrate(m); err != nil {
			return fmt.Errorf("failed to migrate %T: %w", m, err)
		}
		log.Debugf("Migrated model: %T", m)
	}

	log.Info("Database migration completed successfully")
	return nil
}

// CheckTables reports the first table missing from the schema.
func CheckTables(db *gorm.DB) error {
	migrator := db.Migrator()
	for _, m := range Models() {
		if !migrator.HasTable(m) {
			return fmt.Errorf("table for %T does not exist", m)
		}
	}
	return nil
}
