package reservation

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"inventory/internal/repository"
	"inventory/pkg/utils"
)

func setupGormService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	db, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	return NewService(repository.NewTxManager(db), nil, Options{}, nil, nil), mock
}

// Another transaction took the units between the locked read and the
// update: the guarded UPDATE matches no row and the reservation rolls back.
func TestService_ReserveGuardedUpdateRejects(t *testing.T) {
	svc, mock := setupGormService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `sku_stocks` WHERE .* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "sku", "available", "reserved", "retired"}).
			AddRow(3, 1, "MUG", 5, 0, false))
	mock.ExpectExec("UPDATE `sku_stocks` SET .* WHERE .*available \\+ \\? >= 0 AND reserved \\+ \\? >= 0").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := svc.Reserve(context.Background(), 1, ReserveRequest{SKUID: 3, Quantity: 2})
	assert.True(t, errors.Is(err, utils.ErrInsufficientStock), "got %v", err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestService_ReserveWritesThroughGorm(t *testing.T) {
	svc, mock := setupGormService(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `sku_stocks` WHERE .* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id", "tenant_id", "sku", "available", "reserved", "retired"}).
			AddRow(3, 1, "MUG", 5, 0, false))
	mock.ExpectExec("UPDATE `sku_stocks` SET").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO `inventory_logs`").
		WillReturnResult(sqlmock.NewResult(1, 2))
	mock.ExpectExec("INSERT INTO `reservations`").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	hold, err := svc.Reserve(context.Background(), 1, ReserveRequest{SKUID: 3, Quantity: 2, Reference: "ORD-1"})
	require.NoError(t, err)
	assert.Equal(t, 2, hold.Quantity)
	assert.NoError(t, mock.ExpectationsWereMet())
}
