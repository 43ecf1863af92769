package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"arbor/internal/store"
	"arbor/internal/store/model"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type SqliteStore struct {
	db *gorm.DB
}

var memorySeq atomic.Int64

func NewSqliteStore(path string) (*SqliteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

// NewMemoryStore opens a private in-memory database, used by tests.
// Each call gets its own database; the shared cache only ties together
// the connections of this store's pool.
func NewMemoryStore() (*SqliteStore, error) {
	name := fmt.Sprintf("mem_%d", memorySeq.Add(1))
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	return newSqliteStore(db)
}

func newSqliteStore(db *gorm.DB) (*SqliteStore, error) {
	models := []interface{}{
		&model.OrderModel{},
		&model.OrderStatusModel{},
		&model.TradeFillModel{},
		&model.MarketStateModel{},
		&model.FundingPaymentModel{},
		&model.ExecutorModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(2)
		sqlDB.SetMaxIdleConns(2)
	}
	return &SqliteStore{db: db}, nil
}

func (s *SqliteStore) Begin(ctx context.Context) (store.UnitOfWork, error) {
	tx := s.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return nil, tx.Error
	}
	return &gormUnitOfWork{tx: tx}, nil
}

func (s *SqliteStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormUnitOfWork struct {
	tx *gorm.DB
}

func (u *gormUnitOfWork) Orders() store.OrderRepository {
	return &orderRepository{db: u.tx}
}

func (u *gormUnitOfWork) Statuses() store.OrderStatusRepository {
	return &orderStatusRepository{db: u.tx}
}

func (u *gormUnitOfWork) Fills() store.TradeFillRepository {
	return &tradeFillRepository{db: u.tx}
}

func (u *gormUnitOfWork) MarketStates() store.MarketStateRepository {
	return &marketStateRepository{db: u.tx}
}

func (u *gormUnitOfWork) FundingPayments() store.FundingPaymentRepository {
	return &fundingPaymentRepository{db: u.tx}
}

func (u *gormUnitOfWork) Executors() store.ExecutorRepository {
	return &executorRepository{db: u.tx}
}

func (u *gormUnitOfWork) Commit() error {
	return u.tx.Commit().Error
}

func (u *gormUnitOfWork) Rollback() error {
	return u.tx.Rollback().Error
}
