package sqlite

import (
	"context"
	"errors"

	"arbor/internal/store"
	"arbor/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type orderRepository struct {
	db *gorm.DB
}

func (r *orderRepository) Upsert(ctx context.Context, order *model.OrderModel) error {
	if order == nil {
		return errors.New("order cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(order).Error
}

func (r *orderRepository) FindByID(ctx context.Context, id string) (*model.OrderModel, error) {
	var order model.OrderModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&order).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) List(ctx context.Context, filter store.OrderFilter) ([]model.OrderModel, error) {
	q := r.db.WithContext(ctx).Model(&model.OrderModel{})
	if filter.ConfigID != "" {
		q = q.Where("config_id = ?", filter.ConfigID)
	}
	if filter.Market != "" {
		q = q.Where("market = ?", filter.Market)
	}
	if filter.WithExchangeOrderID {
		q = q.Where("exchange_order_id IS NOT NULL")
	}
	q = q.Order("creation_timestamp DESC, id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var orders []model.OrderModel
	if err := q.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

type orderStatusRepository struct {
	db *gorm.DB
}

func (r *orderStatusRepository) Append(ctx context.Context, status *model.OrderStatusModel) error {
	if status == nil {
		return errors.New("status cannot be nil")
	}
	return r.db.WithContext(ctx).Create(status).Error
}

func (r *orderStatusRepository) ListByOrder(ctx context.Context, orderID string) ([]model.OrderStatusModel, error) {
	var statuses []model.OrderStatusModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("timestamp ASC, id ASC").
		Find(&statuses).Error; err != nil {
		return nil, err
	}
	return statuses, nil
}
