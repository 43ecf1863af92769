package sqlite

import (
	"context"
	"errors"

	"arbor/internal/store"
	"arbor/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type tradeFillRepository struct {
	db *gorm.DB
}

// Append inserts the fill unless a row with the same exchange trade id
// already exists. The inserted flag lets callers skip side effects for
// redelivered fills.
func (r *tradeFillRepository) Append(ctx context.Context, fill *model.TradeFillModel) (bool, error) {
	if fill == nil {
		return false, errors.New("fill cannot be nil")
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "exchange_trade_id"}},
		DoNothing: true,
	}).Create(fill)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *tradeFillRepository) List(ctx context.Context, filter store.TradeFilter) ([]model.TradeFillModel, error) {
	q := r.db.WithContext(ctx).Model(&model.TradeFillModel{})
	if filter.ConfigID != "" {
		q = q.Where("config_id = ?", filter.ConfigID)
	}
	if filter.Market != "" {
		q = q.Where("market = ?", filter.Market)
	}
	if filter.Symbol != "" {
		q = q.Where("symbol = ?", filter.Symbol)
	}
	q = q.Order("timestamp DESC, id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	var fills []model.TradeFillModel
	if err := q.Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}

func (r *tradeFillRepository) ListByOrder(ctx context.Context, orderID string) ([]model.TradeFillModel, error) {
	var fills []model.TradeFillModel
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("timestamp ASC, id ASC").
		Find(&fills).Error; err != nil {
		return nil, err
	}
	return fills, nil
}
