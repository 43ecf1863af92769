package sqlite

import (
	"context"
	"errors"

	"arbor/internal/store/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type marketStateRepository struct {
	db *gorm.DB
}

// Upsert overwrites timestamp and blob in place when a row for
// (config id, market) exists, otherwise inserts. Exactly one row per
// key regardless of call frequency.
func (r *marketStateRepository) Upsert(ctx context.Context, state *model.MarketStateModel) error {
	if state == nil {
		return errors.New("market state cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_id"}, {Name: "market"}},
		DoUpdates: clause.AssignmentColumns([]string{"timestamp", "saved_state"}),
	}).Create(state).Error
}

func (r *marketStateRepository) Find(ctx context.Context, configID, market string) (*model.MarketStateModel, error) {
	var state model.MarketStateModel
	err := r.db.WithContext(ctx).
		Where("config_id = ? AND market = ?", configID, market).
		First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

type fundingPaymentRepository struct {
	db *gorm.DB
}

// InsertIfAbsent keeps the first record for a given timestamp per
// config; funding events redelivered on reconnect are ignored.
func (r *fundingPaymentRepository) InsertIfAbsent(ctx context.Context, payment *model.FundingPaymentModel) error {
	if payment == nil {
		return errors.New("funding payment cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "timestamp"}, {Name: "config_id"}},
		DoNothing: true,
	}).Create(payment).Error
}

func (r *fundingPaymentRepository) List(ctx context.Context, configID string, limit int) ([]model.FundingPaymentModel, error) {
	q := r.db.WithContext(ctx).Model(&model.FundingPaymentModel{})
	if configID != "" {
		q = q.Where("config_id = ?", configID)
	}
	q = q.Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var payments []model.FundingPaymentModel
	if err := q.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

type executorRepository struct {
	db *gorm.DB
}

func (r *executorRepository) Upsert(ctx context.Context, rec *model.ExecutorModel) error {
	if rec == nil {
		return errors.New("executor record cannot be nil")
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(rec).Error
}

func (r *executorRepository) ListByController(ctx context.Context, controllerID string) ([]model.ExecutorModel, error) {
	var recs []model.ExecutorModel
	if err := r.db.WithContext(ctx).
		Where("controller_id = ?", controllerID).
		Order("timestamp DESC").
		Find(&recs).Error; err != nil {
		return nil, err
	}
	return recs, nil
}
