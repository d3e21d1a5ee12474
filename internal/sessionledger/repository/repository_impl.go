package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fitloop/cadence/internal/sessionledger/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.Entry) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Entry, error) {
	return r.findOne(ctx, db, false, "id = ?", id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*domain.Entry, error) {
	return r.findOne(ctx, db, true, "id = ?", id)
}

func (r *repo) FindBySubPeriodForUpdate(ctx context.Context, db *gorm.DB, subscriptionID int64, periodKey string) (*domain.Entry, error) {
	return r.findOne(ctx, db, true, "subscription_id = ? AND period_key = ?", subscriptionID, periodKey)
}

func (r *repo) UpdateCounters(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error {
	return db.WithContext(ctx).Model(&domain.Entry{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID int64) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at asc").
		Find(&entries).Error
	return entries, err
}

func (r *repo) ExpiringBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.Entry, error) {
	var entries []domain.Entry
	err := db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?", from, to).
		Where("total > consumed").
		Order("expires_at asc").
		Find(&entries).Error
	return entries, err
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, lock bool, query string, args ...any) (*domain.Entry, error) {
	var entry domain.Entry
	stmt := db.WithContext(ctx).Where(query, args...)
	if lock && db.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := stmt.First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &entry, nil
}
