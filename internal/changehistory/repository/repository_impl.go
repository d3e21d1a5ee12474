package repository

import (
	"context"

	"github.com/fitloop/cadence/internal/changehistory/domain"
	"gorm.io/gorm"
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

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID int64, limit int, beforeID string) ([]domain.Entry, error) {
	var entries []domain.Entry
	stmt := db.WithContext(ctx).Model(&domain.Entry{}).
		Where("subscription_id = ?", subscriptionID)

	// ULIDs sort lexicographically by creation time.
	if beforeID != "" {
		stmt = stmt.Where("id < ?", beforeID)
	}

	stmt = stmt.Order("id desc")
	if limit > 0 {
		stmt = stmt.Limit(limit + 1)
	}

	if err := stmt.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
