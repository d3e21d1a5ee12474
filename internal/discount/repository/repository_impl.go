package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fitloop/cadence/internal/discount/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, discount *domain.Discount) error {
	if discount == nil {
		return nil
	}
	return db.WithContext(ctx).Create(discount).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Discount, error) {
	return r.findOne(ctx, db, false, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*domain.Discount, error) {
	return r.findOne(ctx, db, true, id)
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error {
	return db.WithContext(ctx).Model(&domain.Discount{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) ListByTarget(ctx context.Context, db *gorm.DB, scope domain.DiscountScope, targetID int64) ([]domain.Discount, error) {
	var discounts []domain.Discount
	err := db.WithContext(ctx).
		Where("scope = ? AND target_id = ?", scope, targetID).
		Order("created_at desc").
		Find(&discounts).Error
	return discounts, err
}

func (r *repo) FindCandidates(ctx context.Context, db *gorm.DB, scope domain.DiscountScope, targetID int64, asOf time.Time) ([]domain.Discount, error) {
	var discounts []domain.Discount
	err := db.WithContext(ctx).
		Where("scope = ? AND target_id = ?", scope, targetID).
		Where("removed_at IS NULL AND superseded_by IS NULL").
		Where("start_at <= ?", asOf).
		Where("end_at IS NULL OR end_at >= ?", asOf).
		Order("created_at asc").
		Find(&discounts).Error
	return discounts, err
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, lock bool, id int64) (*domain.Discount, error) {
	var discount domain.Discount
	stmt := db.WithContext(ctx).Where("id = ?", id)
	if lock && db.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := stmt.First(&discount).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &discount, nil
}
