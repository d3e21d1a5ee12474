package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, discount *Discount) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Discount, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*Discount, error)
	Update(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error
	ListByTarget(ctx context.Context, db *gorm.DB, scope DiscountScope, targetID int64) ([]Discount, error)

	// FindCandidates returns non-removed, non-superseded discounts for the
	// scope target whose window contains asOf.
	FindCandidates(ctx context.Context, db *gorm.DB, scope DiscountScope, targetID int64, asOf time.Time) ([]Discount, error)
}
