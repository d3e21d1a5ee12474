package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fitloop/cadence/internal/invoice/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	if invoice == nil {
		return nil
	}
	return db.WithContext(ctx).Create(invoice).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id int64) (*domain.Invoice, error) {
	return r.findOne(ctx, db, false, "id = ?", id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*domain.Invoice, error) {
	return r.findOne(ctx, db, true, "id = ?", id)
}

func (r *repo) FindBySubKindPeriod(ctx context.Context, db *gorm.DB, subscriptionID int64, kind domain.InvoiceKind, periodKey string) (*domain.Invoice, error) {
	return r.findOne(ctx, db, false, "subscription_id = ? AND kind = ? AND period_key = ?", subscriptionID, kind, periodKey)
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error {
	return db.WithContext(ctx).Model(&domain.Invoice{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) ListByStatus(ctx context.Context, db *gorm.DB, status domain.InvoiceStatus) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("status = ?", status).
		Order("due_at asc").
		Find(&invoices).Error
	return invoices, err
}

func (r *repo) ListDueBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	err := db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Where("due_at > ? AND due_at <= ?", from, to).
		Order("due_at asc").
		Find(&invoices).Error
	return invoices, err
}

func (r *repo) MarkOverdueBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	result := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("status = ? AND due_at < ?", domain.StatusPending, cutoff).
		Updates(map[string]any{
			"status":     domain.StatusOverdue,
			"updated_at": cutoff,
		})
	return result.RowsAffected, result.Error
}

func (r *repo) ClaimRetryDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Invoice, error) {
	var invoices []domain.Invoice
	stmt := db.WithContext(ctx).
		Where("status = ?", domain.StatusFailed).
		Where("irrecoverable = ?", false).
		Where("next_retry_at IS NOT NULL AND next_retry_at <= ?", now).
		Order("next_retry_at asc").
		Limit(limit)
	if db.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	err := stmt.Find(&invoices).Error
	return invoices, err
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, lock bool, query string, args ...any) (*domain.Invoice, error) {
	var invoice domain.Invoice
	stmt := db.WithContext(ctx).Where(query, args...)
	if lock && db.Dialector.Name() != "sqlite" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := stmt.First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &invoice, nil
}
