package domain

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*Invoice, error)
	FindBySubKindPeriod(ctx context.Context, db *gorm.DB, subscriptionID int64, kind InvoiceKind, periodKey string) (*Invoice, error)
	Update(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error

	ListByStatus(ctx context.Context, db *gorm.DB, status InvoiceStatus) ([]Invoice, error)
	ListDueBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Invoice, error)

	// MarkOverdueBefore flips pending invoices past due into OVERDUE and
	// returns the number of rows touched.
	MarkOverdueBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error)

	// ClaimRetryDue locks failed, recoverable invoices whose next_retry_at has
	// passed, skipping rows another worker already holds.
	ClaimRetryDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Invoice, error)
}
