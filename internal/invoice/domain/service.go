package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

var (
	ErrInvoiceNotFound = errors.New("invoice_not_found")
	ErrInvalidInvoice  = errors.New("invalid_invoice")
	ErrInvalidAmount   = errors.New("invalid_amount")
	ErrAlreadyPaid     = errors.New("invoice_already_paid")
	ErrRetryExhausted  = errors.New("retry_exhausted")
)

type CreateRenewalRequest struct {
	SubscriptionID snowflake.ID
	CustomerID     snowflake.ID
	PeriodKey      string
	Amount         int64
	Currency       string
	DueAt          time.Time
}

type CreateProrationRequest struct {
	SubscriptionID snowflake.ID
	CustomerID     snowflake.ID
	PeriodKey      string
	Amount         int64
	Currency       string
	DueAt          time.Time
}

type Service interface {
	// CreateRenewal is idempotent: when an invoice for the (subscription,
	// period) pair already exists it is returned with created=false.
	CreateRenewal(ctx context.Context, tx *gorm.DB, req CreateRenewalRequest) (Invoice, bool, error)
	CreateProration(ctx context.Context, tx *gorm.DB, req CreateProrationRequest) (Invoice, error)

	MarkPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (Invoice, error)
	// MarkFailed schedules the next retry from the configured backoff ladder,
	// or flags the invoice irrecoverable once the ladder is exhausted.
	MarkFailed(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, reason string) (Invoice, error)
	MarkOverdue(ctx context.Context, now time.Time) (int64, error)

	GetByID(ctx context.Context, id string) (Invoice, error)
	ListFailed(ctx context.Context) ([]Invoice, error)
	ListUpcoming(ctx context.Context, window time.Duration) ([]Invoice, error)

	// ClaimRetryDue locks failed, recoverable invoices whose retry time has
	// passed. Must run inside a transaction.
	ClaimRetryDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]Invoice, error)
}
