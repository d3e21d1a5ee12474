// Package domain contains the invoice (cuota) model. Invoices are append-only
// facts: status moves forward and rows are never deleted.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type InvoiceKind string

const (
	KindRenewal    InvoiceKind = "RENEWAL"
	KindProration  InvoiceKind = "PRORATION"
	KindAdjustment InvoiceKind = "ADJUSTMENT"
)

type InvoiceStatus string

const (
	StatusPending InvoiceStatus = "PENDING"
	StatusPaid    InvoiceStatus = "PAID"
	StatusOverdue InvoiceStatus = "OVERDUE"
	StatusFailed  InvoiceStatus = "FAILED"
)

// Invoice bills one subscription period (or one mid-period adjustment). The
// unique (subscription, kind, period) index is what makes renewal invoicing
// idempotent under re-runs. Amount is minor currency units.
type Invoice struct {
	ID             snowflake.ID  `gorm:"primaryKey"`
	SubscriptionID snowflake.ID  `gorm:"not null;index;uniqueIndex:idx_invoices_sub_kind_period,priority:1"`
	CustomerID     snowflake.ID  `gorm:"not null;index"`
	Kind           InvoiceKind   `gorm:"type:text;not null;uniqueIndex:idx_invoices_sub_kind_period,priority:2"`
	PeriodKey      string        `gorm:"type:text;not null;uniqueIndex:idx_invoices_sub_kind_period,priority:3"`
	Amount         int64         `gorm:"not null"`
	Currency       string        `gorm:"type:text;not null"`
	Status         InvoiceStatus `gorm:"type:text;not null;index"`
	DueAt          time.Time     `gorm:"not null"`
	PaidAt         *time.Time    `gorm:""`
	RetryCount     int           `gorm:"not null;default:0"`
	NextRetryAt    *time.Time    `gorm:"index"`
	FailureReason  string        `gorm:"type:text"`
	Irrecoverable  bool          `gorm:"not null;default:false"`
	CreatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }
