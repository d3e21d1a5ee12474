// Package domain contains the per-period session ledger model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type EntryKind string

const (
	KindPlan        EntryKind = "PLAN"
	KindBonus       EntryKind = "BONUS"
	KindTransferred EntryKind = "TRANSFERRED"
	KindGroup       EntryKind = "GROUP"
)

// BonusPoolPeriodKey is the period key of the standing bonus entry used when
// bonus sessions are configured to never expire. It can never collide with a
// real YYYY-MM period key.
const BonusPoolPeriodKey = "bonus"

// Entry records how many sessions one subscription may use in one billing
// period. Total is already net of outgoing transfers; TransferredOut only
// preserves usage statistics. Invariant: 0 <= Consumed <= Total.
type Entry struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index;uniqueIndex:idx_ledger_sub_period,priority:1"`
	CustomerID     snowflake.ID `gorm:"not null;index"`
	PeriodKey      string       `gorm:"type:text;not null;uniqueIndex:idx_ledger_sub_period,priority:2"`
	Kind           EntryKind    `gorm:"type:text;not null"`
	Total          int          `gorm:"not null;default:0"`
	Consumed       int          `gorm:"not null;default:0"`
	TransferredOut int          `gorm:"not null;default:0"`
	ExpiresAt      *time.Time   `gorm:"index"` // nil never expires
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "session_ledger_entries" }

// Remaining is the unconsumed balance of the entry.
func (e Entry) Remaining() int { return e.Total - e.Consumed }

// Expired reports whether the entry accepts no further consumption or
// outgoing transfers at the given instant.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}

// PeriodKeyFor derives the YYYY-MM ledger period key from a period start.
func PeriodKeyFor(periodStart time.Time) string {
	return periodStart.UTC().Format("2006-01")
}
