// Package domain contains scoped, time-bounded discounts.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type DiscountKind string

const (
	KindPercentage DiscountKind = "PERCENTAGE"
	KindFixed      DiscountKind = "FIXED"
)

type DiscountScope string

const (
	ScopeCustomer DiscountScope = "CUSTOMER"
	ScopeGroup    DiscountScope = "GROUP"
	ScopePlan     DiscountScope = "PLAN"
)

// Discount prices down every subscription matching its scope target while its
// validity window is open. Removal is soft; rows are kept for history.
type Discount struct {
	ID           snowflake.ID  `gorm:"primaryKey"`
	Kind         DiscountKind  `gorm:"type:text;not null"`
	Value        int64         `gorm:"not null"` // percent for PERCENTAGE, minor units for FIXED
	Scope        DiscountScope `gorm:"type:text;not null;index:idx_discounts_scope_target"`
	TargetID     snowflake.ID  `gorm:"not null;index:idx_discounts_scope_target"`
	StartAt      time.Time     `gorm:"not null"`
	EndAt        *time.Time    `gorm:""`
	AppliedBy    string        `gorm:"type:text;not null"`
	Motive       string        `gorm:"type:text"`
	RemovedAt    *time.Time    `gorm:""`
	SupersededBy *snowflake.ID `gorm:""`
	CreatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time     `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Discount) TableName() string { return "discounts" }

// ActiveAt reports whether the discount applies at the given instant.
func (d Discount) ActiveAt(at time.Time) bool {
	if d.RemovedAt != nil || d.SupersededBy != nil {
		return false
	}
	if at.Before(d.StartAt) {
		return false
	}
	if d.EndAt != nil && at.After(*d.EndAt) {
		return false
	}
	return true
}

// PriceAfter applies the discount to a price in minor units. Results never go
// below zero.
func (d Discount) PriceAfter(price int64) int64 {
	switch d.Kind {
	case KindPercentage:
		discounted := price - price*d.Value/100
		if discounted < 0 {
			return 0
		}
		return discounted
	case KindFixed:
		if d.Value >= price {
			return 0
		}
		return price - d.Value
	default:
		return price
	}
}
