// Package domain contains the plan catalog model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// BillingFrequency is how often a subscription on the plan renews.
type BillingFrequency string

const (
	FrequencyMonthly    BillingFrequency = "MONTHLY"
	FrequencyQuarterly  BillingFrequency = "QUARTERLY"
	FrequencySemiannual BillingFrequency = "SEMIANNUAL"
	FrequencyAnnual     BillingFrequency = "ANNUAL"
)

// Months returns the period length in months, 0 for unknown frequencies.
func (f BillingFrequency) Months() int {
	switch f {
	case FrequencyMonthly:
		return 1
	case FrequencyQuarterly:
		return 3
	case FrequencySemiannual:
		return 6
	case FrequencyAnnual:
		return 12
	default:
		return 0
	}
}

func (f BillingFrequency) Valid() bool { return f.Months() > 0 }

// Plan is a catalog entry. Price is in minor currency units.
type Plan struct {
	ID            snowflake.ID      `gorm:"primaryKey"`
	Name          string            `gorm:"type:text;not null"`
	Price         int64             `gorm:"not null"`
	Currency      string            `gorm:"type:text;not null"`
	Frequency     BillingFrequency  `gorm:"type:text;not null"`
	BaseSessions  int               `gorm:"not null;default:0"`
	AllowFreeze   bool              `gorm:"not null;default:true"`
	MaxFreezeDays int               `gorm:"not null;default:0"`
	Active        bool              `gorm:"not null;default:true"`
	Metadata      datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }
