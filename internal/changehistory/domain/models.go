// Package domain contains the append-only change history model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type ChangeOutcome string

const (
	OutcomeApplied  ChangeOutcome = "APPLIED"
	OutcomeRejected ChangeOutcome = "REJECTED"
)

// FieldDiff captures one field-level before/after pair.
type FieldDiff struct {
	Field  string `json:"field"`
	Before any    `json:"before"`
	After  any    `json:"after"`
}

// Entry is one immutable audit record. Rows are only ever inserted.
type Entry struct {
	ID             string         `gorm:"primaryKey"` // ULID, sortable by creation time
	SubscriptionID snowflake.ID   `gorm:"not null;index"`
	Kind           string         `gorm:"type:text;not null"`
	ActorType      string         `gorm:"type:text;not null"`
	ActorID        string         `gorm:"type:text"`
	Description    string         `gorm:"type:text"`
	Diffs          datatypes.JSON `gorm:"type:jsonb"`
	Motive         string         `gorm:"type:text"`
	Outcome        ChangeOutcome  `gorm:"type:text;not null"`
	OccurredAt     time.Time      `gorm:"not null;index"`
	CreatedAt      time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Entry) TableName() string { return "change_history_entries" }
