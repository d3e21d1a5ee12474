// Package domain contains persistence models and the lifecycle table for
// subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	StatusPending  SubscriptionStatus = "PENDING"
	StatusTrial    SubscriptionStatus = "TRIAL"
	StatusActive   SubscriptionStatus = "ACTIVE"
	StatusFrozen   SubscriptionStatus = "FROZEN"
	StatusPaused   SubscriptionStatus = "PAUSED"
	StatusCanceled SubscriptionStatus = "CANCELED"
	StatusExpired  SubscriptionStatus = "EXPIRED"
)

// Terminal reports whether no outbound transition exists from the status.
func (s SubscriptionStatus) Terminal() bool {
	return s == StatusCanceled || s == StatusExpired
}

// SubscriptionKind tags what the subscription sells. One entity with a closed
// tag set; kind-specific rules live in the services, not in subtypes.
type SubscriptionKind string

const (
	KindTrainerPackage SubscriptionKind = "TRAINER_PACKAGE"
	KindGymMembership  SubscriptionKind = "GYM_MEMBERSHIP"
	KindService        SubscriptionKind = "SERVICE"
	KindContent        SubscriptionKind = "CONTENT"
	KindEvent          SubscriptionKind = "EVENT"
	KindHybrid         SubscriptionKind = "HYBRID"
)

func (k SubscriptionKind) Valid() bool {
	switch k {
	case KindTrainerPackage, KindGymMembership, KindService, KindContent, KindEvent, KindHybrid:
		return true
	default:
		return false
	}
}

// Subscription captures one customer's recurring agreement. Plan fields are a
// snapshot taken at create/change-plan time so later catalog edits do not
// silently reprice running subscriptions. Price is minor currency units.
type Subscription struct {
	ID         snowflake.ID  `gorm:"primaryKey"`
	CustomerID snowflake.ID  `gorm:"not null;index"`
	TrainerID  *snowflake.ID `gorm:"index"`

	PlanID       snowflake.ID                `gorm:"not null;index"`
	PlanName     string                      `gorm:"type:text;not null"`
	Price        int64                       `gorm:"not null"`
	Currency     string                      `gorm:"type:text;not null"`
	Frequency    plandomain.BillingFrequency `gorm:"type:text;not null"`
	BaseSessions int                         `gorm:"not null;default:0"`

	// PendingPrice holds a deferred plan change's price until the next
	// renewal bills it and promotes it into Price.
	PendingPrice *int64 `gorm:""`

	Kind   SubscriptionKind   `gorm:"type:text;not null"`
	Status SubscriptionStatus `gorm:"type:text;not null;index"`

	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null;index"`

	SessionAdjustment int `gorm:"not null;default:0"`
	BonusSessions     int `gorm:"not null;default:0"`

	Trial         bool       `gorm:"not null;default:false"`
	TrialSessions int        `gorm:"not null;default:0"`
	TrialEndsAt   *time.Time `gorm:""`

	FreezeStart *time.Time `gorm:""`
	FreezeEnd   *time.Time `gorm:"index"`

	CancelAtPeriodEnd bool   `gorm:"not null;default:false"`
	CancelMotive      string `gorm:"type:text"`

	ActivatedAt *time.Time `gorm:""`
	PausedAt    *time.Time `gorm:""`
	CanceledAt  *time.Time `gorm:""`
	ExpiredAt   *time.Time `gorm:""`
	ArchivedAt  *time.Time `gorm:"index"`

	GroupID        *snowflake.ID `gorm:"index"`
	GroupPrincipal bool          `gorm:"not null;default:false"`

	AutoTransfer      bool `gorm:"not null;default:false"`
	MaxTransferable   int  `gorm:"not null;default:0"`
	TransferOnRenewal bool `gorm:"not null;default:false"`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// GroupMember links a customer's own subscription into a shared group.
type GroupMember struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	GroupID        snowflake.ID `gorm:"not null;index"`
	CustomerID     snowflake.ID `gorm:"not null;index"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	Principal      bool         `gorm:"not null;default:false"`
	JoinedAt       time.Time    `gorm:"not null"`
	RemovedAt      *time.Time   `gorm:""`
	CreatedAt      time.Time    `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (GroupMember) TableName() string { return "group_members" }

// IsTransitionAllowed validates a lifecycle move against the state table.
func IsTransitionAllowed(current, target SubscriptionStatus) bool {
	switch current {
	case StatusPending:
		return target == StatusTrial || target == StatusActive
	case StatusTrial:
		return target == StatusActive || target == StatusCanceled
	case StatusActive:
		return target == StatusFrozen || target == StatusPaused ||
			target == StatusCanceled || target == StatusExpired
	case StatusFrozen:
		return target == StatusActive || target == StatusCanceled
	case StatusPaused:
		return target == StatusActive || target == StatusCanceled
	default:
		return false
	}
}
