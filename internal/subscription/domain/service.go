package domain

import (
	"context"
	"errors"
	"time"

	"github.com/fitloop/cadence/internal/proration"
	"github.com/fitloop/cadence/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrInvalidCustomer        = errors.New("invalid_customer")
	ErrInvalidSubscription    = errors.New("invalid_subscription")
	ErrInvalidKind            = errors.New("invalid_subscription_kind")
	ErrInvalidTrialConfig     = errors.New("invalid_trial_config")
	ErrInvalidStateTransition = errors.New("invalid_state_transition")
	ErrSubscriptionNotFound   = errors.New("subscription_not_found")
	ErrSubscriptionArchived   = errors.New("subscription_archived")
	ErrFreezeNotAllowed       = errors.New("freeze_not_allowed")
	ErrFreezeTooLong          = errors.New("freeze_too_long")
	ErrInvalidFreezeWindow    = errors.New("invalid_freeze_window")
	ErrInvalidGroup           = errors.New("invalid_group")
	ErrGroupMemberNotFound    = errors.New("group_member_not_found")
	ErrAlreadyGroupMember     = errors.New("already_group_member")
	ErrInvalidTransferConfig  = errors.New("invalid_transfer_config")
)

type CreateSubscriptionRequest struct {
	CustomerID string           `json:"customer_id"`
	TrainerID  string           `json:"trainer_id,omitempty"`
	PlanID     string           `json:"plan_id"`
	Kind       SubscriptionKind `json:"kind"`
	StartAt    *time.Time       `json:"start_at,omitempty"`

	// Trial settings. TrialDays > 0 creates the subscription in TRIAL with its
	// first period covering the trial window.
	TrialDays     int   `json:"trial_days,omitempty"`
	TrialPrice    int64 `json:"trial_price,omitempty"`
	TrialSessions int   `json:"trial_sessions,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

type CreateGroupRequest struct {
	Principal CreateSubscriptionRequest   `json:"principal"`
	Members   []CreateSubscriptionRequest `json:"members"`
}

type GroupResponse struct {
	GroupID       string         `json:"group_id"`
	Principal     Subscription   `json:"principal"`
	Subscriptions []Subscription `json:"subscriptions"`
}

type ListSubscriptionRequest struct {
	Status      string
	CustomerID  string
	GroupID     string
	PageToken   string
	PageSize    int32
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

type FreezeRequest struct {
	SubscriptionID string     `json:"subscription_id"`
	Days           int        `json:"days"`
	StartAt        *time.Time `json:"start_at,omitempty"`
	Motive         string     `json:"motive,omitempty"`
}

type CancelRequest struct {
	SubscriptionID string `json:"subscription_id"`
	AtPeriodEnd    bool   `json:"at_period_end"`
	Motive         string `json:"motive,omitempty"`
}

type ChangePlanRequest struct {
	SubscriptionID   string `json:"subscription_id"`
	NewPlanID        string `json:"new_plan_id"`
	ApplyImmediately bool   `json:"apply_immediately"`
	Motive           string `json:"motive,omitempty"`
}

type ChangePlanResponse struct {
	Subscription Subscription    `json:"subscription"`
	Quote        proration.Quote `json:"quote"`
	InvoiceID    string          `json:"invoice_id,omitempty"`
}

type TransferConfigRequest struct {
	SubscriptionID    string `json:"subscription_id"`
	AutoTransfer      bool   `json:"auto_transfer"`
	MaxTransferable   int    `json:"max_transferable"`
	TransferOnRenewal bool   `json:"transfer_on_renewal"`
}

type AddMemberRequest struct {
	GroupID string                    `json:"group_id"`
	Member  CreateSubscriptionRequest `json:"member"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	GetByID(ctx context.Context, id string) (Subscription, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)

	Activate(ctx context.Context, id string) (Subscription, error)
	Freeze(ctx context.Context, req FreezeRequest) (Subscription, error)
	Unfreeze(ctx context.Context, id string) (Subscription, error)
	Pause(ctx context.Context, id, motive string) (Subscription, error)
	Resume(ctx context.Context, id string) (Subscription, error)
	Cancel(ctx context.Context, req CancelRequest) (Subscription, error)

	ChangePlan(ctx context.Context, req ChangePlanRequest) (ChangePlanResponse, error)
	SetTransferConfig(ctx context.Context, req TransferConfigRequest) (Subscription, error)

	CreateGroup(ctx context.Context, req CreateGroupRequest) (GroupResponse, error)
	AddMember(ctx context.Context, req AddMemberRequest) (Subscription, error)
	RemoveMember(ctx context.Context, groupID, customerID, motive string) error
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*Subscription, error)

	InsertGroupMembers(ctx context.Context, db *gorm.DB, members []GroupMember) error
	FindGroupMembers(ctx context.Context, db *gorm.DB, groupID int64, activeOnly bool) ([]GroupMember, error)
	FindActiveGroupMember(ctx context.Context, db *gorm.DB, groupID, customerID int64) (*GroupMember, error)
	MarkMemberRemoved(ctx context.Context, db *gorm.DB, memberID int64, at time.Time) error

	// Claim queries lock due rows with SKIP LOCKED so parallel runners never
	// process the same subscription twice. Must run inside a transaction.
	ClaimDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ClaimFrozenElapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ClaimCancelDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ClaimTrialsElapsed(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ClaimArchivable(ctx context.Context, db *gorm.DB, cutoff time.Time, limit int) ([]Subscription, error)
}
