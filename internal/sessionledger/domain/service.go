package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"gorm.io/gorm"
)

var (
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrInsufficientSessions = errors.New("insufficient_sessions")
	ErrInvalidQuantity      = errors.New("invalid_quantity")
	ErrEntryNotFound        = errors.New("ledger_entry_not_found")
	ErrEntryExpired         = errors.New("ledger_entry_expired")
	ErrTransferExpired      = errors.New("transfer_expired")
)

type ConsumeRequest struct {
	EntryID  string `json:"entry_id"`
	Quantity int    `json:"quantity"`
	Motive   string `json:"motive,omitempty"`
}

type BonusRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Quantity       int    `json:"quantity"`
	Motive         string `json:"motive,omitempty"`
}

type AdjustRequest struct {
	SubscriptionID string `json:"subscription_id"`
	Delta          int    `json:"delta"`
	Motive         string `json:"motive,omitempty"`
	ApplyNextCycle bool   `json:"apply_next_cycle"`
}

type TransferRequest struct {
	SourceEntryID         string     `json:"source_entry_id"`
	DestinationPeriod     string     `json:"destination_period"`
	Quantity              int        `json:"quantity"`
	DestinationCustomerID string     `json:"destination_customer_id,omitempty"`
	DestinationExpiry     *time.Time `json:"destination_expiry,omitempty"`
	Motive                string     `json:"motive,omitempty"`
}

type TransferResponse struct {
	Source      Entry `json:"source"`
	Destination Entry `json:"destination"`
}

type Service interface {
	// OpenPeriod creates the ledger entry for the subscription's current
	// period inside the caller's transaction. An entry seeded earlier by an
	// incoming transfer is folded in rather than treated as a duplicate.
	OpenPeriod(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (Entry, error)

	Consume(ctx context.Context, req ConsumeRequest) (Entry, error)
	GrantBonus(ctx context.Context, req BonusRequest) (Entry, error)
	Adjust(ctx context.Context, req AdjustRequest) (Entry, error)
	Transfer(ctx context.Context, req TransferRequest) (TransferResponse, error)

	// AdjustOpenEntryTotal bumps the open entry's total inside the caller's
	// transaction, clamped so it never drops below consumed. No-op when no
	// entry is open.
	AdjustOpenEntryTotal(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, delta int) error

	ListBySubscription(ctx context.Context, subscriptionID string) ([]Entry, error)
	ExpiringSoon(ctx context.Context, window time.Duration) ([]Entry, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	FindByID(ctx context.Context, db *gorm.DB, id int64) (*Entry, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, id int64) (*Entry, error)
	FindBySubPeriodForUpdate(ctx context.Context, db *gorm.DB, subscriptionID int64, periodKey string) (*Entry, error)
	UpdateCounters(ctx context.Context, db *gorm.DB, id int64, updates map[string]any) error
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID int64) ([]Entry, error)
	ExpiringBetween(ctx context.Context, db *gorm.DB, from, to time.Time) ([]Entry, error)
}
