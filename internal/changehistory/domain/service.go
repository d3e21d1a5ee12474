package domain

import (
	"context"
	"errors"

	"github.com/fitloop/cadence/pkg/db/pagination"
	"gorm.io/gorm"
)

var (
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidKind         = errors.New("invalid_change_kind")
)

// Record is a request to append one history entry. Diffs may be nil for
// commands that mutate nothing (rejections).
type Record struct {
	SubscriptionID string
	Kind           string
	ActorType      string
	ActorID        string
	Description    string
	Diffs          []FieldDiff
	Motive         string
	Outcome        ChangeOutcome
}

type ListRequest struct {
	SubscriptionID string
	PageToken      string
	PageSize       int32
}

type ListResponse struct {
	pagination.PageInfo
	Entries []Entry `json:"entries"`
}

type Service interface {
	// Record appends an entry inside the caller's transaction so audit rows
	// commit or roll back with the change they describe.
	Record(ctx context.Context, tx *gorm.DB, rec Record) error
	ListBySubscription(ctx context.Context, req ListRequest) (ListResponse, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *Entry) error
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID int64, limit int, beforeID string) ([]Entry, error)
}
