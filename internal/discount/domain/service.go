package domain

import (
	"context"
	"errors"
	"time"

	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
)

var (
	ErrInvalidDiscount           = errors.New("invalid_discount")
	ErrInvalidDiscountValue      = errors.New("invalid_discount_value")
	ErrInvalidDiscountScope      = errors.New("invalid_discount_scope")
	ErrDiscountNotFound          = errors.New("discount_not_found")
	ErrDiscountOverlapConflict   = errors.New("discount_overlap_conflict")
	ErrDiscountAlreadyRemoved    = errors.New("discount_already_removed")
	ErrInvalidDiscountTargetID   = errors.New("invalid_discount_target")
	ErrInvalidDiscountWindowSpan = errors.New("invalid_discount_window")
)

type ApplyRequest struct {
	Kind     DiscountKind  `json:"kind"`
	Value    int64         `json:"value"`
	Scope    DiscountScope `json:"scope"`
	TargetID string        `json:"target_id"`
	StartAt  *time.Time    `json:"start_at,omitempty"`
	EndAt    *time.Time    `json:"end_at,omitempty"`
	Motive   string        `json:"motive,omitempty"`
}

// Resolution explains which discount produced the effective price.
type Resolution struct {
	EffectivePrice int64     `json:"effective_price"`
	Applied        *Discount `json:"applied,omitempty"`
}

type Service interface {
	Apply(ctx context.Context, req ApplyRequest) (Discount, error)
	Remove(ctx context.Context, id, motive string) error
	List(ctx context.Context, scope DiscountScope, targetID string) ([]Discount, error)

	// ResolveEffectivePrice picks the most specific in-window discount
	// (customer > group > plan). Same-scope overlaps from one actor resolve
	// last-write-wins; from different actors they conflict.
	ResolveEffectivePrice(ctx context.Context, sub *subscriptiondomain.Subscription, asOf time.Time) (Resolution, error)
}
