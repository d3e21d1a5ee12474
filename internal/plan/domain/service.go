package domain

import (
	"context"
	"errors"
)

var (
	ErrPlanNotFound     = errors.New("plan_not_found")
	ErrPlanInactive     = errors.New("plan_inactive")
	ErrInvalidPlan      = errors.New("invalid_plan")
	ErrInvalidPrice     = errors.New("invalid_price")
	ErrInvalidFrequency = errors.New("invalid_frequency")
)

type CreatePlanRequest struct {
	Name          string           `json:"name"`
	Price         int64            `json:"price"`
	Currency      string           `json:"currency"`
	Frequency     BillingFrequency `json:"frequency"`
	BaseSessions  int              `json:"base_sessions"`
	AllowFreeze   bool             `json:"allow_freeze"`
	MaxFreezeDays int              `json:"max_freeze_days"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreatePlanRequest) (Plan, error)
	GetByID(ctx context.Context, id string) (Plan, error)
	List(ctx context.Context, activeOnly bool) ([]Plan, error)
	Deactivate(ctx context.Context, id string) error
}
