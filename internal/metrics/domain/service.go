// Package domain defines read-side revenue analytics over subscriptions and
// invoices. Everything here is derived; nothing is persisted.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrUnknownScenario = errors.New("unknown_scenario")
	ErrInvalidWindow   = errors.New("invalid_metrics_window")
)

// MRRReport normalizes every paying subscription to a monthly amount:
// quarterly prices divide by 3, semiannual by 6, annual by 12.
type MRRReport struct {
	AsOf        time.Time `json:"as_of"`
	MRR         int64     `json:"mrr"`
	ActiveCount int64     `json:"active_count"`
	Currency    string    `json:"currency,omitempty"`
}

type ChurnReport struct {
	From          time.Time `json:"from"`
	To            time.Time `json:"to"`
	ActiveAtStart int64     `json:"active_at_start"`
	Churned       int64     `json:"churned"`
	ChurnRate     float64   `json:"churn_rate"`
	RetentionRate float64   `json:"retention_rate"`
}

type LTVReport struct {
	PaidTotal   int64   `json:"paid_total"`
	ActiveCount int64   `json:"active_count"`
	LTV         float64 `json:"ltv"`
}

type ProjectionPoint struct {
	Month time.Time `json:"month"`
	Count float64   `json:"count"`
	MRR   float64   `json:"mrr"`
}

type Projection struct {
	Scenario      string            `json:"scenario"`
	BaseCount     int64             `json:"base_count"`
	MonthlyChurn  float64           `json:"monthly_churn"`
	MonthlyGrowth float64           `json:"monthly_growth"`
	Points        []ProjectionPoint `json:"points"`
}

type Service interface {
	MRR(ctx context.Context, asOf time.Time) (MRRReport, error)
	ChurnRate(ctx context.Context, from, to time.Time) (ChurnReport, error)
	LTV(ctx context.Context) (LTVReport, error)

	// Project runs the subscriber-count forecast for the named scenario from
	// the configured scenario table.
	Project(ctx context.Context, months int, scenario string) (Projection, error)
}
