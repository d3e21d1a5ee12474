// Package domain defines flattened reporting rows for spreadsheet-bound
// exports: one row per subscription joining billing state, ledger totals and
// the latest invoice.
package domain

import (
	"context"
	"io"
	"time"
)

type Row struct {
	SubscriptionID string     `json:"subscription_id"`
	CustomerID     string     `json:"customer_id"`
	PlanName       string     `json:"plan_name"`
	Kind           string     `json:"kind"`
	Status         string     `json:"status"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	Price          int64      `json:"price"`
	EffectivePrice int64      `json:"effective_price"`
	Currency       string     `json:"currency"`
	SessionsTotal  int        `json:"sessions_total"`
	SessionsUsed   int        `json:"sessions_used"`
	SessionsLeft   int        `json:"sessions_left"`
	LastInvoiceID  string     `json:"last_invoice_id,omitempty"`
	LastStatus     string     `json:"last_invoice_status,omitempty"`
	LastAmount     int64      `json:"last_invoice_amount,omitempty"`
	LastPaidAt     *time.Time `json:"last_invoice_paid_at,omitempty"`
}

type Request struct {
	Status     string `json:"status,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

type Service interface {
	Rows(ctx context.Context, req Request) ([]Row, error)
	WriteCSV(ctx context.Context, w io.Writer, req Request) error
}
