// Package proration computes mid-period plan change credits and charges.
// All amounts are integer minor currency units; division rounds toward zero.
package proration

import (
	"errors"
	"time"
)

var ErrPeriodInvalid = errors.New("proration_period_invalid")

// Quote is the outcome of prorating a plan change at a point inside a billing
// period. Net is positive for an additional charge, negative for a credit.
type Quote struct {
	DaysTotal     int   `json:"days_total"`
	DaysUsed      int   `json:"days_used"`
	DaysRemaining int   `json:"days_remaining"`
	Credit        int64 `json:"credit"`
	Charge        int64 `json:"charge"`
	Net           int64 `json:"net"`
}

// Prorate quotes the unused-time credit on the old price and the remaining-time
// charge on the new price. changeAt must fall within [periodStart, periodEnd].
func Prorate(oldPrice, newPrice int64, periodStart, periodEnd, changeAt time.Time) (Quote, error) {
	if oldPrice < 0 || newPrice < 0 {
		return Quote{}, ErrPeriodInvalid
	}
	if !periodEnd.After(periodStart) {
		return Quote{}, ErrPeriodInvalid
	}
	if changeAt.Before(periodStart) || changeAt.After(periodEnd) {
		return Quote{}, ErrPeriodInvalid
	}

	daysTotal := int(periodEnd.Sub(periodStart) / (24 * time.Hour))
	if daysTotal <= 0 {
		return Quote{}, ErrPeriodInvalid
	}

	daysUsed := int(changeAt.Sub(periodStart) / (24 * time.Hour))
	if daysUsed > daysTotal {
		daysUsed = daysTotal
	}
	daysRemaining := daysTotal - daysUsed

	credit := oldPrice * int64(daysRemaining) / int64(daysTotal)
	charge := newPrice * int64(daysRemaining) / int64(daysTotal)

	return Quote{
		DaysTotal:     daysTotal,
		DaysUsed:      daysUsed,
		DaysRemaining: daysRemaining,
		Credit:        credit,
		Charge:        charge,
		Net:           charge - credit,
	}, nil
}
