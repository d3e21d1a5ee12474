package proration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestProrate(t *testing.T) {
	periodStart := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.AddDate(0, 0, 30)

	t.Run("mid period upgrade", func(t *testing.T) {
		changeAt := periodStart.AddDate(0, 0, 10)

		quote, err := Prorate(30000, 45000, periodStart, periodEnd, changeAt)
		assert.NoError(t, err)
		assert.Equal(t, 30, quote.DaysTotal)
		assert.Equal(t, 10, quote.DaysUsed)
		assert.Equal(t, 20, quote.DaysRemaining)
		assert.Equal(t, int64(20000), quote.Credit)
		assert.Equal(t, int64(30000), quote.Charge)
		assert.Equal(t, int64(10000), quote.Net)
	})

	t.Run("downgrade yields credit", func(t *testing.T) {
		changeAt := periodStart.AddDate(0, 0, 15)

		quote, err := Prorate(30000, 15000, periodStart, periodEnd, changeAt)
		assert.NoError(t, err)
		assert.Equal(t, int64(15000), quote.Credit)
		assert.Equal(t, int64(7500), quote.Charge)
		assert.Equal(t, int64(-7500), quote.Net)
	})

	t.Run("change on period start bills full delta", func(t *testing.T) {
		quote, err := Prorate(30000, 45000, periodStart, periodEnd, periodStart)
		assert.NoError(t, err)
		assert.Equal(t, 0, quote.DaysUsed)
		assert.Equal(t, int64(30000), quote.Credit)
		assert.Equal(t, int64(45000), quote.Charge)
	})

	t.Run("change on period end is a no-op", func(t *testing.T) {
		quote, err := Prorate(30000, 45000, periodStart, periodEnd, periodEnd)
		assert.NoError(t, err)
		assert.Equal(t, 0, quote.DaysRemaining)
		assert.Equal(t, int64(0), quote.Net)
	})

	t.Run("change outside period rejected", func(t *testing.T) {
		_, err := Prorate(30000, 45000, periodStart, periodEnd, periodStart.AddDate(0, 0, -1))
		assert.ErrorIs(t, err, ErrPeriodInvalid)

		_, err = Prorate(30000, 45000, periodStart, periodEnd, periodEnd.AddDate(0, 0, 1))
		assert.ErrorIs(t, err, ErrPeriodInvalid)
	})

	t.Run("inverted period rejected", func(t *testing.T) {
		_, err := Prorate(30000, 45000, periodEnd, periodStart, periodStart)
		assert.ErrorIs(t, err, ErrPeriodInvalid)
	})

	t.Run("negative prices rejected", func(t *testing.T) {
		_, err := Prorate(-1, 45000, periodStart, periodEnd, periodStart)
		assert.ErrorIs(t, err, ErrPeriodInvalid)
	})
}
