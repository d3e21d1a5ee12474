package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	historyrepo "github.com/fitloop/cadence/internal/changehistory/repository"
	historyservice "github.com/fitloop/cadence/internal/changehistory/service"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	invoicerepo "github.com/fitloop/cadence/internal/invoice/repository"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type invoiceEnv struct {
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
	svc  invoicedomain.Service
}

func newInvoiceEnv(t *testing.T) *invoiceEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&invoicedomain.Invoice{}, &changedomain.Entry{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	logger := zap.NewNop()

	history := historyservice.NewService(historyservice.Params{
		DB:    db,
		Log:   logger,
		Clock: clk,
		Repo:  historyrepo.Provide(),
	})

	svc := NewService(Params{
		DB:         db,
		Log:        logger,
		GenID:      node,
		Clock:      clk,
		Cfg:        config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Repo:       invoicerepo.Provide(),
		HistorySvc: history,
	})

	return &invoiceEnv{db: db, node: node, clk: clk, svc: svc}
}

func (e *invoiceEnv) renewalRequest() invoicedomain.CreateRenewalRequest {
	return invoicedomain.CreateRenewalRequest{
		SubscriptionID: e.node.Generate(),
		CustomerID:     e.node.Generate(),
		PeriodKey:      "2026-04",
		Amount:         12000,
		Currency:       "usd",
		DueAt:          e.clk.Now(),
	}
}

func TestCreateRenewal(t *testing.T) {
	env := newInvoiceEnv(t)
	ctx := context.Background()

	t.Run("idempotent per subscription and period", func(t *testing.T) {
		req := env.renewalRequest()

		first, created, err := env.svc.CreateRenewal(ctx, nil, req)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, invoicedomain.StatusPending, first.Status)
		assert.Equal(t, "USD", first.Currency)

		second, created, err := env.svc.CreateRenewal(ctx, nil, req)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)

		var count int64
		require.NoError(t, env.db.Model(&invoicedomain.Invoice{}).
			Where("subscription_id = ?", req.SubscriptionID).Count(&count).Error)
		assert.Equal(t, int64(1), count)
	})

	t.Run("net credit is born settled", func(t *testing.T) {
		req := env.renewalRequest()
		req.Amount = -4500

		invoice, created, err := env.svc.CreateRenewal(ctx, nil, req)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, invoicedomain.StatusPaid, invoice.Status)
		assert.NotNil(t, invoice.PaidAt)
	})

	t.Run("zero amount rejected", func(t *testing.T) {
		req := env.renewalRequest()
		req.Amount = 0
		_, _, err := env.svc.CreateRenewal(ctx, nil, req)
		assert.ErrorIs(t, err, invoicedomain.ErrInvalidAmount)
	})
}

func TestMarkPaid(t *testing.T) {
	env := newInvoiceEnv(t)
	ctx := context.Background()

	invoice, _, err := env.svc.CreateRenewal(ctx, nil, env.renewalRequest())
	require.NoError(t, err)

	paid, err := env.svc.MarkPaid(ctx, nil, invoice.ID)
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusPaid, paid.Status)
	require.NotNil(t, paid.PaidAt)

	_, err = env.svc.MarkPaid(ctx, nil, invoice.ID)
	assert.ErrorIs(t, err, invoicedomain.ErrAlreadyPaid)
}

func TestRetryLadder(t *testing.T) {
	env := newInvoiceEnv(t)
	ctx := context.Background()

	invoice, _, err := env.svc.CreateRenewal(ctx, nil, env.renewalRequest())
	require.NoError(t, err)

	offsets := config.DefaultBillingConfig().RetryOffsetsDays
	require.Len(t, offsets, 3)

	// Each failure schedules the next rung of the ladder.
	for i, offset := range offsets {
		failed, err := env.svc.MarkFailed(ctx, nil, invoice.ID, "card declined")
		require.NoError(t, err)
		assert.Equal(t, invoicedomain.StatusFailed, failed.Status)
		assert.Equal(t, i+1, failed.RetryCount)
		assert.False(t, failed.Irrecoverable)
		require.NotNil(t, failed.NextRetryAt)
		assert.True(t, failed.NextRetryAt.Equal(env.clk.Now().AddDate(0, 0, offset)))
	}

	// The failure after the last rung exhausts the ladder for good.
	failed, err := env.svc.MarkFailed(ctx, nil, invoice.ID, "card declined")
	require.NoError(t, err)
	assert.Equal(t, 4, failed.RetryCount)
	assert.True(t, failed.Irrecoverable)
	assert.Nil(t, failed.NextRetryAt)

	claimed, err := env.svc.ClaimRetryDue(ctx, env.db, env.clk.Now().AddDate(0, 1, 0), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestClaimRetryDue(t *testing.T) {
	env := newInvoiceEnv(t)
	ctx := context.Background()

	invoice, _, err := env.svc.CreateRenewal(ctx, nil, env.renewalRequest())
	require.NoError(t, err)
	_, err = env.svc.MarkFailed(ctx, nil, invoice.ID, "card declined")
	require.NoError(t, err)

	_, err = env.svc.ClaimRetryDue(ctx, nil, env.clk.Now(), 10)
	assert.ErrorIs(t, err, invoicedomain.ErrInvalidInvoice)

	claimed, err := env.svc.ClaimRetryDue(ctx, env.db, env.clk.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "retry not due yet")

	claimed, err = env.svc.ClaimRetryDue(ctx, env.db, env.clk.Now().AddDate(0, 0, 3), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, invoice.ID, claimed[0].ID)
}

func TestMarkOverdue(t *testing.T) {
	env := newInvoiceEnv(t)
	ctx := context.Background()

	invoice, _, err := env.svc.CreateRenewal(ctx, nil, env.renewalRequest())
	require.NoError(t, err)

	count, err := env.svc.MarkOverdue(ctx, env.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count, "due today is not overdue")

	count, err = env.svc.MarkOverdue(ctx, env.clk.Now().AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stored, err := env.svc.GetByID(ctx, invoice.ID.String())
	require.NoError(t, err)
	assert.Equal(t, invoicedomain.StatusOverdue, stored.Status)
}

func TestListUpcoming(t *testing.T) {
	env := newInvoiceEnv(t)
	ctx := context.Background()

	soon := env.renewalRequest()
	soon.DueAt = env.clk.Now().AddDate(0, 0, 3)
	_, _, err := env.svc.CreateRenewal(ctx, nil, soon)
	require.NoError(t, err)

	later := env.renewalRequest()
	later.DueAt = env.clk.Now().AddDate(0, 0, 20)
	_, _, err = env.svc.CreateRenewal(ctx, nil, later)
	require.NoError(t, err)

	upcoming, err := env.svc.ListUpcoming(ctx, 7*24*time.Hour)
	require.NoError(t, err)
	require.Len(t, upcoming, 1)
	assert.Equal(t, soon.SubscriptionID, upcoming[0].SubscriptionID)
}
