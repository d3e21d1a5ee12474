package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/actorctx"
	"github.com/fitloop/cadence/internal/clock"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	discountrepo "github.com/fitloop/cadence/internal/discount/repository"
	discountservice "github.com/fitloop/cadence/internal/discount/service"
	exportdomain "github.com/fitloop/cadence/internal/export/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type exportEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	svc       exportdomain.Service
	discounts discountdomain.Service
	now       time.Time
}

func newExportEnv(t *testing.T) *exportEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&ledgerdomain.Entry{},
		&invoicedomain.Invoice{},
		&discountdomain.Discount{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	logger := zap.NewNop()

	discounts := discountservice.NewService(discountservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Repo: discountrepo.Provide(),
	})
	svc := NewService(Params{
		DB:          db,
		Log:         logger,
		Clock:       clk,
		DiscountSvc: discounts,
	})

	return &exportEnv{db: db, node: node, clk: clk, svc: svc, discounts: discounts, now: now}
}

func (e *exportEnv) seedSubscription(t *testing.T) subscriptiondomain.Subscription {
	t.Helper()

	sub := subscriptiondomain.Subscription{
		ID:                 e.node.Generate(),
		CustomerID:         e.node.Generate(),
		PlanID:             e.node.Generate(),
		PlanName:           "8 sessions monthly",
		Price:              12000,
		Currency:           "USD",
		Frequency:          "MONTHLY",
		BaseSessions:       8,
		Kind:               subscriptiondomain.KindGymMembership,
		Status:             subscriptiondomain.StatusActive,
		CurrentPeriodStart: e.now.AddDate(0, 0, -14),
		CurrentPeriodEnd:   e.now.AddDate(0, 0, 17),
		CreatedAt:          e.now.AddDate(0, 0, -14),
		UpdatedAt:          e.now,
	}
	require.NoError(t, e.db.Create(&sub).Error)

	entry := ledgerdomain.Entry{
		ID:             e.node.Generate(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PeriodKey:      "2026-03",
		Kind:           ledgerdomain.KindPlan,
		Total:          8,
		Consumed:       3,
		CreatedAt:      sub.CreatedAt,
		UpdatedAt:      e.now,
	}
	require.NoError(t, e.db.Create(&entry).Error)

	paidAt := e.now.AddDate(0, 0, -14)
	invoice := invoicedomain.Invoice{
		ID:             e.node.Generate(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		Kind:           invoicedomain.KindRenewal,
		PeriodKey:      "2026-03",
		Amount:         12000,
		Currency:       "USD",
		Status:         invoicedomain.StatusPaid,
		DueAt:          paidAt,
		PaidAt:         &paidAt,
		CreatedAt:      paidAt,
		UpdatedAt:      paidAt,
	}
	require.NoError(t, e.db.Create(&invoice).Error)
	return sub
}

func TestRows(t *testing.T) {
	env := newExportEnv(t)
	ctx := context.Background()
	sub := env.seedSubscription(t)

	_, err := env.discounts.Apply(actorctx.WithActor(ctx, "admin_1"), discountdomain.ApplyRequest{
		Kind:     discountdomain.KindPercentage,
		Value:    25,
		Scope:    discountdomain.ScopeCustomer,
		TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err)

	rows, err := env.svc.Rows(ctx, exportdomain.Request{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, sub.ID.String(), row.SubscriptionID)
	assert.Equal(t, "8 sessions monthly", row.PlanName)
	assert.Equal(t, int64(12000), row.Price)
	assert.Equal(t, int64(9000), row.EffectivePrice)
	assert.Equal(t, 8, row.SessionsTotal)
	assert.Equal(t, 3, row.SessionsUsed)
	assert.Equal(t, 5, row.SessionsLeft)
	assert.Equal(t, string(invoicedomain.StatusPaid), row.LastStatus)
	assert.Equal(t, int64(12000), row.LastAmount)
	require.NotNil(t, row.LastPaidAt)

	t.Run("status filter", func(t *testing.T) {
		rows, err := env.svc.Rows(ctx, exportdomain.Request{Status: "canceled"})
		require.NoError(t, err)
		assert.Empty(t, rows)
	})

	t.Run("bad customer filter", func(t *testing.T) {
		_, err := env.svc.Rows(ctx, exportdomain.Request{CustomerID: "not-an-id"})
		assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidCustomer)
	})
}

func TestWriteCSV(t *testing.T) {
	env := newExportEnv(t)
	ctx := context.Background()
	sub := env.seedSubscription(t)

	var buf bytes.Buffer
	require.NoError(t, env.svc.WriteCSV(ctx, &buf, exportdomain.Request{}))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	header := records[0]
	assert.Equal(t, "subscription_id", header[0])
	assert.Equal(t, "last_invoice_paid_at", header[len(header)-1])

	data := records[1]
	require.Len(t, data, len(header))
	assert.Equal(t, sub.ID.String(), data[0])
	assert.Equal(t, "12000", data[7])
	assert.Equal(t, "8", data[10])
	assert.Equal(t, "5", data[12])
}
