package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/actorctx"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	discountrepo "github.com/fitloop/cadence/internal/discount/repository"
	discountservice "github.com/fitloop/cadence/internal/discount/service"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	metricsdomain "github.com/fitloop/cadence/internal/metrics/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type metricsEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	svc       metricsdomain.Service
	discounts discountdomain.Service
	now       time.Time
}

func newMetricsEnv(t *testing.T) *metricsEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&subscriptiondomain.Subscription{},
		&invoicedomain.Invoice{},
		&discountdomain.Discount{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(now)
	logger := zap.NewNop()
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	discounts := discountservice.NewService(discountservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Repo: discountrepo.Provide(),
	})
	svc := NewService(Params{
		DB:          db,
		Log:         logger,
		Clock:       clk,
		Holder:      holder,
		DiscountSvc: discounts,
	})

	return &metricsEnv{db: db, node: node, clk: clk, svc: svc, discounts: discounts, now: now}
}

type subSeed struct {
	status      subscriptiondomain.SubscriptionStatus
	price       int64
	frequency   string
	activatedAt *time.Time
	canceledAt  *time.Time
	expiredAt   *time.Time
	createdAt   time.Time
}

func (e *metricsEnv) seed(t *testing.T, seed subSeed) subscriptiondomain.Subscription {
	t.Helper()

	if seed.frequency == "" {
		seed.frequency = "MONTHLY"
	}
	if seed.createdAt.IsZero() {
		seed.createdAt = e.now.AddDate(0, -6, 0)
	}
	sub := subscriptiondomain.Subscription{
		ID:                 e.node.Generate(),
		CustomerID:         e.node.Generate(),
		PlanID:             e.node.Generate(),
		PlanName:           "seeded",
		Price:              seed.price,
		Currency:           "USD",
		Frequency:          plandomain.BillingFrequency(seed.frequency),
		Kind:               subscriptiondomain.KindGymMembership,
		Status:             seed.status,
		ActivatedAt:        seed.activatedAt,
		CanceledAt:         seed.canceledAt,
		ExpiredAt:          seed.expiredAt,
		CurrentPeriodStart: e.now.AddDate(0, -1, 0),
		CurrentPeriodEnd:   e.now,
		CreatedAt:          seed.createdAt,
		UpdatedAt:          seed.createdAt,
	}
	require.NoError(t, e.db.Create(&sub).Error)
	return sub
}

func TestMRRNormalizesFrequencies(t *testing.T) {
	env := newMetricsEnv(t)
	activated := env.now.AddDate(0, -6, 0)

	env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 12000, activatedAt: &activated})
	env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 120000, frequency: "ANNUAL", activatedAt: &activated})
	env.seed(t, subSeed{status: subscriptiondomain.StatusFrozen, price: 30000, frequency: "QUARTERLY", activatedAt: &activated})

	// Terminal subscriptions contribute nothing.
	canceled := env.now.AddDate(0, -1, 0)
	env.seed(t, subSeed{status: subscriptiondomain.StatusCanceled, price: 99000, activatedAt: &activated, canceledAt: &canceled})

	report, err := env.svc.MRR(context.Background(), env.now)
	require.NoError(t, err)
	assert.Equal(t, int64(3), report.ActiveCount)
	// 12000/1 + 120000/12 + 30000/3
	assert.Equal(t, int64(32000), report.MRR)
	assert.Equal(t, "USD", report.Currency)
}

func TestMRRAppliesDiscounts(t *testing.T) {
	env := newMetricsEnv(t)
	ctx := context.Background()
	activated := env.now.AddDate(0, -6, 0)

	discounted := env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 10000, activatedAt: &activated})
	_, err := env.discounts.Apply(actorctx.WithActor(ctx, "admin_1"), discountdomain.ApplyRequest{
		Kind:     discountdomain.KindFixed,
		Value:    2000,
		Scope:    discountdomain.ScopeCustomer,
		TargetID: discounted.CustomerID.String(),
	})
	require.NoError(t, err)

	report, err := env.svc.MRR(ctx, env.now)
	require.NoError(t, err)
	assert.Equal(t, int64(8000), report.MRR)

	t.Run("conflicting discounts fall back to list price", func(t *testing.T) {
		conflicted := env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 5000, activatedAt: &activated})
		for _, actor := range []string{"trainer_1", "admin_1"} {
			_, err := env.discounts.Apply(actorctx.WithActor(ctx, actor), discountdomain.ApplyRequest{
				Kind:     discountdomain.KindPercentage,
				Value:    10,
				Scope:    discountdomain.ScopeCustomer,
				TargetID: conflicted.CustomerID.String(),
			})
			require.NoError(t, err)
		}

		report, err := env.svc.MRR(ctx, env.now)
		require.NoError(t, err)
		assert.Equal(t, int64(8000+5000), report.MRR)
	})
}

func TestChurnRate(t *testing.T) {
	env := newMetricsEnv(t)
	ctx := context.Background()

	from := env.now.AddDate(0, -3, 0)
	activated := from.AddDate(0, -2, 0)

	env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 10000, activatedAt: &activated})
	env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 10000, activatedAt: &activated})
	env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 10000, activatedAt: &activated})

	canceledAt := from.AddDate(0, 1, 0)
	env.seed(t, subSeed{status: subscriptiondomain.StatusCanceled, price: 10000, activatedAt: &activated, canceledAt: &canceledAt})

	// Churned before the window: not part of this cohort.
	earlier := from.AddDate(0, -1, 0)
	env.seed(t, subSeed{status: subscriptiondomain.StatusExpired, price: 10000, activatedAt: &activated, expiredAt: &earlier})

	report, err := env.svc.ChurnRate(ctx, from, env.now)
	require.NoError(t, err)
	assert.Equal(t, int64(4), report.ActiveAtStart)
	assert.Equal(t, int64(1), report.Churned)
	assert.InDelta(t, 0.25, report.ChurnRate, 1e-9)
	assert.InDelta(t, 0.75, report.RetentionRate, 1e-9)

	_, err = env.svc.ChurnRate(ctx, env.now, env.now)
	assert.ErrorIs(t, err, metricsdomain.ErrInvalidWindow)
}

func TestLTV(t *testing.T) {
	env := newMetricsEnv(t)
	activated := env.now.AddDate(0, -6, 0)

	sub := env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 10000, activatedAt: &activated})
	env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 10000, activatedAt: &activated})

	paidAt := env.now.AddDate(0, -1, 0)
	for _, amount := range []int64{10000, 10000, -2500} {
		invoice := invoicedomain.Invoice{
			ID:             env.node.Generate(),
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			Kind:           invoicedomain.KindRenewal,
			PeriodKey:      env.node.Generate().String(),
			Amount:         amount,
			Currency:       "USD",
			Status:         invoicedomain.StatusPaid,
			DueAt:          paidAt,
			PaidAt:         &paidAt,
			CreatedAt:      paidAt,
			UpdatedAt:      paidAt,
		}
		require.NoError(t, env.db.Create(&invoice).Error)
	}

	report, err := env.svc.LTV(context.Background())
	require.NoError(t, err)
	// Credits are excluded from lifetime revenue.
	assert.Equal(t, int64(20000), report.PaidTotal)
	assert.Equal(t, int64(2), report.ActiveCount)
	assert.InDelta(t, 10000.0, report.LTV, 1e-9)
}

func TestProject(t *testing.T) {
	env := newMetricsEnv(t)
	ctx := context.Background()
	activated := env.now.AddDate(0, -12, 0)

	for i := 0; i < 4; i++ {
		env.seed(t, subSeed{status: subscriptiondomain.StatusActive, price: 12000, activatedAt: &activated, createdAt: activated})
	}

	t.Run("unknown scenario", func(t *testing.T) {
		_, err := env.svc.Project(ctx, 6, "moonshot")
		assert.ErrorIs(t, err, metricsdomain.ErrUnknownScenario)
	})

	t.Run("invalid horizon", func(t *testing.T) {
		_, err := env.svc.Project(ctx, 0, "realistic")
		assert.ErrorIs(t, err, metricsdomain.ErrInvalidWindow)
	})

	t.Run("steady state stays flat", func(t *testing.T) {
		projection, err := env.svc.Project(ctx, 6, "Realistic")
		require.NoError(t, err)
		assert.Equal(t, int64(4), projection.BaseCount)
		require.Len(t, projection.Points, 6)

		// No churn and no signups in the baseline: the count holds.
		for _, point := range projection.Points {
			assert.InDelta(t, 4.0, point.Count, 1e-9)
			assert.InDelta(t, 4.0*12000, point.MRR, 1e-9)
		}
	})
}
