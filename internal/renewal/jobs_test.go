package renewal

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
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	discountrepo "github.com/fitloop/cadence/internal/discount/repository"
	discountservice "github.com/fitloop/cadence/internal/discount/service"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	invoicerepo "github.com/fitloop/cadence/internal/invoice/repository"
	invoiceservice "github.com/fitloop/cadence/internal/invoice/service"
	paymentdomain "github.com/fitloop/cadence/internal/payment/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	planservice "github.com/fitloop/cadence/internal/plan/service"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	ledgerrepo "github.com/fitloop/cadence/internal/sessionledger/repository"
	ledgerservice "github.com/fitloop/cadence/internal/sessionledger/service"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	subscriptionrepo "github.com/fitloop/cadence/internal/subscription/repository"
	subscriptionservice "github.com/fitloop/cadence/internal/subscription/service"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// stubCollector stands in for the payment provider. Its error is swapped
// between runs to walk invoices through the retry ladder.
type stubCollector struct {
	err   error
	calls int
}

func (c *stubCollector) Collect(_ context.Context, _ invoicedomain.Invoice) error {
	c.calls++
	return c.err
}

type procEnv struct {
	db        *gorm.DB
	node      *snowflake.Node
	clk       *clock.FakeClock
	collector *stubCollector

	plans     plandomain.Service
	subs      subscriptiondomain.Service
	ledgers   ledgerdomain.Service
	invoices  invoicedomain.Service
	discounts discountdomain.Service

	proc  *Processor
	start time.Time
}

func newProcEnv(t *testing.T) *procEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.GroupMember{},
		&ledgerdomain.Entry{},
		&invoicedomain.Invoice{},
		&discountdomain.Discount{},
		&changedomain.Entry{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewFakeClock(start)
	logger := zap.NewNop()
	holder := config.NewStaticBillingConfigHolder(config.DefaultBillingConfig())

	subRepo := subscriptionrepo.Provide()
	ledgerRepo := ledgerrepo.Provide()

	history := historyservice.NewService(historyservice.Params{
		DB: db, Log: logger, Clock: clk, Repo: historyrepo.Provide(),
	})
	plans := planservice.NewService(planservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk,
	})
	ledgers := ledgerservice.NewService(ledgerservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Cfg: holder,
		Repo: ledgerRepo, SubRepo: subRepo, HistorySvc: history,
	})
	invoices := invoiceservice.NewService(invoiceservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Cfg: holder,
		Repo: invoicerepo.Provide(), HistorySvc: history,
	})
	discounts := discountservice.NewService(discountservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Repo: discountrepo.Provide(),
	})
	collector := &stubCollector{}
	subs := subscriptionservice.NewService(subscriptionservice.Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Cfg: holder,
		Repo:       subRepo,
		PlanPK:     plans,
		HistorySvc: history,
		LedgerSvc:  ledgers,
		InvoiceSvc: invoices,
		Collector:  collector,
	})
	proc, err := New(Params{
		DB: db, Log: logger, GenID: node, Clock: clk, Holder: holder,
		SubRepo:         subRepo,
		LedgerRepo:      ledgerRepo,
		SubscriptionSvc: subs,
		InvoiceSvc:      invoices,
		LedgerSvc:       ledgers,
		DiscountSvc:     discounts,
		HistorySvc:      history,
		PlanSvc:         plans,
		Collector:       collector,
	})
	require.NoError(t, err)

	return &procEnv{
		db: db, node: node, clk: clk, collector: collector,
		plans: plans, subs: subs, ledgers: ledgers, invoices: invoices, discounts: discounts,
		proc: proc, start: start,
	}
}

func (e *procEnv) createPlan(t *testing.T) plandomain.Plan {
	t.Helper()
	plan, err := e.plans.Create(context.Background(), plandomain.CreatePlanRequest{
		Name:         "8 sessions monthly",
		Price:        12000,
		Currency:     "USD",
		Frequency:    plandomain.FrequencyMonthly,
		BaseSessions: 8,
		AllowFreeze:  true,
	})
	require.NoError(t, err)
	return plan
}

func (e *procEnv) createActive(t *testing.T, plan plandomain.Plan) subscriptiondomain.Subscription {
	t.Helper()
	sub, err := e.subs.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		CustomerID: e.node.Generate().String(),
		PlanID:     plan.ID.String(),
		Kind:       subscriptiondomain.KindGymMembership,
	})
	require.NoError(t, err)
	return sub
}

func (e *procEnv) reload(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	require.NoError(t, e.db.First(&sub, "id = ?", id).Error)
	return sub
}

func (e *procEnv) invoicesFor(t *testing.T, id snowflake.ID) []invoicedomain.Invoice {
	t.Helper()
	var rows []invoicedomain.Invoice
	require.NoError(t, e.db.Order("created_at asc").Find(&rows, "subscription_id = ?", id).Error)
	return rows
}

func TestRenewDueAdvancesPeriod(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)

	// A fixed discount so the renewal invoice reflects the effective price.
	_, err := env.discounts.Apply(ctx, discountdomain.ApplyRequest{
		Kind:     discountdomain.KindFixed,
		Value:    2000,
		Scope:    discountdomain.ScopeCustomer,
		TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err)

	env.clk.Set(sub.CurrentPeriodEnd)
	require.NoError(t, env.proc.RunOnce(ctx))

	rolled := env.reload(t, sub.ID)
	assert.True(t, rolled.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd))
	assert.True(t, rolled.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd.AddDate(0, 1, 0)))

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	assert.Equal(t, "2026-04", invoices[0].PeriodKey)
	assert.Equal(t, int64(10000), invoices[0].Amount)

	entries, err := env.ledgers.ListBySubscription(ctx, sub.ID.String())
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	t.Run("second pass is a no-op", func(t *testing.T) {
		require.NoError(t, env.proc.RunOnce(ctx))

		again := env.reload(t, sub.ID)
		assert.True(t, again.CurrentPeriodStart.Equal(rolled.CurrentPeriodStart))
		assert.Len(t, env.invoicesFor(t, sub.ID), 1)

		entries, err := env.ledgers.ListBySubscription(ctx, sub.ID.String())
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})
}

func TestRenewCarriesOverUnusedSessions(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)

	_, err := env.subs.SetTransferConfig(ctx, subscriptiondomain.TransferConfigRequest{
		SubscriptionID:    sub.ID.String(),
		MaxTransferable:   3,
		TransferOnRenewal: true,
	})
	require.NoError(t, err)

	entries, err := env.ledgers.ListBySubscription(ctx, sub.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = env.ledgers.Consume(ctx, ledgerdomain.ConsumeRequest{
		EntryID:  entries[0].ID.String(),
		Quantity: 4,
	})
	require.NoError(t, err)

	env.clk.Set(sub.CurrentPeriodEnd)
	require.NoError(t, env.proc.RunOnce(ctx))

	var march, april ledgerdomain.Entry
	require.NoError(t, env.db.First(&march, "subscription_id = ? AND period_key = ?", sub.ID, "2026-03").Error)
	require.NoError(t, env.db.First(&april, "subscription_id = ? AND period_key = ?", sub.ID, "2026-04").Error)

	// 4 of 8 were unused; the carryover cap limits the move to 3.
	assert.Equal(t, 5, march.Total)
	assert.Equal(t, 4, march.Consumed)
	assert.Equal(t, 3, march.TransferredOut)
	assert.Equal(t, 11, april.Total)
	assert.Equal(t, 0, april.Consumed)
}

func (e *procEnv) createUpgradePlan(t *testing.T) plandomain.Plan {
	t.Helper()
	plan, err := e.plans.Create(context.Background(), plandomain.CreatePlanRequest{
		Name:         "12 sessions monthly",
		Price:        18000,
		Currency:     "USD",
		Frequency:    plandomain.FrequencyMonthly,
		BaseSessions: 12,
		AllowFreeze:  true,
	})
	require.NoError(t, err)
	return plan
}

func TestDeferredPlanChangeRepricesAtRenewal(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)
	upgraded := env.createUpgradePlan(t)

	resp, err := env.subs.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{
		SubscriptionID: sub.ID.String(),
		NewPlanID:      upgraded.ID.String(),
	})
	require.NoError(t, err)
	assert.Empty(t, resp.InvoiceID)

	// Until renewal the member keeps the old price.
	parked := env.reload(t, sub.ID)
	assert.Equal(t, plan.Price, parked.Price)
	require.NotNil(t, parked.PendingPrice)

	env.clk.Set(sub.CurrentPeriodEnd)
	require.NoError(t, env.proc.RunOnce(ctx))

	rolled := env.reload(t, sub.ID)
	assert.Equal(t, upgraded.Price, rolled.Price)
	assert.Nil(t, rolled.PendingPrice)
	assert.True(t, rolled.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd))

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	assert.Equal(t, upgraded.Price, invoices[0].Amount)
}

func TestFailedProrationRetrySettlesWithoutAdvancing(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)
	upgraded := env.createUpgradePlan(t)

	env.collector.err = paymentdomain.ErrPaymentDeclined
	resp, err := env.subs.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{
		SubscriptionID:   sub.ID.String(),
		NewPlanID:        upgraded.ID.String(),
		ApplyImmediately: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.InvoiceID)

	env.collector.err = nil
	env.clk.Advance(2 * 24 * time.Hour)
	require.NoError(t, env.proc.RunOnce(ctx))

	var invoice invoicedomain.Invoice
	require.NoError(t, env.db.First(&invoice, "id = ?", resp.InvoiceID).Error)
	assert.Equal(t, invoicedomain.StatusPaid, invoice.Status)

	// Settling a proration must never roll the billing period.
	settled := env.reload(t, sub.ID)
	assert.True(t, settled.CurrentPeriodStart.Equal(sub.CurrentPeriodStart))
	assert.True(t, settled.CurrentPeriodEnd.Equal(sub.CurrentPeriodEnd))
}

func TestFailedPaymentWalksRetryLadder(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)

	env.collector.err = paymentdomain.ErrPaymentDeclined
	env.clk.Set(sub.CurrentPeriodEnd)
	require.NoError(t, env.proc.RunOnce(ctx))

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusFailed, invoices[0].Status)
	assert.Equal(t, 1, invoices[0].RetryCount)
	require.NotNil(t, invoices[0].NextRetryAt)
	assert.True(t, invoices[0].NextRetryAt.Equal(env.clk.Now().AddDate(0, 0, 2)))

	// The period must not advance on a failed payment.
	stuck := env.reload(t, sub.ID)
	assert.True(t, stuck.CurrentPeriodStart.Equal(sub.CurrentPeriodStart))

	t.Run("successful retry settles and advances", func(t *testing.T) {
		env.collector.err = nil
		env.clk.Advance(2 * 24 * time.Hour)
		require.NoError(t, env.proc.RunOnce(ctx))

		rolled := env.reload(t, sub.ID)
		assert.Equal(t, subscriptiondomain.StatusActive, rolled.Status)
		assert.True(t, rolled.CurrentPeriodStart.Equal(sub.CurrentPeriodEnd))

		invoices := env.invoicesFor(t, sub.ID)
		require.Len(t, invoices, 1)
		assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	})
}

func TestRetryExhaustionExpiresSubscription(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)

	env.collector.err = paymentdomain.ErrPaymentDeclined
	env.clk.Set(sub.CurrentPeriodEnd)
	require.NoError(t, env.proc.RunOnce(ctx))

	// Ride every rung of the ladder to exhaustion.
	for _, offset := range config.DefaultBillingConfig().RetryOffsetsDays {
		env.clk.Advance(time.Duration(offset) * 24 * time.Hour)
		require.NoError(t, env.proc.RunOnce(ctx))
	}

	invoices := env.invoicesFor(t, sub.ID)
	require.Len(t, invoices, 1)
	assert.True(t, invoices[0].Irrecoverable)

	expired := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusExpired, expired.Status)
	require.NotNil(t, expired.ExpiredAt)
}

func TestTrialConversion(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)

	trial, err := env.subs.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		CustomerID:    env.node.Generate().String(),
		PlanID:        plan.ID.String(),
		Kind:          subscriptiondomain.KindGymMembership,
		TrialDays:     14,
		TrialPrice:    1000,
		TrialSessions: 2,
	})
	require.NoError(t, err)
	require.Equal(t, subscriptiondomain.StatusTrial, trial.Status)

	entries, err := env.ledgers.ListBySubscription(ctx, trial.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	_, err = env.ledgers.Consume(ctx, ledgerdomain.ConsumeRequest{
		EntryID:  entries[0].ID.String(),
		Quantity: 1,
	})
	require.NoError(t, err)

	env.clk.Set(*trial.TrialEndsAt)
	require.NoError(t, env.proc.RunOnce(ctx))

	converted := env.reload(t, trial.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, converted.Status)
	assert.False(t, converted.Trial)
	assert.Equal(t, plan.Price, converted.Price)
	assert.Equal(t, plan.BaseSessions, converted.BaseSessions)
	assert.True(t, converted.CurrentPeriodStart.Equal(*trial.TrialEndsAt))
	assert.True(t, converted.CurrentPeriodEnd.Equal(trial.TrialEndsAt.AddDate(0, 1, 0)))

	// Trial ended mid-month, so its entry absorbs the plan allotment. The
	// consumed trial session stays consumed.
	entries, err = env.ledgers.ListBySubscription(ctx, trial.ID.String())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 10, entries[0].Total)
	assert.Equal(t, 1, entries[0].Consumed)

	invoices := env.invoicesFor(t, trial.ID)
	require.Len(t, invoices, 1)
	assert.Equal(t, invoicedomain.StatusPaid, invoices[0].Status)
	assert.Equal(t, plan.Price, invoices[0].Amount)
}

func TestCancelDueSweep(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)

	_, err := env.subs.Cancel(ctx, subscriptiondomain.CancelRequest{
		SubscriptionID: sub.ID.String(),
		AtPeriodEnd:    true,
		Motive:         "member requested",
	})
	require.NoError(t, err)

	env.clk.Set(sub.CurrentPeriodEnd)
	require.NoError(t, env.proc.RunOnce(ctx))

	canceled := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusCanceled, canceled.Status)
	require.NotNil(t, canceled.CanceledAt)

	// No renewal invoice for a subscription that was on its way out.
	assert.Empty(t, env.invoicesFor(t, sub.ID))
}

func TestUnfreezeElapsedSweep(t *testing.T) {
	env := newProcEnv(t)
	ctx := context.Background()
	plan := env.createPlan(t)
	sub := env.createActive(t, plan)

	frozen, err := env.subs.Freeze(ctx, subscriptiondomain.FreezeRequest{
		SubscriptionID: sub.ID.String(),
		Days:           5,
	})
	require.NoError(t, err)

	env.clk.Advance(6 * 24 * time.Hour)
	require.NoError(t, env.proc.RunOnce(ctx))

	resumed := env.reload(t, sub.ID)
	assert.Equal(t, subscriptiondomain.StatusActive, resumed.Status)
	assert.Nil(t, resumed.FreezeEnd)
	// The freeze ran its full course, so the stretched period end stands.
	assert.True(t, resumed.CurrentPeriodEnd.Equal(frozen.CurrentPeriodEnd))
}
