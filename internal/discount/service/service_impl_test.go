package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/actorctx"
	"github.com/fitloop/cadence/internal/clock"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	discountrepo "github.com/fitloop/cadence/internal/discount/repository"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type discountEnv struct {
	db   *gorm.DB
	node *snowflake.Node
	clk  *clock.FakeClock
	svc  discountdomain.Service
}

func newDiscountEnv(t *testing.T) *discountEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&discountdomain.Discount{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))

	svc := NewService(Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  discountrepo.Provide(),
	})

	return &discountEnv{db: db, node: node, clk: clk, svc: svc}
}

func (e *discountEnv) subscription() *subscriptiondomain.Subscription {
	return &subscriptiondomain.Subscription{
		ID:         e.node.Generate(),
		CustomerID: e.node.Generate(),
		PlanID:     e.node.Generate(),
		Price:      10000,
		Currency:   "USD",
		Frequency:  "MONTHLY",
		Status:     subscriptiondomain.StatusActive,
	}
}

func TestApplyValidation(t *testing.T) {
	env := newDiscountEnv(t)
	ctx := actorctx.WithActor(context.Background(), "trainer_1")
	target := env.node.Generate().String()

	_, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: "RANDOM", Value: 10, Scope: discountdomain.ScopeCustomer, TargetID: target,
	})
	assert.ErrorIs(t, err, discountdomain.ErrInvalidDiscount)

	_, err = env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 120, Scope: discountdomain.ScopeCustomer, TargetID: target,
	})
	assert.ErrorIs(t, err, discountdomain.ErrInvalidDiscountValue)

	_, err = env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindFixed, Value: 500, Scope: "REGION", TargetID: target,
	})
	assert.ErrorIs(t, err, discountdomain.ErrInvalidDiscountScope)

	_, err = env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindFixed, Value: 500, Scope: discountdomain.ScopePlan, TargetID: "not-an-id",
	})
	assert.ErrorIs(t, err, discountdomain.ErrInvalidDiscountTargetID)

	endBeforeStart := env.clk.Now().Add(-time.Hour)
	_, err = env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindFixed, Value: 500, Scope: discountdomain.ScopePlan, TargetID: target,
		EndAt: &endBeforeStart,
	})
	assert.ErrorIs(t, err, discountdomain.ErrInvalidDiscountWindowSpan)
}

func TestResolvePrecedence(t *testing.T) {
	env := newDiscountEnv(t)
	ctx := actorctx.WithActor(context.Background(), "admin_1")
	sub := env.subscription()

	_, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 10,
		Scope: discountdomain.ScopePlan, TargetID: sub.PlanID.String(),
	})
	require.NoError(t, err)

	t.Run("plan discount applies", func(t *testing.T) {
		res, err := env.svc.ResolveEffectivePrice(ctx, sub, env.clk.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(9000), res.EffectivePrice)
		require.NotNil(t, res.Applied)
		assert.Equal(t, discountdomain.ScopePlan, res.Applied.Scope)
	})

	t.Run("customer discount shadows plan discount", func(t *testing.T) {
		_, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
			Kind: discountdomain.KindFixed, Value: 2500,
			Scope: discountdomain.ScopeCustomer, TargetID: sub.CustomerID.String(),
		})
		require.NoError(t, err)

		res, err := env.svc.ResolveEffectivePrice(ctx, sub, env.clk.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(7500), res.EffectivePrice)
		require.NotNil(t, res.Applied)
		assert.Equal(t, discountdomain.ScopeCustomer, res.Applied.Scope)
	})

	t.Run("no discount falls back to list price", func(t *testing.T) {
		other := env.subscription()
		res, err := env.svc.ResolveEffectivePrice(ctx, other, env.clk.Now())
		require.NoError(t, err)
		assert.Equal(t, int64(10000), res.EffectivePrice)
		assert.Nil(t, res.Applied)
	})
}

func TestSameActorLastWriteWins(t *testing.T) {
	env := newDiscountEnv(t)
	ctx := actorctx.WithActor(context.Background(), "trainer_1")
	sub := env.subscription()

	first, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 10,
		Scope: discountdomain.ScopeCustomer, TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err)

	second, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 20,
		Scope: discountdomain.ScopeCustomer, TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err)

	var stored discountdomain.Discount
	require.NoError(t, env.db.First(&stored, "id = ?", first.ID).Error)
	require.NotNil(t, stored.SupersededBy)
	assert.Equal(t, second.ID, *stored.SupersededBy)

	res, err := env.svc.ResolveEffectivePrice(ctx, sub, env.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(8000), res.EffectivePrice)
}

func TestDifferentActorOverlapConflicts(t *testing.T) {
	env := newDiscountEnv(t)
	sub := env.subscription()

	_, err := env.svc.Apply(actorctx.WithActor(context.Background(), "trainer_1"), discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 10,
		Scope: discountdomain.ScopeCustomer, TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err)

	_, err = env.svc.Apply(actorctx.WithActor(context.Background(), "admin_1"), discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 30,
		Scope: discountdomain.ScopeCustomer, TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err, "apply records both; the conflict surfaces at resolution")

	_, err = env.svc.ResolveEffectivePrice(context.Background(), sub, env.clk.Now())
	assert.ErrorIs(t, err, discountdomain.ErrDiscountOverlapConflict)
}

func TestRemove(t *testing.T) {
	env := newDiscountEnv(t)
	ctx := actorctx.WithActor(context.Background(), "admin_1")
	sub := env.subscription()

	discount, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 50,
		Scope: discountdomain.ScopeCustomer, TargetID: sub.CustomerID.String(),
	})
	require.NoError(t, err)

	require.NoError(t, env.svc.Remove(ctx, discount.ID.String(), "promo ended"))
	assert.ErrorIs(t, env.svc.Remove(ctx, discount.ID.String(), ""), discountdomain.ErrDiscountAlreadyRemoved)

	res, err := env.svc.ResolveEffectivePrice(ctx, sub, env.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.EffectivePrice)
}

func TestWindowBounds(t *testing.T) {
	env := newDiscountEnv(t)
	ctx := actorctx.WithActor(context.Background(), "admin_1")
	sub := env.subscription()

	start := env.clk.Now().AddDate(0, 0, 7)
	end := start.AddDate(0, 1, 0)
	_, err := env.svc.Apply(ctx, discountdomain.ApplyRequest{
		Kind: discountdomain.KindPercentage, Value: 25,
		Scope:    discountdomain.ScopeCustomer,
		TargetID: sub.CustomerID.String(),
		StartAt:  &start,
		EndAt:    &end,
	})
	require.NoError(t, err)

	res, err := env.svc.ResolveEffectivePrice(ctx, sub, env.clk.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.EffectivePrice, "not started yet")

	res, err = env.svc.ResolveEffectivePrice(ctx, sub, start.AddDate(0, 0, 3))
	require.NoError(t, err)
	assert.Equal(t, int64(7500), res.EffectivePrice)

	res, err = env.svc.ResolveEffectivePrice(ctx, sub, end.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), res.EffectivePrice, "expired")
}

func TestPriceAfterClamps(t *testing.T) {
	fixed := discountdomain.Discount{Kind: discountdomain.KindFixed, Value: 15000}
	assert.Equal(t, int64(0), fixed.PriceAfter(10000))

	full := discountdomain.Discount{Kind: discountdomain.KindPercentage, Value: 100}
	assert.Equal(t, int64(0), full.PriceAfter(10000))
}
