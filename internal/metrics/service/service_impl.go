package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	metricsdomain "github.com/fitloop/cadence/internal/metrics/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// payingStatuses are the states that contribute to recurring revenue. Frozen
// and paused subscriptions keep their commitment, so they still count.
var payingStatuses = []subscriptiondomain.SubscriptionStatus{
	subscriptiondomain.StatusActive,
	subscriptiondomain.StatusFrozen,
	subscriptiondomain.StatusPaused,
}

// projectionBaselineMonths is the trailing window churn and growth are
// measured over before projecting forward.
const projectionBaselineMonths = 3

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	Clock  clock.Clock
	Holder *config.BillingConfigHolder

	DiscountSvc discountdomain.Service
}

type Service struct {
	db     *gorm.DB
	log    *zap.Logger
	clock  clock.Clock
	holder *config.BillingConfigHolder

	discountsvc discountdomain.Service
}

func NewService(p Params) metricsdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("metrics.service"),
		clock:       p.Clock,
		holder:      p.Holder,
		discountsvc: p.DiscountSvc,
	}
}

func (s *Service) MRR(ctx context.Context, asOf time.Time) (metricsdomain.MRRReport, error) {
	var subs []subscriptiondomain.Subscription
	err := s.db.WithContext(ctx).
		Where("status IN ?", payingStatuses).
		Where("archived_at IS NULL").
		Find(&subs).Error
	if err != nil {
		return metricsdomain.MRRReport{}, err
	}

	report := metricsdomain.MRRReport{AsOf: asOf, ActiveCount: int64(len(subs))}
	for i := range subs {
		sub := &subs[i]
		price := sub.Price
		resolution, err := s.discountsvc.ResolveEffectivePrice(ctx, sub, asOf)
		if err == nil {
			price = resolution.EffectivePrice
		} else if !errors.Is(err, discountdomain.ErrDiscountOverlapConflict) {
			return metricsdomain.MRRReport{}, err
		}
		// Conflicting discounts fall back to list price rather than
		// poisoning the whole aggregate.

		months := int64(sub.Frequency.Months())
		if months <= 0 {
			months = 1
		}
		report.MRR += price / months
		if report.Currency == "" {
			report.Currency = sub.Currency
		}
	}
	return report, nil
}

func (s *Service) ChurnRate(ctx context.Context, from, to time.Time) (metricsdomain.ChurnReport, error) {
	if !to.After(from) {
		return metricsdomain.ChurnReport{}, metricsdomain.ErrInvalidWindow
	}

	var activeAtStart int64
	err := s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("activated_at IS NOT NULL AND activated_at < ?", from).
		Where("canceled_at IS NULL OR canceled_at >= ?", from).
		Where("expired_at IS NULL OR expired_at >= ?", from).
		Count(&activeAtStart).Error
	if err != nil {
		return metricsdomain.ChurnReport{}, err
	}

	var churned int64
	err = s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where(
			s.db.Where("canceled_at >= ? AND canceled_at < ?", from, to).
				Or("expired_at >= ? AND expired_at < ?", from, to),
		).
		Count(&churned).Error
	if err != nil {
		return metricsdomain.ChurnReport{}, err
	}

	report := metricsdomain.ChurnReport{
		From:          from,
		To:            to,
		ActiveAtStart: activeAtStart,
		Churned:       churned,
	}
	if activeAtStart > 0 {
		report.ChurnRate = float64(churned) / float64(activeAtStart)
		if report.ChurnRate > 1 {
			// Mid-window signups that churned can push the ratio past 1.
			report.ChurnRate = 1
		}
	}
	report.RetentionRate = 1 - report.ChurnRate
	return report, nil
}

func (s *Service) LTV(ctx context.Context) (metricsdomain.LTVReport, error) {
	var paidTotal int64
	err := s.db.WithContext(ctx).Model(&invoicedomain.Invoice{}).
		Where("status = ?", invoicedomain.StatusPaid).
		Where("amount > 0").
		Select("COALESCE(SUM(amount), 0)").
		Scan(&paidTotal).Error
	if err != nil {
		return metricsdomain.LTVReport{}, err
	}

	var activeCount int64
	err = s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("status IN ?", payingStatuses).
		Where("archived_at IS NULL").
		Count(&activeCount).Error
	if err != nil {
		return metricsdomain.LTVReport{}, err
	}

	report := metricsdomain.LTVReport{PaidTotal: paidTotal, ActiveCount: activeCount}
	if activeCount > 0 {
		report.LTV = float64(paidTotal) / float64(activeCount)
	}
	return report, nil
}

func (s *Service) Project(ctx context.Context, months int, scenario string) (metricsdomain.Projection, error) {
	if months <= 0 {
		return metricsdomain.Projection{}, metricsdomain.ErrInvalidWindow
	}
	factors, ok := s.holder.Current().ProjectionScenarios[strings.ToLower(strings.TrimSpace(scenario))]
	if !ok {
		return metricsdomain.Projection{}, metricsdomain.ErrUnknownScenario
	}

	now := s.clock.Now()
	baselineFrom := now.AddDate(0, -projectionBaselineMonths, 0)

	churn, err := s.ChurnRate(ctx, baselineFrom, now)
	if err != nil {
		return metricsdomain.Projection{}, err
	}
	monthlyChurn := churn.ChurnRate / projectionBaselineMonths

	var created int64
	err = s.db.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
		Where("created_at >= ? AND created_at < ?", baselineFrom, now).
		Count(&created).Error
	if err != nil {
		return metricsdomain.Projection{}, err
	}
	monthlyGrowth := float64(created) / projectionBaselineMonths

	mrr, err := s.MRR(ctx, now)
	if err != nil {
		return metricsdomain.Projection{}, err
	}

	avgRevenue := 0.0
	if mrr.ActiveCount > 0 {
		avgRevenue = float64(mrr.MRR) / float64(mrr.ActiveCount)
	}

	projection := metricsdomain.Projection{
		Scenario:      scenario,
		BaseCount:     mrr.ActiveCount,
		MonthlyChurn:  monthlyChurn,
		MonthlyGrowth: monthlyGrowth,
		Points:        make([]metricsdomain.ProjectionPoint, 0, months),
	}

	count := float64(mrr.ActiveCount)
	for i := 1; i <= months; i++ {
		count = count*(1-monthlyChurn*factors.Churn) + monthlyGrowth*factors.Growth
		if count < 0 {
			count = 0
		}
		projection.Points = append(projection.Points, metricsdomain.ProjectionPoint{
			Month: now.AddDate(0, i, 0),
			Count: count,
			MRR:   count * avgRevenue,
		})
	}
	return projection, nil
}
