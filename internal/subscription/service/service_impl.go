package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/actorctx"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	obsmetrics "github.com/fitloop/cadence/internal/observability/metrics"
	paymentdomain "github.com/fitloop/cadence/internal/payment/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/fitloop/cadence/pkg/db/option"
	"github.com/fitloop/cadence/pkg/db/pagination"
	"github.com/fitloop/cadence/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Cfg    *config.BillingConfigHolder
	Repo   subscriptiondomain.Repository
	PlanPK plandomain.Service

	HistorySvc changedomain.Service
	LedgerSvc  ledgerdomain.Service
	InvoiceSvc invoicedomain.Service
	Collector  paymentdomain.Collector

	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   *config.BillingConfigHolder
	repo  subscriptiondomain.Repository

	plansvc    plandomain.Service
	historysvc changedomain.Service
	ledgersvc  ledgerdomain.Service
	invoicesvc invoicedomain.Service
	collector  paymentdomain.Collector
	metrics    *obsmetrics.Metrics

	subRepo repository.Repository[subscriptiondomain.Subscription]
}

func NewService(p Params) subscriptiondomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("subscription.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		repo:       p.Repo,
		plansvc:    p.PlanPK,
		historysvc: p.HistorySvc,
		ledgersvc:  p.LedgerSvc,
		invoicesvc: p.InvoiceSvc,
		collector:  p.Collector,
		metrics:    p.Metrics,
		subRepo:    repository.ProvideStore[subscriptiondomain.Subscription](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (subscriptiondomain.Subscription, error) {
	sub, err := s.buildSubscription(ctx, req)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, sub); err != nil {
			return err
		}

		if sub.Status == subscriptiondomain.StatusTrial || sub.Status == subscriptiondomain.StatusActive {
			if _, err := s.ledgersvc.OpenPeriod(ctx, tx, sub); err != nil {
				return err
			}
		}

		return s.record(ctx, tx, sub.ID, "subscription.created", changedomain.OutcomeApplied, "", []changedomain.FieldDiff{
			{Field: "status", Before: nil, After: string(sub.Status)},
			{Field: "plan_id", Before: nil, After: sub.PlanID.String()},
			{Field: "price", Before: nil, After: sub.Price},
		})
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.ObserveTransition(string(sub.Status))
	return *sub, nil
}

// buildSubscription validates the request and assembles the row with its plan
// snapshot. Nothing is persisted here.
func (s *Service) buildSubscription(ctx context.Context, req subscriptiondomain.CreateSubscriptionRequest) (*subscriptiondomain.Subscription, error) {
	customerID, err := snowflake.ParseString(strings.TrimSpace(req.CustomerID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidCustomer
	}
	if !req.Kind.Valid() {
		return nil, subscriptiondomain.ErrInvalidKind
	}
	if req.TrialDays < 0 || req.TrialSessions < 0 || req.TrialPrice < 0 {
		return nil, subscriptiondomain.ErrInvalidTrialConfig
	}

	plan, err := s.plansvc.GetByID(ctx, req.PlanID)
	if err != nil {
		return nil, err
	}
	if !plan.Active {
		return nil, plandomain.ErrPlanInactive
	}

	var trainerID *snowflake.ID
	if trimmed := strings.TrimSpace(req.TrainerID); trimmed != "" {
		id, err := snowflake.ParseString(trimmed)
		if err != nil {
			return nil, subscriptiondomain.ErrInvalidCustomer
		}
		trainerID = &id
	}
	if req.Kind == subscriptiondomain.KindTrainerPackage && trainerID == nil {
		return nil, subscriptiondomain.ErrInvalidKind
	}

	now := s.clock.Now()
	startAt := now
	if req.StartAt != nil {
		startAt = req.StartAt.UTC()
	}

	sub := &subscriptiondomain.Subscription{
		ID:           s.genID.Generate(),
		CustomerID:   customerID,
		TrainerID:    trainerID,
		PlanID:       plan.ID,
		PlanName:     plan.Name,
		Price:        plan.Price,
		Currency:     plan.Currency,
		Frequency:    plan.Frequency,
		BaseSessions: plan.BaseSessions,
		Kind:         req.Kind,
		Metadata:     datatypes.JSONMap(req.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	switch {
	case startAt.After(now):
		sub.Status = subscriptiondomain.StatusPending
		sub.CurrentPeriodStart = startAt
		sub.CurrentPeriodEnd = s.periodEnd(startAt, plan.Frequency)
	case req.TrialDays > 0:
		trialEnd := startAt.AddDate(0, 0, req.TrialDays)
		sub.Status = subscriptiondomain.StatusTrial
		sub.Trial = true
		sub.TrialSessions = req.TrialSessions
		sub.TrialEndsAt = &trialEnd
		sub.Price = req.TrialPrice
		sub.CurrentPeriodStart = startAt
		sub.CurrentPeriodEnd = trialEnd
		if req.TrialSessions > 0 {
			sub.BaseSessions = req.TrialSessions
		}
	default:
		sub.Status = subscriptiondomain.StatusActive
		sub.ActivatedAt = &now
		sub.CurrentPeriodStart = startAt
		sub.CurrentPeriodEnd = s.periodEnd(startAt, plan.Frequency)
	}

	return sub, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}

	sub, err := s.repo.FindByID(ctx, s.db, int64(subscriptionID))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if sub == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *sub, nil
}

func (s *Service) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	filter := &subscriptiondomain.Subscription{}

	if req.Status != "" {
		filter.Status = subscriptiondomain.SubscriptionStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	}
	if req.CustomerID != "" {
		customerID, err := snowflake.ParseString(req.CustomerID)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidCustomer
		}
		filter.CustomerID = customerID
	}
	if req.GroupID != "" {
		groupID, err := snowflake.ParseString(req.GroupID)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidGroup
		}
		filter.GroupID = &groupID
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	options := []option.QueryOption{
		option.ApplyPagination(pagination.Pagination{
			PageToken: req.PageToken,
			PageSize:  int(pageSize),
		}),
		option.WithSortBy(option.WithQuerySortBy("created_at", "desc", map[string]bool{"created_at": true})),
	}

	if req.CreatedFrom != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.GTE,
			Value:    *req.CreatedFrom,
		}))
	}
	if req.CreatedTo != nil {
		options = append(options, option.ApplyOperator(option.Condition{
			Field:    "created_at",
			Operator: option.LTE,
			Value:    *req.CreatedTo,
		}))
	}

	items, err := s.subRepo.Find(ctx, filter, options...)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(item *subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        item.ID.String(),
			CreatedAt: item.CreatedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return ""
		}
		return token
	})

	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}

	resp := subscriptiondomain.ListSubscriptionResponse{PageInfo: *pageInfo}
	for _, item := range items {
		resp.Subscriptions = append(resp.Subscriptions, *item)
	}
	return resp, nil
}

func (s *Service) periodEnd(start time.Time, frequency plandomain.BillingFrequency) time.Time {
	months := frequency.Months()
	if months <= 0 {
		months = 1
	}
	return start.AddDate(0, months, 0)
}

// record appends one history entry inside the given transaction.
func (s *Service) record(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind string, outcome changedomain.ChangeOutcome, motive string, diffs []changedomain.FieldDiff) error {
	actor := actorctx.Actor(ctx)
	actorType := "user"
	if actor == actorctx.System {
		actorType = "system"
	}
	return s.historysvc.Record(ctx, tx, changedomain.Record{
		SubscriptionID: subscriptionID.String(),
		Kind:           kind,
		ActorType:      actorType,
		ActorID:        actor,
		Motive:         motive,
		Outcome:        outcome,
		Diffs:          diffs,
	})
}

// recordRejection persists an audit row for a refused command. It runs outside
// the caller's (rolled back or never opened) transaction.
func (s *Service) recordRejection(ctx context.Context, subscriptionID snowflake.ID, kind, motive string, cause error) {
	if err := s.record(ctx, nil, subscriptionID, kind, changedomain.OutcomeRejected, motive, []changedomain.FieldDiff{
		{Field: "error", Before: nil, After: cause.Error()},
	}); err != nil {
		s.log.Warn("record rejection failed", zap.Error(err))
	}
}
