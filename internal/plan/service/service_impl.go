package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/clock"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	"github.com/fitloop/cadence/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	planRepo repository.Repository[plandomain.Plan]
}

func NewService(p Params) plandomain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("plan.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		planRepo: repository.ProvideStore[plandomain.Plan](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (plandomain.Plan, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return plandomain.Plan{}, plandomain.ErrInvalidPlan
	}
	if req.Price < 0 {
		return plandomain.Plan{}, plandomain.ErrInvalidPrice
	}
	if !req.Frequency.Valid() {
		return plandomain.Plan{}, plandomain.ErrInvalidFrequency
	}
	if req.BaseSessions < 0 || req.MaxFreezeDays < 0 {
		return plandomain.Plan{}, plandomain.ErrInvalidPlan
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "USD"
	}

	now := s.clock.Now()
	plan := plandomain.Plan{
		ID:            s.genID.Generate(),
		Name:          name,
		Price:         req.Price,
		Currency:      currency,
		Frequency:     req.Frequency,
		BaseSessions:  req.BaseSessions,
		AllowFreeze:   req.AllowFreeze,
		MaxFreezeDays: req.MaxFreezeDays,
		Active:        true,
		Metadata:      datatypes.JSONMap(req.Metadata),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.planRepo.Create(ctx, &plan); err != nil {
		return plandomain.Plan{}, err
	}
	return plan, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (plandomain.Plan, error) {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return plandomain.Plan{}, plandomain.ErrInvalidPlan
	}

	plan, err := s.planRepo.FindOne(ctx, &plandomain.Plan{ID: planID})
	if err != nil {
		return plandomain.Plan{}, err
	}
	if plan == nil {
		return plandomain.Plan{}, plandomain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]plandomain.Plan, error) {
	filter := &plandomain.Plan{}
	if activeOnly {
		filter.Active = true
	}

	items, err := s.planRepo.Find(ctx, filter)
	if err != nil {
		return nil, err
	}

	plans := make([]plandomain.Plan, 0, len(items))
	for _, item := range items {
		plans = append(plans, *item)
	}
	return plans, nil
}

func (s *Service) Deactivate(ctx context.Context, id string) error {
	planID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return plandomain.ErrInvalidPlan
	}

	plan, err := s.planRepo.FindOne(ctx, &plandomain.Plan{ID: planID})
	if err != nil {
		return err
	}
	if plan == nil {
		return plandomain.ErrPlanNotFound
	}

	return s.planRepo.Update(ctx, planID.String(), map[string]any{
		"active":     false,
		"updated_at": s.clock.Now(),
	})
}
