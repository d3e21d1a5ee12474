package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/actorctx"
	"github.com/fitloop/cadence/internal/clock"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  discountdomain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  discountdomain.Repository
}

func NewService(p Params) discountdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("discount.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Apply(ctx context.Context, req discountdomain.ApplyRequest) (discountdomain.Discount, error) {
	if req.Kind != discountdomain.KindPercentage && req.Kind != discountdomain.KindFixed {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscount
	}
	if req.Value < 0 || (req.Kind == discountdomain.KindPercentage && req.Value > 100) {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscountValue
	}
	switch req.Scope {
	case discountdomain.ScopeCustomer, discountdomain.ScopeGroup, discountdomain.ScopePlan:
	default:
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscountScope
	}
	targetID, err := snowflake.ParseString(strings.TrimSpace(req.TargetID))
	if err != nil {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscountTargetID
	}

	now := s.clock.Now()
	startAt := now
	if req.StartAt != nil {
		startAt = *req.StartAt
	}
	if req.EndAt != nil && !req.EndAt.After(startAt) {
		return discountdomain.Discount{}, discountdomain.ErrInvalidDiscountWindowSpan
	}

	actor := actorctx.Actor(ctx)
	discount := discountdomain.Discount{
		ID:        s.genID.Generate(),
		Kind:      req.Kind,
		Value:     req.Value,
		Scope:     req.Scope,
		TargetID:  targetID,
		StartAt:   startAt,
		EndAt:     req.EndAt,
		AppliedBy: actor,
		Motive:    strings.TrimSpace(req.Motive),
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A re-application by the same actor replaces their earlier discount
		// on this target. Other actors' discounts are left standing and
		// surface as a conflict at resolution time.
		existing, err := s.repo.FindCandidates(ctx, tx, req.Scope, int64(targetID), startAt)
		if err != nil {
			return err
		}
		for _, prev := range existing {
			if prev.AppliedBy != actor {
				continue
			}
			if err := s.repo.Update(ctx, tx, int64(prev.ID), map[string]any{
				"superseded_by": discount.ID,
				"updated_at":    now,
			}); err != nil {
				return err
			}
		}
		return s.repo.Insert(ctx, tx, &discount)
	})
	if err != nil {
		return discountdomain.Discount{}, err
	}

	s.log.Info("discount applied",
		zap.String("discount_id", discount.ID.String()),
		zap.String("scope", string(discount.Scope)),
		zap.String("target_id", discount.TargetID.String()),
		zap.String("applied_by", actor),
	)
	return discount, nil
}

func (s *Service) Remove(ctx context.Context, id, motive string) error {
	discountID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return discountdomain.ErrDiscountNotFound
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		discount, err := s.repo.FindByIDForUpdate(ctx, tx, int64(discountID))
		if err != nil {
			return err
		}
		if discount == nil {
			return discountdomain.ErrDiscountNotFound
		}
		if discount.RemovedAt != nil {
			return discountdomain.ErrDiscountAlreadyRemoved
		}

		now := s.clock.Now()
		updates := map[string]any{
			"removed_at": now,
			"updated_at": now,
		}
		if trimmed := strings.TrimSpace(motive); trimmed != "" {
			updates["motive"] = trimmed
		}
		return s.repo.Update(ctx, tx, int64(discountID), updates)
	})
}

func (s *Service) List(ctx context.Context, scope discountdomain.DiscountScope, targetID string) ([]discountdomain.Discount, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(targetID))
	if err != nil {
		return nil, discountdomain.ErrInvalidDiscountTargetID
	}
	return s.repo.ListByTarget(ctx, s.db, scope, int64(parsed))
}

func (s *Service) ResolveEffectivePrice(ctx context.Context, sub *subscriptiondomain.Subscription, asOf time.Time) (discountdomain.Resolution, error) {
	if sub == nil {
		return discountdomain.Resolution{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	type scopeTarget struct {
		scope  discountdomain.DiscountScope
		target int64
	}
	lookups := []scopeTarget{{discountdomain.ScopeCustomer, int64(sub.CustomerID)}}
	if sub.GroupID != nil {
		lookups = append(lookups, scopeTarget{discountdomain.ScopeGroup, int64(*sub.GroupID)})
	}
	lookups = append(lookups, scopeTarget{discountdomain.ScopePlan, int64(sub.PlanID)})

	for _, lookup := range lookups {
		candidates, err := s.repo.FindCandidates(ctx, s.db, lookup.scope, lookup.target, asOf)
		if err != nil {
			return discountdomain.Resolution{}, err
		}
		if len(candidates) == 0 {
			continue
		}

		winner := candidates[0]
		for _, candidate := range candidates[1:] {
			if candidate.AppliedBy != winner.AppliedBy {
				s.log.Warn("overlapping discounts from different actors",
					zap.String("scope", string(lookup.scope)),
					zap.Int64("target_id", lookup.target),
					zap.String("first_actor", winner.AppliedBy),
					zap.String("second_actor", candidate.AppliedBy),
				)
				return discountdomain.Resolution{}, discountdomain.ErrDiscountOverlapConflict
			}
			if candidate.CreatedAt.After(winner.CreatedAt) {
				winner = candidate
			}
		}

		return discountdomain.Resolution{
			EffectivePrice: winner.PriceAfter(sub.Price),
			Applied:        &winner,
		}, nil
	}

	return discountdomain.Resolution{EffectivePrice: sub.Price}, nil
}
