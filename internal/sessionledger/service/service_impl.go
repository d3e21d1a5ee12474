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
	obsmetrics "github.com/fitloop/cadence/internal/observability/metrics"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     *config.BillingConfigHolder
	Repo    ledgerdomain.Repository
	SubRepo subscriptiondomain.Repository

	HistorySvc changedomain.Service

	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	cfg     *config.BillingConfigHolder
	repo    ledgerdomain.Repository
	subRepo subscriptiondomain.Repository

	historysvc changedomain.Service
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("sessionledger.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		repo:       p.Repo,
		subRepo:    p.SubRepo,
		historysvc: p.HistorySvc,
		metrics:    p.Metrics,
	}
}

func (s *Service) OpenPeriod(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription) (ledgerdomain.Entry, error) {
	if sub == nil {
		return ledgerdomain.Entry{}, subscriptiondomain.ErrInvalidSubscription
	}

	now := s.clock.Now()
	periodKey := ledgerdomain.PeriodKeyFor(sub.CurrentPeriodStart)
	periodEnd := sub.CurrentPeriodEnd

	allotment := sub.BaseSessions + sub.SessionAdjustment
	if s.cfg.Current().BonusExpiry == config.BonusExpiresWithPeriod {
		allotment += sub.BonusSessions
	}
	if allotment < 0 {
		allotment = 0
	}

	existing, err := s.repo.FindBySubPeriodForUpdate(ctx, tx, int64(sub.ID), periodKey)
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	if existing != nil {
		// The period may already hold a live entry: a transfer seeded it before
		// it opened, or a trial converted inside the month that granted its
		// sessions. Fold the plan allotment into it instead of rejecting, so
		// whatever is left keeps working under the new expiry.
		if !existing.Expired(now) {
			updates := map[string]any{
				"kind":       ledgerdomain.KindPlan,
				"total":      existing.Total + allotment,
				"expires_at": periodEnd,
				"updated_at": now,
			}
			if err := s.repo.UpdateCounters(ctx, tx, int64(existing.ID), updates); err != nil {
				return ledgerdomain.Entry{}, err
			}
			existing.Kind = ledgerdomain.KindPlan
			existing.Total += allotment
			existing.ExpiresAt = &periodEnd
			return *existing, nil
		}
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidPeriod
	}

	kind := ledgerdomain.KindPlan
	if sub.GroupID != nil {
		kind = ledgerdomain.KindGroup
	}

	entry := ledgerdomain.Entry{
		ID:             s.genID.Generate(),
		SubscriptionID: sub.ID,
		CustomerID:     sub.CustomerID,
		PeriodKey:      periodKey,
		Kind:           kind,
		Total:          allotment,
		ExpiresAt:      &periodEnd,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, &entry); err != nil {
		return ledgerdomain.Entry{}, err
	}

	s.metrics.ObserveSessionsMoved("open", int64(allotment))
	return entry, nil
}

func (s *Service) Consume(ctx context.Context, req ledgerdomain.ConsumeRequest) (ledgerdomain.Entry, error) {
	if req.Quantity <= 0 {
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidQuantity
	}
	entryID, err := snowflake.ParseString(strings.TrimSpace(req.EntryID))
	if err != nil {
		return ledgerdomain.Entry{}, ledgerdomain.ErrEntryNotFound
	}

	var updated ledgerdomain.Entry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		peek, err := s.repo.FindByID(ctx, tx, int64(entryID))
		if err != nil {
			return err
		}
		if peek == nil {
			return ledgerdomain.ErrEntryNotFound
		}

		// Subscription row lock serializes all ledger mutations for one sub.
		if _, err := s.lockSubscription(ctx, tx, peek.SubscriptionID); err != nil {
			return err
		}
		entry, err := s.repo.FindByIDForUpdate(ctx, tx, int64(entryID))
		if err != nil {
			return err
		}
		if entry == nil {
			return ledgerdomain.ErrEntryNotFound
		}

		now := s.clock.Now()
		if entry.Expired(now) {
			s.recordRejection(ctx, entry.SubscriptionID, "session.consume", req.Motive, ledgerdomain.ErrEntryExpired)
			return ledgerdomain.ErrEntryExpired
		}
		if entry.Consumed+req.Quantity > entry.Total {
			s.recordRejection(ctx, entry.SubscriptionID, "session.consume", req.Motive, ledgerdomain.ErrInsufficientSessions)
			return ledgerdomain.ErrInsufficientSessions
		}

		newConsumed := entry.Consumed + req.Quantity
		if err := s.repo.UpdateCounters(ctx, tx, int64(entry.ID), map[string]any{
			"consumed":   newConsumed,
			"updated_at": now,
		}); err != nil {
			return err
		}

		if err := s.record(ctx, tx, entry.SubscriptionID, "session.consumed", req.Motive, []changedomain.FieldDiff{
			{Field: "consumed", Before: entry.Consumed, After: newConsumed},
		}); err != nil {
			return err
		}

		updated = *entry
		updated.Consumed = newConsumed
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		return ledgerdomain.Entry{}, err
	}

	s.metrics.ObserveSessionsMoved("consume", int64(req.Quantity))
	return updated, nil
}

func (s *Service) GrantBonus(ctx context.Context, req ledgerdomain.BonusRequest) (ledgerdomain.Entry, error) {
	if req.Quantity <= 0 {
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidQuantity
	}
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return ledgerdomain.Entry{}, subscriptiondomain.ErrInvalidSubscription
	}

	var result ledgerdomain.Entry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(map[string]any{
			"bonus_sessions": sub.BonusSessions + req.Quantity,
			"updated_at":     now,
		}).Error; err != nil {
			return err
		}

		policy := s.cfg.Current().BonusExpiry
		periodKey := ledgerdomain.PeriodKeyFor(sub.CurrentPeriodStart)
		var expiresAt *time.Time
		if policy == config.BonusExpiresWithPeriod {
			end := sub.CurrentPeriodEnd
			expiresAt = &end
		} else {
			periodKey = ledgerdomain.BonusPoolPeriodKey
		}

		entry, err := s.repo.FindBySubPeriodForUpdate(ctx, tx, int64(sub.ID), periodKey)
		if err != nil {
			return err
		}
		if entry != nil && entry.Expired(now) {
			// The period lapsed before the renewal job rolled it over. The
			// grant seeds the upcoming period instead; its provisional expiry
			// is corrected when OpenPeriod folds the plan allotment in.
			periodKey = ledgerdomain.PeriodKeyFor(sub.CurrentPeriodEnd)
			provisionalEnd := sub.CurrentPeriodEnd.AddDate(0, sub.Frequency.Months(), 0)
			expiresAt = &provisionalEnd
			if entry.PeriodKey != periodKey {
				entry, err = s.repo.FindBySubPeriodForUpdate(ctx, tx, int64(sub.ID), periodKey)
				if err != nil {
					return err
				}
			}
		}

		if entry != nil && !entry.Expired(now) {
			newTotal := entry.Total + req.Quantity
			if err := s.repo.UpdateCounters(ctx, tx, int64(entry.ID), map[string]any{
				"total":      newTotal,
				"updated_at": now,
			}); err != nil {
				return err
			}
			result = *entry
			result.Total = newTotal
		} else if entry != nil {
			// Same calendar month as the lapsed entry: reuse the row. The
			// expired balance stays spent, only the fresh grant is usable.
			newTotal := entry.Consumed + req.Quantity
			if err := s.repo.UpdateCounters(ctx, tx, int64(entry.ID), map[string]any{
				"total":      newTotal,
				"kind":       ledgerdomain.KindBonus,
				"expires_at": expiresAt,
				"updated_at": now,
			}); err != nil {
				return err
			}
			result = *entry
			result.Total = newTotal
			result.Kind = ledgerdomain.KindBonus
			result.ExpiresAt = expiresAt
		} else {
			created := ledgerdomain.Entry{
				ID:             s.genID.Generate(),
				SubscriptionID: sub.ID,
				CustomerID:     sub.CustomerID,
				PeriodKey:      periodKey,
				Kind:           ledgerdomain.KindBonus,
				Total:          req.Quantity,
				ExpiresAt:      expiresAt,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.repo.Insert(ctx, tx, &created); err != nil {
				return err
			}
			result = created
		}

		return s.record(ctx, tx, sub.ID, "session.bonus_granted", req.Motive, []changedomain.FieldDiff{
			{Field: "bonus_sessions", Before: sub.BonusSessions, After: sub.BonusSessions + req.Quantity},
		})
	})
	if err != nil {
		return ledgerdomain.Entry{}, err
	}

	s.metrics.ObserveSessionsMoved("bonus", int64(req.Quantity))
	return result, nil
}

func (s *Service) Adjust(ctx context.Context, req ledgerdomain.AdjustRequest) (ledgerdomain.Entry, error) {
	if req.Delta == 0 {
		return ledgerdomain.Entry{}, ledgerdomain.ErrInvalidQuantity
	}
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return ledgerdomain.Entry{}, subscriptiondomain.ErrInvalidSubscription
	}

	var result ledgerdomain.Entry
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(map[string]any{
			"session_adjustment": sub.SessionAdjustment + req.Delta,
			"updated_at":         now,
		}).Error; err != nil {
			return err
		}

		diffs := []changedomain.FieldDiff{
			{Field: "session_adjustment", Before: sub.SessionAdjustment, After: sub.SessionAdjustment + req.Delta},
		}

		if !req.ApplyNextCycle {
			entry, err := s.repo.FindBySubPeriodForUpdate(ctx, tx, int64(sub.ID), ledgerdomain.PeriodKeyFor(sub.CurrentPeriodStart))
			if err != nil {
				return err
			}
			if entry != nil && !entry.Expired(now) {
				newTotal := entry.Total + req.Delta
				// Clamp rather than error: the allotment can shrink only down
				// to what was already consumed.
				if newTotal < entry.Consumed {
					newTotal = entry.Consumed
				}
				if newTotal != entry.Total {
					if err := s.repo.UpdateCounters(ctx, tx, int64(entry.ID), map[string]any{
						"total":      newTotal,
						"updated_at": now,
					}); err != nil {
						return err
					}
				}
				diffs = append(diffs, changedomain.FieldDiff{Field: "total", Before: entry.Total, After: newTotal})
				result = *entry
				result.Total = newTotal
			}
		}

		return s.record(ctx, tx, sub.ID, "session.adjusted", req.Motive, diffs)
	})
	if err != nil {
		return ledgerdomain.Entry{}, err
	}
	return result, nil
}

func (s *Service) AdjustOpenEntryTotal(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, delta int) error {
	if delta == 0 {
		return nil
	}

	sub, err := s.subRepo.FindByID(ctx, tx, int64(subscriptionID))
	if err != nil {
		return err
	}
	if sub == nil {
		return subscriptiondomain.ErrSubscriptionNotFound
	}

	entry, err := s.repo.FindBySubPeriodForUpdate(ctx, tx, int64(subscriptionID), ledgerdomain.PeriodKeyFor(sub.CurrentPeriodStart))
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if entry == nil || entry.Expired(now) {
		return nil
	}

	newTotal := entry.Total + delta
	if newTotal < entry.Consumed {
		newTotal = entry.Consumed
	}
	if newTotal == entry.Total {
		return nil
	}
	return s.repo.UpdateCounters(ctx, tx, int64(entry.ID), map[string]any{
		"total":      newTotal,
		"updated_at": now,
	})
}

func (s *Service) ListBySubscription(ctx context.Context, subscriptionID string) ([]ledgerdomain.Entry, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(subscriptionID))
	if err != nil {
		return nil, subscriptiondomain.ErrInvalidSubscription
	}
	return s.repo.ListBySubscription(ctx, s.db, int64(id))
}

func (s *Service) ExpiringSoon(ctx context.Context, window time.Duration) ([]ledgerdomain.Entry, error) {
	now := s.clock.Now()
	return s.repo.ExpiringBetween(ctx, s.db, now, now.Add(window))
}

func (s *Service) lockSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.subRepo.FindByIDForUpdate(ctx, tx, int64(id))
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) record(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, kind, motive string, diffs []changedomain.FieldDiff) error {
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
		Outcome:        changedomain.OutcomeApplied,
		Diffs:          diffs,
	})
}

func (s *Service) recordRejection(ctx context.Context, subscriptionID snowflake.ID, kind, motive string, cause error) {
	actor := actorctx.Actor(ctx)
	actorType := "user"
	if actor == actorctx.System {
		actorType = "system"
	}
	if err := s.historysvc.Record(ctx, nil, changedomain.Record{
		SubscriptionID: subscriptionID.String(),
		Kind:           kind,
		ActorType:      actorType,
		ActorID:        actor,
		Motive:         motive,
		Outcome:        changedomain.OutcomeRejected,
		Diffs:          []changedomain.FieldDiff{{Field: "error", After: cause.Error()}},
	}); err != nil {
		s.log.Warn("record rejection failed", zap.Error(err))
	}
}
