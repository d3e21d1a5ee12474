package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"gorm.io/gorm"
)

func (s *Service) Activate(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return s.applyTransition(ctx, id, subscriptiondomain.StatusActive, "subscription.activated", "", func(sub *subscriptiondomain.Subscription, now time.Time) map[string]any {
		sub.Status = subscriptiondomain.StatusActive
		sub.ActivatedAt = &now
		sub.Trial = false
		sub.TrialEndsAt = nil
		if sub.CurrentPeriodEnd.Before(now) {
			sub.CurrentPeriodStart = now
			sub.CurrentPeriodEnd = s.periodEnd(now, sub.Frequency)
		}
		return map[string]any{
			"status":               sub.Status,
			"activated_at":         now,
			"trial":                false,
			"trial_ends_at":        nil,
			"current_period_start": sub.CurrentPeriodStart,
			"current_period_end":   sub.CurrentPeriodEnd,
			"updated_at":           now,
		}
	})
}

func (s *Service) Freeze(ctx context.Context, req subscriptiondomain.FreezeRequest) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}
	if req.Days <= 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidFreezeWindow
	}

	var frozen subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusFrozen) {
			s.recordRejection(ctx, subscriptionID, "subscription.freeze", req.Motive, subscriptiondomain.ErrInvalidStateTransition)
			return subscriptiondomain.ErrInvalidStateTransition
		}

		maxDays := s.cfg.Current().MaxFreezeDays
		plan, err := s.plansvc.GetByID(ctx, sub.PlanID.String())
		if err == nil {
			if !plan.AllowFreeze {
				s.recordRejection(ctx, subscriptionID, "subscription.freeze", req.Motive, subscriptiondomain.ErrFreezeNotAllowed)
				return subscriptiondomain.ErrFreezeNotAllowed
			}
			if plan.MaxFreezeDays > 0 && plan.MaxFreezeDays < maxDays {
				maxDays = plan.MaxFreezeDays
			}
		}
		if req.Days > maxDays {
			s.recordRejection(ctx, subscriptionID, "subscription.freeze", req.Motive, subscriptiondomain.ErrFreezeTooLong)
			return subscriptiondomain.ErrFreezeTooLong
		}

		now := s.clock.Now()
		startAt := now
		if req.StartAt != nil && req.StartAt.After(now) {
			startAt = req.StartAt.UTC()
		}
		freezeEnd := startAt.AddDate(0, 0, req.Days)
		// Frozen time is not billed time: the period stretches by the freeze.
		newPeriodEnd := sub.CurrentPeriodEnd.AddDate(0, 0, req.Days)

		updates := map[string]any{
			"status":             subscriptiondomain.StatusFrozen,
			"freeze_start":       startAt,
			"freeze_end":         freezeEnd,
			"current_period_end": newPeriodEnd,
			"updated_at":         now,
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := s.record(ctx, tx, sub.ID, "subscription.frozen", changedomain.OutcomeApplied, req.Motive, []changedomain.FieldDiff{
			{Field: "status", Before: string(sub.Status), After: string(subscriptiondomain.StatusFrozen)},
			{Field: "freeze_end", Before: nil, After: freezeEnd},
			{Field: "current_period_end", Before: sub.CurrentPeriodEnd, After: newPeriodEnd},
		}); err != nil {
			return err
		}

		frozen = *sub
		frozen.Status = subscriptiondomain.StatusFrozen
		frozen.FreezeStart = &startAt
		frozen.FreezeEnd = &freezeEnd
		frozen.CurrentPeriodEnd = newPeriodEnd
		frozen.UpdatedAt = now
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.ObserveTransition(string(subscriptiondomain.StatusFrozen))
	return frozen, nil
}

func (s *Service) Unfreeze(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}

	var resumed subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusActive) || sub.Status != subscriptiondomain.StatusFrozen {
			s.recordRejection(ctx, subscriptionID, "subscription.unfreeze", "", subscriptiondomain.ErrInvalidStateTransition)
			return subscriptiondomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		newPeriodEnd := sub.CurrentPeriodEnd
		if sub.FreezeStart != nil && sub.FreezeEnd != nil && now.Before(*sub.FreezeEnd) {
			// Ended early: give back only the days actually spent frozen.
			plannedDays := int(sub.FreezeEnd.Sub(*sub.FreezeStart) / (24 * time.Hour))
			actualDays := int(now.Sub(*sub.FreezeStart) / (24 * time.Hour))
			if actualDays < 0 {
				actualDays = 0
			}
			if unused := plannedDays - actualDays; unused > 0 {
				newPeriodEnd = sub.CurrentPeriodEnd.AddDate(0, 0, -unused)
			}
		}

		updates := map[string]any{
			"status":             subscriptiondomain.StatusActive,
			"freeze_start":       nil,
			"freeze_end":         nil,
			"current_period_end": newPeriodEnd,
			"updated_at":         now,
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := s.record(ctx, tx, sub.ID, "subscription.unfrozen", changedomain.OutcomeApplied, "", []changedomain.FieldDiff{
			{Field: "status", Before: string(sub.Status), After: string(subscriptiondomain.StatusActive)},
			{Field: "current_period_end", Before: sub.CurrentPeriodEnd, After: newPeriodEnd},
		}); err != nil {
			return err
		}

		resumed = *sub
		resumed.Status = subscriptiondomain.StatusActive
		resumed.FreezeStart = nil
		resumed.FreezeEnd = nil
		resumed.CurrentPeriodEnd = newPeriodEnd
		resumed.UpdatedAt = now
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.ObserveTransition(string(subscriptiondomain.StatusActive))
	return resumed, nil
}

func (s *Service) Pause(ctx context.Context, id, motive string) (subscriptiondomain.Subscription, error) {
	return s.applyTransition(ctx, id, subscriptiondomain.StatusPaused, "subscription.paused", motive, func(sub *subscriptiondomain.Subscription, now time.Time) map[string]any {
		sub.Status = subscriptiondomain.StatusPaused
		sub.PausedAt = &now
		return map[string]any{
			"status":     subscriptiondomain.StatusPaused,
			"paused_at":  now,
			"updated_at": now,
		}
	})
}

func (s *Service) Resume(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	return s.applyTransition(ctx, id, subscriptiondomain.StatusActive, "subscription.resumed", "", func(sub *subscriptiondomain.Subscription, now time.Time) map[string]any {
		sub.Status = subscriptiondomain.StatusActive
		sub.PausedAt = nil
		return map[string]any{
			"status":     subscriptiondomain.StatusActive,
			"paused_at":  nil,
			"updated_at": now,
		}
	})
}

func (s *Service) Cancel(ctx context.Context, req subscriptiondomain.CancelRequest) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}

	var canceled subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusCanceled) {
			s.recordRejection(ctx, subscriptionID, "subscription.cancel", req.Motive, subscriptiondomain.ErrInvalidStateTransition)
			return subscriptiondomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		canceled = *sub
		canceled.CancelMotive = req.Motive
		canceled.UpdatedAt = now

		if req.AtPeriodEnd {
			// Deferred: status untouched until the period actually ends.
			canceled.CancelAtPeriodEnd = true
			updates := map[string]any{
				"cancel_at_period_end": true,
				"cancel_motive":        req.Motive,
				"updated_at":           now,
			}
			if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
				return err
			}
			return s.record(ctx, tx, sub.ID, "subscription.cancel_scheduled", changedomain.OutcomeApplied, req.Motive, []changedomain.FieldDiff{
				{Field: "cancel_at_period_end", Before: sub.CancelAtPeriodEnd, After: true},
			})
		}

		canceled.Status = subscriptiondomain.StatusCanceled
		canceled.CanceledAt = &now
		updates := map[string]any{
			"status":        subscriptiondomain.StatusCanceled,
			"canceled_at":   now,
			"cancel_motive": req.Motive,
			"updated_at":    now,
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}
		return s.record(ctx, tx, sub.ID, "subscription.canceled", changedomain.OutcomeApplied, req.Motive, []changedomain.FieldDiff{
			{Field: "status", Before: string(sub.Status), After: string(subscriptiondomain.StatusCanceled)},
		})
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	if canceled.Status == subscriptiondomain.StatusCanceled {
		s.metrics.ObserveTransition(string(subscriptiondomain.StatusCanceled))
	}
	return canceled, nil
}

func (s *Service) SetTransferConfig(ctx context.Context, req subscriptiondomain.TransferConfigRequest) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}
	if req.MaxTransferable < 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTransferConfig
	}

	var updated subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.Terminal() {
			return subscriptiondomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		updates := map[string]any{
			"auto_transfer":       req.AutoTransfer,
			"max_transferable":    req.MaxTransferable,
			"transfer_on_renewal": req.TransferOnRenewal,
			"updated_at":          now,
		}
		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}

		if err := s.record(ctx, tx, sub.ID, "subscription.transfer_config", changedomain.OutcomeApplied, "", []changedomain.FieldDiff{
			{Field: "auto_transfer", Before: sub.AutoTransfer, After: req.AutoTransfer},
			{Field: "max_transferable", Before: sub.MaxTransferable, After: req.MaxTransferable},
			{Field: "transfer_on_renewal", Before: sub.TransferOnRenewal, After: req.TransferOnRenewal},
		}); err != nil {
			return err
		}

		updated = *sub
		updated.AutoTransfer = req.AutoTransfer
		updated.MaxTransferable = req.MaxTransferable
		updated.TransferOnRenewal = req.TransferOnRenewal
		updated.UpdatedAt = now
		return nil
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	return updated, nil
}

// applyTransition runs the generic lock, validate, update, record sequence for
// transitions that need no extra business checks.
func (s *Service) applyTransition(ctx context.Context, id string, target subscriptiondomain.SubscriptionStatus, kind, motive string, mutate func(sub *subscriptiondomain.Subscription, now time.Time) map[string]any) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidSubscription
	}

	var result subscriptiondomain.Subscription
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, target) {
			s.recordRejection(ctx, subscriptionID, kind, motive, subscriptiondomain.ErrInvalidStateTransition)
			return subscriptiondomain.ErrInvalidStateTransition
		}

		before := sub.Status
		now := s.clock.Now()
		result = *sub
		updates := mutate(&result, now)

		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}

		if sub.Status == subscriptiondomain.StatusPending && target == subscriptiondomain.StatusActive {
			if _, err := s.ledgersvc.OpenPeriod(ctx, tx, &result); err != nil {
				return err
			}
		}

		return s.record(ctx, tx, sub.ID, kind, changedomain.OutcomeApplied, motive, []changedomain.FieldDiff{
			{Field: "status", Before: string(before), After: string(target)},
		})
	})
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.metrics.ObserveTransition(string(target))
	return result, nil
}

func (s *Service) lockSubscription(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*subscriptiondomain.Subscription, error) {
	sub, err := s.repo.FindByIDForUpdate(ctx, tx, int64(id))
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	if sub.ArchivedAt != nil {
		return nil, subscriptiondomain.ErrSubscriptionArchived
	}
	return sub, nil
}
