package service

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	"github.com/fitloop/cadence/internal/proration"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ChangePlan swaps the plan snapshot mid-period. With ApplyImmediately the
// prorated net difference is invoiced at the change date; otherwise the new
// price simply takes effect at the next natural renewal.
func (s *Service) ChangePlan(ctx context.Context, req subscriptiondomain.ChangePlanRequest) (subscriptiondomain.ChangePlanResponse, error) {
	subscriptionID, err := snowflake.ParseString(strings.TrimSpace(req.SubscriptionID))
	if err != nil {
		return subscriptiondomain.ChangePlanResponse{}, subscriptiondomain.ErrInvalidSubscription
	}

	newPlan, err := s.plansvc.GetByID(ctx, req.NewPlanID)
	if err != nil {
		return subscriptiondomain.ChangePlanResponse{}, err
	}
	if !newPlan.Active {
		return subscriptiondomain.ChangePlanResponse{}, plandomain.ErrPlanInactive
	}

	var resp subscriptiondomain.ChangePlanResponse
	var prorationInvoice *invoicedomain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lockSubscription(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != subscriptiondomain.StatusActive {
			s.recordRejection(ctx, subscriptionID, "subscription.change_plan", req.Motive, subscriptiondomain.ErrInvalidStateTransition)
			return subscriptiondomain.ErrInvalidStateTransition
		}

		now := s.clock.Now()
		quote, err := proration.Prorate(sub.Price, newPlan.Price, sub.CurrentPeriodStart, sub.CurrentPeriodEnd, now)
		if err != nil {
			return err
		}

		diffs := []changedomain.FieldDiff{
			{Field: "plan_id", Before: sub.PlanID.String(), After: newPlan.ID.String()},
			{Field: "plan_name", Before: sub.PlanName, After: newPlan.Name},
			{Field: "price", Before: sub.Price, After: newPlan.Price},
			{Field: "base_sessions", Before: sub.BaseSessions, After: newPlan.BaseSessions},
		}

		updates := map[string]any{
			"plan_id":       newPlan.ID,
			"plan_name":     newPlan.Name,
			"frequency":     newPlan.Frequency,
			"base_sessions": newPlan.BaseSessions,
			"updated_at":    now,
		}
		if req.ApplyImmediately {
			updates["price"] = newPlan.Price
			updates["pending_price"] = nil
		} else {
			// The renewal job promotes the pending price when it bills the
			// next period.
			updates["pending_price"] = newPlan.Price
		}

		if err := tx.Model(&subscriptiondomain.Subscription{}).Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}

		if req.ApplyImmediately {
			// An upgrade's extra sessions are usable right away; a downgrade
			// only shrinks the allotment from the next period.
			if delta := newPlan.BaseSessions - sub.BaseSessions; delta > 0 {
				if err := s.ledgersvc.AdjustOpenEntryTotal(ctx, tx, sub.ID, delta); err != nil {
					return err
				}
			}

			if quote.Net != 0 {
				invoice, err := s.invoicesvc.CreateProration(ctx, tx, invoicedomain.CreateProrationRequest{
					SubscriptionID: sub.ID,
					CustomerID:     sub.CustomerID,
					PeriodKey:      now.UTC().Format("2006-01-02"),
					Amount:         quote.Net,
					Currency:       sub.Currency,
					DueAt:          now,
				})
				if err != nil {
					return err
				}
				prorationInvoice = &invoice
				resp.InvoiceID = invoice.ID.String()
			}
		}

		if err := s.record(ctx, tx, sub.ID, "subscription.plan_changed", changedomain.OutcomeApplied, req.Motive, diffs); err != nil {
			return err
		}

		resp.Quote = quote
		resp.Subscription = *sub
		resp.Subscription.PlanID = newPlan.ID
		resp.Subscription.PlanName = newPlan.Name
		resp.Subscription.Frequency = newPlan.Frequency
		resp.Subscription.BaseSessions = newPlan.BaseSessions
		resp.Subscription.UpdatedAt = now
		if req.ApplyImmediately {
			resp.Subscription.Price = newPlan.Price
			resp.Subscription.PendingPrice = nil
		} else {
			pending := newPlan.Price
			resp.Subscription.PendingPrice = &pending
		}
		return nil
	})
	if err != nil {
		return subscriptiondomain.ChangePlanResponse{}, err
	}

	if prorationInvoice != nil && prorationInvoice.Amount > 0 {
		s.collectProration(ctx, *prorationInvoice)
	}
	return resp, nil
}

// collectProration charges a positive proration invoice right away, mirroring
// the renewal job's invoice-then-collect ordering. A failed charge lands the
// invoice on the retry ladder; the plan change itself is already committed.
func (s *Service) collectProration(ctx context.Context, invoice invoicedomain.Invoice) {
	if err := s.collector.Collect(ctx, invoice); err != nil {
		if _, markErr := s.invoicesvc.MarkFailed(ctx, nil, invoice.ID, err.Error()); markErr != nil {
			s.log.Warn("proration invoice could not be marked failed",
				zap.String("invoice_id", invoice.ID.String()),
				zap.Error(markErr),
			)
		}
		return
	}
	if _, err := s.invoicesvc.MarkPaid(ctx, nil, invoice.ID); err != nil && !errors.Is(err, invoicedomain.ErrAlreadyPaid) {
		s.log.Warn("proration invoice could not be marked paid",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Error(err),
		)
	}
}
