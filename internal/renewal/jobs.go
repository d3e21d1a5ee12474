package renewal

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/config"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// errNotDue marks a claimed row that turned out to need no work once locked.
var errNotDue = errors.New("not_due")

// overdueGraceDays is how long a pending invoice may sit past due before the
// sweep flips it to OVERDUE.
const overdueGraceDays = 3

func (p *Processor) renewDueJob(ctx context.Context) (int, error) {
	now := p.clock.Now()
	processed := 0
	var jobErr error

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}

		var subs []subscriptiondomain.Subscription
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			subs, err = p.subRepo.ClaimDueForRenewal(ctx, tx, now, p.cfg.BatchSize)
			return err
		})
		if err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}

		advanced := 0
		for _, sub := range subs {
			if ctx.Err() != nil {
				break
			}
			ok, err := p.renewOne(ctx, sub.ID)
			if err != nil {
				jobErr = errors.Join(jobErr, err)
				p.log.Warn("renewal failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
				continue
			}
			if ok {
				advanced++
				processed++
			}
		}
		// Subscriptions with failing payments stay due; without forward
		// progress another pass would spin on the same rows.
		if advanced == 0 {
			break
		}
	}

	return processed, jobErr
}

// renewOne bills one due subscription. Invoice creation commits before the
// payment attempt so a crash between the two is recovered by the idempotent
// re-claim, never by double billing.
func (p *Processor) renewOne(ctx context.Context, subscriptionID snowflake.ID) (bool, error) {
	now := p.clock.Now()

	var invoice invoicedomain.Invoice
	collect := false
	applyOnly := false

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := p.subRepo.FindByIDForUpdate(ctx, tx, int64(subscriptionID))
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusActive || sub.CancelAtPeriodEnd || sub.CurrentPeriodEnd.After(now) {
			return errNotDue
		}

		// A deferred plan change bills the new price starting with this
		// renewal; settleAndAdvance promotes it onto the subscription.
		if sub.PendingPrice != nil {
			sub.Price = *sub.PendingPrice
		}

		resolution, err := p.discountSvc.ResolveEffectivePrice(ctx, sub, now)
		if err != nil {
			return err
		}

		periodKey := ledgerdomain.PeriodKeyFor(sub.CurrentPeriodEnd)
		inv, _, err := p.invoiceSvc.CreateRenewal(ctx, tx, invoicedomain.CreateRenewalRequest{
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			PeriodKey:      periodKey,
			Amount:         resolution.EffectivePrice,
			Currency:       sub.Currency,
			DueAt:          now,
		})
		if err != nil {
			return err
		}
		invoice = inv

		switch inv.Status {
		case invoicedomain.StatusPending:
			collect = true
		case invoicedomain.StatusPaid:
			// Paid earlier but the period never advanced (crash recovery).
			applyOnly = true
		default:
			// FAILED and OVERDUE invoices belong to the retry ladder.
			return errNotDue
		}
		return nil
	})
	if errors.Is(err, errNotDue) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if applyOnly {
		return true, p.settleAndAdvance(ctx, invoice)
	}
	if !collect {
		return false, nil
	}

	if err := p.collector.Collect(ctx, invoice); err != nil {
		return false, p.recordPaymentFailure(ctx, invoice.ID, err)
	}
	return true, p.settleAndAdvance(ctx, invoice)
}

// settleAndAdvance marks the invoice paid, rolls the subscription into its
// next period, opens the period's ledger entry and carries unused sessions
// forward when the subscription opted in.
func (p *Processor) settleAndAdvance(ctx context.Context, invoice invoicedomain.Invoice) error {
	now := p.clock.Now()

	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := p.subRepo.FindByIDForUpdate(ctx, tx, int64(invoice.SubscriptionID))
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if ledgerdomain.PeriodKeyFor(sub.CurrentPeriodStart) == invoice.PeriodKey {
			// Period already advanced; only the invoice status was lost.
			if _, err := p.invoiceSvc.MarkPaid(ctx, tx, invoice.ID); err != nil && !errors.Is(err, invoicedomain.ErrAlreadyPaid) {
				return err
			}
			return nil
		}

		if _, err := p.invoiceSvc.MarkPaid(ctx, tx, invoice.ID); err != nil && !errors.Is(err, invoicedomain.ErrAlreadyPaid) {
			return err
		}

		prevPeriodKey := ledgerdomain.PeriodKeyFor(sub.CurrentPeriodStart)
		newStart := sub.CurrentPeriodEnd
		newEnd := newStart.AddDate(0, sub.Frequency.Months(), 0)

		updates := map[string]any{
			"current_period_start": newStart,
			"current_period_end":   newEnd,
			"updated_at":           now,
		}
		if sub.PendingPrice != nil {
			updates["price"] = *sub.PendingPrice
			updates["pending_price"] = nil
			sub.Price = *sub.PendingPrice
			sub.PendingPrice = nil
		}
		if p.holder.Current().BonusExpiry == config.BonusExpiresWithPeriod && sub.BonusSessions != 0 {
			// Bonus sessions die with the period that granted them.
			updates["bonus_sessions"] = 0
			sub.BonusSessions = 0
		}
		if err := tx.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).Updates(updates).Error; err != nil {
			return err
		}
		sub.CurrentPeriodStart = newStart
		sub.CurrentPeriodEnd = newEnd

		entry, err := p.ledgerSvc.OpenPeriod(ctx, tx, sub)
		if err != nil {
			return err
		}

		if sub.TransferOnRenewal {
			if err := p.carryOver(ctx, tx, sub, prevPeriodKey, entry, now); err != nil {
				return err
			}
		}

		return p.historySvc.Record(ctx, tx, changedomain.Record{
			SubscriptionID: sub.ID.String(),
			Kind:           "subscription.renewed",
			Description:    "period advanced to " + ledgerdomain.PeriodKeyFor(newStart),
			Diffs: []changedomain.FieldDiff{
				{Field: "current_period_start", Before: invoice.PeriodKey, After: ledgerdomain.PeriodKeyFor(newStart)},
			},
		})
	})
}

// carryOver moves the previous period's unused sessions into the freshly
// opened entry. It runs at the renewal instant, after the old entry's expiry,
// which is exactly the window transfer_on_renewal exists for.
func (p *Processor) carryOver(ctx context.Context, tx *gorm.DB, sub *subscriptiondomain.Subscription, prevPeriodKey string, dest ledgerdomain.Entry, now time.Time) error {
	prev, err := p.ledgerRepo.FindBySubPeriodForUpdate(ctx, tx, int64(sub.ID), prevPeriodKey)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	qty := prev.Remaining()
	if sub.MaxTransferable > 0 && qty > sub.MaxTransferable {
		qty = sub.MaxTransferable
	}
	if qty <= 0 {
		return nil
	}

	if err := p.ledgerRepo.UpdateCounters(ctx, tx, int64(prev.ID), map[string]any{
		"total":           prev.Total - qty,
		"transferred_out": prev.TransferredOut + qty,
		"updated_at":      now,
	}); err != nil {
		return err
	}
	if err := p.ledgerRepo.UpdateCounters(ctx, tx, int64(dest.ID), map[string]any{
		"total":      dest.Total + qty,
		"updated_at": now,
	}); err != nil {
		return err
	}

	p.metrics.ObserveSessionsMoved("carryover", int64(qty))
	return p.historySvc.Record(ctx, tx, changedomain.Record{
		SubscriptionID: sub.ID.String(),
		Kind:           "session.carried_over",
		Description:    "unused sessions carried into " + dest.PeriodKey,
		Diffs: []changedomain.FieldDiff{
			{Field: "quantity", Before: 0, After: qty},
		},
	})
}

func (p *Processor) recordPaymentFailure(ctx context.Context, invoiceID snowflake.ID, cause error) error {
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := p.invoiceSvc.MarkFailed(ctx, tx, invoiceID, cause.Error())
		return err
	})
}

func (p *Processor) retryFailedJob(ctx context.Context) (int, error) {
	now := p.clock.Now()
	processed := 0
	var jobErr error

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}

		var invoices []invoicedomain.Invoice
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			invoices, err = p.invoiceSvc.ClaimRetryDue(ctx, tx, now, p.cfg.BatchSize)
			return err
		})
		if err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(invoices) == 0 {
			break
		}

		for _, invoice := range invoices {
			if ctx.Err() != nil {
				break
			}
			if err := p.retryOne(ctx, invoice); err != nil {
				jobErr = errors.Join(jobErr, err)
				continue
			}
			processed++
		}
	}

	return processed, jobErr
}

func (p *Processor) retryOne(ctx context.Context, invoice invoicedomain.Invoice) error {
	collectErr := p.collector.Collect(ctx, invoice)
	if collectErr == nil {
		// Only renewal invoices roll the period; prorations and adjustments
		// just settle.
		if invoice.Kind != invoicedomain.KindRenewal {
			return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				_, err := p.invoiceSvc.MarkPaid(ctx, tx, invoice.ID)
				if errors.Is(err, invoicedomain.ErrAlreadyPaid) {
					return nil
				}
				return err
			})
		}
		return p.settleAndAdvance(ctx, invoice)
	}

	var failed invoicedomain.Invoice
	txErr := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var markErr error
		failed, markErr = p.invoiceSvc.MarkFailed(ctx, tx, invoice.ID, collectErr.Error())
		return markErr
	})
	if txErr != nil {
		return txErr
	}
	if failed.Irrecoverable {
		// An exhausted proration charge stays parked for manual follow-up;
		// only an uncollectable renewal ends the subscription.
		if failed.Kind != invoicedomain.KindRenewal {
			return nil
		}
		return p.expireSubscription(ctx, failed.SubscriptionID, "payment retries exhausted")
	}
	return nil
}

// expireSubscription ends a subscription whose payment ladder ran out.
func (p *Processor) expireSubscription(ctx context.Context, subscriptionID snowflake.ID, motive string) error {
	now := p.clock.Now()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := p.subRepo.FindByIDForUpdate(ctx, tx, int64(subscriptionID))
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status == subscriptiondomain.StatusExpired {
			return nil
		}
		if !subscriptiondomain.IsTransitionAllowed(sub.Status, subscriptiondomain.StatusExpired) {
			return subscriptiondomain.ErrInvalidStateTransition
		}

		if err := tx.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).Updates(map[string]any{
			"status":     subscriptiondomain.StatusExpired,
			"expired_at": now,
			"updated_at": now,
		}).Error; err != nil {
			return err
		}

		return p.historySvc.Record(ctx, tx, changedomain.Record{
			SubscriptionID: sub.ID.String(),
			Kind:           "subscription.expired",
			Motive:         motive,
			Diffs: []changedomain.FieldDiff{
				{Field: "status", Before: string(sub.Status), After: string(subscriptiondomain.StatusExpired)},
			},
		})
	})
	if err != nil {
		return err
	}

	p.metrics.ObserveTransition(string(subscriptiondomain.StatusExpired))
	return nil
}

func (p *Processor) markOverdueJob(ctx context.Context) (int, error) {
	cutoff := p.clock.Now().AddDate(0, 0, -overdueGraceDays)
	count, err := p.invoiceSvc.MarkOverdue(ctx, cutoff)
	return int(count), err
}

func (p *Processor) unfreezeElapsedJob(ctx context.Context) (int, error) {
	return p.sweepSubscriptions(ctx, p.subRepo.ClaimFrozenElapsed, func(ctx context.Context, sub subscriptiondomain.Subscription) error {
		_, err := p.subscriptionSvc.Unfreeze(ctx, sub.ID.String())
		return err
	})
}

func (p *Processor) cancelDueJob(ctx context.Context) (int, error) {
	return p.sweepSubscriptions(ctx, p.subRepo.ClaimCancelDue, func(ctx context.Context, sub subscriptiondomain.Subscription) error {
		_, err := p.subscriptionSvc.Cancel(ctx, subscriptiondomain.CancelRequest{
			SubscriptionID: sub.ID.String(),
			AtPeriodEnd:    false,
			Motive:         sub.CancelMotive,
		})
		return err
	})
}

func (p *Processor) convertTrialsJob(ctx context.Context) (int, error) {
	if !p.holder.Current().TrialAutoActivate {
		return 0, nil
	}
	return p.sweepSubscriptions(ctx, p.subRepo.ClaimTrialsElapsed, p.convertTrial)
}

// convertTrial promotes an elapsed trial onto the plan's full terms and bills
// the first real period.
func (p *Processor) convertTrial(ctx context.Context, claimed subscriptiondomain.Subscription) error {
	now := p.clock.Now()

	var invoice invoicedomain.Invoice
	collect := false

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := p.subRepo.FindByIDForUpdate(ctx, tx, int64(claimed.ID))
		if err != nil {
			return err
		}
		if sub == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if sub.Status != subscriptiondomain.StatusTrial || sub.TrialEndsAt == nil || sub.TrialEndsAt.After(now) {
			return errNotDue
		}

		plan, err := p.planSvc.GetByID(ctx, sub.PlanID.String())
		if err != nil {
			return err
		}

		newStart := *sub.TrialEndsAt
		newEnd := newStart.AddDate(0, plan.Frequency.Months(), 0)

		if err := tx.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
			Where("id = ?", sub.ID).Updates(map[string]any{
			"status":               subscriptiondomain.StatusActive,
			"price":                plan.Price,
			"currency":             plan.Currency,
			"frequency":            plan.Frequency,
			"base_sessions":        plan.BaseSessions,
			"trial":                false,
			"activated_at":         now,
			"current_period_start": newStart,
			"current_period_end":   newEnd,
			"updated_at":           now,
		}).Error; err != nil {
			return err
		}

		sub.Status = subscriptiondomain.StatusActive
		sub.Price = plan.Price
		sub.Currency = plan.Currency
		sub.Frequency = plan.Frequency
		sub.BaseSessions = plan.BaseSessions
		sub.Trial = false
		sub.CurrentPeriodStart = newStart
		sub.CurrentPeriodEnd = newEnd

		if _, err := p.ledgerSvc.OpenPeriod(ctx, tx, sub); err != nil {
			return err
		}

		resolution, err := p.discountSvc.ResolveEffectivePrice(ctx, sub, now)
		if err != nil {
			return err
		}
		inv, _, err := p.invoiceSvc.CreateRenewal(ctx, tx, invoicedomain.CreateRenewalRequest{
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			PeriodKey:      ledgerdomain.PeriodKeyFor(newStart),
			Amount:         resolution.EffectivePrice,
			Currency:       sub.Currency,
			DueAt:          now,
		})
		if err != nil {
			return err
		}
		invoice = inv
		collect = inv.Status == invoicedomain.StatusPending

		return p.historySvc.Record(ctx, tx, changedomain.Record{
			SubscriptionID: sub.ID.String(),
			Kind:           "subscription.trial_converted",
			Diffs: []changedomain.FieldDiff{
				{Field: "status", Before: string(subscriptiondomain.StatusTrial), After: string(subscriptiondomain.StatusActive)},
			},
		})
	})
	if errors.Is(err, errNotDue) {
		return nil
	}
	if err != nil {
		return err
	}

	p.metrics.ObserveTransition(string(subscriptiondomain.StatusActive))

	if !collect {
		return nil
	}
	if err := p.collector.Collect(ctx, invoice); err != nil {
		return p.recordPaymentFailure(ctx, invoice.ID, err)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		_, err := p.invoiceSvc.MarkPaid(ctx, tx, invoice.ID)
		if errors.Is(err, invoicedomain.ErrAlreadyPaid) {
			return nil
		}
		return err
	})
}

func (p *Processor) archiveTerminalJob(ctx context.Context) (int, error) {
	cutoff := p.clock.Now().AddDate(0, 0, -p.holder.Current().RetentionWindowDays)
	claim := func(ctx context.Context, db *gorm.DB, _ time.Time, limit int) ([]subscriptiondomain.Subscription, error) {
		return p.subRepo.ClaimArchivable(ctx, db, cutoff, limit)
	}
	now := p.clock.Now()
	return p.sweepSubscriptions(ctx, claim, func(ctx context.Context, sub subscriptiondomain.Subscription) error {
		return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.WithContext(ctx).Model(&subscriptiondomain.Subscription{}).
				Where("id = ? AND archived_at IS NULL", sub.ID).Updates(map[string]any{
				"archived_at": now,
				"updated_at":  now,
			}).Error; err != nil {
				return err
			}
			return p.historySvc.Record(ctx, tx, changedomain.Record{
				SubscriptionID: sub.ID.String(),
				Kind:           "subscription.archived",
			})
		})
	})
}

type claimFunc func(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]subscriptiondomain.Subscription, error)

// sweepSubscriptions drains a claim query in batches, applying fn per row.
// It stops when a pass makes no progress so persistent failures cannot spin
// the loop.
func (p *Processor) sweepSubscriptions(ctx context.Context, claim claimFunc, fn func(ctx context.Context, sub subscriptiondomain.Subscription) error) (int, error) {
	now := p.clock.Now()
	processed := 0
	var jobErr error

	for {
		if ctx.Err() != nil {
			return processed, errors.Join(jobErr, ctx.Err())
		}

		var subs []subscriptiondomain.Subscription
		err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var err error
			subs, err = claim(ctx, tx, now, p.cfg.BatchSize)
			return err
		})
		if err != nil {
			return processed, errors.Join(jobErr, err)
		}
		if len(subs) == 0 {
			break
		}

		done := 0
		for _, sub := range subs {
			if ctx.Err() != nil {
				break
			}
			if err := fn(ctx, sub); err != nil {
				jobErr = errors.Join(jobErr, err)
				p.log.Warn("sweep item failed",
					zap.String("subscription_id", sub.ID.String()),
					zap.Error(err),
				)
				continue
			}
			done++
			processed++
		}
		if done == 0 {
			break
		}
	}

	return processed, jobErr
}
