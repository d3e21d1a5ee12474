package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	obsmetrics "github.com/fitloop/cadence/internal/observability/metrics"
	pkgdb "github.com/fitloop/cadence/pkg/db"
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
	Cfg   *config.BillingConfigHolder
	Repo  invoicedomain.Repository

	HistorySvc changedomain.Service

	Metrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	cfg   *config.BillingConfigHolder
	repo  invoicedomain.Repository

	historysvc changedomain.Service
	metrics    *obsmetrics.Metrics
}

func NewService(p Params) invoicedomain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("invoice.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		cfg:        p.Cfg,
		repo:       p.Repo,
		historysvc: p.HistorySvc,
		metrics:    p.Metrics,
	}
}

func (s *Service) CreateRenewal(ctx context.Context, tx *gorm.DB, req invoicedomain.CreateRenewalRequest) (invoicedomain.Invoice, bool, error) {
	invoice, created, err := s.create(ctx, tx, invoicedomain.KindRenewal, req.SubscriptionID, req.CustomerID, req.PeriodKey, req.Amount, req.Currency, req.DueAt)
	if err != nil {
		return invoicedomain.Invoice{}, false, err
	}
	if created {
		s.metrics.ObserveInvoice(string(invoicedomain.KindRenewal), string(invoice.Status), invoice.Amount)
	}
	return invoice, created, nil
}

func (s *Service) CreateProration(ctx context.Context, tx *gorm.DB, req invoicedomain.CreateProrationRequest) (invoicedomain.Invoice, error) {
	invoice, created, err := s.create(ctx, tx, invoicedomain.KindProration, req.SubscriptionID, req.CustomerID, req.PeriodKey, req.Amount, req.Currency, req.DueAt)
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if created {
		s.metrics.ObserveInvoice(string(invoicedomain.KindProration), string(invoice.Status), invoice.Amount)
	}
	return invoice, nil
}

// create inserts under the unique (subscription, kind, period) index and falls
// back to the existing row on a duplicate key, which is what makes invoice
// creation safe to re-run.
func (s *Service) create(ctx context.Context, tx *gorm.DB, kind invoicedomain.InvoiceKind, subscriptionID, customerID snowflake.ID, periodKey string, amount int64, currency string, dueAt time.Time) (invoicedomain.Invoice, bool, error) {
	if tx == nil {
		tx = s.db
	}
	periodKey = strings.TrimSpace(periodKey)
	if subscriptionID == 0 || periodKey == "" {
		return invoicedomain.Invoice{}, false, invoicedomain.ErrInvalidInvoice
	}
	if amount == 0 {
		return invoicedomain.Invoice{}, false, invoicedomain.ErrInvalidAmount
	}

	now := s.clock.Now()
	status := invoicedomain.StatusPending
	var paidAt *time.Time
	if amount < 0 {
		// A net credit needs no collection.
		status = invoicedomain.StatusPaid
		paidAt = &now
	}

	invoice := invoicedomain.Invoice{
		ID:             s.genID.Generate(),
		SubscriptionID: subscriptionID,
		CustomerID:     customerID,
		Kind:           kind,
		PeriodKey:      periodKey,
		Amount:         amount,
		Currency:       strings.ToUpper(strings.TrimSpace(currency)),
		Status:         status,
		DueAt:          dueAt,
		PaidAt:         paidAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	err := s.repo.Insert(ctx, tx, &invoice)
	if err == nil {
		return invoice, true, nil
	}
	if !pkgdb.IsDuplicateKeyErr(err) {
		return invoicedomain.Invoice{}, false, err
	}

	existing, err := s.repo.FindBySubKindPeriod(ctx, tx, int64(subscriptionID), kind, periodKey)
	if err != nil {
		return invoicedomain.Invoice{}, false, err
	}
	if existing == nil {
		return invoicedomain.Invoice{}, false, invoicedomain.ErrInvoiceNotFound
	}
	return *existing, false, nil
}

func (s *Service) MarkPaid(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (invoicedomain.Invoice, error) {
	if tx == nil {
		tx = s.db
	}

	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, int64(invoiceID))
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status == invoicedomain.StatusPaid {
		return *invoice, invoicedomain.ErrAlreadyPaid
	}

	now := s.clock.Now()
	if err := s.repo.Update(ctx, tx, int64(invoiceID), map[string]any{
		"status":         invoicedomain.StatusPaid,
		"paid_at":        now,
		"next_retry_at":  nil,
		"failure_reason": "",
		"updated_at":     now,
	}); err != nil {
		return invoicedomain.Invoice{}, err
	}

	if err := s.historysvc.Record(ctx, tx, changedomain.Record{
		SubscriptionID: invoice.SubscriptionID.String(),
		Kind:           "invoice.paid",
		Description:    "invoice " + invoice.ID.String() + " settled",
	}); err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice.Status = invoicedomain.StatusPaid
	invoice.PaidAt = &now
	invoice.NextRetryAt = nil
	invoice.FailureReason = ""
	s.metrics.ObserveInvoice(string(invoice.Kind), string(invoicedomain.StatusPaid), invoice.Amount)
	return *invoice, nil
}

func (s *Service) MarkFailed(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID, reason string) (invoicedomain.Invoice, error) {
	if tx == nil {
		tx = s.db
	}

	invoice, err := s.repo.FindByIDForUpdate(ctx, tx, int64(invoiceID))
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	if invoice.Status == invoicedomain.StatusPaid {
		return *invoice, invoicedomain.ErrAlreadyPaid
	}

	now := s.clock.Now()
	offsets := s.cfg.Current().RetryOffsetsDays

	updates := map[string]any{
		"status":         invoicedomain.StatusFailed,
		"failure_reason": reason,
		"retry_count":    invoice.RetryCount + 1,
		"updated_at":     now,
	}

	if invoice.RetryCount < len(offsets) {
		nextRetry := now.AddDate(0, 0, offsets[invoice.RetryCount])
		updates["next_retry_at"] = nextRetry
		invoice.NextRetryAt = &nextRetry
	} else {
		// Ladder exhausted. The row stays as a permanent failure record.
		updates["next_retry_at"] = nil
		updates["irrecoverable"] = true
		invoice.NextRetryAt = nil
		invoice.Irrecoverable = true
	}

	if err := s.repo.Update(ctx, tx, int64(invoiceID), updates); err != nil {
		return invoicedomain.Invoice{}, err
	}

	if err := s.historysvc.Record(ctx, tx, changedomain.Record{
		SubscriptionID: invoice.SubscriptionID.String(),
		Kind:           "invoice.failed",
		Description:    "invoice " + invoice.ID.String() + " failed: " + reason,
		Outcome:        changedomain.OutcomeApplied,
	}); err != nil {
		return invoicedomain.Invoice{}, err
	}

	invoice.Status = invoicedomain.StatusFailed
	invoice.FailureReason = reason
	invoice.RetryCount++
	s.metrics.ObserveInvoice(string(invoice.Kind), string(invoicedomain.StatusFailed), invoice.Amount)

	if invoice.Irrecoverable {
		s.log.Warn("invoice irrecoverable",
			zap.String("invoice_id", invoice.ID.String()),
			zap.String("subscription_id", invoice.SubscriptionID.String()),
			zap.Int("retry_count", invoice.RetryCount),
		)
	}
	return *invoice, nil
}

func (s *Service) MarkOverdue(ctx context.Context, now time.Time) (int64, error) {
	return s.repo.MarkOverdueBefore(ctx, s.db, now)
}

func (s *Service) GetByID(ctx context.Context, id string) (invoicedomain.Invoice, error) {
	invoiceID, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}

	invoice, err := s.repo.FindByID(ctx, s.db, int64(invoiceID))
	if err != nil {
		return invoicedomain.Invoice{}, err
	}
	if invoice == nil {
		return invoicedomain.Invoice{}, invoicedomain.ErrInvoiceNotFound
	}
	return *invoice, nil
}

func (s *Service) ListFailed(ctx context.Context) ([]invoicedomain.Invoice, error) {
	return s.repo.ListByStatus(ctx, s.db, invoicedomain.StatusFailed)
}

func (s *Service) ListUpcoming(ctx context.Context, window time.Duration) ([]invoicedomain.Invoice, error) {
	now := s.clock.Now()
	return s.repo.ListDueBetween(ctx, s.db, now, now.Add(window))
}

func (s *Service) ClaimRetryDue(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]invoicedomain.Invoice, error) {
	if tx == nil {
		return nil, invoicedomain.ErrInvalidInvoice
	}
	return s.repo.ClaimRetryDue(ctx, tx, now, limit)
}
