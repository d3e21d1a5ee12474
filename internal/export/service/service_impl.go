package service

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/clock"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	exportdomain "github.com/fitloop/cadence/internal/export/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultExportLimit = 1000

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock

	DiscountSvc discountdomain.Service
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock

	discountsvc discountdomain.Service
}

func NewService(p Params) exportdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("export.service"),
		clock:       p.Clock,
		discountsvc: p.DiscountSvc,
	}
}

func (s *Service) Rows(ctx context.Context, req exportdomain.Request) ([]exportdomain.Row, error) {
	limit := req.Limit
	if limit <= 0 || limit > defaultExportLimit {
		limit = defaultExportLimit
	}

	stmt := s.db.WithContext(ctx).
		Model(&subscriptiondomain.Subscription{}).
		Where("archived_at IS NULL").
		Order("created_at desc").
		Limit(limit)
	if status := strings.TrimSpace(req.Status); status != "" {
		stmt = stmt.Where("status = ?", strings.ToUpper(status))
	}
	if trimmed := strings.TrimSpace(req.CustomerID); trimmed != "" {
		customerID, err := snowflake.ParseString(trimmed)
		if err != nil {
			return nil, subscriptiondomain.ErrInvalidCustomer
		}
		stmt = stmt.Where("customer_id = ?", customerID)
	}

	var subs []subscriptiondomain.Subscription
	if err := stmt.Find(&subs).Error; err != nil {
		return nil, err
	}

	now := s.clock.Now()
	rows := make([]exportdomain.Row, 0, len(subs))
	for i := range subs {
		sub := &subs[i]

		row := exportdomain.Row{
			SubscriptionID: sub.ID.String(),
			CustomerID:     sub.CustomerID.String(),
			PlanName:       sub.PlanName,
			Kind:           string(sub.Kind),
			Status:         string(sub.Status),
			PeriodStart:    sub.CurrentPeriodStart,
			PeriodEnd:      sub.CurrentPeriodEnd,
			Price:          sub.Price,
			EffectivePrice: sub.Price,
			Currency:       sub.Currency,
		}

		resolution, err := s.discountsvc.ResolveEffectivePrice(ctx, sub, now)
		if err == nil {
			row.EffectivePrice = resolution.EffectivePrice
		} else if !errors.Is(err, discountdomain.ErrDiscountOverlapConflict) {
			return nil, err
		}

		if err := s.fillLedgerTotals(ctx, sub.ID, &row); err != nil {
			return nil, err
		}
		if err := s.fillLastInvoice(ctx, sub.ID, &row); err != nil {
			return nil, err
		}

		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Service) fillLedgerTotals(ctx context.Context, subscriptionID snowflake.ID, row *exportdomain.Row) error {
	var totals struct {
		Total          int
		Consumed       int
		TransferredOut int
	}
	err := s.db.WithContext(ctx).Model(&ledgerdomain.Entry{}).
		Where("subscription_id = ?", subscriptionID).
		Select("COALESCE(SUM(total), 0) AS total, COALESCE(SUM(consumed), 0) AS consumed, COALESCE(SUM(transferred_out), 0) AS transferred_out").
		Scan(&totals).Error
	if err != nil {
		return err
	}
	row.SessionsTotal = totals.Total
	row.SessionsUsed = totals.Consumed
	row.SessionsLeft = totals.Total - totals.Consumed
	return nil
}

func (s *Service) fillLastInvoice(ctx context.Context, subscriptionID snowflake.ID, row *exportdomain.Row) error {
	var invoice invoicedomain.Invoice
	err := s.db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at desc").
		First(&invoice).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return err
	}
	row.LastInvoiceID = invoice.ID.String()
	row.LastStatus = string(invoice.Status)
	row.LastAmount = invoice.Amount
	row.LastPaidAt = invoice.PaidAt
	return nil
}

var csvHeader = []string{
	"subscription_id", "customer_id", "plan_name", "kind", "status",
	"period_start", "period_end", "price", "effective_price", "currency",
	"sessions_total", "sessions_used", "sessions_left",
	"last_invoice_id", "last_invoice_status", "last_invoice_amount", "last_invoice_paid_at",
}

func (s *Service) WriteCSV(ctx context.Context, w io.Writer, req exportdomain.Request) error {
	rows, err := s.Rows(ctx, req)
	if err != nil {
		return err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return err
	}
	for _, row := range rows {
		paidAt := ""
		if row.LastPaidAt != nil {
			paidAt = row.LastPaidAt.Format(time.RFC3339)
		}
		record := []string{
			row.SubscriptionID, row.CustomerID, row.PlanName, row.Kind, row.Status,
			row.PeriodStart.Format(time.RFC3339), row.PeriodEnd.Format(time.RFC3339),
			strconv.FormatInt(row.Price, 10), strconv.FormatInt(row.EffectivePrice, 10), row.Currency,
			strconv.Itoa(row.SessionsTotal), strconv.Itoa(row.SessionsUsed), strconv.Itoa(row.SessionsLeft),
			row.LastInvoiceID, row.LastStatus, strconv.FormatInt(row.LastAmount, 10), paidAt,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
