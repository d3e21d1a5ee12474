package service

import (
	"context"
	"errors"
	"time"

	"github.com/fitloop/cadence/internal/config"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	obsmetrics "github.com/fitloop/cadence/internal/observability/metrics"
	paymentdomain "github.com/fitloop/cadence/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log *zap.Logger
	Cfg *config.BillingConfigHolder

	Metrics *obsmetrics.Metrics `optional:"true"`
}

// Collector bounds every attempt with the configured timeout and retries one
// transient failure in-call. Business retries across days belong to the
// invoice ladder, not here.
type Collector struct {
	log     *zap.Logger
	cfg     *config.BillingConfigHolder
	metrics *obsmetrics.Metrics

	charge func(ctx context.Context, invoice invoicedomain.Invoice) error
}

func NewCollector(p Params) paymentdomain.Collector {
	c := &Collector{
		log:     p.Log.Named("payment.collector"),
		cfg:     p.Cfg,
		metrics: p.Metrics,
	}
	c.charge = c.recordOnly
	return c
}

func (c *Collector) Collect(ctx context.Context, invoice invoicedomain.Invoice) error {
	timeout := time.Duration(c.cfg.Current().PaymentTimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	err := c.attempt(ctx, invoice, timeout)
	if errors.Is(err, paymentdomain.ErrPaymentTimeout) {
		c.metrics.ObservePaymentAttempt("timeout")
		err = c.attempt(ctx, invoice, timeout)
	}
	if err != nil {
		outcome := "declined"
		if errors.Is(err, paymentdomain.ErrPaymentTimeout) {
			outcome = "timeout"
		}
		c.metrics.ObservePaymentAttempt(outcome)
		c.log.Warn("payment attempt failed",
			zap.String("invoice_id", invoice.ID.String()),
			zap.Int64("amount", invoice.Amount),
			zap.Error(err),
		)
		return err
	}

	c.metrics.ObservePaymentAttempt("ok")
	return nil
}

func (c *Collector) attempt(ctx context.Context, invoice invoicedomain.Invoice, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.charge(ctx, invoice) }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return paymentdomain.ErrPaymentTimeout
		}
		return ctx.Err()
	}
}

// recordOnly is the default backend: it accepts every charge and leaves the
// money movement to an external system reading the invoice table.
func (c *Collector) recordOnly(_ context.Context, invoice invoicedomain.Invoice) error {
	c.log.Info("charge recorded",
		zap.String("invoice_id", invoice.ID.String()),
		zap.String("subscription_id", invoice.SubscriptionID.String()),
		zap.Int64("amount", invoice.Amount),
		zap.String("currency", invoice.Currency),
	)
	return nil
}
