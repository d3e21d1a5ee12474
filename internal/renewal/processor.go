// Package renewal hosts the background processor that advances due
// subscriptions, retries failed invoices and sweeps lifecycle edges the API
// never touches (elapsed freezes, trial ends, retention archival).
package renewal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/actorctx"
	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	"github.com/fitloop/cadence/internal/joblock"
	obsmetrics "github.com/fitloop/cadence/internal/observability/metrics"
	paymentdomain "github.com/fitloop/cadence/internal/payment/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("renewal: invalid processor configuration")

const lockKey = "cadence:renewal:run"

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Clock  clock.Clock
	Holder *config.BillingConfigHolder

	SubRepo    subscriptiondomain.Repository
	LedgerRepo ledgerdomain.Repository

	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	LedgerSvc       ledgerdomain.Service
	DiscountSvc     discountdomain.Service
	HistorySvc      changedomain.Service
	PlanSvc         plandomain.Service

	Collector paymentdomain.Collector

	Locker  *joblock.Locker     `optional:"true"`
	Metrics *obsmetrics.Metrics `optional:"true"`
	Config  Config              `optional:"true"`
}

type Processor struct {
	db     *gorm.DB
	log    *zap.Logger
	cfg    Config
	genID  *snowflake.Node
	clock  clock.Clock
	holder *config.BillingConfigHolder

	subRepo    subscriptiondomain.Repository
	ledgerRepo ledgerdomain.Repository

	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	ledgerSvc       ledgerdomain.Service
	discountSvc     discountdomain.Service
	historySvc      changedomain.Service
	planSvc         plandomain.Service

	collector paymentdomain.Collector
	locker    *joblock.Locker
	metrics   *obsmetrics.Metrics
}

func New(p Params) (*Processor, error) {
	if p.DB == nil || p.Log == nil || p.GenID == nil || p.Clock == nil || p.Holder == nil ||
		p.SubRepo == nil || p.LedgerRepo == nil || p.SubscriptionSvc == nil || p.InvoiceSvc == nil ||
		p.LedgerSvc == nil || p.DiscountSvc == nil || p.HistorySvc == nil || p.PlanSvc == nil || p.Collector == nil {
		return nil, ErrInvalidConfig
	}
	return &Processor{
		db:              p.DB,
		log:             p.Log.Named("renewal").With(zap.String("component", "renewal")),
		cfg:             p.Config.withDefaults(),
		genID:           p.GenID,
		clock:           p.Clock,
		holder:          p.Holder,
		subRepo:         p.SubRepo,
		ledgerRepo:      p.LedgerRepo,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		ledgerSvc:       p.LedgerSvc,
		discountSvc:     p.DiscountSvc,
		historySvc:      p.HistorySvc,
		planSvc:         p.PlanSvc,
		collector:       p.Collector,
		locker:          p.Locker,
		metrics:         p.Metrics,
	}, nil
}

func (p *Processor) runJob(parent context.Context, name string, fn func(ctx context.Context) (int, error)) error {
	start := p.clock.Now()
	ctx, cancel := context.WithTimeout(parent, p.cfg.JobTimeout)
	defer cancel()

	ctx = actorctx.WithActor(ctx, "scheduler")
	processed, err := fn(ctx)

	status := "ok"
	if err != nil {
		status = "error"
	}
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		status = "timeout"
	}
	p.metrics.ObserveJobRun(name, status, processed, time.Since(start))

	if err == nil {
		return nil
	}
	if isTimeout {
		// Soft timeout: the remainder is picked up on the next tick.
		p.log.Warn("job timed out",
			zap.String("job", name),
			zap.Duration("timeout", p.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (p *Processor) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name string
		Run  func(context.Context) (int, error)
	}{
		{"renew_due", p.renewDueJob},
		{"retry_failed", p.retryFailedJob},
		{"mark_overdue", p.markOverdueJob},
		{"unfreeze_elapsed", p.unfreezeElapsedJob},
		{"cancel_due", p.cancelDueJob},
		{"convert_trials", p.convertTrialsJob},
		{"archive_terminal", p.archiveTerminalJob},
	}

	for _, job := range jobs {
		if !p.isJobEnabled(job.Name) {
			continue
		}
		err = errors.Join(err, p.runJob(parent, job.Name, job.Run))
	}

	return err
}

func (p *Processor) RunForever(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.RunInterval)
	defer ticker.Stop()

	for {
		token, acquired, err := p.locker.TryLock(ctx, lockKey, p.cfg.LockTTL)
		if err != nil {
			p.log.Warn("lease acquisition failed", zap.Error(err))
		}
		if acquired {
			if err := p.RunOnce(ctx); err != nil {
				p.log.Warn("processor run failed", zap.Error(err))
			}
			if err := p.locker.Release(ctx, lockKey, token); err != nil {
				p.log.Warn("lease release failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Processor) isJobEnabled(jobName string) bool {
	if len(p.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range p.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}
