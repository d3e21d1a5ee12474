// Package server wires every feature service into one gin HTTP surface.
package server

import (
	"context"
	"net/http"
	"time"

	changedomain "github.com/fitloop/cadence/internal/changehistory/domain"
	"github.com/fitloop/cadence/internal/config"
	discountdomain "github.com/fitloop/cadence/internal/discount/domain"
	exportdomain "github.com/fitloop/cadence/internal/export/domain"
	invoicedomain "github.com/fitloop/cadence/internal/invoice/domain"
	metricsdomain "github.com/fitloop/cadence/internal/metrics/domain"
	plandomain "github.com/fitloop/cadence/internal/plan/domain"
	"github.com/fitloop/cadence/internal/renewal"
	ledgerdomain "github.com/fitloop/cadence/internal/sessionledger/domain"
	subscriptiondomain "github.com/fitloop/cadence/internal/subscription/domain"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(log))
	r.Use(ActorMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	log    *zap.Logger

	planSvc         plandomain.Service
	subscriptionSvc subscriptiondomain.Service
	ledgerSvc       ledgerdomain.Service
	invoiceSvc      invoicedomain.Service
	discountSvc     discountdomain.Service
	metricsSvc      metricsdomain.Service
	exportSvc       exportdomain.Service
	historySvc      changedomain.Service
	renewalProc     *renewal.Processor
}

type ServerParams struct {
	fx.In

	Gin *gin.Engine
	Cfg config.Config
	Log *zap.Logger

	PlanSvc         plandomain.Service
	SubscriptionSvc subscriptiondomain.Service
	LedgerSvc       ledgerdomain.Service
	InvoiceSvc      invoicedomain.Service
	DiscountSvc     discountdomain.Service
	MetricsSvc      metricsdomain.Service
	ExportSvc       exportdomain.Service
	HistorySvc      changedomain.Service
	RenewalProc     *renewal.Processor `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	s := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		log:             p.Log.Named("http.server"),
		planSvc:         p.PlanSvc,
		subscriptionSvc: p.SubscriptionSvc,
		ledgerSvc:       p.LedgerSvc,
		invoiceSvc:      p.InvoiceSvc,
		discountSvc:     p.DiscountSvc,
		metricsSvc:      p.MetricsSvc,
		exportSvc:       p.ExportSvc,
		historySvc:      p.HistorySvc,
		renewalProc:     p.RenewalProc,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	v1 := s.engine.Group("/v1")

	plans := v1.Group("/plans")
	plans.POST("", s.createPlan)
	plans.GET("", s.listPlans)
	plans.GET("/:id", s.getPlan)
	plans.DELETE("/:id", s.deactivatePlan)

	subs := v1.Group("/subscriptions")
	subs.POST("", s.createSubscription)
	subs.GET("", s.listSubscriptions)
	subs.GET("/:id", s.getSubscription)
	subs.POST("/:id/activate", s.activateSubscription)
	subs.POST("/:id/freeze", s.freezeSubscription)
	subs.POST("/:id/unfreeze", s.unfreezeSubscription)
	subs.POST("/:id/pause", s.pauseSubscription)
	subs.POST("/:id/resume", s.resumeSubscription)
	subs.POST("/:id/cancel", s.cancelSubscription)
	subs.POST("/:id/change-plan", s.changePlan)
	subs.PUT("/:id/transfer-config", s.setTransferConfig)
	subs.GET("/:id/ledger", s.listLedger)
	subs.GET("/:id/history", s.listHistory)

	groups := v1.Group("/groups")
	groups.POST("", s.createGroup)
	groups.POST("/:id/members", s.addGroupMember)
	groups.DELETE("/:id/members/:customer_id", s.removeGroupMember)

	sessions := v1.Group("/sessions")
	sessions.POST("/consume", s.consumeSessions)
	sessions.POST("/bonus", s.grantBonus)
	sessions.POST("/adjust", s.adjustSessions)
	sessions.POST("/transfer", s.transferSessions)
	sessions.GET("/expiring", s.listExpiringSessions)

	invoices := v1.Group("/invoices")
	invoices.GET("/failed", s.listFailedInvoices)
	invoices.GET("/upcoming", s.listUpcomingInvoices)
	invoices.GET("/:id", s.getInvoice)

	discounts := v1.Group("/discounts")
	discounts.POST("", s.applyDiscount)
	discounts.GET("", s.listDiscounts)
	discounts.DELETE("/:id", s.removeDiscount)

	// Manual trigger for operators; the interval runner is the normal driver.
	if s.renewalProc != nil {
		v1.POST("/renewals/run", s.runRenewals)
	}

	reports := v1.Group("/reports")
	reports.GET("/mrr", s.reportMRR)
	reports.GET("/churn", s.reportChurn)
	reports.GET("/ltv", s.reportLTV)
	reports.GET("/projection", s.reportProjection)
	reports.GET("/export.csv", s.exportCSV)
}

func (s *Server) runRenewals(c *gin.Context) {
	if err := s.renewalProc.RunOnce(c.Request.Context()); err != nil {
		s.log.Warn("manual renewal run finished with errors", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"status": "completed_with_errors", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed"})
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server starting", zap.String("addr", cfg.HTTPAddr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
