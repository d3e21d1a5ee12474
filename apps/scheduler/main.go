package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/fitloop/cadence/internal/changehistory"
	"github.com/fitloop/cadence/internal/clock"
	"github.com/fitloop/cadence/internal/config"
	"github.com/fitloop/cadence/internal/discount"
	"github.com/fitloop/cadence/internal/invoice"
	"github.com/fitloop/cadence/internal/joblock"
	"github.com/fitloop/cadence/internal/migration"
	obsmetrics "github.com/fitloop/cadence/internal/observability/metrics"
	"github.com/fitloop/cadence/internal/payment"
	"github.com/fitloop/cadence/internal/plan"
	"github.com/fitloop/cadence/internal/renewal"
	"github.com/fitloop/cadence/internal/sessionledger"
	"github.com/fitloop/cadence/internal/subscription"
	"github.com/fitloop/cadence/pkg/db"
	"github.com/fitloop/cadence/pkg/log"
	"go.uber.org/fx"
)

// Headless renewal runner. Deploy alongside the API when the scheduler
// should run in its own process; set SCHEDULER_ENABLED=false on the API
// instances so only one side drives the jobs.
func main() {
	app := fx.New(
		config.Module,
		log.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		joblock.Module,
		obsmetrics.Module,
		migration.Module,

		changehistory.Module,
		plan.Module,
		subscription.Module,
		sessionledger.Module,
		invoice.Module,
		discount.Module,
		payment.Module,
		renewal.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
