package metrics

import (
	"github.com/fitloop/cadence/internal/metrics/service"
	"go.uber.org/fx"
)

var Module = fx.Module("metrics.service",
	fx.Provide(service.NewService),
)
