package payment

import (
	"github.com/fitloop/cadence/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.collector",
	fx.Provide(service.NewCollector),
)
