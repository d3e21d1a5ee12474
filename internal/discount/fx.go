package discount

import (
	"github.com/fitloop/cadence/internal/discount/repository"
	"github.com/fitloop/cadence/internal/discount/service"
	"go.uber.org/fx"
)

var Module = fx.Module("discount.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
