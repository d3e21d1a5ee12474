package subscription

import (
	"github.com/fitloop/cadence/internal/subscription/repository"
	"github.com/fitloop/cadence/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
