package invoice

import (
	"github.com/fitloop/cadence/internal/invoice/repository"
	"github.com/fitloop/cadence/internal/invoice/service"
	"go.uber.org/fx"
)

var Module = fx.Module("invoice.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
