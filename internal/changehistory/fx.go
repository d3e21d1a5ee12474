package changehistory

import (
	"github.com/fitloop/cadence/internal/changehistory/repository"
	"github.com/fitloop/cadence/internal/changehistory/service"
	"go.uber.org/fx"
)

var Module = fx.Module("changehistory.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
