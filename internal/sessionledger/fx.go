package sessionledger

import (
	"github.com/fitloop/cadence/internal/sessionledger/repository"
	"github.com/fitloop/cadence/internal/sessionledger/service"
	"go.uber.org/fx"
)

var Module = fx.Module("sessionledger.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
