package renewal

import (
	"context"

	"github.com/fitloop/cadence/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("renewal",
	fx.Provide(ProvideConfig),
	fx.Provide(New),
	fx.Invoke(Run),
)

func Run(lc fx.Lifecycle, cfg config.Config, proc *Processor) {
	if !cfg.SchedulerEnabled {
		return
	}

	runCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go proc.RunForever(runCtx)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}
