package orchestrator

import (
	"go.uber.org/fx"
)

var Module = fx.Module("orchestrator.module",
	fx.Provide(NewService),
)
