package ingest

import (
	"go.uber.org/fx"
)

var Module = fx.Module("ingest.module",
	fx.Provide(
		NewService,
		NewHandler,
	),
	fx.Invoke(RegisterRoutes),
)
