package issuance

import (
	"go.uber.org/fx"
)

var Module = fx.Module("issuance.module",
	fx.Provide(
		NewRegistry,
		NewDispatcher,
	),
)
