package eligibility

import (
	"go.uber.org/fx"
)

var Module = fx.Module("eligibility.module",
	fx.Provide(NewEvaluator),
)
