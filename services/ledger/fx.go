package ledger

import (
	"rewardplane/services/campaign"

	"go.uber.org/fx"
)

var Module = fx.Module("ledger.module",
	fx.Provide(
		NewService,
		NewHandler,
		func(s *Service) campaign.LedgerFacade { return s },
	),
	fx.Invoke(RegisterRoutes),
)
