package settings

import (
	"connectreward/services/ledger"
	"connectreward/services/plan"

	"go.uber.org/fx"
)

var Module = fx.Module("settings.service",
	fx.Provide(
		NewService,
		func(s *Service) ledger.ThresholdsResolver { return s },
		func(s *Service) plan.Resolver { return s },
	),
)
