package award

import (
	"connectreward/services/settings"

	"go.uber.org/fx"
)

var Module = fx.Module("award.engine",
	fx.Provide(
		NewEngine,
		func(s *settings.Service) Settings { return s },
	),
)
