package plan

import "go.uber.org/fx"

var Module = fx.Module("plan.guard",
	fx.Provide(NewGuard),
)
