package movement

import (
	"go.uber.org/fx"
)

var Module = fx.Module("movement",
	fx.Provide(NewService),
)
