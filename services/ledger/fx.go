package ledger

import (
	"go.uber.org/fx"
)

var Module = fx.Module("ledger.service",
	fx.Provide(NewService),
	fx.Invoke(registerRoutes),
)

var TaskModule = fx.Module("task.ledger",
	fx.Provide(NewTask),
)
