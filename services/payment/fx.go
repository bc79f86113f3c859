package payment

import (
	"go.uber.org/fx"

	"tokenplane/services/settlement"
)

var Module = fx.Module("payment.service",
	fx.Provide(
		func(svc *settlement.Service) Settler { return svc },
		NewNoticeStore,
		NewController,
	),
	fx.Invoke(registerRoutes),
)
