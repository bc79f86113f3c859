package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tokenplane/pkg/config"
	"tokenplane/pkg/db"
	"tokenplane/pkg/logger"
	"tokenplane/pkg/task"
	"tokenplane/services/ledger"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		db.Module,
		fx.Provide(
			provideSnowflakeNode,
			ledger.NewService,
		),
		ledger.TaskModule,
		task.Server,
		fx.Invoke(registerHandlers),
		fxLogger,
	)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func registerHandlers(mux *asynq.ServeMux, t *ledger.Task) {
	mux.HandleFunc(ledger.ReconcileTask, t.HandleReconcileTask)
}
