package main

import (
	"log"
	"os"

	"github.com/bwmarrin/snowflake"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"tokenplane/pkg/config"
	"tokenplane/pkg/db"
	"tokenplane/pkg/logger"
	"tokenplane/pkg/redis"
	"tokenplane/pkg/secretmanager"
	"tokenplane/pkg/sequence"
	"tokenplane/pkg/server"
	"tokenplane/pkg/task"
	"tokenplane/services/ledger"
	"tokenplane/services/payment"
	"tokenplane/services/settlement"
	"tokenplane/services/tier"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		task.Client,
		sequence.Module,
		fx.Provide(
			provideTracerProvider,
			provideSnowflakeNode,
		),
		tier.Module,
		ledger.Module,
		settlement.Module,
		payment.Module,
		server.ProvideHTTPServer,
		fxLogger,
	}

	if os.Getenv("VAULT_ADDR") != "" {
		opts = append([]fx.Option{secretmanager.Module}, opts...)
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)

	app.Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideTracerProvider() trace.TracerProvider {
	return otel.GetTracerProvider()
}

func provideSnowflakeNode() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
