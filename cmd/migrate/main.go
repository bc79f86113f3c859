package main

import (
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tokenplane/pkg/config"
	"tokenplane/pkg/db"
	"tokenplane/pkg/logger"
	"tokenplane/services/ledger"
)

func main() {
	opts := []fx.Option{
		config.Module,
		logger.Module,
		db.Module,
		fx.Invoke(migrate),
		fxLogger,
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

func migrate(gdb *gorm.DB, shutdowner fx.Shutdowner) {
	err := gdb.AutoMigrate(
		&ledger.Member{},
		&ledger.Balance{},
		&ledger.Transaction{},
	)
	if err != nil {
		zap.L().Error("migration failed", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("migration complete")
	_ = shutdowner.Shutdown()
}
