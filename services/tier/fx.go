package tier

import (
	"tokenplane/pkg/config"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tier",
	fx.Provide(provideTable, NewCalculator),
)

func provideTable(cfg *config.Config) (Table, error) {
	table, err := FromConfig(cfg.Loyalty.Tiers)
	if err != nil {
		zap.L().Error("invalid tier table", zap.Error(err))
		return Table{}, err
	}

	zap.L().Info("tier table loaded", zap.Int("tiers", len(table.tiers)))
	return table, nil
}
