package config

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var config = viper.New()

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`

	// Loyalty holds the tier table and pricing knobs. The table is validated
	// and frozen at startup; there is no runtime mutation path.
	Loyalty struct {
		Tiers          []TierConfig `mapstructure:"TIERS"`
		DiscountFactor float64      `mapstructure:"DISCOUNT_FACTOR"`
		TokenPrice     float64      `mapstructure:"TOKEN_PRICE"`
	} `mapstructure:"LOYALTY"`
	Settlement struct {
		CommitTimeout time.Duration `mapstructure:"COMMIT_TIMEOUT"`
		MaxRetries    int           `mapstructure:"MAX_RETRIES"`
		RetryDelay    time.Duration `mapstructure:"RETRY_DELAY"`
		// RetryBackoff grows the delay by its own value after every failed
		// attempt. Zero keeps the delay fixed.
		RetryBackoff time.Duration `mapstructure:"RETRY_BACKOFF"`
		NoticeTTL    time.Duration `mapstructure:"NOTICE_TTL"`
	} `mapstructure:"SETTLEMENT"`
}

// TierConfig is one row of the loyalty tier table as written in config.yaml.
type TierConfig struct {
	Level           int     `mapstructure:"LEVEL"`
	Name            string  `mapstructure:"NAME"`
	MinDaysMember   int     `mapstructure:"MIN_DAYS_MEMBER"`
	MinTotalSpent   float64 `mapstructure:"MIN_TOTAL_SPENT"`
	BonusMultiplier float64 `mapstructure:"BONUS_MULTIPLIER"`
	TokenBonusPct   float64 `mapstructure:"TOKEN_BONUS_PCT"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func LoadConfig(p Params) *Config {

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		zap.L().Error("failed to read config", zap.Error(err))
		os.Exit(1)
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	applyDefaults(&cfg)

	if p.Vault != nil {
		client := p.Vault
		ctx := context.Background()

		secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
		if err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}

		get := func(key string) string {
			if val, ok := secret.Data.Data[key].(string); ok {
				return val
			}
			return ""
		}

		cfg.Database.User = get("postgres_user")
		cfg.Database.Password = get("postgres_password")
		cfg.Redis.Password = get("redis_password")
	}

	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Loyalty.DiscountFactor <= 0 {
		cfg.Loyalty.DiscountFactor = 1.0
	}
	if cfg.Loyalty.TokenPrice <= 0 {
		cfg.Loyalty.TokenPrice = 1.0
	}
	if cfg.Settlement.CommitTimeout <= 0 {
		cfg.Settlement.CommitTimeout = 10 * time.Second
	}
	if cfg.Settlement.MaxRetries <= 0 {
		cfg.Settlement.MaxRetries = 3
	}
	if cfg.Settlement.RetryDelay <= 0 {
		cfg.Settlement.RetryDelay = 2 * time.Second
	}
	if cfg.Settlement.NoticeTTL <= 0 {
		cfg.Settlement.NoticeTTL = 5 * time.Minute
	}
}
