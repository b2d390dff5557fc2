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
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
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
	Minio struct {
		Endpoint   string `mapstructure:"ENDPOINT"`
		AccessKey  string `mapstructure:"ACCESS_KEY"`
		SecretKey  string `mapstructure:"SECRET_KEY"`
		Secure     bool   `mapstructure:"SECURE"`
		BucketName string `mapstructure:"BUCKET_NAME"`
	} `mapstructure:"MINIO"`
	Flagsmith struct {
		Addr   string `mapstructure:"ADDR"`
		ApiKey string `mapstructure:"API_KEY"`
	} `mapstructure:"FLAGSMITH"`
	// Pricing is the campaign cost policy. The rates mirror the product's
	// published pricing but are configuration, not business constants.
	Pricing struct {
		RewardUnitCost    float64 `mapstructure:"REWARD_UNIT_COST"`
		MonitoringDayCost float64 `mapstructure:"MONITORING_DAY_COST"`
		MultiChainPremium float64 `mapstructure:"MULTI_CHAIN_PREMIUM"`
	} `mapstructure:"PRICING"`
	Scoring struct {
		OracleURL      string        `mapstructure:"ORACLE_URL"`
		AttemptTimeout time.Duration `mapstructure:"ATTEMPT_TIMEOUT"`
		MaxAttempts    int           `mapstructure:"MAX_ATTEMPTS"`
		BackoffBase    time.Duration `mapstructure:"BACKOFF_BASE"`
	} `mapstructure:"SCORING"`
	ContentSource struct {
		BaseURL string `mapstructure:"BASE_URL"`
	} `mapstructure:"CONTENT_SOURCE"`
	Issuance struct {
		RelayerURL      string        `mapstructure:"RELAYER_URL"`
		AttemptTimeout  time.Duration `mapstructure:"ATTEMPT_TIMEOUT"`
		AttemptCap      int           `mapstructure:"ATTEMPT_CAP"`
		ReconcileDelay  time.Duration `mapstructure:"RECONCILE_DELAY"`
		WorkersPerChain int           `mapstructure:"WORKERS_PER_CHAIN"`
	} `mapstructure:"ISSUANCE"`
	Settlement struct {
		GraceWindow time.Duration `mapstructure:"GRACE_WINDOW"`
	} `mapstructure:"SETTLEMENT"`
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

	setDefaults()

	if err := config.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			zap.L().Error("failed to read config file", zap.Error(err))
			os.Exit(1)
		}
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		overlaySecrets(p.Vault, &cfg)
	}

	return &cfg
}

func setDefaults() {
	config.SetDefault("PRICING.REWARD_UNIT_COST", 0.001)
	config.SetDefault("PRICING.MONITORING_DAY_COST", 0.01)
	config.SetDefault("PRICING.MULTI_CHAIN_PREMIUM", 0.5)

	config.SetDefault("SCORING.ATTEMPT_TIMEOUT", 30*time.Second)
	config.SetDefault("SCORING.MAX_ATTEMPTS", 3)
	config.SetDefault("SCORING.BACKOFF_BASE", 2*time.Second)

	config.SetDefault("ISSUANCE.ATTEMPT_TIMEOUT", 45*time.Second)
	config.SetDefault("ISSUANCE.ATTEMPT_CAP", 5)
	config.SetDefault("ISSUANCE.RECONCILE_DELAY", 2*time.Minute)
	config.SetDefault("ISSUANCE.WORKERS_PER_CHAIN", 4)

	config.SetDefault("SETTLEMENT.GRACE_WINDOW", 15*time.Minute)
}

func overlaySecrets(client *vault.Client, cfg *Config) {
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
	cfg.Minio.SecretKey = get("minio_secret_key")
	cfg.Flagsmith.ApiKey = get("flagsmith_api_key")
}
