package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"belief-market/internal/curve"
)

type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	DB         DBConfig         `mapstructure:"db"`
	Lock       LockConfig       `mapstructure:"lock"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
	Curve      curve.Params     `mapstructure:"curve"`
	Estimator  EstimatorConfig  `mapstructure:"estimator"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Cron       CronConfig       `mapstructure:"cron"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr  string `mapstructure:"http_addr"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
}

// DBConfig selects Postgres when DSN is set, the in-memory store otherwise.
type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LockConfig struct {
	Backend   string        `mapstructure:"backend"` // postgres | redis | local
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type LedgerConfig struct {
	AuthoritySeed    string        `mapstructure:"authority_seed"`
	FactoryAuthority string        `mapstructure:"factory_authority"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RatePerSecond    float64       `mapstructure:"rate_per_second"`
	Burst            int           `mapstructure:"burst"`
	ConfirmAfter     int           `mapstructure:"confirm_after"`
}

type EstimatorConfig struct {
	Tolerance     float64 `mapstructure:"tolerance"`
	MaxIterations int     `mapstructure:"max_iterations"`
}

type SettlementConfig struct {
	MinInterval time.Duration `mapstructure:"min_interval"`
}

type CronConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Epoch   string `mapstructure:"epoch"`
}

// Load reads .env (if present), then the YAML file at path unless envOnly,
// with BELIEF_MARKET_* environment variables taking precedence.
func Load(path string, envOnly bool) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BELIEF_MARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":4000")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.migrations_dir", "migrations")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.conn_max_lifetime", "5m")
	v.SetDefault("lock.backend", "local")
	v.SetDefault("lock.redis_addr", "localhost:6379")
	v.SetDefault("lock.redis_db", 0)
	v.SetDefault("lock.ttl", "30s")
	v.SetDefault("ledger.authority_seed", "")
	v.SetDefault("ledger.factory_authority", "")
	v.SetDefault("ledger.timeout", "30s")
	v.SetDefault("ledger.rate_per_second", 5.0)
	v.SetDefault("ledger.burst", 5)
	v.SetDefault("ledger.confirm_after", 0)
	v.SetDefault("curve.lambda", curve.DefaultParams.Lambda)
	v.SetDefault("curve.f", curve.DefaultParams.F)
	v.SetDefault("curve.beta", curve.DefaultParams.Beta)
	v.SetDefault("estimator.tolerance", 0.01)
	v.SetDefault("estimator.max_iterations", 64)
	v.SetDefault("settlement.min_interval", "1h")
	v.SetDefault("cron.enabled", false)
	v.SetDefault("cron.epoch", "0 0 * * * *")

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Server.HTTPAddr == "" {
		errs = append(errs, errors.New("server.http_addr is required"))
	}
	if len(c.Server.JWTSecret) < 32 {
		errs = append(errs, errors.New("server.jwt_secret must be at least 32 characters"))
	}
	switch c.Lock.Backend {
	case "local", "redis":
	case "postgres":
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("lock.backend postgres requires db.dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q: want postgres, redis or local", c.Lock.Backend))
	}
	if c.Lock.Backend == "redis" && c.Lock.RedisAddr == "" {
		errs = append(errs, errors.New("lock.redis_addr is required for the redis backend"))
	}
	if c.Ledger.AuthoritySeed == "" {
		errs = append(errs, errors.New("ledger.authority_seed is required"))
	}
	if c.Ledger.Timeout <= 0 {
		errs = append(errs, errors.New("ledger.timeout must be positive"))
	}
	if c.Ledger.RatePerSecond < 0 || c.Ledger.Burst < 0 {
		errs = append(errs, errors.New("ledger.rate_per_second and ledger.burst must not be negative"))
	}
	if err := c.Curve.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("curve: %w", err))
	}
	if !(c.Estimator.Tolerance > 0) {
		errs = append(errs, errors.New("estimator.tolerance must be positive"))
	}
	if c.Estimator.MaxIterations <= 0 {
		errs = append(errs, errors.New("estimator.max_iterations must be positive"))
	}
	if c.Settlement.MinInterval < 0 {
		errs = append(errs, errors.New("settlement.min_interval must not be negative"))
	}
	return errors.Join(errs...)
}
