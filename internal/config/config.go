package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	DB        DBConfig        `mapstructure:"db"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Events    EventsConfig    `mapstructure:"events"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

func (c AppConfig) Production() bool {
	return c.Env == "production"
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type DBConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite or postgres
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type LedgerConfig struct {
	Driver          string        `mapstructure:"driver"` // memory or ethereum
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	SignerURL       string        `mapstructure:"signer_url"`
	Operator        string        `mapstructure:"operator"`
	ConfirmInterval time.Duration `mapstructure:"confirm_interval"`
	ConfirmAttempts int           `mapstructure:"confirm_attempts"`
}

// ConfirmWindow is how long a bid may sit unconfirmed before reconciliation
// stops waiting for its request: twice the receipt polling budget.
func (l LedgerConfig) ConfirmWindow() time.Duration {
	return 2 * l.ConfirmInterval * time.Duration(l.ConfirmAttempts)
}

type ReconcileConfig struct {
	Interval     time.Duration `mapstructure:"interval"`
	RetryCeiling int           `mapstructure:"retry_ceiling"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type EventsConfig struct {
	RedisAddr    string `mapstructure:"redis_addr"`
	RedisChannel string `mapstructure:"redis_channel"`
	NATSURL      string `mapstructure:"nats_url"`
	NATSSubject  string `mapstructure:"nats_subject"`
}

type AuthConfig struct {
	JWTSecret     string        `mapstructure:"jwt_secret"`
	TokenTTL      time.Duration `mapstructure:"token_ttl"`
	InternalToken string        `mapstructure:"internal_token"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// Load reads path (if set) and ESCROW_* environment variables over the defaults.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("db.driver", "sqlite")
	v.SetDefault("db.dsn", "escrow.db")
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("ledger.driver", "memory")
	v.SetDefault("ledger.rpc_url", "")
	v.SetDefault("ledger.contract_address", "")
	v.SetDefault("ledger.signer_url", "")
	v.SetDefault("ledger.operator", "")
	v.SetDefault("ledger.confirm_interval", "1s")
	v.SetDefault("ledger.confirm_attempts", 30)
	v.SetDefault("reconcile.interval", "5s")
	v.SetDefault("reconcile.retry_ceiling", 5)
	v.SetDefault("reconcile.concurrency", 8)
	v.SetDefault("events.redis_addr", "")
	v.SetDefault("events.redis_channel", "escrow:events")
	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.nats_subject", "escrow.events")
	v.SetDefault("auth.jwt_secret", "klear-secret-key")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("auth.internal_token", "")
	v.SetDefault("auth.rate_limit", 10)
	v.SetDefault("auth.rate_burst", 20)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DB.Driver {
	case "sqlite", "postgres":
	default:
		return errors.New("db.driver must be sqlite or postgres")
	}
	switch c.Ledger.Driver {
	case "memory":
	case "ethereum":
		if c.Ledger.RPCURL == "" || c.Ledger.ContractAddress == "" {
			return errors.New("ledger.rpc_url and ledger.contract_address are required for the ethereum ledger")
		}
	default:
		return errors.New("ledger.driver must be memory or ethereum")
	}
	if c.App.Production() && c.Auth.JWTSecret == "klear-secret-key" {
		return errors.New("auth.jwt_secret must be set in production")
	}
	return nil
}
