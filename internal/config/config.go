package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "INVENTORY"

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Store       StoreConfig       `mapstructure:"store"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Collections CollectionsConfig `mapstructure:"collections"`
	LiveQuery   LiveQueryConfig   `mapstructure:"live_query"`
	Ledger      LedgerConfig      `mapstructure:"ledger"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Log         LogConfig         `mapstructure:"log"`
}

type ServerConfig struct {
	HTTPAddr        string        `mapstructure:"http_addr"`
	GRPCAddr        string        `mapstructure:"grpc_addr"`
	Mode            string        `mapstructure:"mode"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	StreamLimit     int           `mapstructure:"stream_limit"`
	Heartbeat       time.Duration `mapstructure:"heartbeat"`
}

// StoreConfig selects the backing store. Driver is memory, sqlite or
// mysql.
type StoreConfig struct {
	Driver           string        `mapstructure:"driver"`
	SQLitePath       string        `mapstructure:"sqlite_path"`
	SQLitePoolSize   int           `mapstructure:"sqlite_pool_size"`
	MySQLDSN         string        `mapstructure:"mysql_dsn"`
	MaxOpenConns     int           `mapstructure:"max_open_conns"`
	MaxIdleConns     int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime  time.Duration `mapstructure:"conn_max_lifetime"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	// BackstopInterval is the change_log poll kept alongside Redis.
	BackstopInterval time.Duration `mapstructure:"backstop_interval"`
	ChangeLogTTL     time.Duration `mapstructure:"change_log_ttl"`
}

// RedisConfig enables the Redis change feed for the mysql store when
// Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	PoolSize int    `mapstructure:"pool_size"`
	Prefix   string `mapstructure:"prefix"`
}

type AuthConfig struct {
	DeviceID      string        `mapstructure:"device_id"`
	Token         string        `mapstructure:"token"`
	Secret        string        `mapstructure:"secret"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	Where         string        `mapstructure:"where"`
	// RequireToken protects the HTTP API with DeviceAuth.
	RequireToken bool `mapstructure:"require_token"`
}

type CollectionsConfig struct {
	Items        string `mapstructure:"items"`
	Movements    string `mapstructure:"movements"`
	Locations    string `mapstructure:"locations"`
	MovementKeys string `mapstructure:"movement_keys"`
	Diagnostics  string `mapstructure:"diagnostics"`
}

type LiveQueryConfig struct {
	RetryBudget    int           `mapstructure:"retry_budget"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	SafetyLimit    int           `mapstructure:"safety_limit"`
}

type LedgerConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffInitial time.Duration `mapstructure:"backoff_initial"`
}

type CatalogConfig struct {
	LowStockThreshold int64  `mapstructure:"low_stock_threshold"`
	ReportTimezone    string `mapstructure:"report_timezone"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("server.grpc_addr", ":50051")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.stream_limit", 50)
	v.SetDefault("server.heartbeat", 30*time.Second)

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "inventory.db")
	v.SetDefault("store.sqlite_pool_size", 4)
	v.SetDefault("store.max_open_conns", 50)
	v.SetDefault("store.max_idle_conns", 25)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("store.poll_interval", 500*time.Millisecond)
	v.SetDefault("store.backstop_interval", 5*time.Second)
	v.SetDefault("store.change_log_ttl", 24*time.Hour)
	v.SetDefault("store.mysql_dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 20)
	v.SetDefault("redis.prefix", "inventory:")

	v.SetDefault("auth.device_id", "")
	v.SetDefault("auth.token", "")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.where", "")
	v.SetDefault("auth.require_token", false)
	v.SetDefault("auth.timeout", 10*time.Second)
	v.SetDefault("auth.retry_interval", 250*time.Millisecond)

	v.SetDefault("collections.items", "items")
	v.SetDefault("collections.movements", "movements")
	v.SetDefault("collections.locations", "locations")
	v.SetDefault("collections.movement_keys", "movementKeys")
	v.SetDefault("collections.diagnostics", "__diag")

	v.SetDefault("live_query.retry_budget", 5)
	v.SetDefault("live_query.backoff_initial", 100*time.Millisecond)
	v.SetDefault("live_query.backoff_max", 3*time.Second)
	v.SetDefault("live_query.safety_limit", 500)

	v.SetDefault("ledger.max_attempts", 10)
	v.SetDefault("ledger.backoff_initial", 5*time.Millisecond)

	v.SetDefault("catalog.low_stock_threshold", 3)
	v.SetDefault("catalog.report_timezone", "UTC")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// flagKeys binds command-line flags to config keys.
var flagKeys = map[string]string{
	"http-addr":   "server.http_addr",
	"grpc-addr":   "server.grpc_addr",
	"store":       "store.driver",
	"sqlite-path": "store.sqlite_path",
	"mysql-dsn":   "store.mysql_dsn",
	"redis-addr":  "redis.addr",
	"device-id":   "auth.device_id",
	"log-level":   "log.level",
}

// Flags returns the flag set understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config", "", "path to a YAML config file")
	fs.String("http-addr", "", "HTTP listen address")
	fs.String("grpc-addr", "", "gRPC listen address")
	fs.String("store", "", "backing store: memory, sqlite or mysql")
	fs.String("sqlite-path", "", "SQLite database file")
	fs.String("mysql-dsn", "", "MySQL data source name")
	fs.String("redis-addr", "", "Redis address for the change feed")
	fs.String("device-id", "", "device id used for anonymous sign-in")
	fs.String("log-level", "", "debug, info, warn or error")
	return fs
}

// Load reads configuration from defaults, the optional config file, the
// INVENTORY_* environment and the parsed flags, in increasing priority.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := ""
	if fs != nil {
		path, _ = fs.GetString("config")
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("failed to bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "mysql":
		if c.Store.MySQLDSN == "" {
			return errors.New("config: store.mysql_dsn is required for the mysql driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Auth.RequireToken && c.Auth.Secret == "" {
		return errors.New("config: auth.require_token needs auth.secret")
	}
	if c.Auth.Token != "" && c.Auth.Secret == "" {
		return errors.New("config: auth.token needs auth.secret to verify it")
	}
	if c.Catalog.LowStockThreshold < 0 {
		return errors.New("config: catalog.low_stock_threshold must not be negative")
	}
	return nil
}
