package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"chatroom/cmd/internal/chatlog"
	"chatroom/cmd/internal/realtime"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override: http.addr is read
// from CHATROOM_HTTP_ADDR.
const EnvPrefix = "CHATROOM"

// Store and bus drivers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMySQL    = "mysql"

	BusLocal    = "local"
	BusPostgres = "postgres"
	BusRedis    = "redis"
	BusAMQP     = "amqp"
)

// Config is the runtime configuration of a worker.
type Config struct {
	HTTP struct {
		Addr              string        `mapstructure:"addr"`
		ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
		ReadTimeout       time.Duration `mapstructure:"read_timeout"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
		MaxHeaderBytes    int           `mapstructure:"max_header_bytes"`
	} `mapstructure:"http"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Store struct {
		Driver      string `mapstructure:"driver"`
		DSN         string `mapstructure:"dsn"`
		Schema      string `mapstructure:"schema"`
		Encoding    string `mapstructure:"encoding"`
		AutoMigrate bool   `mapstructure:"auto_migrate"`
	} `mapstructure:"store"`

	DB struct {
		MaxConns int32 `mapstructure:"max_conns"`
		MinConns int32 `mapstructure:"min_conns"`
	} `mapstructure:"db"`

	Bus struct {
		Driver  string `mapstructure:"driver"`
		URL     string `mapstructure:"url"`
		Channel string `mapstructure:"channel"`
	} `mapstructure:"bus"`

	Worker struct {
		ID string `mapstructure:"id"`
	} `mapstructure:"worker"`

	Chat struct {
		Variant string `mapstructure:"variant"`
	} `mapstructure:"chat"`

	WS struct {
		OriginRequired    bool          `mapstructure:"origin_required"`
		AllowedOrigins    []string      `mapstructure:"allowed_origins"`
		DevInsecure       bool          `mapstructure:"dev_insecure"`
		SendQueue         int           `mapstructure:"send_queue"`
		WriteTimeout      time.Duration `mapstructure:"write_timeout"`
		HelloTimeout      time.Duration `mapstructure:"hello_timeout"`
		HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
		HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
		RateEvents        int           `mapstructure:"rate_events"`
		RateWindow        time.Duration `mapstructure:"rate_window"`
		RecoveryWindow    time.Duration `mapstructure:"recovery_window"`
		RecoveryBuffer    int           `mapstructure:"recovery_buffer"`
	} `mapstructure:"ws"`

	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"tracing"`
}

// NewViper returns a viper instance with every default set and environment
// overrides enabled.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("http.addr", "0.0.0.0:8080")
	v.SetDefault("http.read_header_timeout", 5*time.Second)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.max_header_bytes", 1<<20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", StoreMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.schema", "chatroom")
	v.SetDefault("store.encoding", string(chatlog.EncodingPlain))
	v.SetDefault("store.auto_migrate", true)

	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)

	v.SetDefault("bus.driver", BusLocal)
	v.SetDefault("bus.url", "")
	v.SetDefault("bus.channel", "chatroom_events")

	v.SetDefault("worker.id", "")
	v.SetDefault("chat.variant", string(realtime.VariantRich))

	gw := realtime.DefaultGatewayConfig()
	v.SetDefault("ws.origin_required", gw.OriginRequired)
	v.SetDefault("ws.allowed_origins", gw.AllowedOrigins)
	v.SetDefault("ws.dev_insecure", false)
	v.SetDefault("ws.send_queue", gw.SendQueueSize)
	v.SetDefault("ws.write_timeout", gw.WriteTimeout)
	v.SetDefault("ws.hello_timeout", gw.HelloTimeout)
	v.SetDefault("ws.heartbeat_interval", gw.HeartbeatEvery)
	v.SetDefault("ws.heartbeat_timeout", gw.HeartbeatTimeout)
	v.SetDefault("ws.rate_events", gw.RateEvents)
	v.SetDefault("ws.rate_window", gw.RateWindow)
	v.SetDefault("ws.recovery_window", 2*time.Minute)
	v.SetDefault("ws.recovery_buffer", 256)

	v.SetDefault("tracing.enabled", false)
	return v
}

// LoadConfig reads the optional config file at path (any format viper
// understands) over the defaults of v, applies environment overrides, and
// validates the result.
func LoadConfig(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = NewViper()
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks driver names and the fields each driver needs.
func (c Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres, StoreMySQL:
		if strings.TrimSpace(c.Store.DSN) == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for store.driver=%s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Bus.Driver {
	case BusLocal:
	case BusPostgres:
		if c.Bus.URL == "" && c.Store.Driver != StorePostgres {
			errs = append(errs, errors.New("bus.driver=postgres needs bus.url or a postgres store"))
		}
	case BusRedis, BusAMQP:
		if strings.TrimSpace(c.Bus.URL) == "" {
			errs = append(errs, fmt.Errorf("bus.url is required for bus.driver=%s", c.Bus.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown bus.driver %q", c.Bus.Driver))
	}

	if _, err := chatlog.ParseEncoding(c.Store.Encoding); err != nil {
		errs = append(errs, err)
	}
	if _, err := realtime.ParseVariant(c.Chat.Variant); err != nil {
		errs = append(errs, err)
	}
	if c.DB.MinConns < 0 || (c.DB.MaxConns > 0 && c.DB.MinConns > c.DB.MaxConns) {
		errs = append(errs, fmt.Errorf("invalid db pool bounds min=%d max=%d", c.DB.MinConns, c.DB.MaxConns))
	}

	return errors.Join(errs...)
}

// GatewayConfig maps the ws.* keys onto the gateway.
func (c Config) GatewayConfig() realtime.GatewayConfig {
	return realtime.GatewayConfig{
		OriginRequired:   c.WS.OriginRequired,
		AllowedOrigins:   c.WS.AllowedOrigins,
		DevInsecure:      c.WS.DevInsecure,
		SendQueueSize:    c.WS.SendQueue,
		WriteTimeout:     c.WS.WriteTimeout,
		HelloTimeout:     c.WS.HelloTimeout,
		HeartbeatEvery:   c.WS.HeartbeatInterval,
		HeartbeatTimeout: c.WS.HeartbeatTimeout,
		RateEvents:       c.WS.RateEvents,
		RateWindow:       c.WS.RateWindow,
	}
}
