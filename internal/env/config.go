package env

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"

	"github.com/luma/herald/protocol"
)

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 7379
	DefaultHTTPPort       = 7378
	DefaultConnectTimeout = 2 * time.Second
	DefaultLogLevel       = "info"
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Host           string        `env:"HERALD_HOST"`
	Port           int           `env:"HERALD_PORT"`
	HTTPPort       int           `env:"HERALD_HTTP_PORT"`
	ConnectTimeout time.Duration `env:"HERALD_CONNECT_TIMEOUT"`
	Dialect        string        `env:"HERALD_DIALECT"`
	LogLevel       string        `env:"HERALD_LOG_LEVEL"`
	Reuseport      bool          `env:"HERALD_REUSEPORT"`
	DebugHTTP      bool          `env:"HERALD_DEBUG_HTTP"`
}

// fileConfig is the layout of the optional TOML config file.
type fileConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	HTTPPort       int    `toml:"http_port"`
	ConnectTimeout string `toml:"connect_timeout"`
	Dialect        string `toml:"dialect"`
	LogLevel       string `toml:"log_level"`
	Reuseport      bool   `toml:"reuseport"`
	DebugHTTP      bool   `toml:"debug_http"`
}

func DefaultConfig() Config {
	return Config{
		Host:           DefaultHost,
		Port:           DefaultPort,
		HTTPPort:       DefaultHTTPPort,
		ConnectTimeout: DefaultConnectTimeout,
		Dialect:        protocol.Binary.Name(),
		LogLevel:       DefaultLogLevel,
	}
}

// LoadConfig layers the config file at path (skipped when empty), then
// .env.local, then the process environment over the defaults.
func LoadConfig(ctx context.Context, path string) (*Config, error) {
	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env.local: %w", err)
		}
	}

	return LoadConfigWith(ctx, path, envconfig.OsLookuper())
}

// LoadConfigWith is LoadConfig reading variables from lookuper instead of
// the process environment and .env.local.
func LoadConfigWith(ctx context.Context, path string, lookuper envconfig.Lookuper) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := envconfig.ProcessWith(ctx, &config, lookuper); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyFile(path string) error {
	var raw fileConfig

	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("failed to load config file %s: %w", path, err)
	}

	if meta.IsDefined("host") {
		c.Host = strings.TrimSpace(raw.Host)
	}
	if meta.IsDefined("port") {
		c.Port = raw.Port
	}
	if meta.IsDefined("http_port") {
		c.HTTPPort = raw.HTTPPort
	}
	if meta.IsDefined("connect_timeout") {
		timeout, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return fmt.Errorf("connect_timeout in %s: %v: %w", path, err, ErrInvalidConfig)
		}
		c.ConnectTimeout = timeout
	}
	if meta.IsDefined("dialect") {
		c.Dialect = strings.TrimSpace(raw.Dialect)
	}
	if meta.IsDefined("log_level") {
		c.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("reuseport") {
		c.Reuseport = raw.Reuseport
	}
	if meta.IsDefined("debug_http") {
		c.DebugHTTP = raw.DebugHTTP
	}

	return nil
}

func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is empty: %w", ErrInvalidConfig)
	}

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range: %w", c.Port, ErrInvalidConfig)
	}

	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http port %d out of range: %w", c.HTTPPort, ErrInvalidConfig)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("connect timeout must be positive, got %s: %w", c.ConnectTimeout, ErrInvalidConfig)
	}

	if _, err := c.ProtocolDialect(); err != nil {
		return err
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}

	return nil
}

func (c *Config) ProtocolDialect() (protocol.Dialect, error) {
	return protocol.ParseDialect(c.Dialect)
}
