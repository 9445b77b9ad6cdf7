// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"broker-gateway/internal/logging"
	"broker-gateway/internal/models"
)

// Expiry models understood by the session manager.
const (
	ExpiryFixedDuration = "fixed_duration"
	ExpiryEndOfDay      = "end_of_day"
	ExpiryRefreshToken  = "refresh_token"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig            `mapstructure:"server"`
	Cache       CacheConfig             `mapstructure:"cache"`
	Session     SessionConfig           `mapstructure:"session"`
	Store       StoreConfig             `mapstructure:"store"`
	Gateway     GatewayConfig           `mapstructure:"gateway"`
	Stream      StreamConfig            `mapstructure:"stream"`
	Instruments InstrumentsConfig       `mapstructure:"instruments"`
	Brokers     map[string]BrokerConfig `mapstructure:"brokers"`
	Logging     LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig holds HTTP API configuration.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	RateLimit         float64       `mapstructure:"rate_limit"` // per-user requests per second, 0 disables
	RateBurst         int           `mapstructure:"rate_burst"`
}

// CacheConfig holds credential cache configuration.
type CacheConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// SessionConfig holds token lifecycle configuration.
type SessionConfig struct {
	RefreshMargin  time.Duration `mapstructure:"refresh_margin"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	Timezone       string        `mapstructure:"timezone"`
}

// StoreConfig selects and configures the credential store.
type StoreConfig struct {
	Driver    string `mapstructure:"driver"` // sqlite, redis, memory
	Path      string `mapstructure:"path"`
	RedisAddr string `mapstructure:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"`
	MasterKey string `mapstructure:"master_key"`
}

// GatewayConfig holds dispatcher configuration.
type GatewayConfig struct {
	BrokerTimeout    time.Duration `mapstructure:"broker_timeout"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerCooldown  time.Duration `mapstructure:"breaker_cooldown"`
	// ReadOnly rejects order placement, modification, and cancellation.
	ReadOnly  bool   `mapstructure:"read_only"`
	AuditFile string `mapstructure:"audit_file"` // empty disables the audit trail
}

// StreamConfig holds market data streaming configuration.
type StreamConfig struct {
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	IdleGrace        time.Duration `mapstructure:"idle_grace"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
}

// InstrumentsConfig holds symbol master configuration.
type InstrumentsConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	Snapshot        bool          `mapstructure:"snapshot"`
}

// BrokerConfig holds per-broker endpoint and session settings.
type BrokerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BaseURL         string        `mapstructure:"base_url"`
	StreamURL       string        `mapstructure:"stream_url"`
	MasterURL       string        `mapstructure:"master_url"`
	ExpiryModel     string        `mapstructure:"expiry_model"`
	SessionDuration time.Duration `mapstructure:"session_duration"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second
	RateBurst       int           `mapstructure:"rate_burst"`
	ReadRetries     int           `mapstructure:"read_retries"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	JSON       bool   `mapstructure:"json"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// LogConfig converts to the logging package configuration.
func (l LoggingConfig) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      l.Level,
		Console:    l.Console,
		JSON:       l.JSON,
		File:       l.File,
		FilePath:   l.FilePath,
		MaxSize:    l.MaxSize,
		MaxBackups: l.MaxBackups,
		MaxAge:     l.MaxAge,
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/broker-gateway"
	}
	return filepath.Join(home, ".config", "broker-gateway")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory. A missing
// config.toml is replaced by a template and defaults are used. A .env file
// in the working directory or configDir seeds GATEWAY_* variables.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}
	_ = godotenv.Load()
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	v := newViper(configDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("loading config.toml: %w", err)
		}
		if err := WriteDefault(configDir); err != nil {
			return nil, fmt.Errorf("creating config template: %w", err)
		}
	}

	cfg, err := decode(v, configDir)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration produced by defaults alone.
func Default() *Config {
	v := newViper(DefaultConfigDir())
	cfg, _ := decode(v, DefaultConfigDir())
	return cfg
}

func newViper(configDir string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, configDir)
	return v
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.heartbeat_interval", "15s")
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.rate_burst", 50)

	v.SetDefault("cache.ttl", "10m")
	v.SetDefault("cache.sweep_interval", "1m")

	v.SetDefault("session.refresh_margin", "2m")
	v.SetDefault("session.refresh_timeout", "15s")
	v.SetDefault("session.timezone", "Asia/Kolkata")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", filepath.Join(configDir, "gateway.db"))
	v.SetDefault("store.redis_addr", "localhost:6379")

	v.SetDefault("gateway.broker_timeout", "10s")
	v.SetDefault("gateway.breaker_threshold", 5)
	v.SetDefault("gateway.breaker_cooldown", "30s")
	v.SetDefault("gateway.read_only", false)
	v.SetDefault("gateway.audit_file", filepath.Join(configDir, "audit", "audit.log"))

	v.SetDefault("stream.subscriber_buffer", 256)
	v.SetDefault("stream.idle_grace", "60s")
	v.SetDefault("stream.backoff_initial", "1s")
	v.SetDefault("stream.backoff_max", "30s")
	v.SetDefault("stream.dial_timeout", "10s")

	v.SetDefault("instruments.refresh_interval", "24h")
	v.SetDefault("instruments.snapshot", true)

	for id, b := range DefaultBrokers() {
		prefix := "brokers." + id + "."
		v.SetDefault(prefix+"enabled", b.Enabled)
		v.SetDefault(prefix+"base_url", b.BaseURL)
		v.SetDefault(prefix+"stream_url", b.StreamURL)
		v.SetDefault(prefix+"master_url", b.MasterURL)
		v.SetDefault(prefix+"expiry_model", b.ExpiryModel)
		v.SetDefault(prefix+"session_duration", b.SessionDuration.String())
		v.SetDefault(prefix+"rate_limit", b.RateLimit)
		v.SetDefault(prefix+"rate_burst", b.RateBurst)
		v.SetDefault(prefix+"read_retries", b.ReadRetries)
	}

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", false)
	v.SetDefault("logging.file_path", filepath.Join(configDir, "logs", "gateway.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)
}

// DefaultBrokers returns the built-in endpoint settings for each broker.
func DefaultBrokers() map[string]BrokerConfig {
	return map[string]BrokerConfig{
		string(models.BrokerZerodha): {
			Enabled:     true,
			BaseURL:     "https://api.kite.trade",
			StreamURL:   "wss://ws.kite.trade",
			ExpiryModel: ExpiryEndOfDay,
			RateLimit:   10,
			RateBurst:   10,
			ReadRetries: 3,
		},
		string(models.BrokerAngelOne): {
			Enabled:         true,
			BaseURL:         "https://apiconnect.angelone.in",
			StreamURL:       "wss://smartapisocket.angelone.in/smart-stream",
			MasterURL:       "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json",
			ExpiryModel:     ExpiryFixedDuration,
			SessionDuration: 6 * time.Hour,
			RateLimit:       10,
			RateBurst:       10,
			ReadRetries:     3,
		},
		string(models.BrokerFyers): {
			Enabled:     true,
			BaseURL:     "https://api-t1.fyers.in",
			StreamURL:   "wss://socket.fyers.in/hsm/v1-5/prod",
			MasterURL:   "https://public.fyers.in/sym_details/NSE_CM.csv",
			ExpiryModel: ExpiryRefreshToken,
			RateLimit:   10,
			RateBurst:   10,
			ReadRetries: 3,
		},
	}
}

func decode(v *viper.Viper, configDir string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if cfg.Store.Path != "" && !filepath.IsAbs(cfg.Store.Path) {
		cfg.Store.Path = filepath.Join(configDir, cfg.Store.Path)
	}
	if cfg.Gateway.AuditFile != "" && !filepath.IsAbs(cfg.Gateway.AuditFile) {
		cfg.Gateway.AuditFile = filepath.Join(configDir, cfg.Gateway.AuditFile)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_MASTER_KEY"); v != "" {
		cfg.Store.MasterKey = v
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		cfg.Store.RedisAddr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cache.TTL < time.Minute || c.Cache.TTL > time.Hour {
		return fmt.Errorf("cache.ttl must be between 1m and 1h, got %s", c.Cache.TTL)
	}

	switch c.Store.Driver {
	case "sqlite", "redis":
		if c.Store.MasterKey == "" {
			return fmt.Errorf("store.master_key (or GATEWAY_MASTER_KEY) is required for the %s store", c.Store.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("invalid store driver: %s (must be 'sqlite', 'redis' or 'memory')", c.Store.Driver)
	}

	if c.Stream.SubscriberBuffer <= 0 {
		return fmt.Errorf("stream.subscriber_buffer must be positive")
	}
	if c.Gateway.BrokerTimeout <= 0 {
		return fmt.Errorf("gateway.broker_timeout must be positive")
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("invalid session.timezone %q: %w", c.Session.Timezone, err)
	}

	for id, b := range c.Brokers {
		if _, ok := models.ParseBrokerID(id); !ok {
			return fmt.Errorf("unknown broker: %s", id)
		}
		switch b.ExpiryModel {
		case ExpiryEndOfDay, ExpiryRefreshToken:
		case ExpiryFixedDuration:
			if b.SessionDuration <= 0 {
				return fmt.Errorf("brokers.%s.session_duration must be positive for %s", id, ExpiryFixedDuration)
			}
		default:
			return fmt.Errorf("brokers.%s: invalid expiry_model %q", id, b.ExpiryModel)
		}
	}
	return nil
}

// Broker returns the configuration of a broker and whether it is enabled.
func (c *Config) Broker(id models.BrokerID) (BrokerConfig, bool) {
	b, ok := c.Brokers[string(id)]
	return b, ok && b.Enabled
}

// EnabledBrokers returns enabled broker IDs in a stable order.
func (c *Config) EnabledBrokers() []models.BrokerID {
	var ids []models.BrokerID
	for _, id := range models.AllBrokers {
		if _, ok := c.Broker(id); ok {
			ids = append(ids, id)
		}
	}
	return ids
}
