package config

import (
	"encoding/json"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Exchange      ExchangeConfig      `mapstructure:"exchange"`
	Retry         RetryConfig         `mapstructure:"retry"`
	SharedBalance SharedBalanceConfig `mapstructure:"shared_balance"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Server        ServerConfig        `mapstructure:"server"`
	Log           LogConfig           `mapstructure:"log"`
}

type ExchangeConfig struct {
	Name       string `mapstructure:"name"`
	APIKey     string `mapstructure:"api_key"`
	Secret     string `mapstructure:"secret"`
	Passphrase string `mapstructure:"passphrase"`
	Sandbox    bool   `mapstructure:"sandbox"`

	// spot, swap or future; drives convention-based symbol resolution when
	// markets are not loaded.
	MarketType string `mapstructure:"market_type"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
}

func (c ExchangeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c ExchangeConfig) HasCredentials() bool {
	return c.APIKey != "" && c.Secret != ""
}

type RetryConfig struct {
	MaxRetries  int `mapstructure:"max_retries"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// SharedBalanceConfig tunes the cross-process balance cache protocol.
type SharedBalanceConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled"`

	// leader, follower or auto.
	Role string `mapstructure:"role" json:"role"`

	TTLMs         int    `mapstructure:"ttl_ms" json:"ttlMs"`
	StaleMaxMs    int    `mapstructure:"stale_max_ms" json:"staleMaxMs"`
	LockTTLMs     int    `mapstructure:"lock_ttl_ms" json:"lockTtlMs"`
	WaitTimeoutMs int    `mapstructure:"wait_timeout_ms" json:"waitTimeoutMs"`
	KeyPrefix     string `mapstructure:"key_prefix" json:"keyPrefix"`

	// Strict forbids the auto role's last-resort fallback to an
	// arbitrarily stale cached value during store outages.
	Strict bool `mapstructure:"strict" json:"strict"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. PERPGATE_EXCHANGE_API_KEY, PERPGATE_SHARED_BALANCE_TTL_MS
	viper.SetEnvPrefix("perpgate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("exchange.name", "binance")
	viper.SetDefault("exchange.market_type", "swap")
	viper.SetDefault("exchange.timeout_ms", 10000)
	viper.SetDefault("retry.max_retries", 3)
	viper.SetDefault("retry.base_delay_ms", 1000)
	viper.SetDefault("shared_balance.enabled", false)
	viper.SetDefault("shared_balance.role", "auto")
	viper.SetDefault("shared_balance.ttl_ms", 5000)
	viper.SetDefault("shared_balance.wait_timeout_ms", 2000)
	viper.SetDefault("shared_balance.key_prefix", "perpgate:")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	applySharedBalanceEnv(&cfg.SharedBalance)

	return &cfg, nil
}

// applySharedBalanceEnv lets operators override the whole shared-balance block
// with one variable. The value is parsed as JSON when it looks like an object,
// otherwise treated as a raw role string.
func applySharedBalanceEnv(cfg *SharedBalanceConfig) {
	raw, ok := os.LookupEnv("PERPGATE_SHARED_BALANCE")
	if !ok || raw == "" {
		return
	}
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var override SharedBalanceConfig
		if err := json.Unmarshal([]byte(trimmed), &override); err == nil {
			if override.Role == "" {
				override.Role = cfg.Role
			}
			if override.KeyPrefix == "" {
				override.KeyPrefix = cfg.KeyPrefix
			}
			*cfg = override
		}
		return
	}
	cfg.Enabled = true
	cfg.Role = trimmed
}
