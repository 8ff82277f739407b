package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/0gfoundation/0g-subscription-billing/internal/resilience"
)

type Config struct {
	Redis      RedisConfig
	Chain      ChainConfig
	Billing    BillingConfig
	Resilience ResilienceConfig
	Webhook    WebhookConfig
	Server     ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type ChainConfig struct {
	SpenderPrivateKey string            `mapstructure:"spender_private_key"`
	ManagerAddress    string            `mapstructure:"manager_address"`
	SponsorURL        string            `mapstructure:"sponsor_url"`
	SponsorAPIKey     string            `mapstructure:"sponsor_api_key"`
	RPCURLs           map[string]string `mapstructure:"rpc_urls"`   // network name → endpoint
	RateLimit         float64           `mapstructure:"rate_limit"` // requests/s per network, 0 = unlimited
	RateBurst         int               `mapstructure:"rate_burst"`
}

type BillingConfig struct {
	Network              string `mapstructure:"network"` // "mainnet" or "testnet"
	SchedulerIntervalSec int64  `mapstructure:"scheduler_interval_sec"`
	DefaultAsset         string `mapstructure:"default_asset"` // empty = the network's USDC
	MaxRedeliveries      int    `mapstructure:"max_redeliveries"`
}

// Testnet reports whether charges are expected on testnets.
func (b BillingConfig) Testnet() bool { return b.Network == "testnet" }

type ResilienceConfig struct {
	MaxRetries       int    `mapstructure:"max_retries"`
	Strategy         string `mapstructure:"strategy"`
	BaseDelayMs      int64  `mapstructure:"base_delay_ms"`
	MaxDelayMs       int64  `mapstructure:"max_delay_ms"`
	Jitter           bool   `mapstructure:"jitter"`
	AutoGasAdjust    bool   `mapstructure:"auto_gas_adjust"`
	AutoNonceRefresh bool   `mapstructure:"auto_nonce_refresh"`
	FallbackSponsor  bool   `mapstructure:"fallback_sponsored"`
	TimeoutSec       int64  `mapstructure:"timeout_sec"`
}

// ToEngineConfig converts the file/env form into a resilience.Config.
func (r ResilienceConfig) ToEngineConfig() (resilience.Config, error) {
	strategy, err := resilience.ParseStrategy(r.Strategy)
	if err != nil {
		return resilience.Config{}, err
	}
	return resilience.Config{
		MaxRetries: r.MaxRetries,
		Backoff: resilience.Backoff{
			Strategy: strategy,
			Base:     time.Duration(r.BaseDelayMs) * time.Millisecond,
			Max:      time.Duration(r.MaxDelayMs) * time.Millisecond,
			Jitter:   r.Jitter,
		},
		AutoGasAdjust:       r.AutoGasAdjust,
		AutoNonceRefresh:    r.AutoNonceRefresh,
		FallbackToSponsored: r.FallbackSponsor,
		Timeout:             time.Duration(r.TimeoutSec) * time.Second,
	}, nil
}

type WebhookConfig struct {
	URL    string `mapstructure:"url"`
	Buffer int    `mapstructure:"buffer"`
}

type ServerConfig struct {
	Port     int `mapstructure:"port"`
	GRPCPort int `mapstructure:"grpc_port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.grpc_port", 9090)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("billing.network", "testnet")
	v.SetDefault("billing.scheduler_interval_sec", 300)
	v.SetDefault("billing.max_redeliveries", 5)
	v.SetDefault("chain.rate_burst", 10)
	v.SetDefault("resilience.max_retries", 3)
	v.SetDefault("resilience.strategy", "exponential")
	v.SetDefault("resilience.base_delay_ms", 1000)
	v.SetDefault("resilience.max_delay_ms", 30000)
	v.SetDefault("resilience.jitter", true)
	v.SetDefault("resilience.auto_gas_adjust", true)
	v.SetDefault("resilience.auto_nonce_refresh", true)
	v.SetDefault("resilience.fallback_sponsored", false)
	v.SetDefault("resilience.timeout_sec", 120)
	v.SetDefault("webhook.buffer", 256)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                     "REDIS_ADDR",
		"redis.password":                 "REDIS_PASSWORD",
		"chain.spender_private_key":      "SPENDER_PRIVATE_KEY",
		"chain.manager_address":          "SPEND_PERMISSION_MANAGER",
		"chain.sponsor_url":              "SPONSOR_URL",
		"chain.sponsor_api_key":          "SPONSOR_API_KEY",
		"chain.rpc_urls.base":            "BASE_RPC_URL",
		"chain.rpc_urls.base-sepolia":    "BASE_SEPOLIA_RPC_URL",
		"chain.rate_limit":               "RPC_RATE_LIMIT",
		"chain.rate_burst":               "RPC_RATE_BURST",
		"billing.network":                "BILLING_NETWORK",
		"billing.scheduler_interval_sec": "SCHEDULER_INTERVAL_SEC",
		"billing.default_asset":          "BILLING_ASSET",
		"billing.max_redeliveries":       "MAX_REDELIVERIES",
		"resilience.max_retries":         "MAX_RETRIES",
		"resilience.strategy":            "BACKOFF_STRATEGY",
		"resilience.base_delay_ms":       "BACKOFF_BASE_MS",
		"resilience.max_delay_ms":        "BACKOFF_MAX_MS",
		"resilience.fallback_sponsored":  "FALLBACK_SPONSORED",
		"resilience.timeout_sec":         "CHARGE_TIMEOUT_SEC",
		"webhook.url":                    "WEBHOOK_URL",
		"server.port":                    "PORT",
		"server.grpc_port":               "GRPC_PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Chain.SpenderPrivateKey == "" {
		return fmt.Errorf("required config missing: SPENDER_PRIVATE_KEY")
	}
	if c.Chain.ManagerAddress != "" && !common.IsHexAddress(c.Chain.ManagerAddress) {
		return fmt.Errorf("invalid SPEND_PERMISSION_MANAGER %q", c.Chain.ManagerAddress)
	}
	if c.Billing.DefaultAsset != "" && !common.IsHexAddress(c.Billing.DefaultAsset) {
		return fmt.Errorf("invalid BILLING_ASSET %q", c.Billing.DefaultAsset)
	}
	switch c.Billing.Network {
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("BILLING_NETWORK must be mainnet or testnet, got %q", c.Billing.Network)
	}
	if c.Billing.SchedulerIntervalSec <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL_SEC must be positive")
	}
	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.Resilience.TimeoutSec <= 0 {
		return fmt.Errorf("CHARGE_TIMEOUT_SEC must be positive")
	}
	if _, err := resilience.ParseStrategy(c.Resilience.Strategy); err != nil {
		return err
	}
	if c.Resilience.FallbackSponsor && c.Chain.SponsorURL == "" {
		return fmt.Errorf("FALLBACK_SPONSORED requires SPONSOR_URL")
	}
	return nil
}
