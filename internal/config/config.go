package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server      ServerConfig
	Facilitator FacilitatorConfig
	Chain       ChainConfig
	Mint        MintConfig
	Ledger      LedgerConfig
	Redis       RedisConfig
	Gate        GateConfig
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type FacilitatorConfig struct {
	URL       string `mapstructure:"url"`
	KeyID     string `mapstructure:"key_id"`
	KeySecret string `mapstructure:"key_secret"`
}

type ChainConfig struct {
	RPCURL         string   `mapstructure:"rpc_url"`
	ChainID        int64    `mapstructure:"chain_id"`
	SettleContract string   `mapstructure:"settle_contract"`
	USDCContract   string   `mapstructure:"usdc_contract"`
	PayTo          string   `mapstructure:"pay_to"`
	AdminKeys      []string `mapstructure:"admin_keys"`
}

type MintConfig struct {
	// Rate is SETTLE tokens minted per whole USDC, in whole tokens.
	Rate             string  `mapstructure:"rate"`
	RewardAtomic     string  `mapstructure:"reward_atomic"`
	MinAtomic        int64   `mapstructure:"min_atomic"`
	RetryIntervalSec int64   `mapstructure:"retry_interval_sec"`
	MaxAttempts      int     `mapstructure:"max_attempts"`
	Backoff          float64 `mapstructure:"backoff"`
}

type LedgerConfig struct {
	SettlePath       string `mapstructure:"settle_path"`
	EventPath        string `mapstructure:"event_path"`
	FlushIntervalSec int64  `mapstructure:"flush_interval_sec"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type GateConfig struct {
	// LocalVerify enables the in-process signature check before the
	// facilitator round-trip.
	LocalVerify bool `mapstructure:"local_verify"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 4088)
	v.SetDefault("facilitator.url", "https://x402.org/facilitator")
	v.SetDefault("mint.rate", "7000")
	v.SetDefault("mint.reward_atomic", "1000")
	v.SetDefault("mint.min_atomic", 1000)
	v.SetDefault("mint.retry_interval_sec", 1)
	v.SetDefault("mint.max_attempts", 0)
	v.SetDefault("mint.backoff", 1.0)
	v.SetDefault("ledger.settle_path", "settle_store.json")
	v.SetDefault("ledger.event_path", "settle_events.json")
	v.SetDefault("ledger.flush_interval_sec", 300)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("gate.local_verify", true)

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
		"server.port":               "PORT",
		"facilitator.url":           "FACILITATOR_URL",
		"facilitator.key_id":        "CDP_API_KEY_ID",
		"facilitator.key_secret":    "CDP_API_KEY_SECRET",
		"chain.rpc_url":             "RPC_URL",
		"chain.chain_id":            "CHAIN_ID",
		"chain.settle_contract":     "SETTLE_CONTRACT",
		"chain.usdc_contract":       "USDC_CONTRACT",
		"chain.pay_to":              "PAY_TO",
		"chain.admin_keys":          "ADMIN_KEYS",
		"mint.rate":                 "MINT_RATE",
		"mint.reward_atomic":        "REWARD_ATOMIC",
		"mint.min_atomic":           "MIN_ATOMIC",
		"mint.retry_interval_sec":   "MINT_RETRY_INTERVAL_SEC",
		"mint.max_attempts":         "MINT_MAX_ATTEMPTS",
		"mint.backoff":              "MINT_BACKOFF",
		"ledger.settle_path":        "SETTLE_STORE_PATH",
		"ledger.event_path":         "SETTLE_EVENTS_PATH",
		"ledger.flush_interval_sec": "LEDGER_FLUSH_INTERVAL_SEC",
		"redis.addr":                "REDIS_ADDR",
		"redis.password":            "REDIS_PASSWORD",
		"gate.local_verify":         "LOCAL_VERIFY",
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

	// ADMIN_KEYS arrives comma-separated from the environment.
	if len(cfg.Chain.AdminKeys) == 1 && strings.Contains(cfg.Chain.AdminKeys[0], ",") {
		cfg.Chain.AdminKeys = splitTrim(cfg.Chain.AdminKeys[0])
	}

	return cfg, cfg.validate()
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Chain.RPCURL, "RPC_URL"},
		{c.Chain.SettleContract, "SETTLE_CONTRACT"},
		{c.Chain.USDCContract, "USDC_CONTRACT"},
		{c.Chain.PayTo, "PAY_TO"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if c.Chain.ChainID == 0 {
		return fmt.Errorf("required config missing: CHAIN_ID")
	}
	if len(c.Chain.AdminKeys) == 0 {
		return fmt.Errorf("required config missing: ADMIN_KEYS")
	}
	return nil
}
