package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	EnvAppKey    = "AUTOTRADE_APP_KEY"
	EnvAppSecret = "AUTOTRADE_APP_SECRET"
	EnvAccount   = "AUTOTRADE_ACCOUNT"
	EnvMode      = "AUTOTRADE_MODE"
)

type Config struct {
	App struct {
		Mode            string `toml:"mode"` // paper | live
		LogLevel        string `toml:"log_level"`
		EvalIntervalSec int    `toml:"eval_interval_sec"`
		QueueSize       int    `toml:"queue_size"`
		DrainGraceSec   int    `toml:"drain_grace_sec"`
		OrderTTLSec     int    `toml:"order_ttl_sec"`
		MetricsAddr     string `toml:"metrics_addr"` // empty disables /metrics
		EnvFile         string `toml:"env_file"`
	} `toml:"app"`

	Broker struct {
		RESTURL     string `toml:"rest_url"` // defaults by mode
		WsURL       string `toml:"ws_url"`   // defaults by mode
		AppKey      string `toml:"app_key"`
		AppSecret   string `toml:"app_secret"`
		Account     string `toml:"account"`
		ProductCode string `toml:"product_code"`
		TimeoutSec  int    `toml:"timeout_sec"`
	} `toml:"broker"`

	RateLimit struct {
		MaxCalls int `toml:"max_calls"`
		PeriodMs int `toml:"period_ms"`
	} `toml:"ratelimit"`

	Retry struct {
		MaxRetries     int `toml:"max_retries"`
		InitialDelayMs int `toml:"initial_delay_ms"`
		MaxDelayMs     int `toml:"max_delay_ms"`
	} `toml:"retry"`

	Token struct {
		SafetyMarginSec int    `toml:"safety_margin_sec"`
		CacheDir        string `toml:"cache_dir"`
	} `toml:"token"`

	Feed struct {
		Enabled         bool     `toml:"enabled"`
		Channel         string   `toml:"channel"`
		Instruments     []string `toml:"instruments"`
		PingIntervalSec int      `toml:"ping_interval_sec"`
		PongTimeoutSec  int      `toml:"pong_timeout_sec"`
		SubscribeRate   float64  `toml:"subscribe_rate"`
	} `toml:"feed"`

	Signals struct {
		DefaultWeight float64            `toml:"default_weight"`
		ExitThreshold float64            `toml:"exit_threshold"`
		Weights       map[string]float64 `toml:"weights"`
	} `toml:"signals"`

	Strategies []StrategyConfig `toml:"strategies"`

	Risk struct {
		ActivationThreshold      float64 `toml:"activation_threshold"`
		VaRConfidence            float64 `toml:"var_confidence"`
		VaRCeiling               float64 `toml:"var_ceiling"`
		MinObservations          int     `toml:"min_observations"`
		DefaultVaR               float64 `toml:"default_var"`
		RiskBudget               float64 `toml:"risk_budget"`
		MaxExposurePerInstrument float64 `toml:"max_exposure_per_instrument"`
		MinVolatility            float64 `toml:"min_volatility"`
		AllowShort               bool    `toml:"allow_short"`
		HistoryLen               int     `toml:"history_len"`
		SeedDays                 int     `toml:"seed_days"`
	} `toml:"risk"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled     bool   `toml:"enabled"`
		Addr        string `toml:"addr"`
		Password    string `toml:"password"`
		DB          int    `toml:"db"`
		Prefix      string `toml:"prefix"`
		TTLSeconds  int    `toml:"ttl_seconds"`
		FillStream  string `toml:"fill_stream"`
		FillChannel string `toml:"fill_channel"`
	} `toml:"redis"`
}

// StrategyConfig selects one reference signal producer.
type StrategyConfig struct {
	Kind          string  `toml:"kind"` // ma_cross | momentum
	Fast          int     `toml:"fast"`
	Slow          int     `toml:"slow"`
	Lookback      int     `toml:"lookback"`
	Threshold     float64 `toml:"threshold"`
	ExitThreshold float64 `toml:"exit_threshold"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.App.Mode == "" {
		cfg.App.Mode = "paper"
	}
	if cfg.App.LogLevel == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.EvalIntervalSec <= 0 {
		cfg.App.EvalIntervalSec = 5
	}
	if cfg.App.QueueSize <= 0 {
		cfg.App.QueueSize = 1024
	}
	if cfg.App.DrainGraceSec <= 0 {
		cfg.App.DrainGraceSec = 3
	}
	if cfg.App.EnvFile == "" {
		cfg.App.EnvFile = ".env"
	}
	if cfg.Broker.TimeoutSec <= 0 {
		cfg.Broker.TimeoutSec = 10
	}
	if cfg.Broker.ProductCode == "" {
		cfg.Broker.ProductCode = "01"
	}
	// brokerage allows 20 calls/s; stay below it
	if cfg.RateLimit.MaxCalls <= 0 {
		cfg.RateLimit.MaxCalls = 15
	}
	if cfg.RateLimit.PeriodMs <= 0 {
		cfg.RateLimit.PeriodMs = 1000
	}
	if cfg.Retry.MaxRetries <= 0 {
		cfg.Retry.MaxRetries = 3
	}
	if cfg.Retry.InitialDelayMs <= 0 {
		cfg.Retry.InitialDelayMs = 500
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = 8000
	}
	if cfg.Token.SafetyMarginSec <= 0 {
		cfg.Token.SafetyMarginSec = 300
	}
	if cfg.Feed.Channel == "" {
		cfg.Feed.Channel = "H0STCNT0"
	}
	if cfg.Feed.PingIntervalSec <= 0 {
		cfg.Feed.PingIntervalSec = 25
	}
	if cfg.Feed.PongTimeoutSec <= 0 {
		cfg.Feed.PongTimeoutSec = 60
	}
	if cfg.Feed.SubscribeRate <= 0 {
		cfg.Feed.SubscribeRate = 5
	}
	if cfg.Signals.DefaultWeight <= 0 {
		cfg.Signals.DefaultWeight = 0.3
	}
	if cfg.Signals.ExitThreshold <= 0 {
		cfg.Signals.ExitThreshold = 0.5
	}
	if cfg.Risk.ActivationThreshold <= 0 {
		cfg.Risk.ActivationThreshold = 0.3
	}
	if cfg.Risk.VaRConfidence <= 0 {
		cfg.Risk.VaRConfidence = 0.95
	}
	if cfg.Risk.VaRCeiling <= 0 {
		cfg.Risk.VaRCeiling = 0.05
	}
	if cfg.Risk.MinObservations <= 0 {
		cfg.Risk.MinObservations = 20
	}
	if cfg.Risk.DefaultVaR <= 0 {
		cfg.Risk.DefaultVaR = 0.02
	}
	if cfg.Risk.RiskBudget <= 0 {
		cfg.Risk.RiskBudget = 100_000
	}
	if cfg.Risk.MinVolatility <= 0 {
		cfg.Risk.MinVolatility = 0.005
	}
	if cfg.Risk.HistoryLen <= 0 {
		cfg.Risk.HistoryLen = 120
	}
	if cfg.Risk.SeedDays <= 0 {
		cfg.Risk.SeedDays = 60
	}
	if cfg.Token.CacheDir == "" {
		cfg.Token.CacheDir = "data"
	}
	if cfg.SQLite.Path == "" {
		cfg.SQLite.Path = "data/autotrade.db"
	}
	if cfg.Redis.Prefix == "" {
		cfg.Redis.Prefix = "autotrade"
	}
}

// applyEnv loads an optional env file and lets AUTOTRADE_* variables
// override credentials and mode.
func applyEnv(cfg *Config) error {
	if err := godotenv.Load(cfg.App.EnvFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", cfg.App.EnvFile, err)
	}
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Broker.AppKey, EnvAppKey)
	override(&cfg.Broker.AppSecret, EnvAppSecret)
	override(&cfg.Broker.Account, EnvAccount)
	override(&cfg.App.Mode, EnvMode)
	return nil
}

func validate(cfg *Config) error {
	cfg.App.Mode = strings.ToLower(strings.TrimSpace(cfg.App.Mode))
	if cfg.App.Mode != "paper" && cfg.App.Mode != "live" {
		return fmt.Errorf("app.mode must be paper or live, got %q", cfg.App.Mode)
	}
	if strings.TrimSpace(cfg.Broker.AppKey) == "" || strings.TrimSpace(cfg.Broker.AppSecret) == "" {
		return errors.New("broker.app_key/app_secret empty (set " + EnvAppKey + " and " + EnvAppSecret + ")")
	}
	if strings.TrimSpace(cfg.Broker.Account) == "" {
		return errors.New("broker.account empty (set " + EnvAccount + ")")
	}

	cfg.Feed.Instruments = normalizeInstruments(cfg.Feed.Instruments)
	if cfg.Feed.Enabled && len(cfg.Feed.Instruments) == 0 {
		return errors.New("feed.instruments is empty but feed enabled")
	}
	if cfg.Risk.VaRConfidence >= 1 {
		return errors.New("risk.var_confidence must be below 1")
	}
	for i, s := range cfg.Strategies {
		switch s.Kind {
		case "ma_cross", "momentum":
		default:
			return fmt.Errorf("strategies[%d]: unknown kind %q", i, s.Kind)
		}
	}

	if cfg.SQLite.Enabled && strings.TrimSpace(cfg.SQLite.Path) == "" {
		return errors.New("sqlite.path empty but enabled")
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return errors.New("redis.addr empty but enabled")
	}
	return nil
}

func normalizeInstruments(in []string) []string {
	out := make([]string, 0, len(in))
	seen := map[string]struct{}{}
	for _, s := range in {
		u := strings.ToUpper(strings.TrimSpace(s))
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

func (c *Config) Live() bool { return c.App.Mode == "live" }

func (c *Config) EvalInterval() time.Duration {
	return time.Duration(c.App.EvalIntervalSec) * time.Second
}

func (c *Config) DrainGrace() time.Duration {
	return time.Duration(c.App.DrainGraceSec) * time.Second
}

func (c *Config) OrderTTL() time.Duration {
	return time.Duration(c.App.OrderTTLSec) * time.Second
}

func (c *Config) RatePeriod() time.Duration {
	return time.Duration(c.RateLimit.PeriodMs) * time.Millisecond
}

func (c *Config) RetryDelays() (initial, max time.Duration) {
	return time.Duration(c.Retry.InitialDelayMs) * time.Millisecond,
		time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}

func (c *Config) TokenMargin() time.Duration {
	return time.Duration(c.Token.SafetyMarginSec) * time.Second
}
