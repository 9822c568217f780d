// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// every key overridable via ARB_* environment variables; credentials are
// expected to come from the environment or the secrets store, never the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool     `mapstructure:"dry_run"`
	Services []string `mapstructure:"services"` // subset of: ingest, signals, execution, api; empty = all

	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Matching   MatchingConfig   `mapstructure:"matching"`
	Signal     SignalConfig     `mapstructure:"signal"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Secrets    SecretsConfig    `mapstructure:"secrets"`
	Alerts     AlertsConfig     `mapstructure:"alerts"`
	Dashboard  DashboardConfig  `mapstructure:"dashboard"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// PolymarketConfig holds venue A connectivity and signing credentials.
// PrivateKey signs EIP-712 orders; ApiKey is the bearer token for the CLOB API.
type PolymarketConfig struct {
	CLOBBaseURL  string `mapstructure:"clob_base_url"`
	GammaBaseURL string `mapstructure:"gamma_base_url"`
	WSMarketURL  string `mapstructure:"ws_market_url"`
	PrivateKey   string `mapstructure:"private_key"`
	ApiKey       string `mapstructure:"api_key"`
	FunderAddr   string `mapstructure:"funder_address"`
	ChainID      int    `mapstructure:"chain_id"`
}

// KalshiConfig holds venue B connectivity and session credentials.
// Email/Password obtain the session JWT at startup; the token is refreshed
// before expiry by the executor.
type KalshiConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	WSURL    string `mapstructure:"ws_url"`
	Email    string `mapstructure:"email"`
	Password string `mapstructure:"password"`
}

// IngestConfig controls the venue feed adapters and the canonical snapshot stream.
//
//   - MaxDepth: levels kept per book side after normalization.
//   - ReconnectInitial: first reconnect delay; doubles up to ReconnectMax.
//   - MaxConsecutiveFailures: streaming failures before the adapter is surfaced
//     as permanently broken.
//   - QueueSize: bounded fan-in buffer; oldest snapshots drop on overflow.
//   - TrackedMarkets: allow-list of venue market ids; empty = all binary markets.
type IngestConfig struct {
	MaxDepth               int           `mapstructure:"max_depth"`
	ReconnectInitial       time.Duration `mapstructure:"reconnect_initial"`
	ReconnectMax           time.Duration `mapstructure:"reconnect_max"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	QueueSize              int           `mapstructure:"queue_size"`
	TrackedMarkets         []string      `mapstructure:"tracked_markets"`
}

// MatchingConfig controls the offline pair-matching pipeline.
type MatchingConfig struct {
	MinJaccard            float64       `mapstructure:"min_jaccard"`
	TimeWindowTolerance   time.Duration `mapstructure:"time_window_tolerance"`
	MinLLMScore           float64       `mapstructure:"min_llm_score"`
	Workers               int           `mapstructure:"workers"`
	AllowedSourceMismatch []string      `mapstructure:"allowed_resolution_mismatches"` // "a|b" unordered pairs

	Primary  LLMProviderConfig `mapstructure:"primary"`
	Fallback LLMProviderConfig `mapstructure:"fallback"`
}

// LLMProviderConfig describes one chat-completion provider.
type LLMProviderConfig struct {
	Name              string  `mapstructure:"name"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	ApiKey            string  `mapstructure:"api_key"`
	RequestsPerMinute int     `mapstructure:"requests_per_minute"`
	PromptCostPer1M   float64 `mapstructure:"prompt_cost_per_1m"`
	OutputCostPer1M   float64 `mapstructure:"output_cost_per_1m"`
}

// SignalConfig tunes the edge computation.
//
//   - MinEdgeCents: net edge threshold for emitting a signal.
//   - MinHedgeProbability: modeled hedge-fill probability floor.
//   - TradeNotionalUSD: target notional per trade package.
//   - FrictionPackPaths: JSON friction pack files; empty = built-in defaults.
//   - Lead-lag knobs follow the detector defaults (10m window, 5s bars,
//     12-bar max lag, 0.3 correlation floor, 4-entry stability ring).
type SignalConfig struct {
	MinEdgeCents        float64       `mapstructure:"min_edge_cents"`
	MinHedgeProbability float64       `mapstructure:"min_hedge_probability"`
	TradeNotionalUSD    float64       `mapstructure:"trade_notional_usd"`
	PairRefreshInterval time.Duration `mapstructure:"pair_refresh_interval"`
	FrictionPackPaths   []string      `mapstructure:"friction_pack_paths"`

	LeadLagWindow   time.Duration `mapstructure:"leadlag_window"`
	LeadLagBar      time.Duration `mapstructure:"leadlag_bar"`
	LeadLagMaxLag   int           `mapstructure:"leadlag_max_lag"`
	MinCorrelation  float64       `mapstructure:"min_correlation"`
	StabilityWindow int           `mapstructure:"stability_window"`
	PriceRingSize   int           `mapstructure:"price_ring_size"`
	DepthLevels     int           `mapstructure:"depth_levels"`
}

// ExecutionConfig sets the hedged execution policy.
//
//   - HedgeCompletionBudget: wall-clock budget for the hedge leg; breach
//     cancels both legs.
//   - MaxAttempts: full package attempts before terminal failure.
//   - OrderExpirySeconds: venue A signed-order expiry horizon.
//   - TokenRefreshSlack: venue B session refresh lead time.
type ExecutionConfig struct {
	HedgeCompletionBudget time.Duration `mapstructure:"hedge_completion_budget"`
	MaxAttempts           int           `mapstructure:"max_attempts"`
	OrderExpirySeconds    int           `mapstructure:"order_expiry_seconds"`
	TokenRefreshSlack     time.Duration `mapstructure:"token_refresh_slack"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
}

// RiskConfig sets pre-trade limits and the kill switch.
//
//   - VenueCap: max open notional per venue.
//   - PerContractLimit: max notional per single intent.
//   - MaxConcurrentPairs: cap on simultaneously executing intents.
//   - CooldownAfterKill: how long trading stays paused after a kill fires.
type RiskConfig struct {
	VenueCap           float64       `mapstructure:"venue_cap"`
	PerContractLimit   float64       `mapstructure:"per_contract_limit"`
	MaxConcurrentPairs int           `mapstructure:"max_concurrent_pairs"`
	MaxDailyLoss       float64       `mapstructure:"max_daily_loss"`
	CooldownAfterKill  time.Duration `mapstructure:"cooldown_after_kill"`
}

// DatabaseConfig points at the durable sink and the optional hot cache.
type DatabaseConfig struct {
	URL           string `mapstructure:"url"` // postgres DSN
	MigrateOnBoot bool   `mapstructure:"migrate_on_boot"`
	RedisAddr     string `mapstructure:"redis_addr"` // empty disables the hot cache
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
}

// SecretsConfig controls the secrets loader.
type SecretsConfig struct {
	StoreURL string        `mapstructure:"store_url"` // remote secret store; empty = env only
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Require  bool          `mapstructure:"require"` // missing required secret aborts startup
}

// AlertsConfig controls the webhook alert sink.
type AlertsConfig struct {
	WebhookURL string `mapstructure:"webhook_url"` // empty disables alerts
}

// DashboardConfig controls the read-projection HTTP server.
type DashboardConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultPath is the config file binaries fall back to when neither the
// -config flag nor ARB_CONFIG names one.
const DefaultPath = "configs/config.yaml"

// ResolvePath picks the config file for a binary: the explicit flag value,
// then $ARB_CONFIG, then DefaultPath when it exists on disk. An empty result
// means config is built purely from defaults and the environment.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load reads config from a YAML file with env var overrides. An empty path
// builds config purely from defaults and the environment. Credentials use
// env vars: ARB_POLYMARKET_PRIVATE_KEY, ARB_POLYMARKET_API_KEY,
// ARB_KALSHI_EMAIL, ARB_KALSHI_PASSWORD, ARB_DEEPSEEK_API_KEY,
// ARB_OPENAI_API_KEY, ARB_DATABASE_URL. The plain env knobs REQUIRE_SECRETS,
// SECRETS_CACHE_TTL_SECONDS, ENABLED_SERVICES, FRICTION_PACK_PATHS,
// LOG_LEVEL and ALLOWED_ORIGINS are honored unprefixed as well.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("polymarket.chain_id", 137)

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")

	v.SetDefault("ingest.max_depth", 3)
	v.SetDefault("ingest.reconnect_initial", 5*time.Second)
	v.SetDefault("ingest.reconnect_max", 60*time.Second)
	v.SetDefault("ingest.max_consecutive_failures", 10)
	v.SetDefault("ingest.queue_size", 1024)

	v.SetDefault("matching.min_jaccard", 0.3)
	v.SetDefault("matching.time_window_tolerance", 24*time.Hour)
	v.SetDefault("matching.min_llm_score", 0.92)
	v.SetDefault("matching.workers", 4)
	v.SetDefault("matching.primary.name", "deepseek")
	v.SetDefault("matching.primary.base_url", "https://api.deepseek.com/v1")
	v.SetDefault("matching.primary.model", "deepseek-chat")
	v.SetDefault("matching.primary.requests_per_minute", 60)
	v.SetDefault("matching.primary.prompt_cost_per_1m", 0.14)
	v.SetDefault("matching.primary.output_cost_per_1m", 0.28)
	v.SetDefault("matching.fallback.name", "openai")
	v.SetDefault("matching.fallback.base_url", "https://api.openai.com/v1")
	v.SetDefault("matching.fallback.model", "gpt-4o")
	v.SetDefault("matching.fallback.requests_per_minute", 500)
	v.SetDefault("matching.fallback.prompt_cost_per_1m", 2.50)
	v.SetDefault("matching.fallback.output_cost_per_1m", 10.00)

	v.SetDefault("signal.min_edge_cents", 2.5)
	v.SetDefault("signal.min_hedge_probability", 0.99)
	v.SetDefault("signal.trade_notional_usd", 100)
	v.SetDefault("signal.pair_refresh_interval", 30*time.Second)
	v.SetDefault("signal.leadlag_window", 10*time.Minute)
	v.SetDefault("signal.leadlag_bar", 5*time.Second)
	v.SetDefault("signal.leadlag_max_lag", 12)
	v.SetDefault("signal.min_correlation", 0.3)
	v.SetDefault("signal.stability_window", 4)
	v.SetDefault("signal.price_ring_size", 1000)
	v.SetDefault("signal.depth_levels", 3)

	v.SetDefault("execution.hedge_completion_budget", 250*time.Millisecond)
	v.SetDefault("execution.max_attempts", 2)
	v.SetDefault("execution.order_expiry_seconds", 120)
	v.SetDefault("execution.token_refresh_slack", 60*time.Second)
	v.SetDefault("execution.request_timeout", 10*time.Second)

	v.SetDefault("risk.venue_cap", 5000)
	v.SetDefault("risk.per_contract_limit", 250)
	v.SetDefault("risk.max_concurrent_pairs", 5)
	v.SetDefault("risk.max_daily_loss", 500)
	v.SetDefault("risk.cooldown_after_kill", 5*time.Minute)

	v.SetDefault("database.migrate_on_boot", true)

	v.SetDefault("secrets.cache_ttl", 300*time.Second)
	v.SetDefault("secrets.require", false)

	v.SetDefault("dashboard.enabled", true)
	v.SetDefault("dashboard.port", 8080)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// applyEnvOverrides maps credentials and the unprefixed deployment knobs
// onto the config. Explicit os.Getenv keeps secrets out of the YAML entirely.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("ARB_POLYMARKET_PRIVATE_KEY"); key != "" {
		cfg.Polymarket.PrivateKey = key
	}
	if key := os.Getenv("ARB_POLYMARKET_API_KEY"); key != "" {
		cfg.Polymarket.ApiKey = key
	}
	if v := os.Getenv("ARB_KALSHI_EMAIL"); v != "" {
		cfg.Kalshi.Email = v
	}
	if v := os.Getenv("ARB_KALSHI_PASSWORD"); v != "" {
		cfg.Kalshi.Password = v
	}
	if v := os.Getenv("ARB_DEEPSEEK_API_KEY"); v != "" {
		cfg.Matching.Primary.ApiKey = v
	}
	if v := os.Getenv("ARB_OPENAI_API_KEY"); v != "" {
		cfg.Matching.Fallback.ApiKey = v
	}
	if v := os.Getenv("ARB_DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("ARB_REDIS_ADDR"); v != "" {
		cfg.Database.RedisAddr = v
	}
	if v := os.Getenv("ARB_ALERT_WEBHOOK_URL"); v != "" {
		cfg.Alerts.WebhookURL = v
	}
	if v := os.Getenv("ARB_DRY_RUN"); v == "true" || v == "1" {
		cfg.DryRun = true
	}

	// Unprefixed deployment knobs.
	if v := os.Getenv("REQUIRE_SECRETS"); v != "" {
		cfg.Secrets.Require = v == "true" || v == "1"
	}
	if v := os.Getenv("SECRETS_CACHE_TTL_SECONDS"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.Secrets.CacheTTL = time.Duration(secs) * time.Second
		}
	}
	if v := os.Getenv("ENABLED_SERVICES"); v != "" {
		cfg.Services = splitTrim(v)
	}
	if v := os.Getenv("FRICTION_PACK_PATHS"); v != "" {
		cfg.Signal.FrictionPackPaths = splitTrim(v)
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Dashboard.AllowedOrigins = splitTrim(v)
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ServiceEnabled reports whether the named service should run.
// An empty Services list enables everything.
func (c *Config) ServiceEnabled(name string) bool {
	if len(c.Services) == 0 {
		return true
	}
	for _, s := range c.Services {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Ingest.MaxDepth <= 0 {
		return fmt.Errorf("ingest.max_depth must be > 0")
	}
	if c.Matching.MinJaccard < 0 || c.Matching.MinJaccard > 1 {
		return fmt.Errorf("matching.min_jaccard must be in [0,1]")
	}
	if c.Matching.MinLLMScore < 0 || c.Matching.MinLLMScore > 1 {
		return fmt.Errorf("matching.min_llm_score must be in [0,1]")
	}
	if c.Signal.MinEdgeCents <= 0 {
		return fmt.Errorf("signal.min_edge_cents must be > 0")
	}
	if c.Signal.MinHedgeProbability <= 0 || c.Signal.MinHedgeProbability > 1 {
		return fmt.Errorf("signal.min_hedge_probability must be in (0,1]")
	}
	if c.Signal.TradeNotionalUSD <= 0 {
		return fmt.Errorf("signal.trade_notional_usd must be > 0")
	}
	if c.Execution.HedgeCompletionBudget <= 0 {
		return fmt.Errorf("execution.hedge_completion_budget must be > 0")
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("execution.max_attempts must be >= 1")
	}
	if c.Risk.VenueCap <= 0 {
		return fmt.Errorf("risk.venue_cap must be > 0")
	}
	if c.Risk.PerContractLimit <= 0 {
		return fmt.Errorf("risk.per_contract_limit must be > 0")
	}
	if c.Risk.MaxConcurrentPairs <= 0 {
		return fmt.Errorf("risk.max_concurrent_pairs must be > 0")
	}
	if !c.DryRun && c.ServiceEnabled("execution") {
		if c.Polymarket.PrivateKey == "" {
			return fmt.Errorf("polymarket.private_key is required for live execution (set ARB_POLYMARKET_PRIVATE_KEY)")
		}
		if c.Kalshi.Email == "" || c.Kalshi.Password == "" {
			return fmt.Errorf("kalshi.email and kalshi.password are required for live execution")
		}
	}
	return nil
}
