package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"powertrader/internal/adapters/logger"
	"powertrader/internal/domain"
	"powertrader/internal/pattern"
	"powertrader/internal/ports"
)

// DefaultConfigFile is read when CONFIG_FILE is not set.
const DefaultConfigFile = "config.yaml"

// PatternConfig holds the pattern memory parameters shared by trainer and thinker.
type PatternConfig struct {
	WindowLength  int     `yaml:"window_length"`
	Tolerance     float64 `yaml:"tolerance"`
	InitialWeight float64 `yaml:"initial_weight"`
	DecayFactor   float64 `yaml:"decay_factor"`
	WeightFloor   float64 `yaml:"weight_floor"`
	MaxEntries    int     `yaml:"max_entries"`
}

// TrainerConfig holds the trainer role settings.
type TrainerConfig struct {
	Interval             time.Duration `yaml:"interval"`
	CandleLimit          int           `yaml:"candle_limit"`
	MaterialityThreshold float64       `yaml:"materiality_threshold"`
}

// ThinkerConfig holds the thinker role settings.
type ThinkerConfig struct {
	Interval          time.Duration `yaml:"interval"`
	CandleLimit       int           `yaml:"candle_limit"`
	MatchCount        int           `yaml:"match_count"`
	SignalThreshold   float64       `yaml:"signal_threshold"`
	BootstrapFromLive bool          `yaml:"bootstrap_from_live"`
	WriteSidecars     bool          `yaml:"write_sidecars"`
}

// RetryConfig is the order submission retry policy.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// TraderConfig holds the trader role settings.
type TraderConfig struct {
	Interval            time.Duration `yaml:"interval"`
	Retry               RetryConfig   `yaml:"retry"`
	ConfirmTimeout      time.Duration `yaml:"confirm_timeout"`
	ConfirmPollInterval time.Duration `yaml:"confirm_poll_interval"`
}

// RiskConfig holds order sizing parameters.
type RiskConfig struct {
	PositionSizePercent float64 `yaml:"position_size_percent"`
	MaxPositionNotional float64 `yaml:"max_position_notional"`
	MinOrderNotional    float64 `yaml:"min_order_notional"`
	MaxTradesPerDay     int     `yaml:"max_trades_per_day"`
}

// AssetOverride replaces the role intervals for one asset. Zero keeps the role default.
type AssetOverride struct {
	TrainerInterval time.Duration `yaml:"trainer_interval"`
	ThinkerInterval time.Duration `yaml:"thinker_interval"`
	TraderInterval  time.Duration `yaml:"trader_interval"`
}

// VaultConfig enables the Vault credential source when Address is set.
// The token is only read from VAULT_TOKEN.
type VaultConfig struct {
	Address    string `yaml:"address"`
	Token      string `yaml:"-"`
	MountPath  string `yaml:"mount_path"`
	SecretPath string `yaml:"secret_path"`
}

// RedisConfig enables the status mirror when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"-"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config holds all application configuration.
type Config struct {
	StateRoot         string   `yaml:"state_root"`
	PrimaryAsset      string   `yaml:"primary_asset"`
	Assets            []string `yaml:"assets"`
	TimeframeNames    []string `yaml:"timeframes"`
	QuoteCurrency     string   `yaml:"quote_currency"`
	MaxParallelAssets int      `yaml:"max_parallel_assets"`

	// Providers
	MarketProvider    string            `yaml:"market_provider"`
	TradingProvider   string            `yaml:"trading_provider"`
	ProviderBaseURLs  map[string]string `yaml:"provider_base_urls"`
	ProviderRateLimit float64           `yaml:"provider_rate_limit"`
	RequestTimeout    time.Duration     `yaml:"request_timeout"`
	CredentialsDir    string            `yaml:"credentials_dir"`
	Vault             VaultConfig       `yaml:"vault"`

	Pattern        PatternConfig            `yaml:"pattern"`
	Trainer        TrainerConfig            `yaml:"trainer"`
	Thinker        ThinkerConfig            `yaml:"thinker"`
	Trader         TraderConfig             `yaml:"trader"`
	Risk           RiskConfig               `yaml:"risk"`
	AssetOverrides map[string]AssetOverride `yaml:"asset_overrides"`

	// Outer surfaces
	MetricsAddr string      `yaml:"metrics_addr"`
	Redis       RedisConfig `yaml:"redis"`
	DBPath      string      `yaml:"db_path"`
	Log         LogConfig   `yaml:"log"`

	// Timeframes is TimeframeNames parsed, filled by LoadConfig.
	Timeframes []domain.Timeframe `yaml:"-"`
}

// Default returns the configuration used for every key the file and the
// environment leave unset.
func Default() *Config {
	p := pattern.DefaultParams()
	return &Config{
		StateRoot:         "./state",
		Assets:            []string{"BTC"},
		TimeframeNames:    []string{"1h", "4h", "1d"},
		QuoteCurrency:     "USDT",
		MaxParallelAssets: 4,
		MarketProvider:    "kucoin",
		TradingProvider:   "binance",
		RequestTimeout:    15 * time.Second,
		CredentialsDir:    "./credentials",
		Vault:             VaultConfig{MountPath: "secret", SecretPath: "powertrader"},
		Pattern: PatternConfig{
			WindowLength:  p.WindowLength,
			Tolerance:     p.Tolerance,
			InitialWeight: p.InitialWeight,
			DecayFactor:   p.DecayFactor,
			WeightFloor:   p.WeightFloor,
			MaxEntries:    p.MaxEntries,
		},
		Trainer: TrainerConfig{Interval: 30 * time.Minute, CandleLimit: 1500, MaterialityThreshold: 0.01},
		Thinker: ThinkerConfig{Interval: time.Minute, CandleLimit: 200, MatchCount: 25, SignalThreshold: 0.002, BootstrapFromLive: true},
		Trader: TraderConfig{
			Interval:            30 * time.Second,
			Retry:               RetryConfig{MaxAttempts: 4, InitialInterval: time.Second, MaxInterval: 15 * time.Second},
			ConfirmTimeout:      20 * time.Second,
			ConfirmPollInterval: 2 * time.Second,
		},
		Risk:   RiskConfig{PositionSizePercent: 0.1, MinOrderNotional: 10, MaxTradesPerDay: 10},
		DBPath: "./data/trade_journal.db",
		Log:    LogConfig{Level: "INFO", Format: "json"},
	}
}

// LoadConfig loads the YAML file named by CONFIG_FILE (default config.yaml),
// then .env and environment overrides, and validates the result.
// A missing default file is not an error.
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := Default()
	path := os.Getenv("CONFIG_FILE")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	if err := cfg.loadFile(path, explicit); err != nil {
		return nil, fmt.Errorf("%w: %w", ports.ErrConfigurationError, err)
	}

	errs := cfg.applyEnv()
	errs = append(errs, cfg.validate()...)
	if len(errs) > 0 {
		return nil, fmt.Errorf("%w: configuration validation failed: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return cfg, nil
}

func (c *Config) loadFile(path string, required bool) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() []string {
	var errs []string
	var err error

	c.StateRoot = getEnv("STATE_ROOT", c.StateRoot)
	c.PrimaryAsset = getEnv("PRIMARY_ASSET", c.PrimaryAsset)
	c.Assets = getEnvAsList("ASSETS", c.Assets)
	c.TimeframeNames = getEnvAsList("TIMEFRAMES", c.TimeframeNames)
	c.QuoteCurrency = getEnv("QUOTE_CURRENCY", c.QuoteCurrency)
	c.MarketProvider = getEnv("MARKET_PROVIDER", c.MarketProvider)
	c.TradingProvider = getEnv("TRADING_PROVIDER", c.TradingProvider)
	c.CredentialsDir = getEnv("CREDENTIALS_DIR", c.CredentialsDir)
	c.Vault.Address = getEnv("VAULT_ADDR", c.Vault.Address)
	c.Vault.Token = getEnv("VAULT_TOKEN", c.Vault.Token)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)
	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	c.DBPath = getEnv("DB_PATH", c.DBPath)
	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)

	if c.MaxParallelAssets, err = getEnvAsIntRequired("MAX_PARALLEL_ASSETS", c.MaxParallelAssets); err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_PARALLEL_ASSETS: %v", err))
	}
	if c.Risk.MaxTradesPerDay, err = getEnvAsIntRequired("MAX_TRADES_PER_DAY", c.Risk.MaxTradesPerDay); err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_TRADES_PER_DAY: %v", err))
	}
	if c.Risk.PositionSizePercent, err = getEnvAsFloatRequired("POSITION_SIZE_PERCENT", c.Risk.PositionSizePercent); err != nil {
		errs = append(errs, fmt.Sprintf("invalid POSITION_SIZE_PERCENT: %v", err))
	}
	if c.Risk.MinOrderNotional, err = getEnvAsFloatRequired("MIN_ORDER_NOTIONAL", c.Risk.MinOrderNotional); err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_ORDER_NOTIONAL: %v", err))
	}
	c.Thinker.BootstrapFromLive = getEnvAsBool("BOOTSTRAP_FROM_LIVE", c.Thinker.BootstrapFromLive)
	return errs
}

func (c *Config) validate() []string {
	var errs []string

	if strings.TrimSpace(c.StateRoot) == "" {
		errs = append(errs, "state_root must be set")
	}

	seen := make(map[string]bool)
	assets := make([]string, 0, len(c.Assets))
	for _, a := range c.Assets {
		a = strings.ToUpper(strings.TrimSpace(a))
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		assets = append(assets, a)
	}
	c.Assets = assets
	if len(c.Assets) == 0 {
		errs = append(errs, "assets must not be empty")
	} else {
		c.PrimaryAsset = strings.ToUpper(strings.TrimSpace(c.PrimaryAsset))
		if c.PrimaryAsset == "" {
			c.PrimaryAsset = c.Assets[0]
		} else if !seen[c.PrimaryAsset] {
			errs = append(errs, fmt.Sprintf("primary_asset %s is not in assets", c.PrimaryAsset))
		}
	}

	c.Timeframes = c.Timeframes[:0]
	for _, name := range c.TimeframeNames {
		tf, err := domain.ParseTimeframe(name)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		c.Timeframes = append(c.Timeframes, tf)
	}
	if len(c.TimeframeNames) == 0 {
		errs = append(errs, "timeframes must not be empty")
	}

	if c.QuoteCurrency == "" {
		errs = append(errs, "quote_currency must be set")
	}
	c.QuoteCurrency = strings.ToUpper(c.QuoteCurrency)
	if c.MarketProvider == "" {
		errs = append(errs, "market_provider must be set")
	}
	c.MarketProvider = strings.ToLower(c.MarketProvider)
	c.TradingProvider = strings.ToLower(c.TradingProvider)
	if c.MaxParallelAssets <= 0 {
		errs = append(errs, "max_parallel_assets must be positive")
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, "request_timeout must be positive")
	}

	p := c.Pattern
	if p.WindowLength < 2 {
		errs = append(errs, "pattern.window_length must be at least 2")
	}
	if p.Tolerance <= 0 {
		errs = append(errs, "pattern.tolerance must be positive")
	}
	if p.InitialWeight <= 0 {
		errs = append(errs, "pattern.initial_weight must be positive")
	}
	if p.DecayFactor <= 0 || p.DecayFactor > 1 {
		errs = append(errs, "pattern.decay_factor must be in (0, 1]")
	}
	if p.WeightFloor < 0 {
		errs = append(errs, "pattern.weight_floor cannot be negative")
	}
	if p.MaxEntries <= 0 {
		errs = append(errs, "pattern.max_entries must be positive")
	}

	if c.Trainer.CandleLimit <= p.WindowLength {
		errs = append(errs, "trainer.candle_limit must exceed pattern.window_length")
	}
	if c.Trainer.MaterialityThreshold < 0 {
		errs = append(errs, "trainer.materiality_threshold cannot be negative")
	}
	if c.Thinker.CandleLimit < p.WindowLength {
		errs = append(errs, "thinker.candle_limit must be at least pattern.window_length")
	}
	if c.Thinker.SignalThreshold < 0 {
		errs = append(errs, "thinker.signal_threshold cannot be negative")
	}
	if c.Thinker.MatchCount < 0 {
		errs = append(errs, "thinker.match_count cannot be negative")
	}
	if c.Trader.Retry.MaxAttempts < 1 {
		errs = append(errs, "trader.retry.max_attempts must be at least 1")
	}
	for role, d := range map[string]time.Duration{"trainer": c.Trainer.Interval, "thinker": c.Thinker.Interval, "trader": c.Trader.Interval} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s.interval must be positive", role))
		}
	}

	if c.Risk.PositionSizePercent <= 0 || c.Risk.PositionSizePercent > 1 {
		errs = append(errs, "risk.position_size_percent must be in (0, 1]")
	}
	if c.Risk.MinOrderNotional < 0 || c.Risk.MaxPositionNotional < 0 {
		errs = append(errs, "risk notionals cannot be negative")
	}
	if c.Risk.MaxTradesPerDay < 0 {
		errs = append(errs, "risk.max_trades_per_day cannot be negative")
	}

	overrides := make(map[string]AssetOverride, len(c.AssetOverrides))
	for asset, o := range c.AssetOverrides {
		if o.TrainerInterval < 0 || o.ThinkerInterval < 0 || o.TraderInterval < 0 {
			errs = append(errs, fmt.Sprintf("asset_overrides.%s intervals cannot be negative", asset))
		}
		overrides[strings.ToUpper(asset)] = o
	}
	c.AssetOverrides = overrides

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("log.format must be json or console, got %q", c.Log.Format))
	}
	return errs
}

// PatternParams converts the pattern section into engine parameters.
func (c *Config) PatternParams() pattern.Params {
	return pattern.Params{
		WindowLength:  c.Pattern.WindowLength,
		Tolerance:     c.Pattern.Tolerance,
		InitialWeight: c.Pattern.InitialWeight,
		DecayFactor:   c.Pattern.DecayFactor,
		WeightFloor:   c.Pattern.WeightFloor,
		MaxEntries:    c.Pattern.MaxEntries,
	}
}

// RoleInterval returns the default poll interval of role.
func (c *Config) RoleInterval(role domain.Role) time.Duration {
	switch role {
	case domain.RoleTrainer:
		return c.Trainer.Interval
	case domain.RoleThinker:
		return c.Thinker.Interval
	default:
		return c.Trader.Interval
	}
}

// AssetIntervals returns the per-asset interval overrides of role.
func (c *Config) AssetIntervals(role domain.Role) map[string]time.Duration {
	out := make(map[string]time.Duration)
	for asset, o := range c.AssetOverrides {
		var d time.Duration
		switch role {
		case domain.RoleTrainer:
			d = o.TrainerInterval
		case domain.RoleThinker:
			d = o.ThinkerInterval
		default:
			d = o.TraderInterval
		}
		if d > 0 {
			out[asset] = d
		}
	}
	return out
}

// LogLevel parses the configured log level.
func (c *Config) LogLevel() logger.LogLevel {
	return logger.ParseLevel(c.Log.Level)
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
