// Package config provides configuration management for the scanner.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"

	"github.com/eddiefleurent/csp-scanner/internal/broker"
	"github.com/eddiefleurent/csp-scanner/internal/pricing"
	"github.com/eddiefleurent/csp-scanner/internal/retry"
	"github.com/eddiefleurent/csp-scanner/internal/screener"
	"github.com/eddiefleurent/csp-scanner/internal/strategy"
)

const (
	defaultTimezone = "America/New_York"
	defaultCron     = "0 10 * * 1-5"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Screener    ScreenerConfig    `yaml:"screener"`
	Scan        ScanConfig        `yaml:"scan"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Output      OutputConfig      `yaml:"output"`
}

// EnvironmentConfig defines logging settings.
type EnvironmentConfig struct {
	LogLevel  string `yaml:"log_level"`  // debug | info | warn | error
	LogFormat string `yaml:"log_format"` // text | json
}

// BrokerConfig defines market data API settings.
type BrokerConfig struct {
	Provider          string               `yaml:"provider"` // tradier | mock
	APIKey            string               `yaml:"api_key"`
	APIEndpoint       string               `yaml:"api_endpoint"`
	Sandbox           bool                 `yaml:"sandbox"`
	Timeout           string               `yaml:"timeout"`
	RequestsPerMinute int                  `yaml:"requests_per_minute"`
	MaxRetries        int                  `yaml:"max_retries"`
	CircuitBreaker    CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig tunes the breaker around the market data client.
type CircuitBreakerConfig struct {
	MinRequests  uint32  `yaml:"min_requests"`
	FailureRatio float64 `yaml:"failure_ratio"`
	OpenTimeout  string  `yaml:"open_timeout"`
}

// ScreenerConfig defines how the ticker universe is built.
type ScreenerConfig struct {
	LiquidTickers     []string     `yaml:"liquid_tickers"`
	Finviz            FinvizConfig `yaml:"finviz"`
	MinAvgVolume      int64        `yaml:"min_avg_volume"`
	MinPrice          float64      `yaml:"min_price"`
	AboveSMA200       bool         `yaml:"above_sma200"`
	PositiveEPSGrowth bool         `yaml:"positive_eps_growth"`
	MaxTickers        int          `yaml:"max_tickers"`
	Trend             TrendConfig  `yaml:"trend"`
}

// FinvizConfig enables the Finviz export source.
type FinvizConfig struct {
	Enabled   bool   `yaml:"enabled"`
	AuthToken string `yaml:"auth_token"`
	URL       string `yaml:"url"`
	View      string `yaml:"view"`
}

// TrendConfig defines the SMA trend hold and RSI windows.
type TrendConfig struct {
	SMAPeriod    int `yaml:"sma_period"`
	HoldDays     int `yaml:"hold_days"`
	MinBars      int `yaml:"min_bars"`
	RSIPeriod    int `yaml:"rsi_period"`
	LookbackDays int `yaml:"lookback_days"`
	// CachePath keeps fetched daily history between scans; empty disables it.
	CachePath   string `yaml:"cache_path"`
	CacheMaxAge string `yaml:"cache_max_age"`
}

// ScanConfig defines engine thresholds and the worker pool.
type ScanConfig struct {
	MinPrice          float64        `yaml:"min_price"`
	MinVolume         int64          `yaml:"min_volume"`
	MinPremium        float64        `yaml:"min_premium"`
	MinProbWin        float64        `yaml:"min_prob_win"`
	MinAnnROI         float64        `yaml:"min_ann_roi"`
	MinCushion        float64        `yaml:"min_cushion"`
	MaxCushion        float64        `yaml:"max_cushion"`
	RiskFreeRate      float64        `yaml:"risk_free_rate"`
	ProbabilityPolicy string         `yaml:"probability_policy"` // direct | delta_proxy | none
	ScoringPolicy     string         `yaml:"scoring_policy"`     // roi | roi_cushion
	CushionWeight     float64        `yaml:"cushion_weight"`
	SelectionMode     string         `yaml:"selection_mode"` // bucket | expiration
	Buckets           []BucketConfig `yaml:"buckets"`
	TopK              int            `yaml:"top_k"`
	TopN              int            `yaml:"top_n"`
	PriceCeiling      float64        `yaml:"price_ceiling"`
	RequireTrend      bool           `yaml:"require_trend"`
	RSIMin            float64        `yaml:"rsi_min"`
	RSIMax            float64        `yaml:"rsi_max"`
	Timezone          string         `yaml:"timezone"`
	Workers           int            `yaml:"workers"`
	TickerTimeout     string         `yaml:"ticker_timeout"`
	ProgressEvery     int            `yaml:"progress_every"`
}

// BucketConfig is one inclusive DTE window.
type BucketConfig struct {
	MinDays int    `yaml:"min_days"`
	MaxDays int    `yaml:"max_days"`
	Label   string `yaml:"label"`
}

// ScheduleConfig defines when the serve command scans.
type ScheduleConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Cron       string `yaml:"cron"`     // standard five-field spec
	Timezone   string `yaml:"timezone"` // e.g., "America/New_York"
	RunOnStart bool   `yaml:"run_on_start"`
}

// DashboardConfig defines the HTTP dashboard.
type DashboardConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// OutputConfig defines scan artifacts.
type OutputConfig struct {
	HTMLPath   string `yaml:"html_path"`
	PrintTable bool   `yaml:"print_table"`
}

// Default returns the configuration of the daily scanner. Load decodes the
// file on top of it, so absent keys keep these values.
func Default() Config {
	engine := strategy.DefaultConfig()
	trend := screener.DefaultTrendConfig()
	criteria := screener.DefaultCriteria()
	breaker := broker.DefaultCircuitBreakerSettings()

	buckets := make([]BucketConfig, 0, len(engine.Buckets))
	for _, b := range engine.Buckets {
		buckets = append(buckets, BucketConfig{MinDays: b.MinDays, MaxDays: b.MaxDays, Label: b.Label})
	}

	return Config{
		Environment: EnvironmentConfig{LogLevel: "info", LogFormat: "text"},
		Broker: BrokerConfig{
			Provider:   "tradier",
			Timeout:    "10s",
			MaxRetries: retry.DefaultConfig.MaxRetries,
			CircuitBreaker: CircuitBreakerConfig{
				MinRequests:  breaker.MinRequests,
				FailureRatio: breaker.FailureRatio,
				OpenTimeout:  breaker.Timeout.String(),
			},
		},
		Screener: ScreenerConfig{
			LiquidTickers:     screener.DefaultLiquidTickers(),
			Finviz:            FinvizConfig{URL: screener.DefaultFinvizURL, View: "152"},
			MinAvgVolume:      criteria.MinAvgVolume,
			MinPrice:          criteria.MinPrice,
			AboveSMA200:       criteria.AboveSMA200,
			PositiveEPSGrowth: criteria.PositiveEPSGrowth,
			MaxTickers:        screener.DefaultMaxTickers,
			Trend: TrendConfig{
				SMAPeriod:    trend.SMAPeriod,
				HoldDays:     trend.HoldDays,
				MinBars:      trend.MinBars,
				RSIPeriod:    trend.RSIPeriod,
				LookbackDays: int(trend.Lookback / (24 * time.Hour)),
				CachePath:    "history_cache.json",
				CacheMaxAge:  screener.DefaultCacheMaxAge.String(),
			},
		},
		Scan: ScanConfig{
			MinPrice:          engine.MinPrice,
			MinVolume:         engine.MinVolume,
			MinPremium:        engine.MinPremium,
			MinProbWin:        engine.MinProbWin,
			MinAnnROI:         engine.MinAnnROI,
			MinCushion:        engine.MinCushion,
			MaxCushion:        engine.MaxCushion,
			RiskFreeRate:      engine.RiskFreeRate,
			ProbabilityPolicy: string(engine.ProbabilityPolicy),
			ScoringPolicy:     string(engine.ScoringPolicy),
			CushionWeight:     engine.CushionWeight,
			SelectionMode:     string(engine.SelectionMode),
			Buckets:           buckets,
			TopK:              engine.TopK,
			TopN:              engine.TopN,
			PriceCeiling:      engine.PriceCeiling,
			RequireTrend:      engine.RequireTrend,
			Timezone:          defaultTimezone,
			Workers:           4,
			TickerTimeout:     "60s",
			ProgressEvery:     5,
		},
		Schedule:  ScheduleConfig{Cron: defaultCron, Timezone: defaultTimezone},
		Dashboard: DashboardConfig{Port: 8080},
		Output:    OutputConfig{HTMLPath: "index.html", PrintTable: true},
	}
}

// Load reads and parses the configuration file from the specified path.
// A .env file next to the config (or in the working directory) is loaded
// first; variables already set in the environment win.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	for _, envPath := range dotenvPaths(configPath) {
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading %s: %w", envPath, err)
		}
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default, expanding ${VAR} references first.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	config := Default()
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &config, nil
}

func dotenvPaths(configPath string) []string {
	paths := []string{filepath.Join(filepath.Dir(configPath), ".env")}
	if abs, err := filepath.Abs(paths[0]); err == nil {
		if cwd, err := filepath.Abs(".env"); err == nil && cwd != abs {
			paths = append(paths, ".env")
		}
	}
	return paths
}

// normalize fills in values an explicit empty string would otherwise clear.
func (c *Config) normalize() {
	c.Environment.LogLevel = strings.ToLower(strings.TrimSpace(c.Environment.LogLevel))
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	c.Broker.Provider = strings.ToLower(strings.TrimSpace(c.Broker.Provider))
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Scan.Timezone == "" {
		c.Scan.Timezone = defaultTimezone
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.Cron == "" {
		c.Schedule.Cron = defaultCron
	}
	if c.Screener.MaxTickers == 0 {
		c.Screener.MaxTickers = screener.DefaultMaxTickers
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.Environment.LogLevel); err != nil {
		return fmt.Errorf("environment.log_level invalid: %w", err)
	}
	if f := c.Environment.LogFormat; f != "" && f != "text" && f != "json" {
		return fmt.Errorf("environment.log_format must be 'text' or 'json'")
	}

	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required for the tradier provider")
		}
	case "mock":
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'mock'")
	}
	if _, err := parseDuration(c.Broker.Timeout); err != nil {
		return fmt.Errorf("broker.timeout invalid: %w", err)
	}
	if c.Broker.RequestsPerMinute < 0 {
		return fmt.Errorf("broker.requests_per_minute must be >= 0")
	}
	if c.Broker.MaxRetries < 0 {
		return fmt.Errorf("broker.max_retries must be >= 0")
	}
	if r := c.Broker.CircuitBreaker.FailureRatio; r <= 0 || r > 1 {
		return fmt.Errorf("broker.circuit_breaker.failure_ratio must be in (0,1]")
	}
	if _, err := parseDuration(c.Broker.CircuitBreaker.OpenTimeout); err != nil {
		return fmt.Errorf("broker.circuit_breaker.open_timeout invalid: %w", err)
	}

	if c.Screener.Finviz.Enabled && c.Screener.Finviz.AuthToken == "" {
		return fmt.Errorf("screener.finviz.auth_token is required when finviz is enabled")
	}
	if len(c.Screener.LiquidTickers) == 0 && !c.Screener.Finviz.Enabled {
		return fmt.Errorf("screener needs liquid_tickers or an enabled finviz source")
	}
	if err := c.Trend().Validate(); err != nil {
		return fmt.Errorf("screener.trend: %w", err)
	}
	if _, err := parseDuration(c.Screener.Trend.CacheMaxAge); err != nil {
		return fmt.Errorf("screener.trend.cache_max_age invalid: %w", err)
	}

	if c.Scan.Workers <= 0 {
		return fmt.Errorf("scan.workers must be > 0")
	}
	if _, err := parseDuration(c.Scan.TickerTimeout); err != nil {
		return fmt.Errorf("scan.ticker_timeout invalid: %w", err)
	}
	if _, err := c.Strategy(); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	if c.Schedule.Enabled {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone invalid: %w", err)
		}
		if _, err := cron.ParseStandard(c.Schedule.Cron); err != nil {
			return fmt.Errorf("schedule.cron invalid: %w", err)
		}
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port must be within [0,65535]")
	}
	return nil
}

// Strategy projects the engine configuration.
func (c *Config) Strategy() (strategy.Config, error) {
	prob, err := pricing.ParseProbabilityPolicy(c.Scan.ProbabilityPolicy)
	if err != nil {
		return strategy.Config{}, err
	}
	scoring, err := strategy.ParseScoringPolicy(c.Scan.ScoringPolicy)
	if err != nil {
		return strategy.Config{}, err
	}
	mode, err := strategy.ParseSelectionMode(c.Scan.SelectionMode)
	if err != nil {
		return strategy.Config{}, err
	}

	buckets := make([]strategy.Bucket, 0, len(c.Scan.Buckets))
	for _, b := range c.Scan.Buckets {
		buckets = append(buckets, strategy.Bucket{MinDays: b.MinDays, MaxDays: b.MaxDays, Label: b.Label})
	}

	cfg := strategy.Config{
		MinPrice:          c.Scan.MinPrice,
		MinVolume:         c.Scan.MinVolume,
		MinPremium:        c.Scan.MinPremium,
		MinProbWin:        c.Scan.MinProbWin,
		MinAnnROI:         c.Scan.MinAnnROI,
		MinCushion:        c.Scan.MinCushion,
		MaxCushion:        c.Scan.MaxCushion,
		RiskFreeRate:      c.Scan.RiskFreeRate,
		ProbabilityPolicy: prob,
		ScoringPolicy:     scoring,
		CushionWeight:     c.Scan.CushionWeight,
		SelectionMode:     mode,
		Buckets:           buckets,
		TopK:              c.Scan.TopK,
		TopN:              c.Scan.TopN,
		PriceCeiling:      c.Scan.PriceCeiling,
		RequireTrend:      c.Scan.RequireTrend,
		RSIMin:            c.Scan.RSIMin,
		RSIMax:            c.Scan.RSIMax,
		Location:          LoadLocation(c.Scan.Timezone),
	}
	if err := cfg.Validate(); err != nil {
		return strategy.Config{}, err
	}
	return cfg, nil
}

// Criteria projects the screener predicates.
func (c *Config) Criteria() screener.Criteria {
	return screener.Criteria{
		MinAvgVolume:      c.Screener.MinAvgVolume,
		MinPrice:          c.Screener.MinPrice,
		AboveSMA200:       c.Screener.AboveSMA200,
		PositiveEPSGrowth: c.Screener.PositiveEPSGrowth,
		Optionable:        true,
		RSIMin:            c.Scan.RSIMin,
		RSIMax:            c.Scan.RSIMax,
	}
}

// Trend projects the technical analysis windows.
func (c *Config) Trend() screener.TrendConfig {
	t := c.Screener.Trend
	return screener.TrendConfig{
		SMAPeriod: t.SMAPeriod,
		HoldDays:  t.HoldDays,
		MinBars:   t.MinBars,
		RSIPeriod: t.RSIPeriod,
		Lookback:  time.Duration(t.LookbackDays) * 24 * time.Hour,
	}
}

// CacheMaxAge returns how long cached daily history stays fresh.
func (c *Config) CacheMaxAge() time.Duration {
	d, err := parseDuration(c.Screener.Trend.CacheMaxAge)
	if err != nil || d <= 0 {
		return screener.DefaultCacheMaxAge
	}
	return d
}

// Retry projects the retry policy of the market data client.
func (c *Config) Retry() retry.Config {
	rc := retry.DefaultConfig
	rc.MaxRetries = c.Broker.MaxRetries
	return rc
}

// CircuitBreaker projects the breaker settings.
func (c *Config) CircuitBreaker() broker.CircuitBreakerSettings {
	s := broker.DefaultCircuitBreakerSettings()
	if c.Broker.CircuitBreaker.MinRequests > 0 {
		s.MinRequests = c.Broker.CircuitBreaker.MinRequests
	}
	s.FailureRatio = c.Broker.CircuitBreaker.FailureRatio
	if d, err := parseDuration(c.Broker.CircuitBreaker.OpenTimeout); err == nil && d > 0 {
		s.Timeout = d
	}
	return s
}

// BrokerTimeout returns the per-request HTTP timeout, 10s when unset.
func (c *Config) BrokerTimeout() time.Duration {
	d, err := parseDuration(c.Broker.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// TickerTimeout returns the per-ticker budget, 60s when unset.
func (c *Config) TickerTimeout() time.Duration {
	d, err := parseDuration(c.Scan.TickerTimeout)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// IsMock reports whether the synthetic market data provider is selected.
func (c *Config) IsMock() bool {
	return c.Broker.Provider == "mock"
}

// NewLogger builds a logrus logger from the environment section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.Environment.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
	if c.Environment.LogFormat == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// LoadLocation resolves an IANA zone, falling back to New York and finally
// to a fixed ET offset for minimal containers without tzdata.
func LoadLocation(tz string) *time.Location {
	if tz == "" {
		tz = defaultTimezone
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(defaultTimezone); err == nil {
		return loc
	}
	return time.FixedZone("ET", -5*60*60)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
