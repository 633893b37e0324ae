package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"coinbridge/internal/retry"
)

type LogFormat string

const (
	LogJSON    LogFormat = "json"
	LogConsole LogFormat = "console"
)

type Config struct {
	InstanceID     string               `yaml:"instance_id"`
	Exchanges      []ExchangeConfig     `yaml:"exchanges"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Logging        LoggingConfig        `yaml:"logging"`
	Observability  ObservabilityConfig  `yaml:"observability"`
	State          StateConfig          `yaml:"state"`
}

// ExchangeConfig describes one adapter. Unset pricing and retry fields fall
// back to the adapter's own defaults. Credentials are never read from here;
// see Env.
type ExchangeConfig struct {
	Name           string        `yaml:"name"`
	Symbol         string        `yaml:"symbol"`
	TradeBaseURL   string        `yaml:"trade_base_url"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	FeeRate        Decimal       `yaml:"fee_rate"`
	Pricing        PricingConfig `yaml:"pricing"`
	RefreshQuote   bool          `yaml:"refresh_quote"`
	HTTPTimeoutSec int64         `yaml:"http_timeout_sec"`
	QuoteSleepMs   int64         `yaml:"quote_sleep_ms"`
	Retry          *RetryConfig  `yaml:"retry"`
	Bootstrap      *RetryConfig  `yaml:"bootstrap"`
	StatusPoll     *RetryConfig  `yaml:"status_poll"`
}

type PricingConfig struct {
	BuyMultiplier  *Decimal `yaml:"buy_multiplier"`
	SellMultiplier *Decimal `yaml:"sell_multiplier"`
	BuyPrice       *Decimal `yaml:"buy_price"`
	SellPrice      *Decimal `yaml:"sell_price"`
	PricePlaces    *int32   `yaml:"price_places"`
	AmountPlaces   *int32   `yaml:"amount_places"`
}

// RetryConfig maps onto retry.Policy. Zero max_attempts and max_elapsed_sec
// retry until the process is stopped.
type RetryConfig struct {
	MaxAttempts   int     `yaml:"max_attempts"`
	MaxElapsedSec int64   `yaml:"max_elapsed_sec"`
	IntervalMs    int64   `yaml:"interval_ms"`
	MaxIntervalMs int64   `yaml:"max_interval_ms"`
	Factor        float64 `yaml:"factor"`
	Jitter        bool    `yaml:"jitter"`
}

type CircuitBreakerConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxOrderFailures int   `yaml:"max_order_failures"`
	CooldownSec      int64 `yaml:"cooldown_sec"`
	ProbePasses      int   `yaml:"probe_passes"`
}

// StateConfig holds the per-key lock files. Nothing else is persisted.
type StateConfig struct {
	Dir          string `yaml:"dir"`
	LockTakeover *bool  `yaml:"lock_takeover"`
	LockStaleSec int64  `yaml:"lock_stale_sec"`
}

func (s StateConfig) LockStaleAfter() time.Duration {
	return time.Duration(s.LockStaleSec) * time.Second
}

type LoggingConfig struct {
	Level  string    `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

type ObservabilityConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Runtime  RuntimeConfig  `yaml:"runtime"`
}

type TelegramConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BotToken   string `yaml:"bot_token"`
	ChatID     string `yaml:"chat_id"`
	APIBaseURL string `yaml:"api_base_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type RuntimeConfig struct {
	AlertQueueSize int `yaml:"alert_queue_size"`
	// AlertRepeatWindowSec folds repeated alerts for one market; 0 sends all.
	AlertRepeatWindowSec *int64 `yaml:"alert_repeat_window_sec"`
}

// AlertRepeatWindow is the alert folding window after defaults are applied.
func (r RuntimeConfig) AlertRepeatWindow() time.Duration {
	if r.AlertRepeatWindowSec == nil {
		return 0
	}
	return time.Duration(*r.AlertRepeatWindowSec) * time.Second
}

func Load(path string) (Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv applies env overrides before defaults and validation.
func LoadWithEnv(path string, env *Env) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data, env)
}

func Parse(data []byte, env *Env) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, err
	}
	// A trailing document is decoded as a raw node so KnownFields does not
	// reject it before the document count is checked.
	var extra yaml.Node
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("config must contain a single YAML document")
		}
		return Config{}, err
	}
	if env != nil {
		env.Apply(&cfg)
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.InstanceID = strings.ToLower(strings.TrimSpace(c.InstanceID))
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		ex.Name = strings.ToLower(strings.TrimSpace(ex.Name))
		ex.Symbol = strings.ToLower(strings.TrimSpace(ex.Symbol))
		ex.TradeBaseURL = strings.TrimSpace(ex.TradeBaseURL)
		ex.PublicBaseURL = strings.TrimSpace(ex.PublicBaseURL)
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Format = LogFormat(strings.ToLower(strings.TrimSpace(string(c.Logging.Format))))
	c.Observability.Telegram.BotToken = strings.TrimSpace(c.Observability.Telegram.BotToken)
	c.Observability.Telegram.ChatID = strings.TrimSpace(c.Observability.Telegram.ChatID)
	c.Observability.Telegram.APIBaseURL = strings.TrimSpace(c.Observability.Telegram.APIBaseURL)
	c.State.Dir = strings.TrimSpace(c.State.Dir)
}

func (c *Config) applyDefaults() {
	if c.InstanceID == "" {
		c.InstanceID = "default"
	}
	for i := range c.Exchanges {
		ex := &c.Exchanges[i]
		if ex.HTTPTimeoutSec == 0 {
			ex.HTTPTimeoutSec = 15
		}
		if ex.QuoteSleepMs == 0 {
			ex.QuoteSleepMs = 500
		}
	}
	if c.CircuitBreaker.MaxOrderFailures == 0 {
		c.CircuitBreaker.MaxOrderFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.ProbePasses == 0 {
		c.CircuitBreaker.ProbePasses = 1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = LogJSON
	}
	if c.Observability.Telegram.APIBaseURL == "" {
		c.Observability.Telegram.APIBaseURL = "https://api.telegram.org"
	}
	if c.Observability.Telegram.TimeoutSec == 0 {
		c.Observability.Telegram.TimeoutSec = 10
	}
	if c.Observability.Runtime.AlertQueueSize == 0 {
		c.Observability.Runtime.AlertQueueSize = 128
	}
	if c.Observability.Runtime.AlertRepeatWindowSec == nil {
		window := int64(300)
		c.Observability.Runtime.AlertRepeatWindowSec = &window
	}
	if c.State.Dir == "" {
		c.State.Dir = "state"
	}
	if c.State.LockTakeover == nil {
		enabled := true
		c.State.LockTakeover = &enabled
	}
	if c.State.LockStaleSec == 0 {
		c.State.LockStaleSec = 600
	}
}

func (c Config) Validate() error {
	if !isValidInstanceID(c.InstanceID) {
		return fmt.Errorf("instance_id must match [a-z0-9_-], length 1..24")
	}
	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange is required")
	}
	seen := make(map[string]bool, len(c.Exchanges))
	for i, ex := range c.Exchanges {
		if err := ex.Validate(); err != nil {
			return fmt.Errorf("exchanges[%d]: %w", i, err)
		}
		if seen[ex.Name] {
			return fmt.Errorf("exchanges[%d]: duplicate exchange %q", i, ex.Name)
		}
		seen[ex.Name] = true
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxOrderFailures < 1 {
			return fmt.Errorf("circuit_breaker.max_order_failures must be >= 1")
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			return fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600")
		}
		if c.CircuitBreaker.ProbePasses < 1 || c.CircuitBreaker.ProbePasses > 20 {
			return fmt.Errorf("circuit_breaker.probe_passes must be between 1 and 20")
		}
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error")
	}
	if c.Logging.Format != LogJSON && c.Logging.Format != LogConsole {
		return fmt.Errorf("logging.format must be json or console")
	}
	if c.Observability.Runtime.AlertQueueSize < 1 || c.Observability.Runtime.AlertQueueSize > 10000 {
		return fmt.Errorf("observability.runtime.alert_queue_size must be between 1 and 10000")
	}
	if w := c.Observability.Runtime.AlertRepeatWindowSec; w != nil && (*w < 0 || *w > 86400) {
		return fmt.Errorf("observability.runtime.alert_repeat_window_sec must be between 0 and 86400")
	}
	if c.State.LockStaleSec < 0 || c.State.LockStaleSec > 86400 {
		return fmt.Errorf("state.lock_stale_sec must be between 0 and 86400")
	}
	if c.Observability.Telegram.Enabled {
		if c.Observability.Telegram.BotToken == "" {
			return fmt.Errorf("observability.telegram.bot_token is required when telegram enabled")
		}
		if c.Observability.Telegram.ChatID == "" {
			return fmt.Errorf("observability.telegram.chat_id is required when telegram enabled")
		}
		if c.Observability.Telegram.TimeoutSec < 1 || c.Observability.Telegram.TimeoutSec > 120 {
			return fmt.Errorf("observability.telegram.timeout_sec must be between 1 and 120")
		}
		if err := validateURL(c.Observability.Telegram.APIBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("observability.telegram.api_base_url %v", err)
		}
	}
	return nil
}

func (e ExchangeConfig) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !isValidSymbol(e.Symbol) {
		return fmt.Errorf("symbol must match [a-z0-9_], length 3..20")
	}
	if e.FeeRate.IsNegative() || e.FeeRate.Cmp(decimal.NewFromInt(1)) >= 0 {
		return fmt.Errorf("fee_rate must be in [0,1)")
	}
	if e.TradeBaseURL != "" {
		if err := validateURL(e.TradeBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("trade_base_url %v", err)
		}
	}
	if e.PublicBaseURL != "" {
		if err := validateURL(e.PublicBaseURL, "http", "https"); err != nil {
			return fmt.Errorf("public_base_url %v", err)
		}
	}
	if e.HTTPTimeoutSec < 1 || e.HTTPTimeoutSec > 120 {
		return fmt.Errorf("http_timeout_sec must be between 1 and 120")
	}
	if e.QuoteSleepMs < 1 || e.QuoteSleepMs > 60000 {
		return fmt.Errorf("quote_sleep_ms must be between 1 and 60000")
	}
	if err := e.Pricing.validate(); err != nil {
		return err
	}
	for name, r := range map[string]*RetryConfig{"retry": e.Retry, "bootstrap": e.Bootstrap, "status_poll": e.StatusPoll} {
		if err := r.validate(); err != nil {
			return fmt.Errorf("%s.%w", name, err)
		}
	}
	return nil
}

// HTTPTimeout is the per-attempt network timeout.
func (e ExchangeConfig) HTTPTimeout() time.Duration {
	return time.Duration(e.HTTPTimeoutSec) * time.Second
}

func (e ExchangeConfig) QuoteSleep() time.Duration {
	return time.Duration(e.QuoteSleepMs) * time.Millisecond
}

func (p PricingConfig) validate() error {
	one := decimal.NewFromInt(1)
	if p.BuyMultiplier != nil && p.BuyMultiplier.Cmp(one) <= 0 {
		return fmt.Errorf("pricing.buy_multiplier must be > 1")
	}
	if p.SellMultiplier != nil && (!p.SellMultiplier.IsPositive() || p.SellMultiplier.Cmp(one) >= 0) {
		return fmt.Errorf("pricing.sell_multiplier must be in (0,1)")
	}
	if p.BuyPrice != nil && !p.BuyPrice.IsPositive() {
		return fmt.Errorf("pricing.buy_price must be > 0")
	}
	if p.SellPrice != nil && !p.SellPrice.IsPositive() {
		return fmt.Errorf("pricing.sell_price must be > 0")
	}
	if p.BuyMultiplier != nil && p.BuyPrice != nil {
		return fmt.Errorf("pricing.buy_multiplier and pricing.buy_price are exclusive")
	}
	if p.SellMultiplier != nil && p.SellPrice != nil {
		return fmt.Errorf("pricing.sell_multiplier and pricing.sell_price are exclusive")
	}
	if p.PricePlaces != nil && (*p.PricePlaces < -1 || *p.PricePlaces > 16) {
		return fmt.Errorf("pricing.price_places must be between -1 and 16")
	}
	if p.AmountPlaces != nil && (*p.AmountPlaces < -1 || *p.AmountPlaces > 16) {
		return fmt.Errorf("pricing.amount_places must be between -1 and 16")
	}
	return nil
}

func (r *RetryConfig) validate() error {
	if r == nil {
		return nil
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if r.MaxElapsedSec < 0 {
		return fmt.Errorf("max_elapsed_sec must be >= 0")
	}
	if r.IntervalMs < 0 || r.IntervalMs > 3600000 {
		return fmt.Errorf("interval_ms must be between 0 and 3600000")
	}
	if r.MaxIntervalMs < 0 || (r.MaxIntervalMs > 0 && r.MaxIntervalMs < r.IntervalMs) {
		return fmt.Errorf("max_interval_ms must be 0 or >= interval_ms")
	}
	if r.Factor < 0 {
		return fmt.Errorf("factor must be >= 0")
	}
	return nil
}

// Policy converts r to a retry policy; nil keeps the adapter default.
func (r *RetryConfig) Policy() *retry.Policy {
	if r == nil {
		return nil
	}
	return &retry.Policy{
		MaxAttempts: r.MaxAttempts,
		MaxElapsed:  time.Duration(r.MaxElapsedSec) * time.Second,
		Interval:    time.Duration(r.IntervalMs) * time.Millisecond,
		MaxInterval: time.Duration(r.MaxIntervalMs) * time.Millisecond,
		Factor:      r.Factor,
		Jitter:      r.Jitter,
	}
}

func isValidInstanceID(v string) bool {
	if len(v) < 1 || len(v) > 24 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

func isValidSymbol(v string) bool {
	if len(v) < 3 || len(v) > 20 {
		return false
	}
	for _, r := range v {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
