package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"coinbridge/internal/secret"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: BTCE
    symbol: " LTC_USD "
    fee_rate: "0.002"
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ex := cfg.Exchanges[0]
	if ex.Name != "btce" || ex.Symbol != "ltc_usd" {
		t.Fatalf("exchange = %q/%q, want btce/ltc_usd", ex.Name, ex.Symbol)
	}
	if !ex.FeeRate.Equal(decimal.RequireFromString("0.002")) {
		t.Fatalf("fee_rate = %s", ex.FeeRate.String())
	}
	if ex.HTTPTimeout() != 15*time.Second {
		t.Fatalf("http timeout = %s, want 15s", ex.HTTPTimeout())
	}
	if ex.QuoteSleep() != 500*time.Millisecond {
		t.Fatalf("quote sleep = %s, want 500ms", ex.QuoteSleep())
	}
	if ex.Retry.Policy() != nil {
		t.Fatalf("retry policy should be left to the adapter when omitted")
	}
	if cfg.InstanceID != "default" {
		t.Fatalf("instance_id = %q, want default", cfg.InstanceID)
	}
	if cfg.CircuitBreaker.MaxOrderFailures != 5 || cfg.CircuitBreaker.CooldownSec != 30 || cfg.CircuitBreaker.ProbePasses != 1 {
		t.Fatalf("circuit_breaker = %+v", cfg.CircuitBreaker)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != LogJSON {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
	if cfg.Observability.Runtime.AlertRepeatWindow() != 5*time.Minute {
		t.Fatalf("observability.runtime alert repeat window = %s, want 5m", cfg.Observability.Runtime.AlertRepeatWindow())
	}
	if cfg.State.Dir != "state" || cfg.State.LockTakeover == nil || !*cfg.State.LockTakeover {
		t.Fatalf("state = %+v, want dir=state takeover=true", cfg.State)
	}
	if cfg.State.LockStaleAfter() != 10*time.Minute {
		t.Fatalf("state.lock_stale_sec = %d, want 600", cfg.State.LockStaleSec)
	}
}

func TestLoadStateLockTakeoverDisabled(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
state:
  dir: " /var/lib/coinbridge "
  lock_takeover: false
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.State.Dir != "/var/lib/coinbridge" {
		t.Fatalf("state.dir = %q", cfg.State.Dir)
	}
	if cfg.State.LockTakeover == nil || *cfg.State.LockTakeover {
		t.Fatalf("state.lock_takeover should stay false when set explicitly")
	}
}

func TestLoadParsesPricingAndRetry(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: bitfinex
    symbol: ltcusd
    pricing:
      buy_price: "90000.00"
      sell_price: "0.05"
      price_places: 2
      amount_places: -1
    retry:
      max_attempts: 4
      interval_ms: 250
      max_interval_ms: 2000
      factor: 2
    status_poll:
      interval_ms: 0
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	p := cfg.Exchanges[0].Pricing
	if p.BuyPrice == nil || p.BuyPrice.String() != "90000" {
		t.Fatalf("buy_price = %v", p.BuyPrice)
	}
	if p.AmountPlaces == nil || *p.AmountPlaces != -1 {
		t.Fatalf("amount_places = %v, want -1", p.AmountPlaces)
	}
	policy := cfg.Exchanges[0].Retry.Policy()
	if policy == nil || policy.MaxAttempts != 4 || policy.Interval != 250*time.Millisecond || policy.MaxInterval != 2*time.Second || policy.Factor != 2 {
		t.Fatalf("retry policy = %+v", policy)
	}
	poll := cfg.Exchanges[0].StatusPoll.Policy()
	if poll == nil || poll.Interval != 0 || poll.MaxAttempts != 0 {
		t.Fatalf("status poll policy = %+v, want busy poll forever", poll)
	}
}

func TestLoadRejectsUnknownField(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
    api_key: inline
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "api_key") {
		t.Fatalf("Load() error = %v, want unknown field api_key", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	trailing := []string{
		"instance_id: other",
		"not_a_config_field: 1",
		"- just\n- a list",
	}
	for _, doc := range trailing {
		cfgPath := writeTempConfig(t, "exchanges:\n  - name: btce\n    symbol: ltc_usd\n---\n"+doc)

		_, err := Load(cfgPath)
		if err == nil || !strings.Contains(err.Error(), "config must contain a single YAML document") {
			t.Fatalf("Load(trailing %q) error = %v, want single document error", doc, err)
		}
	}
}

func TestLoadRejectsInvalidDecimals(t *testing.T) {
	cases := map[string]string{
		`fee_rate: "-0.01"`:                  "must not be negative",
		`fee_rate: -0.01`:                    "must not be negative",
		`fee_rate: .nan`:                     "must be finite",
		`fee_rate: "0.00000000000000001"`:    "more than 16 places",
		`fee_rate: [0.1]`:                    "must be a scalar",
		`fee_rate: abc`:                      "invalid decimal",
		"pricing:\n      buy_price: \"-5\"": "must not be negative",
	}
	for field, want := range cases {
		content := "exchanges:\n  - name: btce\n    symbol: ltc_usd\n    " + field + "\n"
		_, err := Load(writeTempConfig(t, content))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Load(%s) error = %v, want %q", field, err, want)
		}
	}
}

func TestDecimalAcceptsQuotedAndBareNumbers(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
    fee_rate: 0.002
    pricing:
      buy_multiplier: " 1.5 "
`)

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ex := cfg.Exchanges[0]
	if ex.FeeRate.String() != "0.002" || ex.Pricing.BuyMultiplier.String() != "1.5" {
		t.Fatalf("fee_rate=%s buy_multiplier=%s", ex.FeeRate, ex.Pricing.BuyMultiplier)
	}
}

func TestLoadRejectsInvalidExchange(t *testing.T) {
	cases := map[string]string{
		"symbol": `
exchanges:
  - name: btce
    symbol: "ltc-usd!"
`,
		"fee_rate": `
exchanges:
  - name: btce
    symbol: ltc_usd
    fee_rate: "1"
`,
		"buy_multiplier": `
exchanges:
  - name: btce
    symbol: ltc_usd
    pricing:
      buy_multiplier: "0.9"
`,
		"exclusive": `
exchanges:
  - name: btce
    symbol: ltc_usd
    pricing:
      sell_multiplier: "0.6"
      sell_price: "0.01"
`,
		"trade_base_url": `
exchanges:
  - name: btce
    symbol: ltc_usd
    trade_base_url: ftp://btc-e.com
`,
		"retry.max_attempts": `
exchanges:
  - name: btce
    symbol: ltc_usd
    retry:
      max_attempts: -1
`,
		"duplicate": `
exchanges:
  - name: btce
    symbol: ltc_usd
  - name: btce
    symbol: btc_usd
`,
		"at least one exchange": `
instance_id: empty
`,
	}
	for want, content := range cases {
		_, err := Load(writeTempConfig(t, content))
		if err == nil || !strings.Contains(err.Error(), want) {
			t.Errorf("Load(%s) error = %v, want mention of %q", want, err, want)
		}
	}
}

func TestLoadRejectsInvalidLogging(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
logging:
  level: trace
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "logging.level") {
		t.Fatalf("Load() error = %v, want logging.level error", err)
	}
}

func TestLoadTelegramDisabledIgnoresInvalidAPIBaseURL(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
observability:
  telegram:
    enabled: false
    api_base_url: "not a url"
`)

	if _, err := Load(cfgPath); err != nil {
		t.Fatalf("Load() error = %v, want nil when telegram disabled", err)
	}
}

func TestLoadTelegramEnabledRequiresToken(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
observability:
  telegram:
    enabled: true
    chat_id: "42"
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "bot_token") {
		t.Fatalf("Load() error = %v, want bot_token error", err)
	}
}

func TestLoadRejectsInvalidCircuitBreakerCooldown(t *testing.T) {
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
circuit_breaker:
  enabled: true
  cooldown_sec: 7200
`)

	_, err := Load(cfgPath)
	if err == nil || !strings.Contains(err.Error(), "cooldown_sec") {
		t.Fatalf("Load() error = %v, want cooldown_sec error", err)
	}
}

func TestEnvCredentials(t *testing.T) {
	t.Setenv("COINBRIDGE_BTCE_API_KEY", "env-key")
	t.Setenv("COINBRIDGE_BTCE_API_SECRET", "env-secret")

	creds, err := NewEnv().Credentials("BTCE")
	if err != nil {
		t.Fatalf("Credentials() error = %v", err)
	}
	if creds.APIKey() != "env-key" {
		t.Fatalf("api key = %q", creds.APIKey())
	}
}

func TestEnvCredentialsMissing(t *testing.T) {
	t.Setenv("COINBRIDGE_BITFINEX_API_KEY", "only-key")

	_, err := NewEnv().Credentials("bitfinex")
	if !errors.Is(err, secret.ErrMissingCredentials) {
		t.Fatalf("Credentials() error = %v, want ErrMissingCredentials", err)
	}
	if !strings.Contains(err.Error(), "COINBRIDGE_BITFINEX_API_SECRET") {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestEnvOverridesTelegramToken(t *testing.T) {
	t.Setenv("COINBRIDGE_TELEGRAM_BOT_TOKEN", "from-env")
	cfg := Config{}
	cfg.Observability.Telegram.BotToken = "from-file"

	NewEnv().Apply(&cfg)
	if cfg.Observability.Telegram.BotToken != "from-env" {
		t.Fatalf("bot_token = %q, want from-env", cfg.Observability.Telegram.BotToken)
	}
}

func TestLoadWithEnvSuppliesTelegramToken(t *testing.T) {
	t.Setenv("COINBRIDGE_TELEGRAM_BOT_TOKEN", "123:abc")
	cfgPath := writeTempConfig(t, `
exchanges:
  - name: btce
    symbol: ltc_usd
observability:
  telegram:
    enabled: true
    chat_id: "42"
`)

	cfg, err := LoadWithEnv(cfgPath, NewEnv())
	if err != nil {
		t.Fatalf("LoadWithEnv() error = %v", err)
	}
	if cfg.Observability.Telegram.BotToken != "123:abc" {
		t.Fatalf("bot_token = %q", cfg.Observability.Telegram.BotToken)
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0o644); err != nil {
		t.Fatalf("write temp config failed: %v", err)
	}
	return path
}
