package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"coinbridge/internal/secret"
)

// Env reads secrets from environment variables prefixed with COINBRIDGE_,
// e.g. COINBRIDGE_BTCE_API_KEY and COINBRIDGE_BTCE_API_SECRET.
type Env struct {
	v *viper.Viper
}

func NewEnv() *Env {
	v := viper.New()
	v.SetEnvPrefix("COINBRIDGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return &Env{v: v}
}

// Credentials seals the API key pair for exchange.
func (e *Env) Credentials(exchange string) (*secret.Credentials, error) {
	name := strings.ToLower(strings.TrimSpace(exchange))
	key := strings.TrimSpace(e.v.GetString(name + ".api_key"))
	sec := strings.TrimSpace(e.v.GetString(name + ".api_secret"))
	creds, err := secret.New(key, sec)
	if err != nil {
		prefix := "COINBRIDGE_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		return nil, fmt.Errorf("%s_API_KEY/%s_API_SECRET: %w", prefix, prefix, err)
	}
	return creds, nil
}

// Apply overrides secrets that may also be set in the file. Only the
// telegram bot token is supported.
func (e *Env) Apply(cfg *Config) {
	if token := strings.TrimSpace(e.v.GetString("telegram.bot_token")); token != "" {
		cfg.Observability.Telegram.BotToken = token
	}
}
