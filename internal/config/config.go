// Package config turns viper settings into an explicit Config value.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. TESTHUB_DB_PATH.
const EnvPrefix = "TESTHUB"

// DefaultUser holds the credentials the executor logs in with.
type DefaultUser struct {
	Email    string
	Password string
}

// Complete reports whether both email and password are set.
func (u DefaultUser) Complete() bool {
	return u.Email != "" && u.Password != ""
}

// Config is the resolved runtime configuration.
type Config struct {
	StateDir string
	DBPath   string

	ServerPort int

	JWTSecret string
	TokenTTL  time.Duration

	AnthropicAPIKey string
	AnthropicModel  string

	TargetBaseURL string
	MaxEndpoints  int
	DefaultUser   DefaultUser
	JUnitPath     string
}

// DefaultDir returns ~/.config/testhub.
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "testhub")
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	dir := DefaultDir()

	v.SetDefault("state_dir", dir)
	v.SetDefault("db_path", filepath.Join(dir, "testhub.db"))
	v.SetDefault("server.port", 8000)
	v.SetDefault("auth.jwt_secret", "CHANGE_ME_SUPER_SECRET")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("ai.target_base_url", "http://localhost:8000")
	v.SetDefault("ai.max_endpoints", 10)
	v.SetDefault("ai.default_user.email", "")
	v.SetDefault("ai.default_user.password", "")
	v.SetDefault("ai.junit_path", "reports/api-results.xml")
}

// Load reads the current viper state into a Config. The anthropic key
// falls back to ANTHROPIC_API_KEY when unset.
func Load(v *viper.Viper) Config {
	cfg := Config{
		StateDir:        v.GetString("state_dir"),
		DBPath:          v.GetString("db_path"),
		ServerPort:      v.GetInt("server.port"),
		JWTSecret:       v.GetString("auth.jwt_secret"),
		TokenTTL:        v.GetDuration("auth.token_ttl"),
		AnthropicAPIKey: v.GetString("anthropic.api_key"),
		AnthropicModel:  v.GetString("anthropic.model"),
		TargetBaseURL:   v.GetString("ai.target_base_url"),
		MaxEndpoints:    v.GetInt("ai.max_endpoints"),
		DefaultUser: DefaultUser{
			Email:    v.GetString("ai.default_user.email"),
			Password: v.GetString("ai.default_user.password"),
		},
		JUnitPath: v.GetString("ai.junit_path"),
	}

	if cfg.AnthropicAPIKey == "" {
		cfg.AnthropicAPIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	return cfg
}
