package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                    = "LOOM"
	defaultHTTPAddress           = "0.0.0.0:8080"
	defaultDatabasePath          = "loom.db"
	defaultLogLevel              = "info"
	defaultTokenTTLMinutes       = 60
	defaultPersistDebounceSec    = 5
	defaultPresenceTTLSec        = 300
	defaultPresenceSweepInterval = 60
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	SigningSecret         string
	TokenTTL              time.Duration
	PersistDebounce       time.Duration
	PresenceTTL           time.Duration
	PresenceSweepInterval time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("sync.persist_debounce_seconds", defaultPersistDebounceSec)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTLSec)
	configViper.SetDefault("presence.sweep_interval_seconds", defaultPresenceSweepInterval)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		SigningSecret:         configViper.GetString("auth.signing_secret"),
		TokenTTL:              time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		PersistDebounce:       time.Duration(configViper.GetInt("sync.persist_debounce_seconds")) * time.Second,
		PresenceTTL:           time.Duration(configViper.GetInt("presence.ttl_seconds")) * time.Second,
		PresenceSweepInterval: time.Duration(configViper.GetInt("presence.sweep_interval_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.PersistDebounce <= 0 {
		return fmt.Errorf("sync.persist_debounce_seconds must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl_seconds must be positive")
	}
	if c.PresenceSweepInterval <= 0 {
		return fmt.Errorf("presence.sweep_interval_seconds must be positive")
	}
	return nil
}
