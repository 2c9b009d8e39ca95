package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "INKWELL"
	defaultHTTPAddress      = "0.0.0.0:8080"
	defaultDatabasePath     = "inkwell.db"
	defaultLogLevel         = "info"
	defaultTokenIssuer      = "inkwell-auth"
	defaultTokenAudience    = "inkwell-sync"
	defaultGraceSeconds     = 30
	defaultSettleSeconds    = 3
	defaultPersistRetries   = 3
	minimumGraceSeconds     = 1
	minimumPersistAttempts  = 1
	maximumPersistAttempts  = 10
	minimumSettleSecondsVal = 0
)

// AppConfig captures runtime configuration for the sync server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	SigningSecret  string
	TokenIssuer    string
	TokenAudience  string
	RoomGrace      time.Duration
	SettleWindow   time.Duration
	PersistRetries int
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
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("room.grace_seconds", defaultGraceSeconds)
	configViper.SetDefault("room.settle_seconds", defaultSettleSeconds)
	configViper.SetDefault("room.persist_retries", defaultPersistRetries)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		SigningSecret:  configViper.GetString("auth.signing_secret"),
		TokenIssuer:    configViper.GetString("auth.issuer"),
		TokenAudience:  configViper.GetString("auth.audience"),
		RoomGrace:      time.Duration(configViper.GetInt("room.grace_seconds")) * time.Second,
		SettleWindow:   time.Duration(configViper.GetInt("room.settle_seconds")) * time.Second,
		PersistRetries: configViper.GetInt("room.persist_retries"),
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
	if strings.TrimSpace(c.TokenIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if strings.TrimSpace(c.TokenAudience) == "" {
		return fmt.Errorf("auth.audience is required")
	}
	if c.RoomGrace < minimumGraceSeconds*time.Second {
		return fmt.Errorf("room.grace_seconds must be at least %d", minimumGraceSeconds)
	}
	if c.SettleWindow < minimumSettleSecondsVal {
		return fmt.Errorf("room.settle_seconds must not be negative")
	}
	if c.PersistRetries < minimumPersistAttempts || c.PersistRetries > maximumPersistAttempts {
		return fmt.Errorf("room.persist_retries must be between %d and %d", minimumPersistAttempts, maximumPersistAttempts)
	}
	return nil
}
