package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "VAULTSYNC"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "vaultsync-server.db"
	defaultVaultPath       = "vault.db"
	defaultServerURL       = "http://127.0.0.1:8080"
	defaultLogLevel        = "info"
	defaultLogFormat       = "json"
	defaultTokenIssuer     = "vaultsync-auth"
	defaultTokenAudience   = "vaultsync-api"
	defaultTokenTTLMinutes = 60
	defaultMaxRestarts     = 3
	defaultRetentionDays   = 30
)

// LogConfig is shared by every subcommand.
type LogConfig struct {
	Level  string
	Format string
}

// ServerConfig captures runtime configuration for the blob server.
type ServerConfig struct {
	HTTPAddress   string
	DatabasePath  string
	SigningSecret string
	TokenIssuer   string
	TokenAudience string
	TokenTTL      time.Duration
	Log           LogConfig
}

// ClientConfig captures runtime configuration for a syncing device.
type ClientConfig struct {
	VaultPath     string
	VaultKey      string
	ServerURL     string
	ServerToken   string
	MaxRestarts   int
	SyncInterval  time.Duration
	RetentionDays int
	Log           LogConfig
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
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.issuer", defaultTokenIssuer)
	configViper.SetDefault("auth.audience", defaultTokenAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)

	configViper.SetDefault("vault.path", defaultVaultPath)
	configViper.SetDefault("server.url", defaultServerURL)
	configViper.SetDefault("sync.max_restarts", defaultMaxRestarts)
	configViper.SetDefault("sync.interval", time.Duration(0))
	configViper.SetDefault("prune.retention_days", defaultRetentionDays)
}

// LoadServer parses blob server configuration from viper.
func LoadServer(configViper *viper.Viper) (ServerConfig, error) {
	cfg := ServerConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenIssuer:   configViper.GetString("auth.issuer"),
		TokenAudience: configViper.GetString("auth.audience"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		Log:           loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses device configuration from viper.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		VaultPath:     configViper.GetString("vault.path"),
		VaultKey:      configViper.GetString("vault.key"),
		ServerURL:     configViper.GetString("server.url"),
		ServerToken:   configViper.GetString("server.token"),
		MaxRestarts:   configViper.GetInt("sync.max_restarts"),
		SyncInterval:  configViper.GetDuration("sync.interval"),
		RetentionDays: configViper.GetInt("prune.retention_days"),
		Log:           loadLog(configViper),
	}

	if err := cfg.validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

func loadLog(configViper *viper.Viper) LogConfig {
	return LogConfig{
		Level:  configViper.GetString("log.level"),
		Format: configViper.GetString("log.format"),
	}
}

func (c ServerConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	return c.Log.validate()
}

func (c ClientConfig) validate() error {
	if strings.TrimSpace(c.VaultPath) == "" {
		return fmt.Errorf("vault.path is required")
	}
	if strings.TrimSpace(c.VaultKey) == "" {
		return fmt.Errorf("vault.key is required")
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	if strings.TrimSpace(c.ServerToken) == "" {
		return fmt.Errorf("server.token is required")
	}
	if c.MaxRestarts < 1 {
		return fmt.Errorf("sync.max_restarts must be at least 1")
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("sync.interval must not be negative")
	}
	return c.Log.validate()
}

func (c LogConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Format)) {
	case "json", "console", "":
		return nil
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.Format)
	}
}
