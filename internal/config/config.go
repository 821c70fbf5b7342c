package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "TESSERA"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabaseDialect = "sqlite"
	defaultDatabasePath    = "tessera.db"
	defaultLogLevel        = "info"
	defaultCacheEnabled    = true
	defaultLotBytes        = 256 << 10
	defaultTimeoutMinutes  = 15
	defaultSchemaVersion   = "1"
	defaultTokenTTLMinutes = 30
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDialect   string
	DatabasePath      string
	DatabaseDSN       string
	LogLevel          string
	CacheEnabled      bool
	LotBytes          int
	ConnectionTimeout time.Duration
	SchemaVersion     string
	SigningSecret     string
	TokenTTL          time.Duration
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
	configViper.SetDefault("database.dialect", defaultDatabaseDialect)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("cache.enabled", defaultCacheEnabled)
	configViper.SetDefault("sync.lot_bytes", defaultLotBytes)
	configViper.SetDefault("sync.schema_version", defaultSchemaVersion)
	configViper.SetDefault("connection.timeout_minutes", defaultTimeoutMinutes)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabaseDialect:   strings.ToLower(strings.TrimSpace(configViper.GetString("database.dialect"))),
		DatabasePath:      configViper.GetString("database.path"),
		DatabaseDSN:       configViper.GetString("database.dsn"),
		LogLevel:          configViper.GetString("log.level"),
		CacheEnabled:      configViper.GetBool("cache.enabled"),
		LotBytes:          configViper.GetInt("sync.lot_bytes"),
		ConnectionTimeout: time.Duration(configViper.GetInt("connection.timeout_minutes")) * time.Minute,
		SchemaVersion:     configViper.GetString("sync.schema_version"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
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
	switch c.DatabaseDialect {
	case "sqlite":
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite dialect")
		}
	case "mysql":
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the mysql dialect")
		}
	default:
		return fmt.Errorf("database.dialect %q is not supported", c.DatabaseDialect)
	}
	if c.LotBytes <= 0 {
		return fmt.Errorf("sync.lot_bytes must be positive")
	}
	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection.timeout_minutes must be positive")
	}
	return nil
}
