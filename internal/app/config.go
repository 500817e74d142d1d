package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/meridianws/identity/internal/database"
)

// Config represents the runtime configuration for the identity daemon.
type Config struct {
	Log      LogConfig      `mapstructure:"log"`
	Database DatabaseConfig `mapstructure:"database"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Sync     SyncConfig     `mapstructure:"sync"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// AuthConfig captures authentication-related settings.
type AuthConfig struct {
	// SessionTTL bounds issued SSO sessions.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
	// StateSecret keys the relay-state encryption. Generated at startup when
	// not configured, which invalidates in-flight logins across restarts.
	StateSecret string `mapstructure:"state_secret"`
	// StateTTL bounds how long a started login may wait for its callback.
	StateTTL time.Duration `mapstructure:"state_ttl"`
	// ProviderTimeout bounds outbound calls to identity providers.
	ProviderTimeout time.Duration `mapstructure:"provider_timeout"`
}

// SyncConfig controls the background directory sync scheduler.
type SyncConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Schedule string `mapstructure:"schedule"`
}

// LoadConfig initialises configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("MERIDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/identity.sqlite")

	v.SetDefault("auth.session_ttl", "8h")
	v.SetDefault("auth.state_ttl", "10m")
	v.SetDefault("auth.provider_timeout", "10s")

	v.SetDefault("sync.enabled", true)
	v.SetDefault("sync.schedule", "@hourly")
}

// DatabaseConfig converts the app-level settings into the database package's
// connection config.
func (c *Config) DatabaseSettings() database.Config {
	cfg := database.Config{
		Driver: c.Database.Driver,
		Path:   c.Database.Path,
		DSN:    c.Database.DSN,
	}
	switch strings.ToLower(c.Database.Driver) {
	case "postgres", "postgresql":
		cfg.Host = c.Database.Postgres.Host
		cfg.Port = c.Database.Postgres.Port
		cfg.Name = c.Database.Postgres.Database
		cfg.User = c.Database.Postgres.Username
		cfg.Password = c.Database.Postgres.Password
	case "mysql", "mariadb":
		cfg.Host = c.Database.MySQL.Host
		cfg.Port = c.Database.MySQL.Port
		cfg.Name = c.Database.MySQL.Database
		cfg.User = c.Database.MySQL.Username
		cfg.Password = c.Database.MySQL.Password
	}
	return cfg
}
