package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SWITCHBOARD"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "switchboard.db"
	defaultLogLevel        = "info"
	defaultPingIntervalSec = 30
	defaultPingTimeoutSec  = 45
	defaultIdentitySkewSec = 300
)

// AppConfig captures runtime configuration for the switch process.
type AppConfig struct {
	HTTPAddress         string
	DatabasePath        string
	LogLevel            string
	TransportURL        string
	ShareBaseURL        string
	CallbackURLTemplate string
	PingInterval        time.Duration
	PingTimeout         time.Duration
	IdentityMaxSkew     time.Duration
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
	configViper.SetDefault("switch.transport_url", "")
	configViper.SetDefault("switch.share_base_url", "")
	configViper.SetDefault("switch.callback_url_template", "")
	configViper.SetDefault("switch.ping_interval_seconds", defaultPingIntervalSec)
	configViper.SetDefault("switch.ping_timeout_seconds", defaultPingTimeoutSec)
	configViper.SetDefault("identity.max_skew_seconds", defaultIdentitySkewSec)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		TransportURL:        configViper.GetString("switch.transport_url"),
		ShareBaseURL:        configViper.GetString("switch.share_base_url"),
		CallbackURLTemplate: configViper.GetString("switch.callback_url_template"),
		PingInterval:        time.Duration(configViper.GetInt("switch.ping_interval_seconds")) * time.Second,
		PingTimeout:         time.Duration(configViper.GetInt("switch.ping_timeout_seconds")) * time.Second,
		IdentityMaxSkew:     time.Duration(configViper.GetInt("identity.max_skew_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TransportURL) == "" {
		return fmt.Errorf("switch.transport_url is required")
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("switch.ping_interval_seconds must be positive")
	}
	if c.PingTimeout <= c.PingInterval {
		return fmt.Errorf("switch.ping_timeout_seconds must exceed the ping interval")
	}
	return nil
}
