// Package config loads the service's runtime configuration from YAML,
// environment variables, and defaults, in the teacher's layered-viper style.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every option spec §6 "Configuration" recognizes, plus the
// ambient options (listen address, logging) a deployable binary needs.
type Config struct {
	BaseDomain    string `mapstructure:"base_domain"`
	DefaultIssuer string `mapstructure:"default_issuer"`

	SigningKeyPath string `mapstructure:"signing_key_path"`

	// SessionStorePath selects the Session Registry backend: empty (the
	// default) uses the in-memory store, a non-empty path switches to the
	// file-backed store at that path.
	SessionStorePath string `mapstructure:"session_store_path"`

	SessionTTLSeconds             int `mapstructure:"session_ttl_seconds"`
	ForeignKeyCacheTTLSeconds     int `mapstructure:"foreign_key_cache_ttl_seconds"`
	ForeignKeyNegativeCacheSeconds int `mapstructure:"foreign_key_negative_cache_seconds"`

	AcceptSelfSignedBypass  bool     `mapstructure:"accept_self_signed_bypass"`
	OfficialIssuerAllowList []string `mapstructure:"official_issuer_allow_list"`
	LocalHosts              []string `mapstructure:"local_hosts"`

	ListenAddress string `mapstructure:"listen_address"`
	LogLevel      string `mapstructure:"log_level"`
	LogJSON       bool   `mapstructure:"log_json"`

	JWKSFetchTimeoutSeconds int `mapstructure:"jwks_fetch_timeout_seconds"`
}

// applyDefaults fills in the values spec §6 names as defaults, mirroring
// the teacher's Config.applyDefaults shape: each default is set only when
// the field is still its zero value, so an explicitly-configured zero or
// empty value is replaced by the default as well.
func (c *Config) applyDefaults() {
	if c.SessionTTLSeconds == 0 {
		c.SessionTTLSeconds = 36000
	}
	if c.ForeignKeyCacheTTLSeconds == 0 {
		c.ForeignKeyCacheTTLSeconds = 3600
	}
	if c.ForeignKeyNegativeCacheSeconds == 0 {
		c.ForeignKeyNegativeCacheSeconds = 30
	}
	if c.JWKSFetchTimeoutSeconds == 0 {
		c.JWKSFetchTimeoutSeconds = 5
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8443"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DefaultIssuer == "" && c.BaseDomain != "" {
		c.DefaultIssuer = "https://" + c.BaseDomain
	}
	if len(c.LocalHosts) == 0 && c.BaseDomain != "" {
		c.LocalHosts = []string{c.BaseDomain}
	}
}

// Validate reports a configuration that can't be used to start the service.
func (c *Config) Validate() error {
	if c.BaseDomain == "" {
		return fmt.Errorf("config: base_domain is required")
	}
	if c.DefaultIssuer == "" || !strings.HasPrefix(c.DefaultIssuer, "https://") {
		return fmt.Errorf("config: default_issuer must be an https:// URL")
	}
	if c.SessionTTLSeconds <= 0 {
		return fmt.Errorf("config: session_ttl_seconds must be positive")
	}
	if c.ForeignKeyCacheTTLSeconds <= 0 {
		return fmt.Errorf("config: foreign_key_cache_ttl_seconds must be positive")
	}
	if c.ForeignKeyNegativeCacheSeconds <= 0 {
		return fmt.Errorf("config: foreign_key_negative_cache_seconds must be positive")
	}
	if c.JWKSFetchTimeoutSeconds <= 0 {
		return fmt.Errorf("config: jwks_fetch_timeout_seconds must be positive")
	}
	return nil
}

// SessionTTL returns the session lifetime as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSeconds) * time.Second
}

// ForeignKeyCacheTTL returns the JWKS federation TTL as a time.Duration.
func (c *Config) ForeignKeyCacheTTL() time.Duration {
	return time.Duration(c.ForeignKeyCacheTTLSeconds) * time.Second
}

// ForeignKeyNegativeCacheTTL returns the federation negative-cache window.
func (c *Config) ForeignKeyNegativeCacheTTL() time.Duration {
	return time.Duration(c.ForeignKeyNegativeCacheSeconds) * time.Second
}

// JWKSFetchTimeout returns the outbound JWKS fetch deadline.
func (c *Config) JWKSFetchTimeout() time.Duration {
	return time.Duration(c.JWKSFetchTimeoutSeconds) * time.Second
}

// Load reads configuration from configPath (if non-empty), then the
// environment (prefixed HYTALEAUTHD_, with "." replaced by "_" to match
// nested keys), applies defaults, validates, and returns the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HYTALEAUTHD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Unmarshal only sees keys viper already knows, so bind every key to
	// its environment variable even when the config file does not set it.
	for _, key := range []string{
		"base_domain", "default_issuer", "signing_key_path", "session_store_path",
		"session_ttl_seconds", "foreign_key_cache_ttl_seconds", "foreign_key_negative_cache_seconds",
		"accept_self_signed_bypass", "official_issuer_allow_list", "local_hosts",
		"listen_address", "log_level", "log_json", "jwks_fetch_timeout_seconds",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind env %s: %w", key, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
