// Package config loads and validates the authorization server's
// configuration from environment variables, an optional YAML file, and
// built-in defaults.
package config

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageDriver selects which Repositories implementation backs the server.
type StorageDriver string

const (
	StorageDriverMemory  StorageDriver = "memory"
	StorageDriverDurable StorageDriver = "durable"
)

// Config is the fully-resolved configuration for the authorization server
// and tool orchestrator. All values are plain Go types; no file paths or
// environment lookups happen past Load.
type Config struct {
	StorageDriver StorageDriver
	DatabaseURL   string

	ListenAddr string

	IssuerURL string

	SigningPrivateKeyPEM string
	SigningKeyID         string
	signingKey           *rsa.PrivateKey

	AccessTokenTTL        time.Duration
	RefreshTokenTTL       time.Duration
	AuthorizationCodeTTL  time.Duration
	CleanupInterval       time.Duration

	SupportedScopes    []string
	DefaultScopes      []string
	AllowedClientIDs   []string
	AllowedRedirectURIs []string
	DeveloperMode      bool

	UpstreamAPIURL                string
	UpstreamAPITimeout            time.Duration
	UpstreamTokenExchangeTimeout  time.Duration

	// UpstreamIdentityIssuerURL and UpstreamIdentityClientID configure the
	// OIDC verifier used to prove the identity token presented at consent
	// completion. Left empty, the server cannot verify upstream identity
	// and startup should refuse to construct a verifier from them.
	UpstreamIdentityIssuerURL string
	UpstreamIdentityClientID  string

	MaxAttempts     int
	BaseDelayMs     int
	DelayStepMs     int
	StableThreshold int
	MaxTotalWaitMs  int

	DefaultConcurrency int
	MaxConcurrency     int
	ThrottleMs         int

	InstructionCharLimit int
	SectionCharLimit     int
	MaxConnections       int
	PaginationLimit      int

	LogJSON  bool
	LogLevel string
}

// SigningKey returns the parsed RSA private key, parsing and caching it on
// first call.
func (c *Config) SigningKey() (*rsa.PrivateKey, error) {
	if c.signingKey != nil {
		return c.signingKey, nil
	}
	key, err := parseRSAPrivateKeyPEM(c.SigningPrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("signing_private_key: %w", err)
	}
	c.signingKey = key
	return key, nil
}

func parseRSAPrivateKeyPEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("not a PKCS1 or PKCS8 RSA key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("PEM key is not RSA")
	}
	return rsaKey, nil
}

// Load reads configuration from environment variables prefixed
// AUTHBRIDGE_, an optional config file, and defaults, then validates it.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("AUTHBRIDGE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	applyViperDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	cfg := &Config{
		StorageDriver:                StorageDriver(v.GetString("storage_driver")),
		DatabaseURL:                  v.GetString("database_url"),
		ListenAddr:                   v.GetString("listen_addr"),
		IssuerURL:                    v.GetString("issuer_url"),
		SigningPrivateKeyPEM:         v.GetString("signing_private_key"),
		SigningKeyID:                 v.GetString("signing_key_id"),
		AccessTokenTTL:               v.GetDuration("access_token_ttl"),
		RefreshTokenTTL:              v.GetDuration("refresh_token_ttl"),
		AuthorizationCodeTTL:         v.GetDuration("authorization_code_ttl"),
		CleanupInterval:              v.GetDuration("cleanup_interval"),
		SupportedScopes:              v.GetStringSlice("supported_scopes"),
		DefaultScopes:                v.GetStringSlice("default_scopes"),
		AllowedClientIDs:             v.GetStringSlice("allowed_client_ids"),
		AllowedRedirectURIs:          v.GetStringSlice("allowed_redirect_uris"),
		DeveloperMode:                v.GetBool("developer_mode"),
		UpstreamAPIURL:               v.GetString("upstream_api_url"),
		UpstreamAPITimeout:           v.GetDuration("upstream_api_timeout"),
		UpstreamTokenExchangeTimeout: v.GetDuration("upstream_token_exchange_timeout"),
		UpstreamIdentityIssuerURL:    v.GetString("upstream_identity_issuer_url"),
		UpstreamIdentityClientID:     v.GetString("upstream_identity_client_id"),
		MaxAttempts:                  v.GetInt("max_attempts"),
		BaseDelayMs:                  v.GetInt("base_delay_ms"),
		DelayStepMs:                  v.GetInt("delay_step_ms"),
		StableThreshold:              v.GetInt("stable_threshold"),
		MaxTotalWaitMs:               v.GetInt("max_total_wait_ms"),
		DefaultConcurrency:           v.GetInt("default_concurrency"),
		MaxConcurrency:               v.GetInt("max_concurrency"),
		ThrottleMs:                   v.GetInt("throttle_ms"),
		InstructionCharLimit:         v.GetInt("instruction_char_limit"),
		SectionCharLimit:             v.GetInt("section_char_limit"),
		MaxConnections:               v.GetInt("max_connections"),
		PaginationLimit:              v.GetInt("pagination_limit"),
		LogJSON:                      v.GetBool("log_json"),
		LogLevel:                     v.GetString("log_level"),
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyViperDefaults(v *viper.Viper) {
	v.SetDefault("storage_driver", "memory")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("access_token_ttl", "1h")
	v.SetDefault("refresh_token_ttl", "720h")
	v.SetDefault("authorization_code_ttl", "30s")
	v.SetDefault("cleanup_interval", "5m")
	v.SetDefault("supported_scopes", []string{"read", "privy:token:exchange"})
	v.SetDefault("default_scopes", []string{"read"})
	v.SetDefault("upstream_api_timeout", "60s")
	v.SetDefault("upstream_token_exchange_timeout", "10s")
	v.SetDefault("max_attempts", 8)
	v.SetDefault("base_delay_ms", 300)
	v.SetDefault("delay_step_ms", 200)
	v.SetDefault("stable_threshold", 2)
	v.SetDefault("max_total_wait_ms", 5000)
	v.SetDefault("default_concurrency", 2)
	v.SetDefault("max_concurrency", 5)
	v.SetDefault("throttle_ms", 75)
	v.SetDefault("instruction_char_limit", 8000)
	v.SetDefault("section_char_limit", 2000)
	v.SetDefault("max_connections", 50)
	v.SetDefault("pagination_limit", 100)
	v.SetDefault("log_level", "info")
	v.SetDefault("signing_key_id", "authbridge-1")
}

// applyDefaults fills any zero-value duration/int fields that Load's viper
// defaults didn't reach (e.g. when Config is constructed directly by a test).
func (c *Config) applyDefaults() {
	if c.StorageDriver == "" {
		c.StorageDriver = StorageDriverMemory
	}
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.StorageDriver == StorageDriverDurable && c.DatabaseURL == "" {
		c.StorageDriver = StorageDriverMemory
	}
	if c.AccessTokenTTL == 0 {
		c.AccessTokenTTL = time.Hour
	}
	if c.RefreshTokenTTL == 0 {
		c.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.AuthorizationCodeTTL == 0 {
		c.AuthorizationCodeTTL = 30 * time.Second
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if len(c.SupportedScopes) == 0 {
		c.SupportedScopes = []string{"read", "privy:token:exchange"}
	}
	if len(c.DefaultScopes) == 0 {
		c.DefaultScopes = []string{"read"}
	}
	if c.UpstreamAPITimeout == 0 {
		c.UpstreamAPITimeout = 60 * time.Second
	}
	if c.UpstreamTokenExchangeTimeout == 0 {
		c.UpstreamTokenExchangeTimeout = 10 * time.Second
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 8
	}
	if c.BaseDelayMs == 0 {
		c.BaseDelayMs = 300
	}
	if c.DelayStepMs == 0 {
		c.DelayStepMs = 200
	}
	if c.StableThreshold == 0 {
		c.StableThreshold = 2
	}
	if c.MaxTotalWaitMs == 0 {
		c.MaxTotalWaitMs = 5000
	}
	if c.DefaultConcurrency == 0 {
		c.DefaultConcurrency = 2
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = 5
	}
	if c.ThrottleMs == 0 {
		c.ThrottleMs = 75
	}
	if c.InstructionCharLimit == 0 {
		c.InstructionCharLimit = 8000
	}
	if c.SectionCharLimit == 0 {
		c.SectionCharLimit = 2000
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = 50
	}
	if c.PaginationLimit == 0 {
		c.PaginationLimit = 100
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.SigningKeyID == "" {
		c.SigningKeyID = "authbridge-1"
	}
}

// Validate checks that the Config is internally consistent.
func (c *Config) Validate() error {
	if c.IssuerURL == "" {
		return fmt.Errorf("issuer_url is required")
	}
	if c.StorageDriver != StorageDriverMemory && c.StorageDriver != StorageDriverDurable {
		return fmt.Errorf("storage_driver must be %q or %q", StorageDriverMemory, StorageDriverDurable)
	}
	if c.StorageDriver == StorageDriverDurable && c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required when storage_driver=durable")
	}
	if c.SigningPrivateKeyPEM == "" {
		return fmt.Errorf("signing_private_key is required")
	}
	if _, err := c.SigningKey(); err != nil {
		return err
	}
	if c.MaxConnections > 50 {
		return fmt.Errorf("max_connections must be <= 50")
	}
	if c.PaginationLimit > 100 {
		return fmt.Errorf("pagination_limit must be <= 100")
	}
	if c.DefaultConcurrency > c.MaxConcurrency {
		return fmt.Errorf("default_concurrency must be <= max_concurrency")
	}
	return nil
}

// ApplyDefaults is the exported form of applyDefaults for callers building a
// Config directly rather than via Load.
func (c *Config) ApplyDefaults() {
	c.applyDefaults()
}
