// Package config loads node and client settings from an optional YAML file
// and the environment. Environment variables always win.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Architsharma7/Lit-Stackr/pkg/limiter"
	"github.com/Architsharma7/Lit-Stackr/pkg/observability"
	"github.com/Architsharma7/Lit-Stackr/pkg/registry"
	"github.com/Architsharma7/Lit-Stackr/pkg/session"
)

// EnvConfigFile names the YAML file merged under env overrides.
const EnvConfigFile = "STACKR_CONFIG"

// Config holds the full configuration for both roles of the binary.
type Config struct {
	LogLevel  string               `yaml:"log_level"`
	LogFormat string               `yaml:"log_format"`
	Node      NodeConfig           `yaml:"node"`
	Client    ClientConfig         `yaml:"client"`
	Telemetry observability.Config `yaml:"telemetry"`
}

// NodeConfig configures the execution substrate.
type NodeConfig struct {
	Port              string         `yaml:"port"`
	PublicURI         string         `yaml:"public_uri"`
	RedisAddr         string         `yaml:"redis_addr"`
	RateLimit         limiter.Policy `yaml:"rate_limit"`
	NonceMaxAge       time.Duration  `yaml:"nonce_max_age"`
	NonceWindow       time.Duration  `yaml:"nonce_window"`
	ExecTimeout       time.Duration  `yaml:"exec_timeout"`
	StateFetchTimeout time.Duration  `yaml:"state_fetch_timeout"`
	AuditDriver       string         `yaml:"audit_driver"` // "", "sqlite" or "postgres"
	AuditDSN          string         `yaml:"audit_dsn"`
}

// ClientConfig configures the admission side.
type ClientConfig struct {
	SubstrateURL     string        `yaml:"substrate_url"`
	StateServerURL   string        `yaml:"state_server_url"`
	ActionID         string        `yaml:"action_id"`
	CodeMode         string        `yaml:"code_mode"` // "inline" or "hash"
	MinBalance       int64         `yaml:"min_balance"`
	CredentialTTL    time.Duration `yaml:"credential_ttl"`
	Timeout          time.Duration `yaml:"timeout"`
	KeyPath          string        `yaml:"key_path"`
	ReuseCredentials bool          `yaml:"reuse_credentials"`
}

// Default returns a configuration that boots a local node and client.
func Default() *Config {
	return &Config{
		LogLevel:  "INFO",
		LogFormat: "text",
		Node: NodeConfig{
			Port:              "8080",
			PublicURI:         "stackr://localhost",
			RateLimit:         limiter.DefaultPolicy,
			NonceMaxAge:       48 * time.Hour,
			NonceWindow:       5 * time.Minute,
			ExecTimeout:       10 * time.Second,
			StateFetchTimeout: 5 * time.Second,
		},
		Client: ClientConfig{
			SubstrateURL:   "http://localhost:8080",
			StateServerURL: "http://localhost:3000",
			ActionID:       "balance-gate",
			CodeMode:       "inline",
			MinBalance:     100,
			CredentialTTL:  24 * time.Hour,
			Timeout:        15 * time.Second,
			KeyPath:        "stackr.key",
		},
		Telemetry: *observability.DefaultConfig(),
	}
}

// Load reads STACKR_CONFIG (if set) and then applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFile reads a YAML file over the defaults without consulting the env.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := mergeFile(cfg, path); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func mergeFile(cfg *Config, path string) error {
	//nolint:gosec // G304: operator-supplied config path
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate rejects settings that cannot produce a working process.
func (c *Config) Validate() error {
	if c.Client.MinBalance < 0 {
		return fmt.Errorf("min_balance must not be negative, got %d", c.Client.MinBalance)
	}
	if _, err := registry.ParseMode(c.Client.CodeMode); err != nil {
		return fmt.Errorf("code_mode: %w", err)
	}
	switch c.Node.AuditDriver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported audit driver %q", c.Node.AuditDriver)
	}
	if c.Client.CredentialTTL <= 0 {
		return fmt.Errorf("credential_ttl must be positive")
	}
	// Substrates refuse credentials that claim to outlive either bound.
	if c.Client.CredentialTTL > session.DefaultMaxTTL {
		return fmt.Errorf("credential_ttl %s exceeds the substrate maximum of %s", c.Client.CredentialTTL, session.DefaultMaxTTL)
	}
	if c.Node.NonceMaxAge < c.Client.CredentialTTL {
		return fmt.Errorf("nonce_max_age %s is shorter than credential_ttl %s", c.Node.NonceMaxAge, c.Client.CredentialTTL)
	}
	if c.Node.ExecTimeout <= 0 || c.Node.StateFetchTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	return nil
}

type envError struct {
	key string
	err error
}

func (e *envError) Error() string { return fmt.Sprintf("invalid %s: %v", e.key, e.err) }
func (e *envError) Unwrap() error { return e.err }

func applyEnv(cfg *Config) error {
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.LogFormat, "LOG_FORMAT")

	setString(&cfg.Node.Port, "PORT")
	setString(&cfg.Node.PublicURI, "PUBLIC_URI")
	setString(&cfg.Node.RedisAddr, "REDIS_ADDR")
	setString(&cfg.Node.AuditDriver, "AUDIT_DRIVER")
	setString(&cfg.Node.AuditDSN, "AUDIT_DSN")

	setString(&cfg.Client.SubstrateURL, "SUBSTRATE_URL")
	setString(&cfg.Client.StateServerURL, "STATE_SERVER_URL")
	setString(&cfg.Client.ActionID, "ACTION_ID")
	setString(&cfg.Client.CodeMode, "CODE_MODE")
	setString(&cfg.Client.KeyPath, "KEY_PATH")

	setString(&cfg.Telemetry.OTLPEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT")
	setString(&cfg.Telemetry.Environment, "OTEL_ENVIRONMENT")

	for _, f := range []func() error{
		func() error { return setInt(&cfg.Node.RateLimit.RPM, "RATE_LIMIT_RPM") },
		func() error { return setInt(&cfg.Node.RateLimit.Burst, "RATE_LIMIT_BURST") },
		func() error { return setDuration(&cfg.Node.NonceMaxAge, "NONCE_MAX_AGE") },
		func() error { return setDuration(&cfg.Node.NonceWindow, "NONCE_WINDOW") },
		func() error { return setDuration(&cfg.Node.ExecTimeout, "EXEC_TIMEOUT") },
		func() error { return setDuration(&cfg.Node.StateFetchTimeout, "STATE_FETCH_TIMEOUT") },
		func() error { return setInt64(&cfg.Client.MinBalance, "MIN_BALANCE") },
		func() error { return setDuration(&cfg.Client.CredentialTTL, "CREDENTIAL_TTL") },
		func() error { return setDuration(&cfg.Client.Timeout, "CLIENT_TIMEOUT") },
		func() error { return setBool(&cfg.Client.ReuseCredentials, "REUSE_CREDENTIALS") },
		func() error { return setBool(&cfg.Telemetry.Enabled, "OTEL_ENABLED") },
		func() error { return setBool(&cfg.Telemetry.Insecure, "OTEL_INSECURE") },
	} {
		if err := f(); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return &envError{key: key, err: err}
	}
	*dst = n
	return nil
}

func setInt64(dst *int64, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return &envError{key: key, err: err}
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return &envError{key: key, err: err}
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return &envError{key: key, err: err}
	}
	*dst = b
	return nil
}
