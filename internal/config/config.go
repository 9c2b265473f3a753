// Package config provides configuration management for the submission gateway.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"
)

// ListenerMode defines the operational mode for a listener.
type ListenerMode string

const (
	// ModeSmtp is plaintext SMTP with STARTTLS optional.
	ModeSmtp ListenerMode = "smtp"
	// ModeSubmission is authenticated submission (typically port 587), STARTTLS optional.
	ModeSubmission ListenerMode = "submission"
	// ModeSmtps is implicit TLS submission (typically port 465).
	ModeSmtps ListenerMode = "smtps"
)

// FileConfig is the top-level wrapper for the TOML configuration file.
type FileConfig struct {
	Server  ServerConfig `toml:"server"`
	Gateway Config       `toml:"gateway"`
}

// ServerConfig holds settings shared across process instances.
type ServerConfig struct {
	Hostname string    `toml:"hostname"`
	TLS      TLSConfig `toml:"tls"`
}

// Config holds the complete gateway configuration.
type Config struct {
	Hostname     string             `toml:"hostname"`
	LogLevel     string             `toml:"log_level"`
	Listeners    []ListenerConfig   `toml:"listeners"`
	TLS          TLSConfig          `toml:"tls"`
	Limits       LimitsConfig       `toml:"limits"`
	Timeouts     TimeoutsConfig     `toml:"timeouts"`
	Metrics      MetricsConfig      `toml:"metrics"`
	Upstream     UpstreamConfig     `toml:"upstream"`
	Cache        CacheConfig        `toml:"cache"`
	DomainPolicy DomainPolicyConfig `toml:"domain_policy"`
}

// ListenerConfig defines settings for a single listener.
type ListenerConfig struct {
	Address string       `toml:"address"`
	Mode    ListenerMode `toml:"mode"`
}

// TLSConfig holds TLS certificate and version settings.
type TLSConfig struct {
	CertFile   string `toml:"cert_file"`
	KeyFile    string `toml:"key_file"`
	MinVersion string `toml:"min_version"`
}

// LimitsConfig defines resource limits enforced by the session engine.
type LimitsConfig struct {
	MaxMessageSize int `toml:"max_message_size"`
	MaxRecipients  int `toml:"max_recipients"`
}

// TimeoutsConfig defines connection-level timeout durations.
type TimeoutsConfig struct {
	// Connection is the idle timeout; a session with no activity for this
	// long has its connection closed. No SMTP reply is sent before the close.
	Connection string `toml:"connection"`
	// Command is the read deadline applied while waiting for a command line.
	Command string `toml:"command"`
}

// MetricsConfig holds configuration for the Prometheus metrics surface.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Path    string `toml:"path"`
}

// UpstreamConfig holds the Auth API and Email API endpoints, their
// per-attempt timeouts, and retry counts. The credential validator uses
// AuthRetries. SubmitRetries is not passed to the submitter, which always
// makes one retry after a timeout or transport error.
type UpstreamConfig struct {
	AuthURL       string `toml:"auth_url"`
	EmailURL      string `toml:"email_url"`
	AuthTimeout   string `toml:"auth_timeout"`   // per-attempt, default 5s
	SubmitTimeout string `toml:"submit_timeout"` // per-attempt, default 10s
	AuthRetries   int    `toml:"auth_retries"`   // additional attempts after the first, default 2
	SubmitRetries int    `toml:"submit_retries"` // additional attempts after the first, default 1
}

// CacheConfig holds configuration for the optional cache that sits in front
// of the credential validator. Disabled by default; the validator behaves
// identically with or without it, just slower.
type CacheConfig struct {
	Enabled  bool   `toml:"enabled"`
	RedisURL string `toml:"redis_url"` // empty uses an in-process cache
	TTL      string `toml:"ttl"`       // default 5m
}

// DomainPolicyConfig holds configuration for the optional recipient domain
// allow-list.
type DomainPolicyConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"` // directory with one file per allowed domain
}

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Hostname: "localhost",
		LogLevel: "info",
		Listeners: []ListenerConfig{
			{Address: ":587", Mode: ModeSubmission},
		},
		TLS: TLSConfig{
			MinVersion: "1.2",
		},
		Limits: LimitsConfig{
			MaxMessageSize: 26214400, // 25 MB
			MaxRecipients:  100,
		},
		Timeouts: TimeoutsConfig{
			Connection: "5m",
			Command:    "1m",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
		Upstream: UpstreamConfig{
			AuthTimeout:   "5s",
			SubmitTimeout: "10s",
			AuthRetries:   2,
			SubmitRetries: 1,
		},
	}
}

// Validate checks that the configuration is usable and returns an error if not.
func (c *Config) Validate() error {
	if c.Hostname == "" {
		return errors.New("hostname is required")
	}

	if len(c.Listeners) == 0 {
		return errors.New("at least one listener is required")
	}

	for i, l := range c.Listeners {
		if l.Address == "" {
			return fmt.Errorf("listener %d: address is required", i)
		}
		if !isValidMode(l.Mode) {
			return fmt.Errorf("listener %d: invalid mode %q", i, l.Mode)
		}
		if l.Mode == ModeSmtps && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
			return fmt.Errorf("listener %d: smtps mode requires tls cert_file and key_file", i)
		}
	}

	if c.Limits.MaxMessageSize <= 0 {
		return errors.New("max_message_size must be positive")
	}

	if c.Limits.MaxRecipients <= 0 {
		return errors.New("max_recipients must be positive")
	}

	if c.Timeouts.Connection != "" {
		if _, err := time.ParseDuration(c.Timeouts.Connection); err != nil {
			return fmt.Errorf("invalid connection timeout: %w", err)
		}
	}

	if c.Timeouts.Command != "" {
		if _, err := time.ParseDuration(c.Timeouts.Command); err != nil {
			return fmt.Errorf("invalid command timeout: %w", err)
		}
	}

	if c.TLS.MinVersion != "" {
		if _, ok := minTLSVersions[c.TLS.MinVersion]; !ok {
			return fmt.Errorf("invalid TLS min_version %q (valid: 1.2, 1.3)", c.TLS.MinVersion)
		}
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	if c.Upstream.AuthURL == "" {
		return errors.New("upstream.auth_url is required")
	}
	if c.Upstream.EmailURL == "" {
		return errors.New("upstream.email_url is required")
	}
	if c.Upstream.AuthTimeout != "" {
		if _, err := time.ParseDuration(c.Upstream.AuthTimeout); err != nil {
			return fmt.Errorf("invalid upstream.auth_timeout: %w", err)
		}
	}
	if c.Upstream.SubmitTimeout != "" {
		if _, err := time.ParseDuration(c.Upstream.SubmitTimeout); err != nil {
			return fmt.Errorf("invalid upstream.submit_timeout: %w", err)
		}
	}
	if c.Upstream.AuthRetries < 0 {
		return errors.New("upstream.auth_retries must not be negative")
	}
	if c.Upstream.SubmitRetries < 0 {
		return errors.New("upstream.submit_retries must not be negative")
	}

	if c.Cache.Enabled && c.Cache.TTL != "" {
		if _, err := time.ParseDuration(c.Cache.TTL); err != nil {
			return fmt.Errorf("invalid cache.ttl: %w", err)
		}
	}

	if c.DomainPolicy.Enabled && c.DomainPolicy.Path == "" {
		return errors.New("domain_policy.path is required when domain_policy is enabled")
	}

	return nil
}

// MinTLSVersion returns the crypto/tls constant for the configured minimum TLS version.
// Returns tls.VersionTLS12 if not configured or invalid.
func (c *TLSConfig) MinTLSVersion() uint16 {
	if v, ok := minTLSVersions[c.MinVersion]; ok {
		return v
	}
	return tls.VersionTLS12
}

// CipherSuites returns the cipher suites the gateway accepts: ECDHE key
// exchange with AES-GCM or ChaCha20-Poly1305 only. No DHE suites are listed.
// MD5, DSS, anonymous, and null ciphers are never offered.
func (c *TLSConfig) CipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	}
}

// ConnectionTimeout returns the idle timeout as a time.Duration.
// Returns 5 minutes if not configured or invalid.
func (c *TimeoutsConfig) ConnectionTimeout() time.Duration {
	return parseDurationOr(c.Connection, 5*time.Minute)
}

// CommandTimeout returns the per-command read timeout as a time.Duration.
// Returns 1 minute if not configured or invalid.
func (c *TimeoutsConfig) CommandTimeout() time.Duration {
	return parseDurationOr(c.Command, 1*time.Minute)
}

// AuthTimeoutDuration returns the per-attempt auth HTTP timeout, defaulting to 5s.
func (c *UpstreamConfig) AuthTimeoutDuration() time.Duration {
	return parseDurationOr(c.AuthTimeout, 5*time.Second)
}

// SubmitTimeoutDuration returns the per-attempt submit HTTP timeout, defaulting to 10s.
func (c *UpstreamConfig) SubmitTimeoutDuration() time.Duration {
	return parseDurationOr(c.SubmitTimeout, 10*time.Second)
}

// CacheTTLDuration returns the auth-cache TTL, defaulting to 5 minutes.
func (c *CacheConfig) CacheTTLDuration() time.Duration {
	return parseDurationOr(c.TTL, 5*time.Minute)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

var minTLSVersions = map[string]uint16{
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

func isValidMode(m ListenerMode) bool {
	switch m {
	case ModeSmtp, ModeSubmission, ModeSmtps:
		return true
	default:
		return false
	}
}
