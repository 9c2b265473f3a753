package config

import "os"

// ApplyEnv applies environment variable overrides to the configuration.
// Environment variables take precedence over TOML config but are overridden by command-line flags.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("CAKESMTPD_HOSTNAME"); v != "" {
		cfg.Hostname = v
	}
	if v := os.Getenv("CAKESMTPD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CAKESMTPD_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("CAKESMTPD_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("CAKESMTPD_AUTH_URL"); v != "" {
		cfg.Upstream.AuthURL = v
	}
	if v := os.Getenv("CAKESMTPD_EMAIL_URL"); v != "" {
		cfg.Upstream.EmailURL = v
	}
	if v := os.Getenv("CAKESMTPD_AUTH_TIMEOUT"); v != "" {
		cfg.Upstream.AuthTimeout = v
	}
	if v := os.Getenv("CAKESMTPD_SUBMIT_TIMEOUT"); v != "" {
		cfg.Upstream.SubmitTimeout = v
	}
	if v := os.Getenv("CAKESMTPD_CACHE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
		cfg.Cache.Enabled = true
	}
	if v := os.Getenv("CAKESMTPD_DOMAIN_POLICY_PATH"); v != "" {
		cfg.DomainPolicy.Path = v
		cfg.DomainPolicy.Enabled = true
	}

	return cfg
}
