package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/cakemail/cakesmtpd/internal/config"
	"github.com/cakemail/cakesmtpd/internal/credential"
	"github.com/cakemail/cakesmtpd/internal/domainpolicy"
	"github.com/cakemail/cakesmtpd/internal/health"
	"github.com/cakemail/cakesmtpd/internal/logging"
	"github.com/cakemail/cakesmtpd/internal/metrics"
	"github.com/cakemail/cakesmtpd/internal/ratelimit"
	"github.com/cakemail/cakesmtpd/internal/server"
	"github.com/cakemail/cakesmtpd/internal/smtp"
	"github.com/cakemail/cakesmtpd/internal/submit"
)

func main() {
	flags := config.ParseFlags()

	cfg, err := config.LoadWithFlags(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.LogLevel)

	var tlsConfig *tls.Config
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error loading TLS certificate: %v\n", err)
			os.Exit(1)
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   cfg.TLS.MinTLSVersion(),
			MaxVersion:   tls.VersionTLS13,
			CipherSuites: cfg.TLS.CipherSuites(),
		}
		logger.Info("TLS configured",
			slog.String("cert", cfg.TLS.CertFile),
			slog.String("min_version", cfg.TLS.MinVersion))
	}

	var collector metrics.Collector = &metrics.NoopCollector{}
	if cfg.Metrics.Enabled {
		collector = metrics.NewPrometheusCollector(prometheus.DefaultRegisterer)
	}

	validator := buildValidator(cfg, logger)
	submitter := submit.NewSubmitter(cfg.Upstream.EmailURL, cfg.Upstream.SubmitTimeoutDuration())
	policy := buildDomainPolicy(cfg, logger)

	// Per the open question in internal/ratelimit, no policy is guessed here:
	// the gateway runs with NoopLimiter until an operator-facing knob exists.
	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}

	handler := smtp.Handler(cfg.Hostname, collector, validator, tlsConfig, policy, &smtp.HandlerOptions{
		Submitter:   submitter,
		RateLimiter: limiter,
	})

	srv, err := server.New(&cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating server: %v\n", err)
		os.Exit(1)
	}
	srv.SetHandler(handler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
		srv.Shutdown()
	}()

	var healthServer *health.Server
	if cfg.Metrics.Enabled {
		healthServer = health.NewServer(cfg.Metrics.Address, promhttp.Handler())
		go func() {
			if err := healthServer.Start(ctx); err != nil && err != context.Canceled {
				logger.Error("health/metrics server error", "error", err)
			}
		}()
	}

	logger.Info("starting cakesmtpd",
		slog.String("hostname", cfg.Hostname),
		slog.Int("listener_count", len(cfg.Listeners)))

	if healthServer != nil {
		healthServer.MarkReady()
	}

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

// buildValidator wires the Auth API credential validator, wrapped in an
// optional cache per cfg.Cache.
func buildValidator(cfg config.Config, logger *slog.Logger) credential.Validator {
	base := credential.NewAPIValidator(cfg.Upstream.AuthURL, cfg.Upstream.AuthTimeoutDuration(), cfg.Upstream.AuthRetries)
	if !cfg.Cache.Enabled {
		return base
	}

	ttl := cfg.Cache.CacheTTLDuration()
	if cfg.Cache.RedisURL == "" {
		logger.Info("auth credential cache enabled", "backend", "memory", "ttl", ttl)
		return credential.NewCachingValidator(base, ttl)
	}

	opts, err := redis.ParseURL(cfg.Cache.RedisURL)
	if err != nil {
		logger.Error("invalid cache.redis_url, falling back to in-process cache", "error", err)
		return credential.NewCachingValidator(base, ttl)
	}
	client := redis.NewClient(opts)
	logger.Info("auth credential cache enabled", "backend", "redis", "ttl", ttl)
	return credential.NewRedisCachingValidator(base, client, ttl)
}

// buildDomainPolicy wires the recipient domain allow-list per cfg.DomainPolicy.
func buildDomainPolicy(cfg config.Config, logger *slog.Logger) domainpolicy.Policy {
	if !cfg.DomainPolicy.Enabled {
		return domainpolicy.AllowAllPolicy{}
	}

	policy, err := domainpolicy.NewFilesystemPolicy(cfg.DomainPolicy.Path)
	if err != nil {
		logger.Error("failed to load domain policy, falling back to allow-all", "path", cfg.DomainPolicy.Path, "error", err)
		return domainpolicy.AllowAllPolicy{}
	}
	logger.Info("recipient domain policy enabled", "path", cfg.DomainPolicy.Path)
	return policy
}
