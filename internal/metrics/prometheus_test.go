package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusCollectorImplementsInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ Collector = NewPrometheusCollector(reg)
}

func TestPrometheusServerImplementsInterface(t *testing.T) {
	var _ Server = NewPrometheusServer(":0", "/metrics")
}

func TestPrometheusCollectorMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// All methods should execute without panic
	c.ConnectionOpened()
	c.ConnectionClosed()
	c.TLSHandshake(true)
	c.TLSHandshake(false)
	c.CommandProcessed("EHLO")
	c.MessageAccepted(1024)
	c.MessageRejected("validation")
	c.AuthAttempt(true)
	c.AuthAttempt(false)
	c.AuthCacheResult(true)
	c.AuthCacheResult(false)
	c.AuthCallDuration(0.1)
	c.SubmitCallDuration(0.2)
	c.SubmitOutcome("success")
	c.SubmitOutcome("failure")
	c.RateLimitRejected()
	c.DomainPolicyRejected()

	// Gather metrics to verify they were recorded
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Check that metrics were registered
	metricNames := make(map[string]bool)
	for _, mf := range mfs {
		metricNames[mf.GetName()] = true
	}

	expectedMetrics := []string{
		"cakesmtpd_connections_total",
		"cakesmtpd_connections_active",
		"cakesmtpd_tls_handshakes_total",
		"cakesmtpd_commands_total",
		"cakesmtpd_messages_accepted_total",
		"cakesmtpd_messages_rejected_total",
		"cakesmtpd_messages_size_bytes",
		"cakesmtpd_auth_attempts_total",
		"cakesmtpd_auth_cache_total",
		"cakesmtpd_auth_call_seconds",
		"cakesmtpd_submit_call_seconds",
		"cakesmtpd_submit_outcomes_total",
		"cakesmtpd_rate_limit_rejected_total",
		"cakesmtpd_domain_policy_rejected_total",
	}

	for _, name := range expectedMetrics {
		if !metricNames[name] {
			t.Errorf("expected metric %q not found", name)
		}
	}
}

func TestPrometheusCollectorConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// Open some connections
	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionOpened()

	// Close one
	c.ConnectionClosed()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		switch mf.GetName() {
		case "cakesmtpd_connections_total":
			if len(mf.GetMetric()) == 0 {
				t.Error("connections_total has no metrics")
				continue
			}
			v := mf.GetMetric()[0].GetCounter().GetValue()
			if v != 3 {
				t.Errorf("connections_total = %v, want 3", v)
			}
		case "cakesmtpd_connections_active":
			if len(mf.GetMetric()) == 0 {
				t.Error("connections_active has no metrics")
				continue
			}
			v := mf.GetMetric()[0].GetGauge().GetValue()
			if v != 2 {
				t.Errorf("connections_active = %v, want 2", v)
			}
		}
	}
}

func TestPrometheusCollectorAuthMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.AuthAttempt(true)
	c.AuthAttempt(false)
	c.AuthAttempt(true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "cakesmtpd_auth_attempts_total" {
			// Should have 2 metric entries: one per result label (success/failure)
			if len(mf.GetMetric()) != 2 {
				t.Errorf("auth_attempts_total has %d metric entries, want 2", len(mf.GetMetric()))
			}
		}
	}
}

func TestPrometheusServerStartStop(t *testing.T) {
	server := NewPrometheusServer("127.0.0.1:0", "/metrics")

	ctx, cancel := context.WithCancel(context.Background())

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	cancel()

	// Check that Start returned without error
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start() did not return after shutdown")
	}
}

func TestNewReturnsNoopImplementationsWhenDisabled(t *testing.T) {
	// Verifies the types New returns when metrics are disabled; New registers
	// nothing, so no registry is involved.

	cfg := Config{
		Enabled: false,
		Address: ":9100",
		Path:    "/metrics",
	}

	collector, server := New(cfg)

	// When disabled, should return noop implementations
	if _, ok := collector.(*NoopCollector); !ok {
		t.Errorf("New() with Enabled=false returned collector type %T, want *NoopCollector", collector)
	}
	if _, ok := server.(*NoopServer); !ok {
		t.Errorf("New() with Enabled=false returned server type %T, want *NoopServer", server)
	}
}

