package server

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cakemail/cakesmtpd/internal/config"
)

func TestNewListener(t *testing.T) {
	cfg := ListenerConfig{
		Address:        ":0",
		Mode:           config.ModeSmtp,
		IdleTimeout:    5 * time.Minute,
		CommandTimeout: 1 * time.Minute,
		Logger:         slog.Default(),
	}

	l := NewListener(cfg)

	if l == nil {
		t.Fatal("expected listener, got nil")
	}
	if l.Address() != ":0" {
		t.Errorf("expected address :0, got %s", l.Address())
	}
	if l.Mode() != config.ModeSmtp {
		t.Errorf("expected mode smtp, got %s", l.Mode())
	}
}

func TestListenerStartStop(t *testing.T) {
	var connectionCount atomic.Int32

	handler := func(ctx context.Context, conn *Connection) {
		connectionCount.Add(1)
	}

	cfg := ListenerConfig{
		Address: "127.0.0.1:0",
		Mode:    config.ModeSmtp,
		Logger:  slog.Default(),
		Handler: handler,
	}

	l := NewListener(cfg)

	ctx, cancel := context.WithCancel(context.Background())

	// Start listener in goroutine
	done := make(chan error, 1)
	go func() {
		done <- l.Start(ctx)
	}()

	// Give the listener time to start
	time.Sleep(50 * time.Millisecond)

	// Cancel to stop the listener
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop in time")
	}
}

func TestListenerAcceptsConnections(t *testing.T) {
	var connectionCount atomic.Int32
	connReceived := make(chan struct{})

	handler := func(ctx context.Context, conn *Connection) {
		connectionCount.Add(1)
		close(connReceived)
		// Keep connection open briefly
		time.Sleep(10 * time.Millisecond)
	}

	// The listener does not expose its bound address, so reserve a free
	// port first and hand it to the listener.
	probe, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := probe.Addr().String()
	_ = probe.Close()

	cfg := ListenerConfig{
		Address: addr,
		Mode:    config.ModeSmtp,
		Logger:  slog.Default(),
		Handler: handler,
	}

	l := NewListener(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start listener in goroutine
	go func() {
		_ = l.Start(ctx)
	}()

	// Give the listener time to start
	time.Sleep(50 * time.Millisecond)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	select {
	case <-connReceived:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not accepted")
	}
	if got := connectionCount.Load(); got != 1 {
		t.Errorf("expected 1 accepted connection, got %d", got)
	}
}

func TestListenerWithHandler(t *testing.T) {
	handlerCalled := make(chan struct{})

	handler := func(ctx context.Context, conn *Connection) {
		select {
		case <-handlerCalled:
			// Already closed
		default:
			close(handlerCalled)
		}
	}

	// Use a random available port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find available port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	cfg := ListenerConfig{
		Address:        addr,
		Mode:           config.ModeSmtp,
		IdleTimeout:    5 * time.Minute,
		CommandTimeout: 1 * time.Minute,
		Logger:         slog.Default(),
		Handler:        handler,
	}

	l := NewListener(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start listener
	go func() {
		_ = l.Start(ctx)
	}()

	// Give the listener time to start
	time.Sleep(50 * time.Millisecond)

	// Connect to the listener
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer func() { _ = conn.Close() }()

	// Wait for handler to be called
	select {
	case <-handlerCalled:
		// Success
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

func TestListenerClose(t *testing.T) {
	cfg := ListenerConfig{
		Address: "127.0.0.1:0",
		Mode:    config.ModeSmtp,
		Logger:  slog.Default(),
	}

	l := NewListener(cfg)

	// Close before start should be safe
	err := l.Close()
	if err != nil {
		t.Fatalf("close before start should not error: %v", err)
	}

	// Double close should be safe
	err = l.Close()
	if err != nil {
		t.Fatalf("double close should not error: %v", err)
	}
}

func TestListenerModeSmtps(t *testing.T) {
	cfg := ListenerConfig{
		Address:   "127.0.0.1:0",
		Mode:      config.ModeSmtps,
		TLSConfig: nil, // No TLS config
		Logger:    slog.Default(),
	}

	l := NewListener(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := l.Start(ctx)
	if err == nil {
		t.Error("expected error for SMTPS mode without TLS config")
	}
}

func TestListenerTLSConfig(t *testing.T) {
	cfg := ListenerConfig{
		Address: "127.0.0.1:0",
		Mode:    config.ModeSmtp,
		Logger:  slog.Default(),
	}

	l := NewListener(cfg)

	if l.TLSConfig() != nil {
		t.Error("expected nil TLS config for non-SMTPS listener without TLS")
	}
}
