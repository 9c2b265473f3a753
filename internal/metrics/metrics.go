// Package metrics provides interfaces and implementations for collecting
// submission gateway metrics. This package defines the Collector interface
// for recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording submission gateway metrics.
type Collector interface {
	// Connection metrics
	ConnectionOpened()
	ConnectionClosed()
	TLSHandshake(success bool)

	// Command and message metrics
	CommandProcessed(command string)
	MessageAccepted(sizeBytes int64)
	MessageRejected(reason string)

	// Authentication metrics
	AuthAttempt(success bool)
	AuthCacheResult(hit bool)

	// Upstream call metrics
	AuthCallDuration(seconds float64)
	SubmitCallDuration(seconds float64)
	SubmitOutcome(recipientResult string)

	// Policy metrics
	RateLimitRejected()
	DomainPolicyRejected()
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
