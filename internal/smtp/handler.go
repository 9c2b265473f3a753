package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"

	"github.com/cakemail/cakesmtpd/internal/credential"
	"github.com/cakemail/cakesmtpd/internal/domainpolicy"
	"github.com/cakemail/cakesmtpd/internal/logging"
	"github.com/cakemail/cakesmtpd/internal/metrics"
	"github.com/cakemail/cakesmtpd/internal/mimeparse"
	"github.com/cakemail/cakesmtpd/internal/ratelimit"
	"github.com/cakemail/cakesmtpd/internal/server"
	"github.com/cakemail/cakesmtpd/internal/submit"
)

// HandlerOptions contains optional configuration for the SMTP handler.
type HandlerOptions struct {
	// Submitter fans an accepted message out to the Email API. Required for
	// DATA to succeed; if nil, all mail is rejected after parsing.
	Submitter *submit.Submitter

	// RateLimiter gates new connections (can be nil, meaning unlimited).
	RateLimiter ratelimit.Limiter
}

// Handler returns a ConnectionHandler that processes SMTP commands.
// hostname is the server's hostname for the greeting banner.
// collector is used for recording metrics (can be nil for no-op).
// validator is used for SMTP AUTH (can be nil to disable AUTH entirely,
// which also means MAIL/RCPT/DATA can never proceed past 530).
// tlsConfig is used for STARTTLS support (can be nil to disable STARTTLS).
// policy decides which recipient domains RCPT accepts (can be nil to allow all).
// opts contains optional configuration (can be nil for defaults).
func Handler(hostname string, collector metrics.Collector, validator credential.Validator, tlsConfig *tls.Config, policy domainpolicy.Policy, opts *HandlerOptions) server.ConnectionHandler {
	if opts == nil {
		opts = &HandlerOptions{}
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	registry := NewCommandRegistry(hostname, validator, tlsConfig, policy)

	return func(ctx context.Context, conn *server.Connection) {
		logger := logging.FromContext(ctx)

		clientIP := extractIP(conn.RemoteAddr())

		allowed, err := limiter.Allow(ctx, clientIP)
		if err != nil {
			logger.Debug("rate limiter error, allowing connection", "error", err.Error())
		} else if !allowed {
			if collector != nil {
				collector.RateLimitRejected()
			}
			_ = writeResponse(conn, 421, hostname+" too many connections, try again later")
			return
		}

		// Record connection opened
		if collector != nil {
			collector.ConnectionOpened()
			defer collector.ConnectionClosed()
		}

		// Create session
		connInfo := ConnectionInfo{
			ClientIP: clientIP,
		}
		session := NewSMTPSession(connInfo, DefaultSessionConfig())

		// Initialize TLS state
		session.SetTLSActive(conn.IsTLS())

		// Send greeting
		if err := writeResponse(conn, 220, hostname+" ESMTP ready"); err != nil {
			logger.Debug("failed to send greeting", "error", err.Error())
			return
		}

		// Reset idle timeout after greeting
		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Debug("failed to reset idle timeout", "error", err.Error())
			return
		}

		// Command loop
		for {
			// Read command line
			line, err := conn.Reader().ReadString('\n')
			if err != nil {
				if err != io.EOF {
					logger.Debug("failed to read command", "error", err.Error())
				}
				return
			}

			// Trim CRLF
			line = strings.TrimRight(line, "\r\n")

			if line == "" {
				continue
			}

			// Check if we're in DATA mode
			if session.InData() {
				handleData(ctx, conn, session, opts.Submitter, collector, logger, line)
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			// Match command
			cmd, matches, err := registry.Match(line)
			if err != nil {
				if err := writeResponse(conn, 500, "Syntax error, command unrecognized"); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			// Record command metric
			if collector != nil {
				collector.CommandProcessed(extractCommandName(line))
			}

			// Execute command
			result, execErr := cmd.Execute(ctx, session, matches)
			if execErr != nil {
				logger.Debug("command execution failed", "error", execErr.Error())
				if err := writeResponse(conn, 451, "Requested action aborted"); err != nil {
					logger.Debug("failed to write error response", "error", err.Error())
				}
				if err := conn.ResetIdleTimeout(); err != nil {
					logger.Debug("failed to reset idle timeout", "error", err.Error())
				}
				continue
			}

			if collector != nil {
				if _, ok := cmd.(*AUTHCommand); ok {
					collector.AuthAttempt(result.Code == 235)
				}
			}

			// Write response
			if err := writeResult(conn, result); err != nil {
				logger.Debug("failed to write response", "error", err.Error())
				return
			}

			// Handle STARTTLS upgrade after sending 220 response
			if starttlsCmd, ok := cmd.(*STARTTLSCommand); ok && result.Code == 220 {
				if err := conn.UpgradeToTLS(starttlsCmd.TLSConfig()); err != nil {
					logger.Debug("TLS upgrade failed", "error", err.Error())
					if collector != nil {
						collector.TLSHandshake(false)
					}
					// Connection is likely broken, close it
					return
				}

				if collector != nil {
					collector.TLSHandshake(true)
				}

				// Update session TLS state
				session.SetTLSActive(true)

				// Per RFC 3207: Reset session state after STARTTLS
				// Client must re-issue EHLO after successful upgrade
				session.Reset()
				session.SetState(StateInit)

				logger.Debug("STARTTLS upgrade successful")
			}

			// Reset idle timeout after successful command
			if err := conn.ResetIdleTimeout(); err != nil {
				logger.Debug("failed to reset idle timeout", "error", err.Error())
			}

			// Check for QUIT command
			if result.Code == 221 {
				return
			}
		}
	}
}

// handleData collects the DATA payload, parses it, fans it out to the Email
// API, and writes the final response. firstLine is the first line of message
// content, already read by the outer loop before InData() was observed.
func handleData(ctx context.Context, conn *server.Connection, session *SMTPSession, submitter *submit.Submitter, collector metrics.Collector, logger *slog.Logger, firstLine string) {
	defer func() {
		session.Reset()
	}()

	messageData, err := collectMessageData(conn, session.Config().MaxMessageSize)
	if err != nil {
		logger.Debug("failed to collect message data", "error", err.Error())
		if errors.Is(err, ErrInputTooLong) {
			_ = writeResponse(conn, 552, "5.3.4 Message size exceeds fixed maximum")
		} else {
			_ = writeResponse(conn, 451, "4.3.0 Error collecting message")
		}
		return
	}

	var fullMessage bytes.Buffer
	fullMessage.WriteString(firstLine)
	fullMessage.WriteString("\r\n")
	fullMessage.Write(messageData)

	parsed, err := mimeparse.Parse(fullMessage.Bytes())
	if err != nil {
		var ferr *mimeparse.FormatError
		reason := err.Error()
		if errors.As(err, &ferr) {
			reason = ferr.Reason
		}
		if collector != nil {
			collector.MessageRejected("format")
		}
		_ = writeResponse(conn, 550, "5.6.0 Message rejected: "+reason)
		return
	}

	if submitter == nil {
		if collector != nil {
			collector.MessageRejected("no_submitter")
		}
		_ = writeResponse(conn, 451, "4.3.0 Internal error: submission not configured")
		return
	}

	apiKey := session.GetAPIKey()
	if apiKey == "" {
		if collector != nil {
			collector.MessageRejected("missing_api_key")
		}
		_ = writeResponse(conn, 451, "4.3.0 Internal error: missing API key")
		return
	}

	outcome, err := submitter.Submit(ctx, apiKey, parsed)
	if err != nil {
		var serr *submit.SubmitError
		if errors.As(err, &serr) {
			switch serr.Kind {
			case submit.ErrKindRateLimit:
				if collector != nil {
					collector.SubmitOutcome("rate_limit")
				}
				_ = writeResponse(conn, 451, "4.7.1 Rate limit exceeded, try again later")
				return
			case submit.ErrKindValidation:
				if collector != nil {
					collector.MessageRejected("validation")
				}
				_ = writeResponse(conn, 550, "5.6.0 Message rejected: "+serr.Message)
				return
			}
		}
		if collector != nil {
			collector.SubmitOutcome("error")
		}
		_ = writeResponse(conn, 451, "4.3.0 Temporary failure, try again later")
		return
	}

	if collector != nil {
		collector.MessageAccepted(int64(fullMessage.Len()))
		for range outcome.Succeeded {
			collector.SubmitOutcome("success")
		}
		for range outcome.Failed {
			collector.SubmitOutcome("failure")
		}
	}

	var idSummary string
	if len(outcome.MessageIDs) > 0 {
		idSummary = strings.Join(outcome.MessageIDs, ",")
	} else {
		idSummary = "queued"
	}

	logging.WithSubmission(logger, session.GetAuthUser(), len(outcome.Succeeded)+len(outcome.Failed)).Info(
		"message submitted",
		"succeeded", len(outcome.Succeeded),
		"failed", len(outcome.Failed),
	)
	_ = writeResponse(conn, 250, "2.0.0 Message accepted for delivery: "+idSummary)
}

// writeResponse writes an SMTP response to the connection.
// For backward compatibility, accepts code and message parameters.
func writeResponse(conn *server.Connection, code int, message string) error {
	_, err := fmt.Fprintf(conn.Writer(), "%d %s\r\n", code, message)
	if err != nil {
		return err
	}
	return conn.Flush()
}

// writeResult writes an SMTP result to the connection, supporting multi-line responses.
func writeResult(conn *server.Connection, result SMTPResult) error {
	// If Lines is present, use multi-line format
	if len(result.Lines) > 0 {
		for i, line := range result.Lines {
			var err error
			if i < len(result.Lines)-1 {
				// Continuation line
				_, err = fmt.Fprintf(conn.Writer(), "%d-%s\r\n", result.Code, line)
			} else {
				// Last line
				_, err = fmt.Fprintf(conn.Writer(), "%d %s\r\n", result.Code, line)
			}
			if err != nil {
				return err
			}
		}
		return conn.Flush()
	}

	// Single-line format (backward compatible)
	return writeResponse(conn, result.Code, result.Message)
}

// collectMessageData reads message content until the terminating dot.
// It handles dot-stuffing per RFC 5321.
func collectMessageData(conn *server.Connection, maxSize int64) ([]byte, error) {
	var buf bytes.Buffer
	var totalSize int64

	for {
		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			return nil, err
		}

		// Trim trailing newline for processing
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")

		// Check for terminating dot
		if line == "." {
			break
		}

		// Handle dot-stuffing: lines starting with "." have it removed
		line = strings.TrimPrefix(line, ".")

		// Check size limit
		if maxSize > 0 {
			totalSize += int64(len(line)) + 2 // +2 for CRLF
			if totalSize > maxSize {
				return nil, ErrInputTooLong
			}
		}

		buf.WriteString(line)
		buf.WriteString("\r\n")
	}

	return buf.Bytes(), nil
}

// extractIP extracts the IP address string from a net.Addr.
func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	case *net.UDPAddr:
		return v.IP.String()
	default:
		// Try to parse the string representation
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}

// extractCommandName extracts the command name from an SMTP line for metrics.
func extractCommandName(line string) string {
	// Find the first space or end of string
	line = strings.ToUpper(line)
	if idx := strings.Index(line, " "); idx > 0 {
		return line[:idx]
	}
	return line
}
