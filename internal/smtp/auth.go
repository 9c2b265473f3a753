package smtp

import (
	"context"
	"encoding/base64"
	"errors"
	"regexp"
	"strings"

	"github.com/cakemail/cakesmtpd/internal/credential"
)

// authPattern matches AUTH commands: AUTH PLAIN [initial-response]
var authPattern = regexp.MustCompile(`(?i)^AUTH\s+(\w+)(?:\s+(.+))?$`)

// AUTHCommand implements the AUTH command for SMTP authentication
type AUTHCommand struct {
	validator credential.Validator
}

func (c *AUTHCommand) Pattern() *regexp.Regexp {
	return authPattern
}

func (c *AUTHCommand) Execute(ctx context.Context, session *SMTPSession, matches []string) (SMTPResult, error) {
	mechanism := strings.ToUpper(matches[1])
	initialResponse := ""
	if len(matches) > 2 {
		initialResponse = matches[2]
	}

	// Security check 1: Already authenticated?
	if session.IsAuthenticated() {
		return SMTPResult{
			Code:    503,
			Message: "5.5.1 Bad sequence of commands",
		}, nil
	}

	// Security check 2: Must have greeted first
	if session.State() < StateGreeted {
		return SMTPResult{
			Code:    503,
			Message: "5.5.1 Bad sequence of commands",
		}, nil
	}

	// Security check 3: PLAIN/LOGIN require an encrypted channel. There is
	// no localhost exception: the gateway always terminates TLS itself,
	// so "local" traffic is just another unauthenticated client.
	if (mechanism == "PLAIN" || mechanism == "LOGIN") && !session.IsTLSActive() {
		return SMTPResult{
			Code:    538,
			Message: "5.7.11 Encryption required for requested authentication mechanism",
		}, nil
	}

	// Dispatch to mechanism handler
	switch mechanism {
	case "PLAIN":
		return c.handlePlain(ctx, session, initialResponse)
	case "LOGIN":
		// LOGIN requires multi-turn support - not implemented yet
		return SMTPResult{
			Code:    504,
			Message: "5.5.4 Unrecognized authentication type",
		}, nil
	default:
		return SMTPResult{
			Code:    504,
			Message: "5.5.4 Unrecognized authentication type",
		}, nil
	}
}

// handlePlain implements AUTH PLAIN mechanism (RFC 4616)
// Format: \0username\0password (base64 encoded)
func (c *AUTHCommand) handlePlain(ctx context.Context, session *SMTPSession, initialResponse string) (SMTPResult, error) {
	if initialResponse == "" {
		// Client didn't provide initial response - not supported yet
		// Would need to send 334 and read continuation, which requires
		// handler support for multi-turn commands
		return SMTPResult{
			Code:    535,
			Message: "5.7.8 Authentication credentials invalid",
		}, nil
	}

	// Decode base64
	decoded, err := base64.StdEncoding.DecodeString(initialResponse)
	if err != nil {
		return SMTPResult{
			Code:    535,
			Message: "5.7.8 Authentication credentials invalid",
		}, nil
	}

	// Parse PLAIN format: \0username\0password
	// We also support the optional authorization identity: authzid\0username\0password
	parts := strings.Split(string(decoded), "\x00")

	var username, password string
	if len(parts) == 3 {
		// Format: authzid\0username\0password
		// We ignore authzid (authorization identity) for now
		username = parts[1]
		password = parts[2]
	} else if len(parts) == 2 {
		// Format: username\0password (missing authzid)
		username = parts[0]
		password = parts[1]
	} else {
		// Invalid format
		return SMTPResult{
			Code:    535,
			Message: "5.7.8 Authentication credentials invalid",
		}, nil
	}

	if username == "" || password == "" {
		return SMTPResult{
			Code:    535,
			Message: "5.7.8 Authentication credentials invalid",
		}, nil
	}

	if c.validator == nil {
		// Should not happen if command registry is configured correctly
		return SMTPResult{
			Code:    454,
			Message: "4.7.0 Temporary authentication failure",
		}, nil
	}

	apiKey, err := c.validator.Validate(ctx, username, password)
	if err != nil {
		session.ClearAuthenticated()

		var verr *credential.ValidationError
		if errors.As(err, &verr) {
			switch verr.Kind {
			case credential.ErrKindAuthentication:
				return SMTPResult{
					Code:    535,
					Message: "5.7.8 Authentication credentials invalid",
				}, nil
			case credential.ErrKindServer, credential.ErrKindNetwork:
				return SMTPResult{
					Code:    451,
					Message: "4.7.0 Temporary authentication failure",
				}, nil
			}
		}

		// Unclassified error: treat as temporary rather than reveal nothing.
		return SMTPResult{
			Code:    451,
			Message: "4.7.0 Temporary authentication failure",
		}, nil
	}

	session.SetAuthenticated(username, "PLAIN", apiKey)

	return SMTPResult{
		Code:    235,
		Message: "2.7.0 Authentication successful",
	}, nil
}
