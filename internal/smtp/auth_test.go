package smtp

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/cakemail/cakesmtpd/internal/credential"
)

// fakeValidator is a scripted credential.Validator for exercising AUTHCommand
// without an HTTP round trip.
type fakeValidator struct {
	apiKey string
	err    error
}

func (f *fakeValidator) Validate(ctx context.Context, username, password string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.apiKey, nil
}

func plainInitialResponse(username, password string) string {
	return base64.StdEncoding.EncodeToString([]byte("\x00" + username + "\x00" + password))
}

func authSession(tlsActive bool) *SMTPSession {
	session := NewSMTPSession(ConnectionInfo{ClientIP: "192.168.1.1"}, DefaultSessionConfig())
	session.SetState(StateGreeted)
	session.SetTLSActive(tlsActive)
	return session
}

func TestAUTHCommand_PlainSuccess(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{apiKey: "key-123"}}
	session := authSession(true)

	resp := plainInitialResponse("user@example.com", "hunter2")
	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN " + resp, "PLAIN", resp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 235 {
		t.Errorf("Code = %d, want 235", result.Code)
	}
	if !session.IsAuthenticated() {
		t.Error("session should be authenticated")
	}
	if session.GetAPIKey() != "key-123" {
		t.Errorf("GetAPIKey() = %q, want key-123", session.GetAPIKey())
	}
}

func TestAUTHCommand_RequiresTLS(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{apiKey: "key-123"}}
	session := authSession(false)

	resp := plainInitialResponse("user@example.com", "hunter2")
	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN " + resp, "PLAIN", resp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 538 {
		t.Errorf("Code = %d, want 538 (encryption required)", result.Code)
	}
	if session.IsAuthenticated() {
		t.Error("session should not be authenticated")
	}
}

func TestAUTHCommand_AuthenticationError(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{err: &credential.ValidationError{
		Kind:    credential.ErrKindAuthentication,
		Message: "invalid credentials",
	}}}
	session := authSession(true)

	resp := plainInitialResponse("user@example.com", "wrong")
	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN " + resp, "PLAIN", resp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 535 {
		t.Errorf("Code = %d, want 535", result.Code)
	}
}

func TestAUTHCommand_ServerError(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{err: &credential.ValidationError{
		Kind:    credential.ErrKindServer,
		Message: "upstream 503",
	}}}
	session := authSession(true)

	resp := plainInitialResponse("user@example.com", "hunter2")
	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN " + resp, "PLAIN", resp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 451 {
		t.Errorf("Code = %d, want 451", result.Code)
	}
}

func TestAUTHCommand_AlreadyAuthenticated(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{apiKey: "key-123"}}
	session := authSession(true)
	session.SetAuthenticated("user@example.com", "PLAIN", "key-123")

	resp := plainInitialResponse("user@example.com", "hunter2")
	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN " + resp, "PLAIN", resp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 503 {
		t.Errorf("Code = %d, want 503 (bad sequence)", result.Code)
	}
}

func TestAUTHCommand_MalformedBase64(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{apiKey: "key-123"}}
	session := authSession(true)

	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN not-base64!!", "PLAIN", "not-base64!!"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 535 {
		t.Errorf("Code = %d, want 535", result.Code)
	}
}

func TestAUTHCommand_LoginNotImplemented(t *testing.T) {
	cmd := &AUTHCommand{validator: &fakeValidator{apiKey: "key-123"}}
	session := authSession(true)

	result, err := cmd.Execute(context.Background(), session, []string{"AUTH LOGIN", "LOGIN", ""})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 504 {
		t.Errorf("Code = %d, want 504 (mechanism not recognized)", result.Code)
	}
}

func TestAUTHCommand_NoValidatorConfigured(t *testing.T) {
	cmd := &AUTHCommand{}
	session := authSession(true)

	resp := plainInitialResponse("user@example.com", "hunter2")
	result, err := cmd.Execute(context.Background(), session, []string{"AUTH PLAIN " + resp, "PLAIN", resp})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Code != 454 {
		t.Errorf("Code = %d, want 454", result.Code)
	}
}
