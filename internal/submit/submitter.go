// Package submit fans a parsed message out to the upstream Email API, one
// HTTP request per recipient, and aggregates the per-recipient results into
// a single outcome.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cakemail/cakesmtpd/internal/mimeparse"
)

// ErrorKind classifies an aggregate submit failure.
type ErrorKind int

const (
	// ErrKindValidation means every recipient failed, or no recipients were given.
	ErrKindValidation ErrorKind = iota
	// ErrKindRateLimit means the upstream returned 429 for some recipient; fan-out
	// was short-circuited.
	ErrKindRateLimit
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindValidation:
		return "validation"
	case ErrKindRateLimit:
		return "rate-limit"
	default:
		return "unknown"
	}
}

// SubmitError wraps an aggregate submit failure with its classification.
type SubmitError struct {
	Kind    ErrorKind
	Message string
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// FailedRecipient records why one recipient's submission failed.
type FailedRecipient struct {
	Address string
	Error   string
}

// Outcome is the aggregate result of fanning a message out to its recipients.
type Outcome struct {
	Succeeded  []string
	Failed     []FailedRecipient
	MessageIDs []string
}

// Submitter issues one HTTP call per recipient to the Email API.
type Submitter struct {
	url        string
	httpClient *http.Client
}

// NewSubmitter builds a Submitter that POSTs to url with the given
// per-attempt timeout.
func NewSubmitter(url string, timeout time.Duration) *Submitter {
	return &Submitter{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type emailAddress struct {
	Email string `json:"email"`
}

type submitRequest struct {
	From        emailAddress       `json:"from"`
	To          []emailAddress     `json:"to"`
	Subject     string             `json:"subject"`
	Text        string             `json:"text"`
	HTML        string             `json:"html,omitempty"`
	Attachments []submitAttachment `json:"attachments,omitempty"`
}

type submitAttachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
	Size        int    `json:"size"`
}

type submitResponse struct {
	MessageID string `json:"message_id"`
	ID        string `json:"id"`
	Error     string `json:"error"`
	Message   string `json:"message"`
}

// Submit fans parsed out to every recipient in (to, cc, bcc) order and
// aggregates the results.
func (s *Submitter) Submit(ctx context.Context, apiKey string, parsed *mimeparse.ParsedMessage) (*Outcome, error) {
	recipients := make([]string, 0, len(parsed.To)+len(parsed.Cc)+len(parsed.Bcc))
	recipients = append(recipients, parsed.To...)
	recipients = append(recipients, parsed.Cc...)
	recipients = append(recipients, parsed.Bcc...)

	if len(recipients) == 0 {
		return nil, &SubmitError{Kind: ErrKindValidation, Message: "no recipients specified"}
	}

	attachments := make([]submitAttachment, 0, len(parsed.Attachments))
	for _, a := range parsed.Attachments {
		attachments = append(attachments, submitAttachment{
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Content:     a.Base64,
			Size:        a.Size,
		})
	}

	outcome := &Outcome{}

	for _, recipient := range recipients {
		req := submitRequest{
			From:        emailAddress{Email: parsed.From},
			To:          []emailAddress{{Email: recipient}},
			Subject:     parsed.Subject,
			Text:        parsed.BodyText,
			HTML:        parsed.BodyHTML,
			Attachments: attachments,
		}

		messageID, failErr, err := s.submitOne(ctx, apiKey, req)
		if err != nil {
			return nil, err // rate-limit: short-circuit the whole fan-out
		}
		if failErr != "" {
			outcome.Failed = append(outcome.Failed, FailedRecipient{Address: recipient, Error: failErr})
			continue
		}
		outcome.Succeeded = append(outcome.Succeeded, recipient)
		outcome.MessageIDs = append(outcome.MessageIDs, messageID)
	}

	if len(outcome.Succeeded) == 0 {
		var parts []string
		for _, f := range outcome.Failed {
			parts = append(parts, fmt.Sprintf("%s: %s", f.Address, f.Error))
		}
		return nil, &SubmitError{Kind: ErrKindValidation, Message: "all recipients failed: " + strings.Join(parts, "; ")}
	}

	return outcome, nil
}

// submitOne issues the HTTP call for one recipient, retrying once on
// timeout/transport error. It returns (messageID, "", nil) on success,
// ("", failureText, nil) on a per-recipient failure that should be recorded,
// or (_, _, err) when the caller must abort the whole fan-out (rate limit).
func (s *Submitter) submitOne(ctx context.Context, apiKey string, reqBody submitRequest) (string, string, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Sprintf("encoding request: %v", err), nil
	}

	const maxAttempts = 2
	var lastFailure string

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		messageID, failure, rateLimited, transportErr := s.attempt(ctx, apiKey, body)
		if rateLimited {
			return "", "", &SubmitError{Kind: ErrKindRateLimit, Message: "rate limit exceeded, try again later"}
		}
		if transportErr == nil {
			return messageID, failure, nil
		}
		lastFailure = transportErr.Error()
		if attempt < maxAttempts {
			continue
		}
	}

	return "", lastFailure, nil
}

// attempt performs a single HTTP round trip for one recipient.
func (s *Submitter) attempt(ctx context.Context, apiKey string, body []byte) (messageID string, failure string, rateLimited bool, transportErr error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Sprintf("building request: %v", err), false, nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return "", "", false, fmt.Errorf("request timeout: %w", err)
		}
		return "", "", false, fmt.Errorf("network error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var sr submitResponse
		if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
			return "", fmt.Sprintf("invalid API response: %v", err), false, nil
		}
		id := sr.MessageID
		if id == "" {
			id = sr.ID
		}
		if id == "" {
			return "", "invalid API response: missing message_id", false, nil
		}
		return id, "", false, nil

	case resp.StatusCode == http.StatusBadRequest:
		var sr submitResponse
		_ = json.NewDecoder(resp.Body).Decode(&sr)
		errText := sr.Error
		if errText == "" {
			errText = sr.Message
		}
		if errText == "" {
			errText = "validation error"
		}
		return "", errText, false, nil

	case resp.StatusCode == http.StatusTooManyRequests:
		return "", "", true, nil

	case resp.StatusCode >= 500:
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Sprintf("API server error: %d %s", resp.StatusCode, string(b)), false, nil

	default:
		return "", fmt.Sprintf("unexpected API response: %d", resp.StatusCode), false, nil
	}
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
