// Package mimeparse decodes a raw RFC 5322 message into a structured
// ParsedMessage: addresses, subject, text/HTML bodies, attachments, and
// arbitrary X-* headers.
package mimeparse

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

// charsetReader lets mime.WordDecoder decode encoded-word headers in
// charsets other than UTF-8/US-ASCII, reusing the same best-effort
// htmlindex lookup as body decoding.
func charsetReader(charset string, input io.Reader) (io.Reader, error) {
	if strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return input, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return input, nil
	}
	return enc.NewDecoder().Reader(input), nil
}

func decodeQuotedPrintable(payload []byte) []byte {
	decoded, err := io.ReadAll(quotedprintable.NewReader(bytes.NewReader(payload)))
	if err != nil {
		return payload
	}
	return decoded
}

// Attachment is a decoded MIME part carrying a filename.
type Attachment struct {
	Filename    string
	ContentType string
	Base64      string
	Size        int
}

// ParsedMessage is the structured result of parsing one DATA payload.
type ParsedMessage struct {
	From          string
	To            []string
	Cc            []string
	Bcc           []string
	Subject       string
	BodyText      string
	BodyHTML      string
	Attachments   []Attachment
	ReplyTo       string
	MessageID     string
	Date          string
	CustomHeaders map[string]string
}

// FormatError wraps a parse failure. The session engine maps any FormatError
// to a 550 reply.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid message format: %s", e.Reason)
}

// Parse decodes raw into a ParsedMessage or returns a *FormatError.
func Parse(raw []byte) (*ParsedMessage, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}

	from := decodeHeader(msg.Header.Get("From"))
	if from == "" {
		return nil, &FormatError{Reason: "missing required header: From"}
	}

	to := extractAddresses(msg.Header.Get("To"))
	cc := extractAddresses(msg.Header.Get("Cc"))
	bcc := extractAddresses(msg.Header.Get("Bcc"))
	if len(to) == 0 && len(cc) == 0 && len(bcc) == 0 {
		return nil, &FormatError{Reason: "at least one recipient required (To, Cc, or Bcc)"}
	}

	pm := &ParsedMessage{
		From:          from,
		To:            to,
		Cc:            cc,
		Bcc:           bcc,
		Subject:       decodeHeader(msg.Header.Get("Subject")),
		ReplyTo:       decodeHeader(msg.Header.Get("Reply-To")),
		MessageID:     msg.Header.Get("Message-Id"),
		Date:          msg.Header.Get("Date"),
		CustomHeaders: make(map[string]string),
	}

	for name, values := range msg.Header {
		if strings.HasPrefix(name, "X-") && len(values) > 0 {
			pm.CustomHeaders[name] = decodeHeader(values[len(values)-1])
		}
	}

	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return nil, &FormatError{Reason: err.Error()}
	}

	contentType := msg.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		mediaType = "text/plain"
		params = map[string]string{}
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		if err := walkMultipart(body, params["boundary"], pm); err != nil {
			return nil, &FormatError{Reason: err.Error()}
		}
	} else {
		disposition := msg.Header.Get("Content-Disposition")
		filename := filenameFromDispositionOrType(disposition, contentType)
		isAttachment := containsFold(disposition, "attachment") ||
			containsFold(disposition, "inline") ||
			(mediaType != "text/plain" && mediaType != "text/html" && filename != "")

		if isAttachment && filename != "" {
			decoded, encErr := decodeTransferEncoding(body, msg.Header.Get("Content-Transfer-Encoding"))
			if encErr != nil {
				decoded = body
			}
			pm.Attachments = append(pm.Attachments, Attachment{
				Filename:    decodeHeader(filename),
				ContentType: mediaType,
				Base64:      base64.StdEncoding.EncodeToString(decoded),
				Size:        len(decoded),
			})
		} else {
			text, decodeErr := decodeBody(body, msg.Header, mediaType, params)
			if decodeErr != nil {
				return nil, &FormatError{Reason: decodeErr.Error()}
			}
			switch mediaType {
			case "text/plain":
				pm.BodyText = text
			case "text/html":
				pm.BodyHTML = text
			}
		}
	}

	return pm, nil
}

// decodeHeader decodes RFC 2047 encoded-words; a header with no encoded
// words (or one that fails to decode) is returned unchanged.
func decodeHeader(value string) string {
	if value == "" {
		return ""
	}
	dec := new(mime.WordDecoder)
	dec.CharsetReader = charsetReader
	decoded, err := dec.DecodeHeader(value)
	if err != nil {
		return value
	}
	return decoded
}

// extractAddresses parses a comma-separated address-list header, returning
// bare addresses with display names dropped. Malformed entries are skipped
// rather than failing the whole parse.
func extractAddresses(header string) []string {
	if header == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(header)
	if err != nil {
		return extractAddressesLoose(header)
	}
	result := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if a.Address != "" {
			result = append(result, a.Address)
		}
	}
	return result
}

// extractAddressesLoose recovers what it can from an address list net/mail
// refuses to parse strictly, splitting on commas and parsing each field
// independently.
func extractAddressesLoose(header string) []string {
	var result []string
	for _, field := range strings.Split(header, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if a, err := mail.ParseAddress(field); err == nil && a.Address != "" {
			result = append(result, a.Address)
		}
	}
	return result
}

// walkMultipart performs a pre-order depth-first traversal, capturing the
// first text/plain and first text/html part it finds, and collecting
// attachments along the way.
func walkMultipart(body []byte, boundary string, pm *ParsedMessage) error {
	if boundary == "" {
		return fmt.Errorf("multipart message missing boundary parameter")
	}
	reader := multipart.NewReader(bytes.NewReader(body), boundary)
	return walkParts(reader, pm)
}

func walkParts(reader *multipart.Reader, pm *ParsedMessage) error {
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		header := textproto.MIMEHeader(part.Header)
		contentType := header.Get("Content-Type")
		mediaType, params, err := mime.ParseMediaType(contentType)
		if err != nil {
			mediaType = "text/plain"
			params = map[string]string{}
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				continue
			}
			payload, err := io.ReadAll(part)
			if err != nil {
				return err
			}
			nested := multipart.NewReader(bytes.NewReader(payload), nestedBoundary)
			if err := walkParts(nested, pm); err != nil {
				return err
			}
			continue
		}

		payload, err := io.ReadAll(part)
		if err != nil {
			return err
		}

		disposition := header.Get("Content-Disposition")
		filename := attachmentFilename(part, header, disposition)

		isAttachment := containsFold(disposition, "attachment") ||
			containsFold(disposition, "inline") ||
			(mediaType != "text/plain" && mediaType != "text/html" && filename != "")

		if isAttachment {
			if filename != "" {
				decoded, encErr := decodeTransferEncoding(payload, header.Get("Content-Transfer-Encoding"))
				if encErr != nil {
					decoded = payload
				}
				pm.Attachments = append(pm.Attachments, Attachment{
					Filename:    decodeHeader(filename),
					ContentType: mediaType,
					Base64:      base64.StdEncoding.EncodeToString(decoded),
					Size:        len(decoded),
				})
			}
			continue
		}

		decoded, err := decodeTransferEncoding(payload, header.Get("Content-Transfer-Encoding"))
		if err != nil {
			decoded = payload
		}
		text := decodeCharset(decoded, params["charset"])

		switch mediaType {
		case "text/plain":
			if pm.BodyText == "" {
				pm.BodyText = text
			}
		case "text/html":
			if pm.BodyHTML == "" {
				pm.BodyHTML = text
			}
		}
	}
}

func attachmentFilename(part *multipart.Part, header textproto.MIMEHeader, disposition string) string {
	if filename := part.FileName(); filename != "" {
		return filename
	}
	return filenameFromDispositionOrType(disposition, header.Get("Content-Type"))
}

// filenameFromDispositionOrType recovers a filename from Content-Disposition's
// filename parameter, falling back to Content-Type's name parameter. Used for
// both multipart parts and a non-multipart message's single implicit part.
func filenameFromDispositionOrType(disposition, contentType string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name, ok := params["filename"]; ok {
			return name
		}
	}
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if name, ok := params["name"]; ok {
			return name
		}
	}
	return ""
}

func decodeBody(body []byte, header mail.Header, mediaType string, params map[string]string) (string, error) {
	decoded, err := decodeTransferEncoding(body, header.Get("Content-Transfer-Encoding"))
	if err != nil {
		decoded = body
	}
	if mediaType != "text/plain" && mediaType != "text/html" {
		return "", nil
	}
	return decodeCharset(decoded, params["charset"]), nil
}

func decodeTransferEncoding(payload []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "base64":
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(payload)))
		n, err := base64.StdEncoding.Decode(decoded, bytes.ReplaceAll(bytes.ReplaceAll(payload, []byte("\r"), nil), []byte("\n"), nil))
		if err != nil {
			return payload, err
		}
		return decoded[:n], nil
	case "quoted-printable":
		return decodeQuotedPrintable(payload), nil
	default:
		return payload, nil
	}
}

// decodeCharset is best-effort: an unknown or invalid charset falls back to
// UTF-8 with invalid sequences replaced, never erroring.
func decodeCharset(payload []byte, charset string) string {
	if charset == "" || strings.EqualFold(charset, "utf-8") || strings.EqualFold(charset, "us-ascii") {
		return strings.ToValidUTF8(string(payload), "�")
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return strings.ToValidUTF8(string(payload), "�")
	}
	decoded, err := enc.NewDecoder().Bytes(payload)
	if err != nil {
		return strings.ToValidUTF8(string(payload), "�")
	}
	return string(decoded)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), needle)
}
