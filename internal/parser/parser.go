// Package parser turns RFC 5322 messages received over SMTP into
// notification requests, with MIME multipart support.
package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/mail"
	"slices"
	"strings"

	"github.com/shineum/ses-notify/internal/email"
)

const (
	// HeaderTemplateID selects a catalog template for the message.
	HeaderTemplateID = "X-Template-Id"
	// HeaderTemplateData carries the template data as a JSON document.
	HeaderTemplateData = "X-Template-Data"
)

var wordDecoder = &mime.WordDecoder{}

// Mail is a parsed inbound message.
type Mail struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	Subject     string
	MessageID   string
	TextBody    string
	HtmlBody    string
	Attachments []email.Attachment

	TemplateID   string
	TemplateData json.RawMessage
}

// Parse parses a raw RFC 5322 message. Plain text, text/html and
// multipart bodies are supported; attachments are kept base64 encoded.
// Unrecognized MIME parts are logged as warnings and skipped.
func Parse(raw []byte) (*Mail, error) {
	msg, err := mail.ReadMessage(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}

	result := &Mail{
		From:       firstAddress(msg.Header.Get("From")),
		Subject:    decodeHeader(msg.Header.Get("Subject")),
		MessageID:  msg.Header.Get("Message-Id"),
		To:         parseAddressList(msg.Header.Get("To")),
		Cc:         parseAddressList(msg.Header.Get("Cc")),
		Bcc:        parseAddressList(msg.Header.Get("Bcc")),
		TemplateID: strings.TrimSpace(msg.Header.Get(HeaderTemplateID)),
	}

	if data := strings.TrimSpace(decodeHeader(msg.Header.Get(HeaderTemplateData))); data != "" {
		if !json.Valid([]byte(data)) {
			return nil, fmt.Errorf("%s header is not valid JSON", HeaderTemplateData)
		}
		result.TemplateData = json.RawMessage(data)
	}

	contentType := msg.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "text/plain"
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		slog.Warn("failed to parse content type, treating as plain text",
			"content_type", contentType,
			"error", err,
		)
		body, readErr := io.ReadAll(msg.Body)
		if readErr != nil {
			return nil, fmt.Errorf("failed to read message body: %w", readErr)
		}
		result.TextBody = string(body)
		return result, nil
	}

	if strings.HasPrefix(mediaType, "multipart/") {
		boundary := params["boundary"]
		if boundary == "" {
			return nil, fmt.Errorf("multipart message missing boundary")
		}
		if err := parseMultipart(msg.Body, boundary, result); err != nil {
			return nil, fmt.Errorf("failed to parse multipart message: %w", err)
		}
		return result, nil
	}

	body, err := decodeTransfer(msg.Header.Get("Content-Transfer-Encoding"), msg.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read message body: %w", err)
	}
	switch mediaType {
	case "text/html":
		result.HtmlBody = string(body)
	case "text/plain":
		result.TextBody = string(body)
	default:
		slog.Warn("unrecognized top-level content type",
			"content_type", mediaType,
		)
		result.TextBody = string(body)
	}

	return result, nil
}

// Notification builds the notification request for this message as it was
// delivered to envelopeTo. The first envelope recipient becomes the primary
// recipient. The others become Cc when the headers list them or when the
// message has no To/Cc headers at all; the rest are blind copies.
func (m *Mail) Notification(envelopeTo []string) (*email.Notification, error) {
	recipients := email.Normalize(email.Addresses(envelopeTo...))
	if len(recipients) == 0 {
		return nil, fmt.Errorf("message has no recipients")
	}

	visible := email.Normalize(email.Addresses(m.To...), email.Addresses(m.Cc...))
	var cc, bcc []string
	for _, rcpt := range recipients[1:] {
		if len(visible) == 0 || slices.Contains(visible, rcpt) {
			cc = append(cc, rcpt)
		} else {
			bcc = append(bcc, rcpt)
		}
	}

	n := &email.Notification{
		To:       recipients[0],
		From:     m.From,
		Cc:       email.Addresses(cc...),
		Bcc:      email.Addresses(bcc...),
		Channel:  email.ChannelEmail,
		Template: m.TemplateID,
		Content: &email.Content{
			Subject: m.Subject,
			Text:    m.TextBody,
			HTML:    m.HtmlBody,
		},
		Attachments: m.Attachments,
	}
	if m.TemplateData != nil {
		n.Data = m.TemplateData
	}
	return n, nil
}

// parseMultipart processes a multipart MIME body, extracting text/plain,
// text/html parts and attachments.
func parseMultipart(body io.Reader, boundary string, result *Mail) error {
	reader := multipart.NewReader(body, boundary)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read next part: %w", err)
		}

		partContentType := part.Header.Get("Content-Type")
		if partContentType == "" {
			partContentType = "text/plain"
		}

		mediaType, params, err := mime.ParseMediaType(partContentType)
		if err != nil {
			slog.Warn("failed to parse part content type, skipping",
				"content_type", partContentType,
				"error", err,
			)
			continue
		}

		if strings.HasPrefix(mediaType, "multipart/") {
			nestedBoundary := params["boundary"]
			if nestedBoundary == "" {
				slog.Warn("nested multipart missing boundary, skipping")
				continue
			}
			if err := parseMultipart(part, nestedBoundary, result); err != nil {
				slog.Warn("failed to parse nested multipart",
					"error", err,
				)
			}
			continue
		}

		content, err := decodeTransfer(part.Header.Get("Content-Transfer-Encoding"), part)
		if err != nil {
			slog.Warn("failed to read part content",
				"content_type", mediaType,
				"error", err,
			)
			continue
		}

		disposition, _, _ := mime.ParseMediaType(part.Header.Get("Content-Disposition"))
		contentID := strings.Trim(part.Header.Get("Content-Id"), "<> ")

		if disposition == "attachment" || (disposition == "inline" && contentID != "") {
			result.Attachments = append(result.Attachments, newAttachment(part, params, mediaType, disposition, contentID, content))
			continue
		}

		switch mediaType {
		case "text/plain":
			if result.TextBody == "" {
				result.TextBody = string(content)
			}
		case "text/html":
			if result.HtmlBody == "" {
				result.HtmlBody = string(content)
			}
		default:
			if filename := extractFilename(part, params); filename != "" {
				result.Attachments = append(result.Attachments, newAttachment(part, params, mediaType, disposition, contentID, content))
			} else {
				slog.Warn("unrecognized MIME part, skipping",
					"content_type", mediaType,
					"disposition", disposition,
				)
			}
		}
	}

	return nil
}

func newAttachment(part *multipart.Part, params map[string]string, mediaType, disposition, contentID string, content []byte) email.Attachment {
	filename := extractFilename(part, params)
	if filename == "" {
		filename = fallbackFilename(mediaType)
	}
	return email.Attachment{
		Filename:    filename,
		Content:     base64.StdEncoding.EncodeToString(content),
		ContentType: mediaType,
		ContentID:   contentID,
		Disposition: disposition,
		Encoding:    "base64",
	}
}

// decodeTransfer reads r and undoes its Content-Transfer-Encoding. The
// multipart reader already removes quoted-printable for parts.
func decodeTransfer(encoding string, r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return raw, nil
	}

	cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(string(raw))
	decoded, err := base64.StdEncoding.DecodeString(cleaned)
	if err != nil {
		decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("failed to decode base64 content: %w", err)
		}
	}
	return decoded, nil
}

// extractFilename checks Content-Disposition first, then the Content-Type
// "name" parameter.
func extractFilename(part *multipart.Part, params map[string]string) string {
	if fn := part.FileName(); fn != "" {
		return fn
	}
	return params["name"]
}

// fallbackFilename names an attachment after its media type, since the
// transport requires a filename.
func fallbackFilename(mediaType string) string {
	if _, sub, ok := strings.Cut(mediaType, "/"); ok && sub != "" {
		return "attachment." + sub
	}
	return "attachment"
}

func decodeHeader(v string) string {
	decoded, err := wordDecoder.DecodeHeader(v)
	if err != nil {
		return v
	}
	return decoded
}

func firstAddress(raw string) string {
	if list := parseAddressList(raw); len(list) > 0 {
		return list[0]
	}
	return ""
}

// parseAddressList splits a comma-separated address list into bare addresses.
func parseAddressList(raw string) []string {
	if raw == "" {
		return nil
	}

	addresses, err := mail.ParseAddressList(raw)
	if err != nil {
		parts := strings.Split(raw, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			trimmed := strings.TrimSpace(p)
			if trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}

	result := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		result = append(result, addr.Address)
	}
	return result
}
