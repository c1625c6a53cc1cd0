// Package email defines the data model shared by the notification pipeline:
// inbound notifications, static sender configuration and the composed
// outbound message handed to a transport.
package email

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// ChannelEmail is the only channel this service delivers.
const ChannelEmail = "email"

// Message is a fully composed outbound email, ready for a transport.
type Message struct {
	From        string
	To          []string
	Cc          []string
	Bcc         []string
	ReplyTo     []string
	Subject     string
	TextBody    string
	HtmlBody    string
	Attachments []Attachment
	Headers     map[string]string
	Priority    string
	MessageID   string
}

// Recipients returns every envelope recipient of the message.
func (m *Message) Recipients() []string {
	return Normalize(Addresses(m.To...), Addresses(m.Cc...), Addresses(m.Bcc...))
}

// Attachment is a file attached to a message. Content is kept in its wire
// form; Encoding says how to turn it into bytes.
type Attachment struct {
	Filename    string `json:"filename" yaml:"filename" validate:"required"`
	Content     string `json:"content" yaml:"content"`
	ContentType string `json:"content_type,omitempty" yaml:"content_type"`
	// ContentID makes the attachment addressable from HTML as cid:<id>.
	ContentID   string `json:"id,omitempty" yaml:"id"`
	Disposition string `json:"disposition,omitempty" yaml:"disposition"`
	Encoding    string `json:"encoding,omitempty" yaml:"encoding"`
}

// Bytes decodes the attachment content according to its encoding.
func (a Attachment) Bytes() ([]byte, error) {
	switch strings.ToLower(a.Encoding) {
	case "", "utf8", "utf-8", "binary":
		return []byte(a.Content), nil
	case "base64":
		cleaned := strings.NewReplacer("\r", "", "\n", "").Replace(a.Content)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			decoded, err = base64.RawStdEncoding.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 attachment %q: %w", a.Filename, err)
			}
		}
		return decoded, nil
	case "hex":
		out, err := hex.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("failed to decode hex attachment %q: %w", a.Filename, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported attachment encoding %q for %q", a.Encoding, a.Filename)
	}
}

// Inline reports whether the attachment is meant to be rendered inside the
// HTML body rather than offered as a download.
func (a Attachment) Inline() bool {
	if a.Disposition != "" {
		return strings.EqualFold(a.Disposition, "inline")
	}
	return a.ContentID != ""
}
