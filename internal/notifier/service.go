// Package notifier turns notification requests into composed messages and
// delivers them: template rendering, recipient merging, the sandbox gate
// and the transport call, in that order.
package notifier

import (
	"context"
	"errors"
	"log/slog"
	"maps"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/email"
	"github.com/shineum/ses-notify/internal/metrics"
	"github.com/shineum/ses-notify/internal/transport"
)

const component = "SesNotificationService"

// defaultAttachmentEncoding applies to per-call attachments that do not
// name an encoding.
const defaultAttachmentEncoding = "base64"

// TemplateRenderer resolves and renders catalog templates.
type TemplateRenderer interface {
	HasTemplate(ctx context.Context, id string) (bool, error)
	RenderTemplate(ctx context.Context, id string, data any) (string, error)
	TemplateIDs(ctx context.Context) ([]string, error)
}

// AddressGate decides whether a set of recipients may be sent to now.
type AddressGate interface {
	CheckAndVerifyAddresses(ctx context.Context, likes ...email.AddressLike) error
}

// Options configures a Service. Templates and Sandbox are optional; leave
// them nil to disable templating or the sandbox gate.
type Options struct {
	Sender    email.SenderConfig
	Transport transport.Transport
	Templates TemplateRenderer
	Sandbox   AddressGate
	Logger    *slog.Logger
}

// Result is the outcome of a successful send.
type Result struct {
	MessageID string `json:"id"`
}

// Service is stateless apart from its collaborators and safe for
// concurrent use.
type Service struct {
	sender    email.SenderConfig
	transport transport.Transport
	templates TemplateRenderer
	sandbox   AddressGate
	logger    *slog.Logger
}

// New creates a Service. A transport is required.
func New(opts Options) (*Service, error) {
	if opts.Transport == nil {
		return nil, errors.New("notifier: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		sender:    opts.Sender,
		transport: opts.Transport,
		templates: opts.Templates,
		sandbox:   opts.Sandbox,
		logger:    logger,
	}, nil
}

// Send renders, gates and delivers n.
func (s *Service) Send(ctx context.Context, n *email.Notification) (Result, error) {
	res, err := s.send(ctx, n)
	metrics.IncSend(sendResult(err))
	if err != nil {
		s.logger.Warn("notification not sent",
			"kind", string(apperror.KindOf(err)),
			"error", err,
		)
		return Result{}, err
	}

	s.logger.Info("notification sent",
		"message_id", res.MessageID,
		"transport", s.transport.Name(),
		"template", n.Template,
	)
	return res, nil
}

func (s *Service) send(ctx context.Context, n *email.Notification) (Result, error) {
	if n == nil {
		return Result{}, apperror.New(apperror.KindInvalidArgument, component, "Notification is required")
	}
	if n.Channel != email.ChannelEmail {
		return Result{}, apperror.New(apperror.KindInvalidArgument, component,
			"Unsupported channel '%s', only '%s' is supported", n.Channel, email.ChannelEmail)
	}
	if n.Content == nil {
		return Result{}, apperror.New(apperror.KindInvalidData, component, "Notification content is required")
	}

	html := n.Content.HTML
	if s.templates != nil && n.Template != "" {
		rendered, err := s.render(ctx, n.Template, n.Data)
		if err != nil {
			return Result{}, err
		}
		html = rendered
	}

	msg := s.compose(n, html)

	if s.sandbox != nil {
		err := s.sandbox.CheckAndVerifyAddresses(ctx,
			email.Addresses(msg.To...),
			email.Addresses(msg.Cc...),
			email.Addresses(msg.Bcc...),
		)
		if err != nil {
			return Result{}, err
		}
	}

	id, err := s.transport.Send(ctx, msg)
	if err != nil {
		return Result{}, apperror.Wrap(err, apperror.KindUnexpectedState, component,
			"Failed to send email via %s", s.transport.Name())
	}

	return Result{MessageID: id}, nil
}

func (s *Service) render(ctx context.Context, id string, data any) (string, error) {
	ok, err := s.templates.HasTemplate(ctx, id)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindUnexpectedState, component, "Template rendering failed")
	}
	if !ok {
		return "", apperror.New(apperror.KindInvalidArgument, component, "Template '%s' not found", id)
	}

	out, err := s.templates.RenderTemplate(ctx, id, data)
	if err != nil {
		return "", apperror.Wrap(err, apperror.KindUnexpectedState, component, "Template rendering failed")
	}
	return out, nil
}

// compose merges the static sender configuration with the notification.
// Static recipients come first and the first occurrence of an address wins.
func (s *Service) compose(n *email.Notification, html string) *email.Message {
	from := n.From
	if from == "" {
		from = s.sender.From
	}

	msg := &email.Message{
		From:     from,
		To:       email.Normalize(s.sender.To, email.Addresses(n.To)),
		Cc:       email.Normalize(s.sender.Cc, n.Cc),
		Bcc:      email.Normalize(s.sender.Bcc, n.Bcc),
		ReplyTo:  email.Normalize(s.sender.ReplyTo),
		Subject:  n.Content.Subject,
		TextBody: n.Content.Text,
		HtmlBody: html,
		Priority: s.sender.Priority,
	}
	if len(s.sender.Headers) > 0 {
		msg.Headers = maps.Clone(s.sender.Headers)
	}

	if total := len(s.sender.Attachments) + len(n.Attachments); total > 0 {
		msg.Attachments = make([]email.Attachment, 0, total)
		msg.Attachments = append(msg.Attachments, s.sender.Attachments...)
		for _, a := range n.Attachments {
			encoding := a.Encoding
			if encoding == "" {
				encoding = defaultAttachmentEncoding
			}
			msg.Attachments = append(msg.Attachments, email.Attachment{
				Filename:    a.Filename,
				Content:     a.Content,
				ContentType: a.ContentType,
				ContentID:   a.ContentID,
				Disposition: a.Disposition,
				Encoding:    encoding,
			})
		}
	}

	return msg
}

// TemplateIDs lists the catalog. It fails with NotFound when templating is
// disabled.
func (s *Service) TemplateIDs(ctx context.Context) ([]string, error) {
	if s.templates == nil {
		return nil, apperror.New(apperror.KindNotFound, component, "Templates are disabled")
	}
	return s.templates.TemplateIDs(ctx)
}

func sendResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case apperror.IsRetryable(err):
		return "retryable"
	case apperror.Is(err, apperror.KindInvalidArgument), apperror.Is(err, apperror.KindInvalidData):
		return "invalid"
	default:
		return "failure"
	}
}
