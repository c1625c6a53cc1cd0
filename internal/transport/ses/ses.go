// Package ses implements a Transport that sends emails via AWS SES v2.
package ses

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/sony/gobreaker/v2"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/email"
)

const component = "SesTransport"

// defaultMaxRetries is the maximum number of retry attempts for transient failures.
const defaultMaxRetries = 3

// defaultBaseRetryDelay is the initial delay for exponential backoff.
const defaultBaseRetryDelay = 1 * time.Second

// Config holds the configuration for creating a Transport.
type Config struct {
	// DefaultFrom is used when a message has no From address.
	DefaultFrom string
	// ConfigurationSet is the SES configuration set name. Optional.
	ConfigurationSet string
	// MaxRetries defaults to 3; negative disables retries.
	MaxRetries int
	// BaseRetryDelay defaults to one second and doubles per attempt.
	BaseRetryDelay time.Duration
	Logger         *slog.Logger
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Transport sends emails via the AWS SES v2 API. Calls go through a
// circuit breaker that opens after more than five consecutive upstream
// failures.
type Transport struct {
	client     SendEmailAPI
	breaker    *gobreaker.CircuitBreaker[*sesv2.SendEmailOutput]
	from       string
	configSet  string
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
}

// New creates a Transport from a loaded AWS config.
func New(awsCfg aws.Config, cfg Config) *Transport {
	return NewWithClient(sesv2.NewFromConfig(awsCfg), cfg)
}

// NewWithClient creates a Transport with a custom client, used for testing.
func NewWithClient(client SendEmailAPI, cfg Config) *Transport {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxRetries := cfg.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}

	baseDelay := cfg.BaseRetryDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseRetryDelay
	}

	breaker := gobreaker.NewCircuitBreaker[*sesv2.SendEmailOutput](gobreaker.Settings{
		Name:        "ses",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		// Rejections caused by the message itself say nothing about SES health.
		IsSuccessful: func(err error) bool {
			return err == nil || isPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("SES circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Transport{
		client:     client,
		breaker:    breaker,
		from:       cfg.DefaultFrom,
		configSet:  cfg.ConfigurationSet,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}
}

// Send delivers a message via AWS SES v2 and returns the SES message id.
// Messages with attachments, custom headers or a priority are sent as raw
// MIME; everything else uses the SES simple format.
func (t *Transport) Send(ctx context.Context, msg *email.Message) (string, error) {
	if msg == nil {
		return "", apperror.New(apperror.KindInvalidArgument, component, "Message is required")
	}

	from := msg.From
	if from == "" {
		from = t.from
	}
	if from == "" {
		return "", apperror.New(apperror.KindInvalidArgument, component, "Message has no sender")
	}

	var input *sesv2.SendEmailInput
	if needsRaw(msg) {
		raw, err := buildRawMessage(from, msg)
		if err != nil {
			return "", apperror.Wrap(err, apperror.KindInvalidData, component, "Failed to build raw message")
		}
		input = &sesv2.SendEmailInput{
			FromEmailAddress: aws.String(from),
			Destination:      buildDestination(msg),
			Content: &types.EmailContent{
				Raw: &types.RawMessage{
					Data: raw,
				},
			},
		}
	} else {
		input = buildSimpleInput(from, msg)
	}
	if t.configSet != "" {
		input.ConfigurationSetName = aws.String(t.configSet)
	}

	var lastErr error
	for attempt := 0; attempt <= t.maxRetries; attempt++ {
		if attempt > 0 {
			t.logger.Debug("retrying SES API request",
				"attempt", attempt,
				"max_retries", t.maxRetries,
			)
			if err := sleepWithContext(ctx, backoffDelay(t.baseDelay, attempt)); err != nil {
				return "", apperror.Wrap(err, apperror.KindUpstream, component,
					"Context cancelled during retry wait")
			}
		}

		out, err := t.breaker.Execute(func() (*sesv2.SendEmailOutput, error) {
			return t.client.SendEmail(ctx, input)
		})
		if err == nil {
			return aws.ToString(out.MessageId), nil
		}

		lastErr = err
		t.logger.Warn("SES API error",
			"attempt", attempt,
			"error", err,
		)

		if isPermanent(err) || errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			break
		}
	}

	return "", mapSESError(lastErr)
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "ses"
}

func needsRaw(msg *email.Message) bool {
	return len(msg.Attachments) > 0 || len(msg.Headers) > 0 || msg.Priority != ""
}

func buildDestination(msg *email.Message) *types.Destination {
	return &types.Destination{
		ToAddresses:  msg.To,
		CcAddresses:  msg.Cc,
		BccAddresses: msg.Bcc,
	}
}

// buildSimpleInput creates a SES SendEmailInput for plain messages.
func buildSimpleInput(sender string, msg *email.Message) *sesv2.SendEmailInput {
	body := &types.Body{}

	if msg.HtmlBody != "" {
		body.Html = &types.Content{
			Data:    aws.String(msg.HtmlBody),
			Charset: aws.String("UTF-8"),
		}
	}
	if msg.TextBody != "" {
		body.Text = &types.Content{
			Data:    aws.String(msg.TextBody),
			Charset: aws.String("UTF-8"),
		}
	}

	return &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(sender),
		Destination:      buildDestination(msg),
		ReplyToAddresses: msg.ReplyTo,
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{
					Data:    aws.String(msg.Subject),
					Charset: aws.String("UTF-8"),
				},
				Body: body,
			},
		},
	}
}

// priorityHeader maps a priority name to its X-Priority value.
var priorityHeader = map[string]string{
	"high":   "1 (Highest)",
	"normal": "3 (Normal)",
	"low":    "5 (Lowest)",
}

// buildRawMessage constructs a raw MIME message. Bcc recipients are only
// carried in the SES destination, never in the headers.
func buildRawMessage(sender string, msg *email.Message) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "From: %s\r\n", sender)
	if len(msg.To) > 0 {
		fmt.Fprintf(&buf, "To: %s\r\n", strings.Join(msg.To, ", "))
	}
	if len(msg.Cc) > 0 {
		fmt.Fprintf(&buf, "Cc: %s\r\n", strings.Join(msg.Cc, ", "))
	}
	if len(msg.ReplyTo) > 0 {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", strings.Join(msg.ReplyTo, ", "))
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("UTF-8", msg.Subject))
	if msg.MessageID != "" {
		fmt.Fprintf(&buf, "Message-ID: %s\r\n", msg.MessageID)
	}
	if p, ok := priorityHeader[strings.ToLower(msg.Priority)]; ok {
		fmt.Fprintf(&buf, "X-Priority: %s\r\n", p)
	}

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := strings.NewReplacer("\r", "", "\n", "").Replace(msg.Headers[name])
		fmt.Fprintf(&buf, "%s: %s\r\n", textproto.CanonicalMIMEHeaderKey(name), value)
	}
	fmt.Fprintf(&buf, "MIME-Version: 1.0\r\n")

	writer := multipart.NewWriter(&buf)
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", writer.Boundary())

	if err := writeBody(writer, msg); err != nil {
		return nil, err
	}

	for _, att := range msg.Attachments {
		content, err := att.Bytes()
		if err != nil {
			return nil, err
		}

		contentType := att.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}

		disposition := "attachment"
		if att.Inline() {
			disposition = "inline"
		}

		attHeader := make(textproto.MIMEHeader)
		attHeader.Set("Content-Type", contentType)
		attHeader.Set("Content-Transfer-Encoding", "base64")
		attHeader.Set("Content-Disposition",
			fmt.Sprintf("%s; filename=%s", disposition, mime.QEncoding.Encode("UTF-8", att.Filename)))
		if att.ContentID != "" {
			attHeader.Set("Content-ID", "<"+strings.Trim(att.ContentID, "<>")+">")
		}

		part, err := writer.CreatePart(attHeader)
		if err != nil {
			return nil, fmt.Errorf("failed to create attachment part: %w", err)
		}
		if _, err := part.Write([]byte(encodeBase64WithLineBreaks(content))); err != nil {
			return nil, fmt.Errorf("failed to write attachment part: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}
	return buf.Bytes(), nil
}

// writeBody writes the text and HTML bodies. When both are present they
// are wrapped in a multipart/alternative part.
func writeBody(writer *multipart.Writer, msg *email.Message) error {
	switch {
	case msg.HtmlBody != "" && msg.TextBody != "":
		var alt bytes.Buffer
		inner := multipart.NewWriter(&alt)
		if err := writeTextPart(inner, "text/plain; charset=UTF-8", msg.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(inner, "text/html; charset=UTF-8", msg.HtmlBody); err != nil {
			return err
		}
		if err := inner.Close(); err != nil {
			return fmt.Errorf("failed to close alternative part: %w", err)
		}

		altHeader := make(textproto.MIMEHeader)
		altHeader.Set("Content-Type", fmt.Sprintf("multipart/alternative; boundary=%q", inner.Boundary()))
		part, err := writer.CreatePart(altHeader)
		if err != nil {
			return fmt.Errorf("failed to create body part: %w", err)
		}
		if _, err := part.Write(alt.Bytes()); err != nil {
			return fmt.Errorf("failed to write body part: %w", err)
		}
		return nil
	case msg.HtmlBody != "":
		return writeTextPart(writer, "text/html; charset=UTF-8", msg.HtmlBody)
	case msg.TextBody != "":
		return writeTextPart(writer, "text/plain; charset=UTF-8", msg.TextBody)
	}
	return nil
}

func writeTextPart(writer *multipart.Writer, contentType, body string) error {
	header := make(textproto.MIMEHeader)
	header.Set("Content-Type", contentType)
	part, err := writer.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to create body part: %w", err)
	}
	if _, err := part.Write([]byte(body)); err != nil {
		return fmt.Errorf("failed to write body part: %w", err)
	}
	return nil
}

// isPermanent reports whether err is caused by the request itself, so
// retrying it cannot succeed.
func isPermanent(err error) bool {
	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		badRequest  *types.BadRequestException
	)
	return errors.As(err, &rejected) ||
		errors.As(err, &notVerified) ||
		errors.As(err, &badRequest)
}

// mapSESError translates SES and breaker errors into classified errors.
func mapSESError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperror.Wrap(err, apperror.KindUpstream, component, "SES circuit breaker is open")
	}

	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return apperror.Wrap(err, apperror.KindInvalidData, component, "SES rejected message")
	}

	var notVerified *types.MailFromDomainNotVerifiedException
	if errors.As(err, &notVerified) {
		return apperror.Wrap(err, apperror.KindInvalidConfig, component, "SES sender domain not verified")
	}

	var badRequest *types.BadRequestException
	if errors.As(err, &badRequest) {
		return apperror.Wrap(err, apperror.KindInvalidArgument, component, "SES rejected request")
	}

	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return apperror.Wrap(err, apperror.KindUpstream, component, "SES rate limit exceeded")
	}

	var paused *types.SendingPausedException
	if errors.As(err, &paused) {
		return apperror.Wrap(err, apperror.KindUpstream, component, "SES account sending paused")
	}

	return apperror.Wrap(err, apperror.KindUpstream, component, "SES API request failed")
}

// encodeBase64WithLineBreaks encodes bytes to base64 with 76-character line breaks per RFC 2045.
func encodeBase64WithLineBreaks(data []byte) string {
	encoded := base64.StdEncoding.EncodeToString(data)
	var lines []string
	for i := 0; i < len(encoded); i += 76 {
		end := min(i+76, len(encoded))
		lines = append(lines, encoded[i:end])
	}
	return strings.Join(lines, "\r\n")
}

// backoffDelay returns the exponential backoff delay for the given attempt number.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
	}
	return delay
}

// sleepWithContext waits for the specified duration or until the context is cancelled.
func sleepWithContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
