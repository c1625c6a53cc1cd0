package smtp

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/email"
	"github.com/shineum/ses-notify/internal/notifier"
)

// fakeSubmitter records submitted notifications.
type fakeSubmitter struct {
	mu      sync.Mutex
	got     []*email.Notification
	sendErr error
}

func (f *fakeSubmitter) Send(_ context.Context, n *email.Notification) (notifier.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, n)
	if f.sendErr != nil {
		return notifier.Result{}, f.sendErr
	}
	return notifier.Result{MessageID: "ses-msg-1"}, nil
}

func (f *fakeSubmitter) last() *email.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.got) == 0 {
		return nil
	}
	return f.got[len(f.got)-1]
}

// connPair creates a connected pair of net.Conn for testing SMTP sessions.
func connPair(t *testing.T) (client net.Conn, server net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()

	done := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		done <- conn
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial: %v", err)
	}

	server = <-done
	return client, server
}

// startSession runs a session against sub and returns the client side with
// the greeting already consumed.
func startSession(t *testing.T, auth *Authenticator, sub Submitter, configure ...func(*Session)) (net.Conn, *bufio.Reader) {
	t.Helper()

	client, server := connPair(t)
	t.Cleanup(func() { client.Close() })

	sess := NewSession(server, auth, sub, "mail.test.com", nil)
	for _, fn := range configure {
		fn(sess)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	go sess.Handle(ctx)

	reader := bufio.NewReader(client)
	if greeting := readLine(t, reader); !strings.HasPrefix(greeting, "220 ") {
		t.Fatalf("greeting: got %q, want prefix '220 '", greeting)
	}
	return client, reader
}

// readLine reads a line from a buffered reader.
func readLine(t *testing.T, reader *bufio.Reader) string {
	t.Helper()
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read line: %v", err)
	}
	return strings.TrimRight(line, "\r\n")
}

// sendCmd sends a command to the SMTP session.
func sendCmd(t *testing.T, conn net.Conn, cmd string) {
	t.Helper()
	if _, err := conn.Write([]byte(cmd + "\r\n")); err != nil {
		t.Fatalf("failed to write command: %v", err)
	}
}

// expect sends cmd and checks the reply prefix.
func expect(t *testing.T, conn net.Conn, reader *bufio.Reader, cmd, wantPrefix string) string {
	t.Helper()
	sendCmd(t, conn, cmd)
	resp := readLine(t, reader)
	if !strings.HasPrefix(resp, wantPrefix) {
		t.Errorf("%s: got %q, want prefix %q", cmd, resp, wantPrefix)
	}
	return resp
}

// ehlo greets and returns every capability line.
func ehlo(t *testing.T, conn net.Conn, reader *bufio.Reader) []string {
	t.Helper()
	sendCmd(t, conn, "EHLO client.test.com")
	var lines []string
	for {
		line := readLine(t, reader)
		lines = append(lines, line)
		if !strings.HasPrefix(line, "250-") {
			return lines
		}
	}
}

// sendData transmits a message body and the terminating dot.
func sendData(t *testing.T, conn net.Conn, reader *bufio.Reader, lines ...string) string {
	t.Helper()
	expect(t, conn, reader, "DATA", "354 ")
	body := strings.Join(append(lines, "."), "\r\n") + "\r\n"
	if _, err := conn.Write([]byte(body)); err != nil {
		t.Fatalf("failed to write DATA: %v", err)
	}
	return readLine(t, reader)
}

func TestSession_Greeting(t *testing.T) {
	t.Parallel()

	client, server := connPair(t)
	defer client.Close()

	sess := NewSession(server, NewAuthenticator("", ""), &fakeSubmitter{}, "mail.test.com", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go sess.Handle(ctx)

	greeting := readLine(t, bufio.NewReader(client))
	if !strings.HasPrefix(greeting, "220 ") {
		t.Errorf("greeting: got %q, want prefix '220 '", greeting)
	}
	if !strings.Contains(greeting, "mail.test.com") {
		t.Errorf("greeting should contain hostname, got %q", greeting)
	}
}

func TestSession_EHLO(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &fakeSubmitter{},
		func(s *Session) { s.maxMessageSize = 1024 })

	lines := ehlo(t, client, reader)

	foundAuth := false
	foundSize := false
	for _, line := range lines {
		if strings.Contains(line, "AUTH PLAIN LOGIN") {
			foundAuth = true
		}
		if strings.Contains(line, "SIZE 1024") {
			foundSize = true
		}
		if strings.Contains(line, "STARTTLS") {
			t.Errorf("STARTTLS advertised without TLS config: %q", line)
		}
	}
	if !foundAuth {
		t.Error("EHLO response missing AUTH capability")
	}
	if !foundSize {
		t.Error("EHLO response missing SIZE capability")
	}
}

func TestSession_SimpleCommands(t *testing.T) {
	t.Parallel()

	tests := []struct {
		cmd  string
		want string
	}{
		{cmd: "HELO client.test.com", want: "250 "},
		{cmd: "NOOP", want: "250 "},
		{cmd: "INVALID", want: "500 "},
		{cmd: "EHLO", want: "501 "},
		{cmd: "STARTTLS", want: "454 "},
		{cmd: "QUIT", want: "221 "},
	}

	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			t.Parallel()
			client, reader := startSession(t, NewAuthenticator("", ""), &fakeSubmitter{})
			expect(t, client, reader, tt.cmd, tt.want)
		})
	}
}

func TestSession_MailTransaction_NoAuth(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	client, reader := startSession(t, NewAuthenticator("", ""), sub)

	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "250 ")

	resp := sendData(t, client, reader,
		"From: sender@example.com",
		"To: recipient@example.com",
		"Subject: Test Email",
		"Content-Type: text/plain",
		"",
		"Hello, this is a test email.",
		"..leading dot",
	)
	if resp != "250 OK ses-msg-1" {
		t.Errorf("DATA completion response: got %q, want %q", resp, "250 OK ses-msg-1")
	}

	n := sub.last()
	if n == nil {
		t.Fatal("submitter did not receive a notification")
	}
	if n.To != "recipient@example.com" {
		t.Errorf("To: got %q, want %q", n.To, "recipient@example.com")
	}
	if n.Channel != email.ChannelEmail {
		t.Errorf("Channel: got %q, want %q", n.Channel, email.ChannelEmail)
	}
	if n.Content.Subject != "Test Email" {
		t.Errorf("Subject: got %q, want %q", n.Content.Subject, "Test Email")
	}
	if want := "Hello, this is a test email.\r\n.leading dot\r\n"; n.Content.Text != want {
		t.Errorf("Text: got %q, want %q", n.Content.Text, want)
	}

	// The transaction is reset, a new one can start.
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
}

func TestSession_TemplateAndRecipients(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	client, reader := startSession(t, NewAuthenticator("", ""), sub)

	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<app@example.com>", "250 ")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250 ")
	expect(t, client, reader, "RCPT TO:<b@example.com>", "250 ")
	expect(t, client, reader, "RCPT TO:<hidden@example.com>", "250 ")

	resp := sendData(t, client, reader,
		"To: a@example.com",
		"Cc: b@example.com",
		"Subject: Welcome",
		"X-Template-Id: welcome",
		`X-Template-Data: {"name":"Ann"}`,
		"",
		"ignored",
	)
	if !strings.HasPrefix(resp, "250 ") {
		t.Fatalf("DATA completion response: got %q", resp)
	}

	n := sub.last()
	if n.From != "app@example.com" {
		t.Errorf("From: got %q, want envelope sender", n.From)
	}
	if n.Template != "welcome" {
		t.Errorf("Template: got %q, want %q", n.Template, "welcome")
	}
	if got := email.Normalize(n.Cc); len(got) != 1 || got[0] != "b@example.com" {
		t.Errorf("Cc: got %v, want [b@example.com]", got)
	}
	if got := email.Normalize(n.Bcc); len(got) != 1 || got[0] != "hidden@example.com" {
		t.Errorf("Bcc: got %v, want [hidden@example.com]", got)
	}
}

func TestSession_SubmitErrorReplies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "sandbox pending",
			err:  apperror.New(apperror.KindRetryable, "SandboxManager", "Email verification pending for sandbox mode: a@example.com"),
			want: "451 4.7.0 SandboxManager: Email verification pending",
		},
		{
			name: "bad input",
			err:  apperror.New(apperror.KindInvalidData, "SesNotificationService", "Notification content is required"),
			want: "554 5.6.0 ",
		},
		{
			name: "transport failure",
			err:  apperror.Wrap(errors.New("throttled"), apperror.KindUnexpectedState, "SesNotificationService", "Failed to send email via ses"),
			want: "451 4.3.0 ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, reader := startSession(t, NewAuthenticator("", ""), &fakeSubmitter{sendErr: tt.err})
			ehlo(t, client, reader)
			expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
			expect(t, client, reader, "RCPT TO:<a@example.com>", "250 ")

			resp := sendData(t, client, reader, "Subject: x", "", "body")
			if !strings.HasPrefix(resp, tt.want) {
				t.Errorf("reply: got %q, want prefix %q", resp, tt.want)
			}
		})
	}
}

func TestSession_MalformedMessage(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	client, reader := startSession(t, NewAuthenticator("", ""), sub)

	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250 ")

	resp := sendData(t, client, reader, "Content-Type: multipart/mixed", "", "no boundary")
	if !strings.HasPrefix(resp, "554 5.6.0 ") {
		t.Errorf("reply: got %q, want prefix %q", resp, "554 5.6.0 ")
	}
	if sub.last() != nil {
		t.Error("malformed message must not be submitted")
	}
}

func TestSession_MessageSizeLimit(t *testing.T) {
	t.Parallel()

	sub := &fakeSubmitter{}
	client, reader := startSession(t, NewAuthenticator("", ""), sub,
		func(s *Session) { s.maxMessageSize = 64 })

	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com> SIZE=1000", "552 ")
	expect(t, client, reader, "MAIL FROM:<sender@example.com> SIZE=10", "250 ")
	expect(t, client, reader, "RCPT TO:<a@example.com>", "250 ")

	resp := sendData(t, client, reader, "Subject: big", "", strings.Repeat("x", 200))
	if !strings.HasPrefix(resp, "552 ") {
		t.Errorf("oversized DATA: got %q, want prefix '552 '", resp)
	}
	if sub.last() != nil {
		t.Error("oversized message must not be submitted")
	}

	// The session is still usable.
	expect(t, client, reader, "NOOP", "250 ")
}

func TestSession_RSET(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("", ""), &fakeSubmitter{})

	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
	expect(t, client, reader, "RSET", "250 ")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503 ")
}

func TestSession_StateOrderEnforcement(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &fakeSubmitter{})

	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "503 ")
	expect(t, client, reader, "AUTH PLAIN dGVzdA==", "503 ")
	ehlo(t, client, reader)
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "530 ")
	expect(t, client, reader, "RCPT TO:<recipient@example.com>", "503 ")
	expect(t, client, reader, "DATA", "503 ")
}

func TestSession_AuthPlain(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &fakeSubmitter{})
	ehlo(t, client, reader)

	bad := base64.StdEncoding.EncodeToString([]byte("\x00user\x00wrong"))
	expect(t, client, reader, "AUTH PLAIN "+bad, "535 ")

	good := base64.StdEncoding.EncodeToString([]byte("\x00user\x00pass"))
	expect(t, client, reader, "AUTH PLAIN", "334")
	expect(t, client, reader, good, "235 ")
	expect(t, client, reader, "MAIL FROM:<sender@example.com>", "250 ")
}

func TestSession_AuthLogin(t *testing.T) {
	t.Parallel()

	client, reader := startSession(t, NewAuthenticator("user", "pass"), &fakeSubmitter{})
	ehlo(t, client, reader)

	expect(t, client, reader, "AUTH LOGIN", "334 VXNlcm5hbWU6")
	expect(t, client, reader, base64.StdEncoding.EncodeToString([]byte("user")), "334 UGFzc3dvcmQ6")
	expect(t, client, reader, base64.StdEncoding.EncodeToString([]byte("pass")), "235 ")
	expect(t, client, reader, "AUTH LOGIN", "503 ")
}

func TestReplyFor(t *testing.T) {
	t.Parallel()

	schema := apperror.Wrap(
		apperror.New(apperror.KindInvalidArgument, "TemplateManager", "Validation error for 'x': /email: bad\nformat"),
		apperror.KindUnexpectedState, "SesNotificationService", "Template rendering failed")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{"retryable", apperror.New(apperror.KindRetryable, "c", "later"), "451 4.7.0 c: later"},
		{"invalid argument", apperror.New(apperror.KindInvalidArgument, "c", "bad"), "554 5.6.0 c: bad"},
		{"not found", apperror.New(apperror.KindNotFound, "c", "gone"), "554 5.6.0 c: gone"},
		{"wrapped validation", schema, "554 5.6.0 SesNotificationService: Template rendering failed: TemplateManager: Validation error for 'x': /email: bad format"},
		{"upstream", apperror.New(apperror.KindUpstream, "c", "down"), "451 4.3.0 Temporary failure, please try again later"},
		{"plain", errors.New("boom"), "451 4.3.0 Temporary failure, please try again later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := replyFor(tt.err); got != tt.want {
				t.Errorf("replyFor: got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input   string
		wantCmd string
		wantArg string
	}{
		{"EHLO client.test.com", "EHLO", "client.test.com"},
		{"MAIL FROM:<user@example.com>", "MAIL", "FROM:<user@example.com>"},
		{"RCPT TO:<user@example.com>", "RCPT", "TO:<user@example.com>"},
		{"DATA", "DATA", ""},
		{"ehlo client.test.com", "EHLO", "client.test.com"},
		{"AUTH PLAIN dGVzdA==", "AUTH", "PLAIN dGVzdA=="},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			cmd, arg := parseCommand(tt.input)
			if cmd != tt.wantCmd {
				t.Errorf("command: got %q, want %q", cmd, tt.wantCmd)
			}
			if arg != tt.wantArg {
				t.Errorf("arg: got %q, want %q", arg, tt.wantArg)
			}
		})
	}
}

func TestSplitParams(t *testing.T) {
	t.Parallel()

	path, params := splitParams(" <a@example.com> SIZE=100 body=8BITMIME")
	if path != "<a@example.com>" {
		t.Errorf("path: got %q, want %q", path, "<a@example.com>")
	}
	if params["SIZE"] != "100" || params["BODY"] != "8BITMIME" {
		t.Errorf("params: got %v", params)
	}

	if path, _ := splitParams("   "); path != "" {
		t.Errorf("empty path: got %q", path)
	}
}

func TestExtractAddress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"<user@example.com>", "user@example.com"},
		{"  <user@example.com>  ", "user@example.com"},
		{"user@example.com", "user@example.com"},
		{"<>", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			if got := extractAddress(tt.input); got != tt.want {
				t.Errorf("extractAddress(%q): got %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
