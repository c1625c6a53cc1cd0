package smtp

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/shineum/ses-notify/internal/apperror"
	"github.com/shineum/ses-notify/internal/email"
	"github.com/shineum/ses-notify/internal/notifier"
	"github.com/shineum/ses-notify/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateAuthOK
	stateMailFrom
	stateRcptTo
)

// idleTimeout is the maximum time a session can remain idle before being closed.
const idleTimeout = 60 * time.Second

// DefaultMaxMessageSize bounds a DATA payload when no limit is configured.
const DefaultMaxMessageSize = 10 * 1024 * 1024

// Submitter accepts parsed notifications for delivery.
type Submitter interface {
	Send(ctx context.Context, n *email.Notification) (notifier.Result, error)
}

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn      net.Conn
	reader    *bufio.Reader
	writer    *bufio.Writer
	state     int
	auth      *Authenticator
	submitter Submitter
	hostname  string
	logger    *slog.Logger

	maxMessageSize int

	tlsConfig *tls.Config
	tlsActive bool

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, auth *Authenticator, sub Submitter, hostname string, tlsConfig *tls.Config) *Session {
	return &Session{
		conn:           conn,
		reader:         bufio.NewReader(conn),
		writer:         bufio.NewWriter(conn),
		state:          stateConnected,
		auth:           auth,
		submitter:      sub,
		hostname:       hostname,
		logger:         slog.Default(),
		maxMessageSize: DefaultMaxMessageSize,
		tlsConfig:      tlsConfig,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects or an error occurs.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	s.writeLine("220 %s ESMTP ses-notify", s.hostname)

	for {
		select {
		case <-ctx.Done():
			s.writeLine("421 4.3.2 Service shutting down")
			return
		default:
		}

		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			s.logger.Error("failed to set connection deadline", "error", err)
			return
		}

		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("connection read error", "error", err)
			}
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.handleSTARTTLS()
	case "AUTH":
		s.handleAUTH(arg)
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		return s.handleDATA(ctx)
	case "RSET":
		s.handleRSET()
	case "NOOP":
		s.writeLine("250 OK")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	if s.state < stateGreeted {
		s.state = stateGreeted
	}

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.hostname, arg)
	if s.tlsConfig != nil && !s.tlsActive {
		s.writeLine("250-STARTTLS")
	}
	if s.auth.Enabled() {
		s.writeLine("250-AUTH PLAIN LOGIN")
	}
	s.writeLine("250-8BITMIME")
	s.writeLine("250-SIZE %d", s.maxMessageSize)
	s.writeLine("250 OK")
}

// handleSTARTTLS upgrades the connection to TLS. The client must greet
// again afterwards.
func (s *Session) handleSTARTTLS() {
	if s.tlsConfig == nil {
		s.writeLine("454 TLS not available")
		return
	}
	if s.tlsActive {
		s.writeLine("454 TLS already active")
		return
	}

	s.writeLine("220 Ready to start TLS")

	tlsConn := tls.Server(s.conn, s.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Error("TLS handshake failed", "error", err)
		return
	}

	s.conn = tlsConn
	s.reader = bufio.NewReader(tlsConn)
	s.writer = bufio.NewWriter(tlsConn)
	s.tlsActive = true
	s.state = stateConnected
	s.mailFrom = ""
	s.rcptTo = nil
}

// handleAUTH processes AUTH commands (PLAIN and LOGIN mechanisms).
func (s *Session) handleAUTH(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if !s.auth.Enabled() {
		s.writeLine("503 AUTH not available")
		return
	}
	if s.state >= stateAuthOK {
		s.writeLine("503 Already authenticated")
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	switch strings.ToUpper(mechanism) {
	case "PLAIN":
		s.handleAuthPlain(initial)
	case "LOGIN":
		s.handleAuthLogin()
	default:
		s.writeLine("504 Unrecognized authentication type")
	}
}

func (s *Session) handleAuthPlain(initial string) {
	encoded := initial
	if encoded == "" {
		var ok bool
		if encoded, ok = s.challenge("334"); !ok {
			return
		}
	}
	if encoded == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyPlain(encoded); err != nil {
		s.logger.Warn("SMTP authentication failed", "mechanism", "PLAIN", "remote_addr", s.conn.RemoteAddr().String())
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

func (s *Session) handleAuthLogin() {
	// "Username:" and "Password:" in base64.
	user, ok := s.challenge("334 VXNlcm5hbWU6")
	if !ok {
		return
	}
	if user == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	pass, ok := s.challenge("334 UGFzc3dvcmQ6")
	if !ok {
		return
	}
	if pass == "*" {
		s.writeLine("501 Authentication cancelled")
		return
	}

	if err := s.auth.VerifyLogin(user, pass); err != nil {
		s.logger.Warn("SMTP authentication failed", "mechanism", "LOGIN", "remote_addr", s.conn.RemoteAddr().String())
		s.writeLine("535 5.7.8 Authentication failed")
		return
	}

	s.state = stateAuthOK
	s.writeLine("235 2.7.0 Authentication successful")
}

// challenge writes prompt and reads the client's single-line answer.
func (s *Session) challenge(prompt string) (string, bool) {
	s.writeLine("%s", prompt)
	line, err := s.reader.ReadString('\n')
	if err != nil {
		s.logger.Error("failed to read AUTH response", "error", err)
		return "", false
	}
	return strings.TrimRight(line, "\r\n"), true
}

func (s *Session) handleMAIL(arg string) {
	if s.state < stateGreeted {
		s.writeLine("503 Send EHLO/HELO first")
		return
	}
	if s.auth.Enabled() && s.state < stateAuthOK {
		s.writeLine("530 5.7.0 Authentication required")
		return
	}
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	path, params := splitParams(arg[5:])
	addr := extractAddress(path)
	if addr == "" {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}
	if size, ok := params["SIZE"]; ok {
		n, err := strconv.Atoi(size)
		if err != nil {
			s.writeLine("501 Invalid SIZE parameter")
			return
		}
		if n > s.maxMessageSize {
			s.writeLine("552 5.3.4 Message size exceeds fixed limit")
			return
		}
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	if !strings.HasPrefix(strings.ToUpper(arg), "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	path, _ := splitParams(arg[3:])
	addr := extractAddress(path)
	if addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message, parses it into a notification and submits
// it. It returns true when the connection is no longer usable.
func (s *Session) handleDATA(ctx context.Context) bool {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return false
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	raw, tooLarge, err := s.readData()
	if err != nil {
		s.logger.Error("error reading DATA", "error", err)
		return true
	}
	defer s.resetTransaction()

	if tooLarge {
		s.writeLine("552 5.3.4 Message size exceeds fixed limit")
		return false
	}

	mail, err := parser.Parse(raw)
	if err != nil {
		s.logger.Warn("failed to parse message", "error", err, "mail_from", s.mailFrom)
		s.writeLine("554 5.6.0 Failed to parse message: %s", replyText(err.Error()))
		return false
	}
	if mail.From == "" {
		mail.From = s.mailFrom
	}

	n, err := mail.Notification(s.rcptTo)
	if err != nil {
		s.writeLine("554 5.6.0 %s", replyText(err.Error()))
		return false
	}

	res, err := s.submitter.Send(ctx, n)
	if err != nil {
		s.writeLine("%s", replyFor(err))
		return false
	}

	s.writeLine("250 OK %s", res.MessageID)
	return false
}

// readData reads dot-terminated DATA. Once the payload exceeds the size
// limit the rest is drained and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var buf bytes.Buffer
	tooLarge := false

	for {
		if err := s.conn.SetDeadline(time.Now().Add(idleTimeout)); err != nil {
			return nil, false, err
		}
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, false, err
		}

		if strings.TrimRight(line, "\r\n") == "." {
			break
		}
		// Dot-stuffing: a leading ".." loses one dot.
		if strings.HasPrefix(line, "..") {
			line = line[1:]
		}

		if tooLarge {
			continue
		}
		if buf.Len()+len(line) > s.maxMessageSize {
			tooLarge = true
			buf.Reset()
			continue
		}
		buf.WriteString(line)
	}

	return buf.Bytes(), tooLarge, nil
}

// replyFor maps a submission error to an SMTP reply. Caller mistakes are
// permanent, everything else asks the client to retry later.
func replyFor(err error) string {
	switch {
	case apperror.IsRetryable(err):
		return "451 4.7.0 " + replyText(err.Error())
	case apperror.Has(err, apperror.KindInvalidArgument):
		return "554 5.6.0 " + replyText(err.Error())
	}

	switch apperror.KindOf(err) {
	case apperror.KindInvalidData, apperror.KindNotFound:
		return "554 5.6.0 " + replyText(err.Error())
	default:
		return "451 4.3.0 Temporary failure, please try again later"
	}
}

// replyText keeps an error message on a single reply line.
func replyText(msg string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(msg)
}

func (s *Session) handleRSET() {
	s.resetTransaction()
	s.writeLine("250 OK")
}

// resetTransaction clears the current mail transaction state without
// affecting the session state (greeting, auth).
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil

	if s.auth.Enabled() && s.state >= stateAuthOK {
		s.state = stateAuthOK
	} else if s.state >= stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if _, err := s.writer.WriteString(line + "\r\n"); err != nil {
		s.logger.Error("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		s.logger.Error("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	cmd, arg, _ := strings.Cut(line, " ")
	return strings.ToUpper(cmd), arg
}

// splitParams separates a MAIL/RCPT path from its ESMTP parameters.
func splitParams(s string) (string, map[string]string) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil
	}

	params := make(map[string]string, len(fields)-1)
	for _, f := range fields[1:] {
		k, v, _ := strings.Cut(f, "=")
		params[strings.ToUpper(k)] = v
	}
	return fields[0], params
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats.
func extractAddress(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return ""
		}
		return s[1:end]
	}

	return s
}
