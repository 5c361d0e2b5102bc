package notify

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	apperrors "pricepulse/internal/errors"
)

// SMTPConfig holds the remote mail host configuration.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	StartTLS bool
	Timeout  time.Duration
}

// SMTPSender is a minimal mail-transfer protocol client operating directly
// over a byte socket. It runs a fixed command sequence with no
// partial-protocol recovery: any response code outside a step's expected
// set aborts the whole attempt.
type SMTPSender struct {
	cfg SMTPConfig

	// dial is swappable for tests; defaults to a net.Dialer.
	dial func(ctx context.Context, addr string) (net.Conn, error)
}

// NewSMTPSender creates an SMTP mail sender.
func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &SMTPSender{
		cfg: cfg,
		dial: func(ctx context.Context, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "tcp", addr)
		},
	}
}

// terminalLine matches the final line of a (possibly multi-line) SMTP
// reply: a 3-digit code followed by a space.
var terminalLine = regexp.MustCompile(`^\d{3} `)

// session is one SMTP conversation over a single connection.
type session struct {
	conn net.Conn
	r    *bufio.Reader
}

func (s *session) reply() (int, string, error) {
	var last string
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return 0, "", fmt.Errorf("reading server response: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		last = line
		if terminalLine.MatchString(line) {
			break
		}
		// Continuation lines ("250-...") are consumed and discarded.
	}

	code, err := strconv.Atoi(last[:3])
	if err != nil {
		return 0, "", fmt.Errorf("malformed response %q", last)
	}
	return code, last, nil
}

// expect reads a reply and fails unless its code is in want.
func (s *session) expect(step string, want ...int) (int, error) {
	code, line, err := s.reply()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", step, err)
	}
	for _, w := range want {
		if code == w {
			return code, nil
		}
	}
	return code, apperrors.NewProtocolError(step, code, line)
}

func (s *session) cmd(format string, args ...interface{}) error {
	_, err := fmt.Fprintf(s.conn, format+"\r\n", args...)
	if err != nil {
		return fmt.Errorf("writing command: %w", err)
	}
	return nil
}

// SendMail runs the full protocol conversation:
// connect, 220 greeting, EHLO, optional STARTTLS with in-place upgrade and
// re-EHLO, optional AUTH (PLAIN, falling back to LOGIN on rejection),
// MAIL FROM, RCPT TO, DATA, dot-stuffed body, QUIT.
func (c *SMTPSender) SendMail(ctx context.Context, to string, subject string, body string) error {
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	conn, err := c.dial(dialCtx, addr)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.cfg.Timeout))

	s := &session{conn: conn, r: bufio.NewReader(conn)}

	if _, err := s.expect("greeting", 220); err != nil {
		return err
	}
	if err := c.hello(s); err != nil {
		return err
	}

	if c.cfg.StartTLS {
		if err := s.cmd("STARTTLS"); err != nil {
			return err
		}
		if _, err := s.expect("STARTTLS", 220); err != nil {
			return err
		}
		// Upgrade the same connection in place and restart the handshake
		// state with a fresh EHLO.
		tlsConn := tls.Client(conn, &tls.Config{ServerName: c.cfg.Host})
		tlsConn.SetDeadline(time.Now().Add(c.cfg.Timeout))
		s.conn = tlsConn
		s.r = bufio.NewReader(tlsConn)
		if err := c.hello(s); err != nil {
			return err
		}
	}

	if c.cfg.Username != "" {
		if err := c.authenticate(s); err != nil {
			return err
		}
	}

	if err := s.cmd("MAIL FROM:<%s>", c.cfg.From); err != nil {
		return err
	}
	if _, err := s.expect("MAIL FROM", 250); err != nil {
		return err
	}

	if err := s.cmd("RCPT TO:<%s>", to); err != nil {
		return err
	}
	if _, err := s.expect("RCPT TO", 250, 251); err != nil {
		return err
	}

	if err := s.cmd("DATA"); err != nil {
		return err
	}
	if _, err := s.expect("DATA", 354); err != nil {
		return err
	}

	msg := buildMessage(c.cfg.From, to, subject, body)
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	if _, err := s.expect("end of data", 250); err != nil {
		return err
	}

	if err := s.cmd("QUIT"); err != nil {
		return err
	}
	if _, err := s.expect("QUIT", 221); err != nil {
		return err
	}

	return nil
}

func (c *SMTPSender) hello(s *session) error {
	if err := s.cmd("EHLO pricepulse"); err != nil {
		return err
	}
	_, err := s.expect("EHLO", 250)
	return err
}

// authenticate tries the PLAIN mechanism first and falls back to the
// LOGIN challenge/response mechanism when the server rejects PLAIN.
func (c *SMTPSender) authenticate(s *session) error {
	token := base64.StdEncoding.EncodeToString(
		[]byte("\x00" + c.cfg.Username + "\x00" + c.cfg.Password))
	if err := s.cmd("AUTH PLAIN %s", token); err != nil {
		return err
	}
	code, line, err := s.reply()
	if err != nil {
		return fmt.Errorf("AUTH PLAIN: %w", err)
	}
	if code == 235 {
		return nil
	}

	// PLAIN rejected; try LOGIN.
	if err := s.cmd("AUTH LOGIN"); err != nil {
		return err
	}
	if _, err := s.expect("AUTH LOGIN", 334); err != nil {
		return fmt.Errorf("after PLAIN rejection %q: %w", line, err)
	}
	if err := s.cmd("%s", base64.StdEncoding.EncodeToString([]byte(c.cfg.Username))); err != nil {
		return err
	}
	if _, err := s.expect("AUTH LOGIN username", 334); err != nil {
		return err
	}
	if err := s.cmd("%s", base64.StdEncoding.EncodeToString([]byte(c.cfg.Password))); err != nil {
		return err
	}
	if _, err := s.expect("AUTH LOGIN password", 235); err != nil {
		return err
	}
	return nil
}

// buildMessage assembles the header block and the dot-stuffed body,
// terminated by a lone "." line.
func buildMessage(from, to, subject, body string) string {
	var sb strings.Builder
	sb.WriteString("From: " + from + "\r\n")
	sb.WriteString("To: " + to + "\r\n")
	sb.WriteString("Subject: " + subject + "\r\n")
	sb.WriteString("MIME-Version: 1.0\r\n")
	sb.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	sb.WriteString("\r\n")
	sb.WriteString(stuffBody(body))
	sb.WriteString("\r\n.\r\n")
	return sb.String()
}

// stuffBody normalizes line endings to CRLF and doubles any leading dot
// (transparency per the DATA phase of the protocol).
func stuffBody(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	body = strings.ReplaceAll(body, "\r", "\n")
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if strings.HasPrefix(line, ".") {
			lines[i] = "." + line
		}
	}
	return strings.Join(lines, "\r\n")
}
