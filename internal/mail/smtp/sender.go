// Package smtp delivers digest emails over SMTP.
package smtp

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"github.com/bissquit/blog-digest/internal/mail"
)

// Config holds SMTP sender configuration.
type Config struct {
	Enabled      bool
	Host         string
	Port         int
	User         string
	Password     string
	FromAddress  string
	Secure       bool
	SendAttempts uint
	RetryDelay   time.Duration
	DialTimeout  time.Duration
}

// Sender implements mail.Transport over SMTP.
type Sender struct {
	config Config
	auth   smtp.Auth
	now    func() time.Time
}

var _ mail.Transport = (*Sender)(nil)

var headerSanitizer = strings.NewReplacer("\r", "", "\n", "")

// NewSender creates a new SMTP sender.
// Returns error if enabled but required config is missing.
func NewSender(config Config) (*Sender, error) {
	if config.Enabled {
		if config.Host == "" {
			return nil, errors.New("smtp sender: host is required when enabled")
		}
		if config.FromAddress == "" {
			return nil, errors.New("smtp sender: from address is required when enabled")
		}
	}

	if config.Port == 0 {
		config.Port = 587
	}
	if config.SendAttempts == 0 {
		config.SendAttempts = 1
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if config.User != "" && config.Password != "" {
		auth = smtp.PlainAuth("", config.User, config.Password, config.Host)
	}

	slog.Info("smtp sender configured",
		"enabled", config.Enabled,
		"smtp_host", config.Host,
		"smtp_port", config.Port,
		"secure", config.Secure,
		"from_address", config.FromAddress,
		"send_attempts", config.SendAttempts,
	)

	return &Sender{
		config: config,
		auth:   auth,
		now:    time.Now,
	}, nil
}

// Send delivers one HTML message. Temporary SMTP failures are retried up to SendAttempts times.
func (s *Sender) Send(ctx context.Context, msg mail.Message) error {
	if !s.config.Enabled {
		slog.Warn("smtp sender disabled, skipping send", "subject", msg.Subject)
		return nil
	}

	data, err := s.buildMessage(msg)
	if err != nil {
		return err
	}

	return retry.Do(
		func() error {
			return s.deliver(ctx, msg.To, data)
		},
		retry.Attempts(s.config.SendAttempts),
		retry.Delay(s.config.RetryDelay),
		retry.Context(ctx),
		retry.RetryIf(IsRetryable),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("retrying smtp send", "attempt", n+1, "error", err)
		}),
	)
}

// buildMessage constructs the message with headers and a quoted-printable HTML body.
func (s *Sender) buildMessage(msg mail.Message) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("From: %s\r\n", headerSanitizer.Replace(s.config.FromAddress)))
	buf.WriteString(fmt.Sprintf("To: %s\r\n", headerSanitizer.Replace(msg.To)))
	buf.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.BEncoding.Encode("UTF-8", headerSanitizer.Replace(msg.Subject))))
	buf.WriteString(fmt.Sprintf("Date: %s\r\n", s.now().Format(time.RFC1123Z)))
	buf.WriteString("MIME-Version: 1.0\r\n")
	buf.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	buf.WriteString("Content-Transfer-Encoding: quoted-printable\r\n")
	buf.WriteString("\r\n")

	qp := quotedprintable.NewWriter(&buf)
	if _, err := qp.Write([]byte(msg.HTML)); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	if err := qp.Close(); err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}

	return buf.Bytes(), nil
}

func (s *Sender) dial(ctx context.Context) (net.Conn, error) {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	dialer := &net.Dialer{Timeout: s.config.DialTimeout}

	if s.config.Secure {
		tlsDialer := &tls.Dialer{NetDialer: dialer, Config: s.tlsConfig()}
		return tlsDialer.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

func (s *Sender) tlsConfig() *tls.Config {
	return &tls.Config{
		ServerName: s.config.Host,
		MinVersion: tls.VersionTLS12,
	}
}

// deliver runs one SMTP session for a single recipient.
func (s *Sender) deliver(ctx context.Context, to string, data []byte) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.config.Host)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if !s.config.Secure {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig()); err != nil {
				return fmt.Errorf("starttls: %w", err)
			}
		}
	}

	if s.auth != nil {
		if err := client.Auth(s.auth); err != nil {
			return fmt.Errorf("auth: %w", err)
		}
	}

	if err := client.Mail(extractEmail(s.config.FromAddress)); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close data: %w", err)
	}

	return client.Quit()
}

// extractEmail extracts the address from formats like "Name <email@example.com>".
func extractEmail(address string) string {
	if idx := strings.Index(address, "<"); idx != -1 {
		end := strings.Index(address, ">")
		if end > idx {
			return address[idx+1 : end]
		}
	}
	return address
}

// IsRetryable reports whether a send error is temporary.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}

	var replyErr *textproto.Error
	if errors.As(err, &replyErr) {
		return replyErr.Code >= 400 && replyErr.Code < 500
	}

	errStr := err.Error()

	// SMTP 4xx replies are temporary.
	for _, code := range []string{"421", "450", "451", "452"} {
		if strings.Contains(errStr, code) {
			return true
		}
	}

	return false
}
