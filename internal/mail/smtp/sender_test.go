package smtp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/quotedprintable"
	"net"
	"net/mail"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	digestmail "github.com/bissquit/blog-digest/internal/mail"
)

// fakeServer is a minimal SMTP server speaking just enough of RFC 5321 for net/smtp.
type fakeServer struct {
	ln net.Listener

	mu        sync.Mutex
	sessions  int
	rcpts     []string
	messages  [][]byte
	dataReply func(session int) string
	rcptReply func(rcpt string) string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{ln: ln}
	go s.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return s
}

func (s *fakeServer) port() int {
	return s.ln.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.sessions++
		session := s.sessions
		s.mu.Unlock()
		go s.handle(conn, session)
	}
}

func (s *fakeServer) handle(conn net.Conn, session int) {
	defer func() { _ = conn.Close() }()
	tp := textproto.NewConn(conn)

	_ = tp.PrintfLine("220 localhost ESMTP fake")
	for {
		line, err := tp.ReadLine()
		if err != nil {
			return
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		switch strings.ToUpper(fields[0]) {
		case "EHLO", "HELO":
			_ = tp.PrintfLine("250-localhost")
			_ = tp.PrintfLine("250 8BITMIME")
		case "MAIL", "RSET", "NOOP":
			_ = tp.PrintfLine("250 OK")
		case "RCPT":
			rcpt := strings.Trim(strings.TrimSpace(line[len("RCPT TO:"):]), "<>")
			reply := "250 OK"
			if s.rcptReply != nil {
				reply = s.rcptReply(rcpt)
			}
			if strings.HasPrefix(reply, "250") {
				s.mu.Lock()
				s.rcpts = append(s.rcpts, rcpt)
				s.mu.Unlock()
			}
			_ = tp.PrintfLine("%s", reply)
		case "DATA":
			_ = tp.PrintfLine("354 End data with <CR><LF>.<CR><LF>")
			data, err := tp.ReadDotBytes()
			if err != nil {
				return
			}
			reply := "250 OK queued"
			if s.dataReply != nil {
				reply = s.dataReply(session)
			}
			if strings.HasPrefix(reply, "250") {
				s.mu.Lock()
				s.messages = append(s.messages, data)
				s.mu.Unlock()
			}
			_ = tp.PrintfLine("%s", reply)
		case "QUIT":
			_ = tp.PrintfLine("221 Bye")
			return
		default:
			_ = tp.PrintfLine("502 Command not implemented")
		}
	}
}

func (s *fakeServer) snapshot() (sessions int, rcpts []string, messages [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions, append([]string(nil), s.rcpts...), append([][]byte(nil), s.messages...)
}

func newTestSender(t *testing.T, port int, attempts uint) *Sender {
	t.Helper()
	s, err := NewSender(Config{
		Enabled:      true,
		Host:         "127.0.0.1",
		Port:         port,
		FromAddress:  "Cube Notes <noreply@example.com>",
		SendAttempts: attempts,
		RetryDelay:   10 * time.Millisecond,
		DialTimeout:  time.Second,
	})
	require.NoError(t, err)
	s.now = func() time.Time { return time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC) }
	return s
}

func TestSender_Send(t *testing.T) {
	srv := newFakeServer(t)
	sender := newTestSender(t, srv.port(), 1)

	html := `<p>Hi there! 👋</p>` + strings.Repeat(`<a href="https://blog.example.com/posts/x">x</a>`, 40)
	err := sender.Send(context.Background(), digestmail.Message{
		To:      "ada@example.com",
		Subject: "Cube Notes - Weekly Digest (3 new posts)",
		HTML:    html,
	})
	require.NoError(t, err)

	_, rcpts, messages := srv.snapshot()
	assert.Equal(t, []string{"ada@example.com"}, rcpts)
	require.Len(t, messages, 1)

	msg, err := mail.ReadMessage(bytes.NewReader(messages[0]))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", msg.Header.Get("To"))
	assert.Equal(t, "Cube Notes <noreply@example.com>", msg.Header.Get("From"))
	assert.Contains(t, msg.Header.Get("Content-Type"), "text/html")

	subject, err := new(mime.WordDecoder).DecodeHeader(msg.Header.Get("Subject"))
	require.NoError(t, err)
	assert.Equal(t, "Cube Notes - Weekly Digest (3 new posts)", subject)

	body, err := io.ReadAll(quotedprintable.NewReader(msg.Body))
	require.NoError(t, err)
	assert.Equal(t, html, strings.TrimRight(string(body), "\r\n"))
}

func TestSender_RetriesTemporaryFailure(t *testing.T) {
	srv := newFakeServer(t)
	srv.dataReply = func(session int) string {
		if session == 1 {
			return "451 4.3.0 Try again later"
		}
		return "250 OK"
	}
	sender := newTestSender(t, srv.port(), 3)

	err := sender.Send(context.Background(), digestmail.Message{To: "ada@example.com", Subject: "s", HTML: "<p>x</p>"})
	require.NoError(t, err)

	sessions, _, messages := srv.snapshot()
	assert.Equal(t, 2, sessions)
	assert.Len(t, messages, 1)
}

func TestSender_PermanentFailureIsNotRetried(t *testing.T) {
	srv := newFakeServer(t)
	srv.rcptReply = func(string) string { return "550 5.1.1 No such user" }
	sender := newTestSender(t, srv.port(), 3)

	err := sender.Send(context.Background(), digestmail.Message{To: "ghost@example.com", Subject: "s", HTML: "<p>x</p>"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "550")

	sessions, _, messages := srv.snapshot()
	assert.Equal(t, 1, sessions)
	assert.Empty(t, messages)
}

func TestSender_Disabled(t *testing.T) {
	sender, err := NewSender(Config{Enabled: false})
	require.NoError(t, err)
	assert.NoError(t, sender.Send(context.Background(), digestmail.Message{To: "a@b.co"}))
}

func TestSender_HeaderInjection(t *testing.T) {
	sender := newTestSender(t, 25, 1)
	data, err := sender.buildMessage(digestmail.Message{
		To:      "ada@example.com\r\nBcc: victim@example.com",
		Subject: "hello\r\nX-Injected: yes",
		HTML:    "<p>x</p>",
	})
	require.NoError(t, err)

	msg, err := mail.ReadMessage(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Empty(t, msg.Header.Get("Bcc"))
	assert.Empty(t, msg.Header.Get("X-Injected"))
	assert.Equal(t, "ada@example.comBcc: victim@example.com", msg.Header.Get("To"))
}

func TestNewSender_Validation(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr string
	}{
		{
			name:    "enabled without host",
			config:  Config{Enabled: true, FromAddress: "test@example.com"},
			wantErr: "host is required",
		},
		{
			name:    "enabled without from address",
			config:  Config{Enabled: true, Host: "smtp.example.com"},
			wantErr: "from address is required",
		},
		{
			name:    "disabled - no validation",
			config:  Config{},
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSender(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				assert.Nil(t, sender)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 587, sender.config.Port)
			assert.Equal(t, uint(1), sender.config.SendAttempts)
		})
	}
}

func TestNewSender_AuthSetup(t *testing.T) {
	withCreds, err := NewSender(Config{Enabled: true, Host: "smtp.example.com", FromAddress: "a@b.co", User: "u", Password: "p"})
	require.NoError(t, err)
	assert.NotNil(t, withCreds.auth)

	without, err := NewSender(Config{Enabled: true, Host: "smtp.example.com", FromAddress: "a@b.co"})
	require.NoError(t, err)
	assert.Nil(t, without.auth)
}

func TestExtractEmail(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{input: "user@example.com", expected: "user@example.com"},
		{input: "Test User <user@example.com>", expected: "user@example.com"},
		{input: "<user@example.com>", expected: "user@example.com"},
		{input: "invalid<", expected: "invalid<"},
		{input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, extractEmail(tt.input))
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "temporary reply", err: fmt.Errorf("close data: %w", &textproto.Error{Code: 451, Msg: "later"}), want: true},
		{name: "permanent reply", err: fmt.Errorf("rcpt to: %w", &textproto.Error{Code: 550, Msg: "no"}), want: false},
		{name: "connection refused", err: &net.OpError{Op: "dial", Err: errors.New("connection refused")}, want: true},
		{name: "cancelled", err: fmt.Errorf("dial smtp: %w", context.Canceled), want: false},
		{name: "plain 421 text", err: errors.New("421 service not available"), want: true},
		{name: "other", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
