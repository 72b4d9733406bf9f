package digest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/mail"
)

var errBoom = errors.New("connection reset")

// mockStore implements SubscriberStore in memory.
type mockStore struct {
	mu sync.Mutex

	recipients   []string
	listErr      error
	watermark    *time.Time
	watermarkErr error
	setErr       error
	leaseHeld    bool
	leaseErr     error

	setCalls     []time.Time
	acquireCalls int
	releaseCalls int
}

func (m *mockStore) ListActive(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	return append([]string(nil), m.recipients...), nil
}

func (m *mockStore) Watermark(context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, m.watermarkErr
}

func (m *mockStore) SetWatermark(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls = append(m.setCalls, t)
	if m.setErr != nil {
		return m.setErr
	}
	m.watermark = &t
	return nil
}

func (m *mockStore) AcquireLease(context.Context, time.Duration) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acquireCalls++
	if m.leaseErr != nil {
		return "", false, m.leaseErr
	}
	if m.leaseHeld {
		return "", false, nil
	}
	m.leaseHeld = true
	return "token", true, nil
}

func (m *mockStore) ReleaseLease(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseCalls++
	if token == "token" {
		m.leaseHeld = false
	}
	return nil
}

// mockContent returns fixed items and records the since argument.
type mockContent struct {
	mu    sync.Mutex
	items []domain.DigestItem
	since []time.Time
}

func (m *mockContent) RecentItems(_ context.Context, since time.Time) []domain.DigestItem {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.since = append(m.since, since)
	var out []domain.DigestItem
	for _, it := range m.items {
		if !it.Date.Before(since) {
			out = append(out, it)
		}
	}
	return out
}

// recordingTransport records messages and fails for selected recipients.
type recordingTransport struct {
	mu      sync.Mutex
	sent    []mail.Message
	failFor map[string]bool
	onSend  func(msg mail.Message)
}

func (r *recordingTransport) Send(_ context.Context, msg mail.Message) error {
	if r.onSend != nil {
		r.onSend(msg)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failFor[msg.To] {
		return errBoom
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingTransport) messages() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}

func items(n int, newest time.Time) []domain.DigestItem {
	out := make([]domain.DigestItem, 0, n)
	for i := range n {
		out = append(out, domain.DigestItem{
			Title: "Post title " + string(rune('A'+i)),
			URL:   "https://blog.example.com/posts/" + string(rune('a'+i)),
			Date:  newest.Add(-time.Duration(i) * time.Hour),
		})
	}
	return out
}
