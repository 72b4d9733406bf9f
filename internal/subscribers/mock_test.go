package subscribers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
)

// mockRepository implements Repository in memory for testing.
type mockRepository struct {
	mu         sync.Mutex
	records    map[string]domain.Subscriber
	watermark  *time.Time
	leaseOwner string
	puts       int
	err        error
}

func newMockRepository() *mockRepository {
	return &mockRepository{records: make(map[string]domain.Subscriber)}
}

var errBoom = errors.New("connection reset")

func (m *mockRepository) Get(_ context.Context, email string) (*domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	sub, ok := m.records[email]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

func (m *mockRepository) Put(_ context.Context, sub *domain.Subscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.records[sub.Email] = *sub
	m.puts++
	return nil
}

func (m *mockRepository) All(_ context.Context) ([]domain.Subscriber, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.Subscriber, 0, len(m.records))
	for _, sub := range m.records {
		out = append(out, sub)
	}
	return out, nil
}

func (m *mockRepository) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return len(m.records), nil
}

func (m *mockRepository) Watermark(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.watermark, m.err
}

func (m *mockRepository) SetWatermark(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.watermark = &t
	return nil
}

func (m *mockRepository) AcquireLease(_ context.Context, owner string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.leaseOwner != "" {
		return false, nil
	}
	m.leaseOwner = owner
	return true, nil
}

func (m *mockRepository) ReleaseLease(_ context.Context, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseOwner == owner {
		m.leaseOwner = ""
	}
	return m.err
}

func (m *mockRepository) Ping(_ context.Context) error {
	return m.err
}
