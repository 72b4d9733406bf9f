// Package subscribers manages the newsletter mailing list and the digest run state.
package subscribers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/google/uuid"
)

// Service provides mailing list business logic.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a new subscribers service.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// NormalizeEmail trims surrounding whitespace and lower-cases the address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Subscribe adds email to the list. It reports false when the address is
// already an active subscriber; in that case nothing is written.
// An inactive record is reactivated with a fresh subscription time.
func (s *Service) Subscribe(ctx context.Context, email string) (bool, error) {
	email = NormalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return false, ErrInvalidEmail
	}

	existing, err := s.repo.Get(ctx, email)
	switch {
	case err == nil && existing.Active:
		return false, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return false, fmt.Errorf("%w: get subscriber: %w", ErrStoreUnavailable, err)
	}

	sub := &domain.Subscriber{
		Email:        email,
		SubscribedAt: s.now(),
		Active:       true,
	}
	if err := s.repo.Put(ctx, sub); err != nil {
		return false, fmt.Errorf("%w: save subscriber: %w", ErrStoreUnavailable, err)
	}

	slog.Info("subscriber added", "reactivated", existing != nil)
	return true, nil
}

// Unsubscribe deactivates email. Unknown addresses succeed without creating a record.
func (s *Service) Unsubscribe(ctx context.Context, email string) error {
	email = NormalizeEmail(email)
	if email == "" {
		return ErrEmailRequired
	}

	sub, err := s.repo.Get(ctx, email)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: get subscriber: %w", ErrStoreUnavailable, err)
	}

	sub.Deactivate(s.now())
	if err := s.repo.Put(ctx, sub); err != nil {
		return fmt.Errorf("%w: save subscriber: %w", ErrStoreUnavailable, err)
	}

	slog.Info("subscriber deactivated")
	return nil
}

// Count returns the number of records, including unsubscribed ones.
func (s *Service) Count(ctx context.Context) (int, error) {
	n, err := s.repo.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: count subscribers: %w", ErrStoreUnavailable, err)
	}
	return n, nil
}

// ListActive returns the addresses of active subscribers.
func (s *Service) ListActive(ctx context.Context) ([]string, error) {
	all, err := s.repo.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list subscribers: %w", ErrStoreUnavailable, err)
	}

	emails := make([]string, 0, len(all))
	for _, sub := range all {
		if sub.Active && sub.Email != "" {
			emails = append(emails, sub.Email)
		}
	}
	return emails, nil
}

// Watermark returns the end of the last delivered digest window, or nil.
func (s *Service) Watermark(ctx context.Context) (*time.Time, error) {
	t, err := s.repo.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read watermark: %w", ErrStoreUnavailable, err)
	}
	return t, nil
}

// SetWatermark records t as the end of the delivered digest window.
func (s *Service) SetWatermark(ctx context.Context, t time.Time) error {
	if err := s.repo.SetWatermark(ctx, t.UTC()); err != nil {
		return fmt.Errorf("%w: write watermark: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// AcquireLease takes the digest run lease for ttl. ok is false when another
// run holds it. The returned token must be passed to ReleaseLease.
func (s *Service) AcquireLease(ctx context.Context, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = s.repo.AcquireLease(ctx, token, ttl)
	if err != nil {
		return "", false, fmt.Errorf("%w: acquire lease: %w", ErrStoreUnavailable, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// ReleaseLease gives up the lease identified by token.
func (s *Service) ReleaseLease(ctx context.Context, token string) error {
	if err := s.repo.ReleaseLease(ctx, token); err != nil {
		return fmt.Errorf("%w: release lease: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Ping checks that the backing store is reachable.
func (s *Service) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
