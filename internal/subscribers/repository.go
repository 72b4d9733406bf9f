package subscribers

import (
	"context"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
)

// Repository persists subscriber records and digest run state.
type Repository interface {
	// Get returns ErrNotFound when no record exists for email.
	Get(ctx context.Context, email string) (*domain.Subscriber, error)
	Put(ctx context.Context, sub *domain.Subscriber) error
	// All returns every decodable record. Undecodable records are skipped.
	All(ctx context.Context) ([]domain.Subscriber, error)
	// Count returns the number of stored records, active or not.
	Count(ctx context.Context) (int, error)

	// Watermark returns nil when no digest has completed yet.
	Watermark(ctx context.Context) (*time.Time, error)
	SetWatermark(ctx context.Context, t time.Time) error

	// AcquireLease sets the run lease to owner unless someone else holds an unexpired one.
	AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error)
	// ReleaseLease removes the lease only if owner still holds it.
	ReleaseLease(ctx context.Context, owner string) error

	Ping(ctx context.Context) error
}
