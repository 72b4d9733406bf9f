// Package redis provides the Redis implementation of the subscribers repository.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/subscribers"
	"github.com/redis/go-redis/v9"
)

// Keys shared with the blog frontend.
const (
	SubscribersKey = "newsletter:subscribers"
	WatermarkKey   = "newsletter:last-digest-time"
	LeaseKey       = "newsletter:digest-lock"
)

// watermarkLayout matches JavaScript Date.toISOString output.
const watermarkLayout = "2006-01-02T15:04:05.000Z07:00"

var releaseLease = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Repository implements subscribers.Repository on a Redis hash keyed by email.
type Repository struct {
	client *redis.Client
}

// NewRepository creates a new Redis repository.
func NewRepository(client *redis.Client) *Repository {
	return &Repository{client: client}
}

// Get retrieves a subscriber by normalized email.
func (r *Repository) Get(ctx context.Context, email string) (*domain.Subscriber, error) {
	raw, err := r.client.HGet(ctx, SubscribersKey, email).Result()
	if errors.Is(err, redis.Nil) {
		return nil, subscribers.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("hget %s: %w", SubscribersKey, err)
	}

	var sub domain.Subscriber
	if err := json.Unmarshal([]byte(raw), &sub); err != nil {
		return nil, fmt.Errorf("decode subscriber: %w", err)
	}
	if sub.Email == "" {
		sub.Email = email
	}
	return &sub, nil
}

// Put writes the full record, replacing any previous value.
func (r *Repository) Put(ctx context.Context, sub *domain.Subscriber) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("encode subscriber: %w", err)
	}
	if err := r.client.HSet(ctx, SubscribersKey, sub.Email, data).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", SubscribersKey, err)
	}
	return nil
}

// All returns every record that decodes cleanly.
func (r *Repository) All(ctx context.Context) ([]domain.Subscriber, error) {
	raw, err := r.client.HGetAll(ctx, SubscribersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", SubscribersKey, err)
	}

	subs := make([]domain.Subscriber, 0, len(raw))
	for field, value := range raw {
		var sub domain.Subscriber
		if err := json.Unmarshal([]byte(value), &sub); err != nil {
			slog.Warn("skipping undecodable subscriber record", "error", err)
			continue
		}
		if sub.Email == "" {
			sub.Email = field
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// Count returns the number of hash fields.
func (r *Repository) Count(ctx context.Context) (int, error) {
	n, err := r.client.HLen(ctx, SubscribersKey).Result()
	if err != nil {
		return 0, fmt.Errorf("hlen %s: %w", SubscribersKey, err)
	}
	return int(n), nil
}

// Watermark reads the last digest time.
func (r *Repository) Watermark(ctx context.Context) (*time.Time, error) {
	raw, err := r.client.Get(ctx, WatermarkKey).Result()
	if errors.Is(err, redis.Nil) || (err == nil && raw == "") {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", WatermarkKey, err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return &t, nil
}

// SetWatermark stores t without expiry.
func (r *Repository) SetWatermark(ctx context.Context, t time.Time) error {
	if err := r.client.Set(ctx, WatermarkKey, t.UTC().Format(watermarkLayout), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", WatermarkKey, err)
	}
	return nil
}

// AcquireLease uses SET NX PX so an abandoned lease expires on its own.
func (r *Repository) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, LeaseKey, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", LeaseKey, err)
	}
	return ok, nil
}

// ReleaseLease deletes the lease if owner still holds it.
func (r *Repository) ReleaseLease(ctx context.Context, owner string) error {
	if err := releaseLease.Run(ctx, r.client, []string{LeaseKey}, owner).Err(); err != nil {
		return fmt.Errorf("release %s: %w", LeaseKey, err)
	}
	return nil
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
