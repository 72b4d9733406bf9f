// Package postgres provides the PostgreSQL implementation of the subscribers repository.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/subscribers"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrations holds the schema for this repository.
//
//go:embed migrations/*.sql
var Migrations embed.FS

// MigrationsDir is the directory inside Migrations.
const MigrationsDir = "migrations"

const (
	watermarkKey = "last-digest-time"
	leaseKey     = "digest-lock"
)

// Repository implements subscribers.Repository using PostgreSQL.
type Repository struct {
	db  *pgxpool.Pool
	now func() time.Time
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db, now: time.Now}
}

// Get retrieves a subscriber by normalized email.
func (r *Repository) Get(ctx context.Context, email string) (*domain.Subscriber, error) {
	query := `
		SELECT email, subscribed_at, active, unsubscribed_at
		FROM newsletter_subscribers
		WHERE email = $1
	`
	var sub domain.Subscriber
	err := r.db.QueryRow(ctx, query, email).Scan(
		&sub.Email,
		&sub.SubscribedAt,
		&sub.Active,
		&sub.UnsubscribedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, subscribers.ErrNotFound
		}
		return nil, fmt.Errorf("get subscriber: %w", err)
	}
	return &sub, nil
}

// Put inserts or fully replaces the record.
func (r *Repository) Put(ctx context.Context, sub *domain.Subscriber) error {
	query := `
		INSERT INTO newsletter_subscribers (email, subscribed_at, active, unsubscribed_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (email) DO UPDATE
		SET subscribed_at = EXCLUDED.subscribed_at,
		    active = EXCLUDED.active,
		    unsubscribed_at = EXCLUDED.unsubscribed_at
	`
	_, err := r.db.Exec(ctx, query, sub.Email, sub.SubscribedAt, sub.Active, sub.UnsubscribedAt)
	if err != nil {
		return fmt.Errorf("put subscriber: %w", err)
	}
	return nil
}

// All returns every subscriber ordered by subscription time.
func (r *Repository) All(ctx context.Context) ([]domain.Subscriber, error) {
	query := `
		SELECT email, subscribed_at, active, unsubscribed_at
		FROM newsletter_subscribers
		ORDER BY subscribed_at
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	subs := make([]domain.Subscriber, 0)
	for rows.Next() {
		var sub domain.Subscriber
		if err := rows.Scan(&sub.Email, &sub.SubscribedAt, &sub.Active, &sub.UnsubscribedAt); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate subscribers: %w", err)
	}
	return subs, nil
}

// Count returns the number of rows, active or not.
func (r *Repository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM newsletter_subscribers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count subscribers: %w", err)
	}
	return n, nil
}

// Watermark reads the last digest time.
func (r *Repository) Watermark(ctx context.Context) (*time.Time, error) {
	var raw string
	err := r.db.QueryRow(ctx, `SELECT value FROM newsletter_state WHERE key = $1`, watermarkKey).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get watermark: %w", err)
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return &t, nil
}

// SetWatermark upserts the last digest time.
func (r *Repository) SetWatermark(ctx context.Context, t time.Time) error {
	query := `
		INSERT INTO newsletter_state (key, value, expires_at)
		VALUES ($1, $2, NULL)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := r.db.Exec(ctx, query, watermarkKey, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

// AcquireLease inserts the lease row or takes over an expired one.
func (r *Repository) AcquireLease(ctx context.Context, owner string, ttl time.Duration) (bool, error) {
	now := r.now().UTC()
	query := `
		INSERT INTO newsletter_state (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
		WHERE newsletter_state.expires_at < $4
	`
	tag, err := r.db.Exec(ctx, query, leaseKey, owner, now.Add(ttl), now)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease deletes the lease row if owner still holds it.
func (r *Repository) ReleaseLease(ctx context.Context, owner string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM newsletter_state WHERE key = $1 AND value = $2`, leaseKey, owner); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Ping checks the connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
