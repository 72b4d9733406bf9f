// Package redis provides Redis connection utilities.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"
	goredis "github.com/redis/go-redis/v9"
)

// ErrInvalidURL is returned when the Redis URL is malformed or uses an unsupported scheme.
var ErrInvalidURL = errors.New("invalid redis url")

// Config contains Redis connection configuration.
type Config struct {
	URL             string
	PoolSize        int
	MinIdleConns    int
	ConnectAttempts int
}

// ValidateURL accepts only redis:// and rediss:// URLs.
func ValidateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("%w: url is empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: expected redis://[username:password@]host[:port][/database]: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return fmt.Errorf("%w: unsupported scheme %q, expected redis:// or rediss://", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: host is missing", ErrInvalidURL)
	}
	return nil
}

// Connect creates a Redis client and pings it, retrying with backoff.
func Connect(ctx context.Context, cfg Config) (*goredis.Client, error) {
	if err := ValidateURL(cfg.URL); err != nil {
		return nil, err
	}

	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.MinIdleConns > 0 {
		opts.MinIdleConns = cfg.MinIdleConns
	}

	attempts := cfg.ConnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	client := goredis.NewClient(opts)

	var tries uint
	err = retry.Do(
		func() error {
			tries++
			return client.Ping(ctx).Err()
		},
		retry.Attempts(uint(attempts)),
		retry.Delay(time.Second),
		retry.MaxDelay(16*time.Second),
		retry.Context(ctx),
		retry.MaxJitter(500*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			slog.Warn("failed to ping redis, retrying",
				"attempt", n+1,
				"max_attempts", attempts,
				"error", err,
			)
		}),
	)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis after %d attempts: %w", tries, err)
	}

	slog.Info("connected to redis", "addr", opts.Addr, "db", opts.DB, "attempts", tries)
	return client, nil
}
