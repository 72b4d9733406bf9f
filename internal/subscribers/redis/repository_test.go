package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bissquit/blog-digest/internal/domain"
	"github.com/bissquit/blog-digest/internal/subscribers"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Repository, *miniredis.Miniredis) {
	t.Helper()

	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRepository(client), srv
}

func TestRepository_PutGet(t *testing.T) {
	repo, srv := setup(t)
	ctx := context.Background()

	subscribedAt := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Put(ctx, &domain.Subscriber{
		Email:        "reader@example.com",
		SubscribedAt: subscribedAt,
		Active:       true,
	}))

	got, err := repo.Get(ctx, "reader@example.com")
	require.NoError(t, err)
	assert.Equal(t, "reader@example.com", got.Email)
	assert.True(t, got.Active)
	assert.True(t, subscribedAt.Equal(got.SubscribedAt))
	assert.Nil(t, got.UnsubscribedAt)

	raw := srv.HGet(SubscribersKey, "reader@example.com")
	assert.JSONEq(t, `{"email":"reader@example.com","subscribedAt":"2025-03-01T12:00:00Z","active":true}`, raw)
}

func TestRepository_Get_NotFound(t *testing.T) {
	repo, _ := setup(t)

	_, err := repo.Get(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, subscribers.ErrNotFound)
}

func TestRepository_ReadsFrontendRecords(t *testing.T) {
	repo, srv := setup(t)

	srv.HSet(SubscribersKey, "old@example.com",
		`{"email":"old@example.com","subscribedAt":"2024-11-02T08:15:30.123Z","active":false,"unsubscribedAt":"2024-12-01T00:00:00.000Z"}`)

	got, err := repo.Get(context.Background(), "old@example.com")
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.UnsubscribedAt)
	assert.Equal(t, 2024, got.UnsubscribedAt.Year())
}

func TestRepository_AllSkipsCorruptRecords(t *testing.T) {
	repo, srv := setup(t)

	srv.HSet(SubscribersKey, "a@example.com", `{"email":"a@example.com","subscribedAt":"2025-01-01T00:00:00Z","active":true}`)
	srv.HSet(SubscribersKey, "b@example.com", `not json`)
	srv.HSet(SubscribersKey, "c@example.com", `{"subscribedAt":"2025-01-01T00:00:00Z","active":false}`)

	all, err := repo.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)

	emails := []string{all[0].Email, all[1].Email}
	assert.ElementsMatch(t, []string{"a@example.com", "c@example.com"}, emails)

	count, err := repo.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count, "count includes every field")
}

func TestRepository_Watermark(t *testing.T) {
	repo, srv := setup(t)
	ctx := context.Background()

	wm, err := repo.Watermark(ctx)
	require.NoError(t, err)
	assert.Nil(t, wm)

	at := time.Date(2025, 6, 7, 8, 9, 10, 500_000_000, time.UTC)
	require.NoError(t, repo.SetWatermark(ctx, at))

	raw, err := srv.Get(WatermarkKey)
	require.NoError(t, err)
	assert.Equal(t, "2025-06-07T08:09:10.500Z", raw)

	wm, err = repo.Watermark(ctx)
	require.NoError(t, err)
	require.NotNil(t, wm)
	assert.True(t, at.Equal(*wm))
}

func TestRepository_Watermark_Unparsable(t *testing.T) {
	repo, srv := setup(t)
	require.NoError(t, srv.Set(WatermarkKey, "last tuesday"))

	_, err := repo.Watermark(context.Background())
	assert.ErrorContains(t, err, "parse watermark")
}

func TestRepository_Lease(t *testing.T) {
	repo, srv := setup(t)
	ctx := context.Background()

	ok, err := repo.AcquireLease(ctx, "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.AcquireLease(ctx, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held by owner-a")

	require.NoError(t, repo.ReleaseLease(ctx, "owner-b"))
	assert.True(t, srv.Exists(LeaseKey), "non-owner release is a no-op")

	require.NoError(t, repo.ReleaseLease(ctx, "owner-a"))
	assert.False(t, srv.Exists(LeaseKey))

	ok, err = repo.AcquireLease(ctx, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRepository_LeaseExpires(t *testing.T) {
	repo, srv := setup(t)
	ctx := context.Background()

	ok, err := repo.AcquireLease(ctx, "crashed", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	srv.FastForward(2 * time.Minute)

	ok, err = repo.AcquireLease(ctx, "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRepository_WithService(t *testing.T) {
	repo, _ := setup(t)
	svc := subscribers.NewService(repo)
	ctx := context.Background()

	created, err := svc.Subscribe(ctx, "Foo@Bar.com")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = svc.Subscribe(ctx, "foo@bar.com")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, svc.Unsubscribe(ctx, "FOO@bar.com"))

	active, err := svc.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	count, err := svc.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
