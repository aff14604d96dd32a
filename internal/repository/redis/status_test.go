package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
)

func newTestStore(t *testing.T) (*StatusStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{
		URL:            "redis://" + mr.Addr(),
		MaxRetries:     1,
		PoolSize:       2,
		ConnectTimeout: time.Second,
		StatusTTL:      24 * time.Hour,
		TemplateTTL:    time.Hour,
		IdempotencyTTL: 24 * time.Hour,
	}
	store := NewStatusStore(cfg, domain.ChannelEmail, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { _ = store.Close() })
	return store, mr
}

func TestStatusStore_SetAndGetStatus(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	store.SetStatus(ctx, "n1", domain.StatusPending, "", 0)

	record, err := store.GetStatus(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", record.NotificationID)
	assert.Equal(t, domain.StatusPending, record.Status)
	assert.Empty(t, record.Error)
	assert.Equal(t, domain.ChannelEmail, record.Service)
	assert.WithinDuration(t, time.Now().UTC(), record.UpdatedAt, 5*time.Second)

	// The key carries the 24h TTL.
	ttl := mr.TTL("notification:status:n1")
	assert.Equal(t, 24*time.Hour, ttl)
}

func TestStatusStore_StatusTransitions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	store.SetStatus(ctx, "n1", domain.StatusPending, "", 0)
	store.SetStatus(ctx, "n1", domain.StatusFailed, "smtp timeout", 0)

	record, err := store.GetStatus(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, record.Status)
	assert.Equal(t, "smtp timeout", record.Error)

	// A requeued copy goes back to pending; error is cleared.
	store.SetStatus(ctx, "n1", domain.StatusPending, "", 1)

	record, err = store.GetStatus(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, record.Status)
	assert.Empty(t, record.Error)
	assert.Equal(t, 1, record.RetryCount)
}

func TestStatusStore_GetStatusNotFound(t *testing.T) {
	store, _ := newTestStore(t)

	_, err := store.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusStore_SetStatusNonFatalOnOutage(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Connect(ctx))
	mr.Close()

	// Must log and return, never panic or propagate.
	store.SetStatus(ctx, "n1", domain.StatusDelivered, "", 0)
}

func TestStatusStore_LazyConnect(t *testing.T) {
	store, _ := newTestStore(t)

	// No Connect call: first operation connects on demand.
	store.SetStatus(context.Background(), "n1", domain.StatusPending, "", 0)

	record, err := store.GetStatus(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, record.Status)
}

func TestStatusStore_TemplateCache(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	descriptor := &domain.TemplateDescriptor{
		Code:      "welcome",
		Subject:   "Hi {{name}}",
		Body:      "<p>Hello {{name}}</p>",
		Variables: []string{"name"},
		Language:  "en",
	}
	store.CacheTemplate(ctx, descriptor)

	cached, err := store.CachedTemplate(ctx, "welcome")
	require.NoError(t, err)
	assert.Equal(t, descriptor, cached)
	assert.Equal(t, time.Hour, mr.TTL("template:welcome"))

	_, err = store.CachedTemplate(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatusStore_Idempotency(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	processed, err := store.IsProcessed(ctx, "req-1")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.MarkProcessed(ctx, "req-1"))

	processed, err = store.IsProcessed(ctx, "req-1")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestStatusStore_Health(t *testing.T) {
	store, mr := newTestStore(t)

	assert.NoError(t, store.Health(context.Background()))

	mr.Close()
	assert.Error(t, store.Health(context.Background()))
}

func TestStatusStore_CloseIdempotent(t *testing.T) {
	store, _ := newTestStore(t)

	require.NoError(t, store.Connect(context.Background()))
	assert.NoError(t, store.Close())
	assert.NoError(t, store.Close())
}
