// Package redis implements the notification status store. The store is a
// cache of convenience, not a source of truth: writes from the delivery
// pipeline are fire-and-forget and an outage never fails a delivery.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
)

const (
	statusKeyPrefix     = "notification:status:"
	templateKeyPrefix   = "template:"
	idempotentKeyPrefix = "idempotent:"
)

// StatusStore records per-notification status with TTL, caches template
// descriptors, and keeps idempotency markers. The connection is established
// lazily; concurrent first-use callers share one connect attempt.
type StatusStore struct {
	cfg     config.RedisConfig
	service domain.Channel
	logger  *slog.Logger

	client    atomic.Pointer[redis.Client]
	connectSF singleflight.Group
}

// NewStatusStore creates a StatusStore for the given worker channel. No
// connection is made until Connect or the first operation.
func NewStatusStore(cfg config.RedisConfig, service domain.Channel, logger *slog.Logger) *StatusStore {
	return &StatusStore{
		cfg:     cfg,
		service: service,
		logger:  logger.With("component", "status_store"),
	}
}

// Connect establishes the Redis connection if not already connected.
// Safe to call concurrently; one attempt is shared.
func (s *StatusStore) Connect(ctx context.Context) error {
	if s.client.Load() != nil {
		return nil
	}

	_, err, _ := s.connectSF.Do("connect", func() (any, error) {
		if s.client.Load() != nil {
			return nil, nil
		}

		opt, err := redis.ParseURL(s.cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		opt.MaxRetries = s.cfg.MaxRetries
		opt.PoolSize = s.cfg.PoolSize
		opt.DialTimeout = s.cfg.ConnectTimeout

		client := redis.NewClient(opt)

		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}

		s.client.Store(client)
		s.logger.Info("connected to Redis")
		return nil, nil
	})
	return err
}

// ensure returns a live client, connecting lazily if needed.
func (s *StatusStore) ensure(ctx context.Context) (*redis.Client, error) {
	if c := s.client.Load(); c != nil {
		return c, nil
	}
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	if c := s.client.Load(); c != nil {
		return c, nil
	}
	return nil, domain.ErrStoreNotConnected
}

// SetStatus stores the latest status for a notification under
// notification:status:{id} with the configured TTL. Non-fatal: failures are
// logged and swallowed so a store outage never fails a delivery.
func (s *StatusStore) SetStatus(ctx context.Context, notificationID string, status domain.Status, errMsg string, retryCount int) {
	client, err := s.ensure(ctx)
	if err != nil {
		s.logger.Warn("redis not connected, skipping status update",
			"notification_id", notificationID, "error", err)
		return
	}

	record := domain.StatusRecord{
		NotificationID: notificationID,
		Status:         status,
		Error:          errMsg,
		RetryCount:     retryCount,
		UpdatedAt:      time.Now().UTC(),
		Service:        s.service,
	}

	data, err := json.Marshal(record)
	if err != nil {
		s.logger.Error("failed to marshal status record", "error", err)
		return
	}

	key := statusKeyPrefix + notificationID
	if err := client.Set(ctx, key, data, s.cfg.StatusTTL).Err(); err != nil {
		s.logger.Error("failed to store status in Redis",
			"notification_id", notificationID, "error", err)
		return
	}

	s.logger.Debug("status stored",
		"notification_id", notificationID, "status", status)
}

// GetStatus returns the stored status record, or domain.ErrNotFound when the
// key is absent or expired.
func (s *StatusStore) GetStatus(ctx context.Context, notificationID string) (*domain.StatusRecord, error) {
	client, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, statusKeyPrefix+notificationID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get status: %w", err)
	}

	var record domain.StatusRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status record: %w", err)
	}
	return &record, nil
}

// CacheTemplate stores a fetched template descriptor under template:{code}.
func (s *StatusStore) CacheTemplate(ctx context.Context, descriptor *domain.TemplateDescriptor) {
	client, err := s.ensure(ctx)
	if err != nil {
		return
	}

	data, err := json.Marshal(descriptor)
	if err != nil {
		s.logger.Error("failed to marshal template descriptor", "error", err)
		return
	}

	if err := client.Set(ctx, templateKeyPrefix+descriptor.Code, data, s.cfg.TemplateTTL).Err(); err != nil {
		s.logger.Error("failed to cache template", "code", descriptor.Code, "error", err)
	}
}

// CachedTemplate returns a cached descriptor, or domain.ErrNotFound on miss.
func (s *StatusStore) CachedTemplate(ctx context.Context, code string) (*domain.TemplateDescriptor, error) {
	client, err := s.ensure(ctx)
	if err != nil {
		return nil, err
	}

	data, err := client.Get(ctx, templateKeyPrefix+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get cached template: %w", err)
	}

	var descriptor domain.TemplateDescriptor
	if err := json.Unmarshal(data, &descriptor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached template: %w", err)
	}
	return &descriptor, nil
}

// IsProcessed reports whether a request id has an idempotency marker.
// Available to producers; the delivery path does not consult it.
func (s *StatusStore) IsProcessed(ctx context.Context, requestID string) (bool, error) {
	client, err := s.ensure(ctx)
	if err != nil {
		return false, err
	}

	n, err := client.Exists(ctx, idempotentKeyPrefix+requestID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check idempotency: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed sets the idempotency marker for a request id.
func (s *StatusStore) MarkProcessed(ctx context.Context, requestID string) error {
	client, err := s.ensure(ctx)
	if err != nil {
		return err
	}

	if err := client.Set(ctx, idempotentKeyPrefix+requestID, "1", s.cfg.IdempotencyTTL).Err(); err != nil {
		return fmt.Errorf("failed to mark request as processed: %w", err)
	}
	return nil
}

// Health checks the Redis connection, connecting lazily if needed.
func (s *StatusStore) Health(ctx context.Context) error {
	client, err := s.ensure(ctx)
	if err != nil {
		return err
	}
	return client.Ping(ctx).Err()
}

// Close closes the Redis connection. Idempotent.
func (s *StatusStore) Close() error {
	if client := s.client.Swap(nil); client != nil {
		return client.Close()
	}
	return nil
}
