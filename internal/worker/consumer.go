package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
	"github.com/insider-one/notification-workers/internal/metrics"
	redisrepo "github.com/insider-one/notification-workers/internal/repository/redis"
)

// Deliverer runs the in-process delivery loop for one job. Implemented by
// *Engine; extracted for unit testing the consumer.
type Deliverer interface {
	Deliver(ctx context.Context, job *domain.Job) (bool, string)
}

// publisher is the subset of *amqp.Channel used for requeue and dead-letter
// publishes.
type publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// brokerConnection is the subset of *amqp.Connection the consumer manages,
// extracted for unit testing the reconnect path.
type brokerConnection interface {
	Channel() (*amqp.Channel, error)
	Close() error
	IsClosed() bool
}

// Consumer pulls jobs off the channel queue with bounded prefetch, runs the
// delivery engine, records status, and decides between ack, requeue and
// dead-letter. The same broker channel serves consume and publish.
type Consumer struct {
	cfg      config.RabbitConfig
	channel  domain.Channel
	engine   Deliverer
	status   *redisrepo.StatusStore
	metrics  *metrics.Metrics
	maxRetry int
	logger   *slog.Logger
	validate *validator.Validate

	mu         sync.Mutex
	conn       brokerConnection
	ch         *amqp.Channel
	pub        publisher
	deliveries <-chan amqp.Delivery

	consuming atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewConsumer creates the consumer for one channel. Call Connect before
// Start.
func NewConsumer(
	cfg config.RabbitConfig,
	channel domain.Channel,
	engine Deliverer,
	status *redisrepo.StatusStore,
	m *metrics.Metrics,
	retryCfg config.RetryConfig,
	logger *slog.Logger,
) *Consumer {
	return &Consumer{
		cfg:      cfg,
		channel:  channel,
		engine:   engine,
		status:   status,
		metrics:  m,
		maxRetry: retryCfg.MaxAttempts,
		logger:   logger.With("component", "queue_consumer", "channel", channel),
		validate: validator.New(),
		stopCh:   make(chan struct{}),
	}
}

// Connect dials the broker, declares the durable topology and opens the
// delivery stream. The status store is connected before consuming; a store
// outage is logged but does not block startup.
func (c *Consumer) Connect(ctx context.Context) error {
	if err := c.connectBroker(); err != nil {
		return err
	}

	if err := c.status.Connect(ctx); err != nil {
		c.logger.Warn("status store unavailable at startup, will reconnect lazily", "error", err)
	}

	c.logger.Info("connected to broker",
		"exchange", c.cfg.Exchange,
		"queue", c.cfg.Queue,
		"prefetch", c.cfg.PrefetchCount,
	)
	return nil
}

func (c *Consumer) connectBroker() error {
	// A reconnect after a channel-level failure may leave the previous
	// connection alive; close it first or its socket and reader goroutines
	// leak on every reconnect.
	c.mu.Lock()
	stale := c.conn
	c.conn = nil
	c.ch = nil
	c.pub = nil
	c.deliveries = nil
	c.mu.Unlock()
	if stale != nil && !stale.IsClosed() {
		_ = stale.Close()
	}

	conn, err := amqp.DialConfig(c.cfg.URL, amqp.Config{
		Dial: amqp.DefaultDial(c.cfg.ConnectTimeout),
	})
	if err != nil {
		return fmt.Errorf("broker dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("broker channel: %w", err)
	}

	if err := ch.Qos(c.cfg.PrefetchCount, 0, false); err != nil {
		_ = conn.Close()
		return fmt.Errorf("qos: %w", err)
	}

	if err := ch.ExchangeDeclare(c.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("exchange declare: %w", err)
	}

	queueArgs := amqp.Table{
		"x-dead-letter-exchange":    c.cfg.Exchange,
		"x-dead-letter-routing-key": c.cfg.FailedRoutingKey,
		"x-message-ttl":             c.cfg.MessageTTL.Milliseconds(),
	}
	if _, err := ch.QueueDeclare(c.cfg.Queue, true, false, false, false, queueArgs); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue declare (%s): %w", c.cfg.Queue, err)
	}
	if err := ch.QueueBind(c.cfg.Queue, c.cfg.RoutingKey, c.cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue bind (%s): %w", c.cfg.Queue, err)
	}

	if _, err := ch.QueueDeclare(c.cfg.FailedQueue, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue declare (%s): %w", c.cfg.FailedQueue, err)
	}
	if err := ch.QueueBind(c.cfg.FailedQueue, c.cfg.FailedRoutingKey, c.cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return fmt.Errorf("queue bind (%s): %w", c.cfg.FailedQueue, err)
	}

	deliveries, err := ch.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("consume: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.ch = ch
	c.pub = ch
	c.deliveries = deliveries
	c.mu.Unlock()

	return nil
}

// Start consumes until the context is cancelled or Stop is called,
// reconnecting with capped backoff when the broker drops the stream. Jobs
// run concurrently up to the prefetch bound; the in-flight handlers finish
// before Start returns.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	deliveries := c.deliveries
	c.mu.Unlock()
	if deliveries == nil {
		return domain.ErrConsumerNotStarted
	}

	c.consuming.Store(true)
	c.logger.Info("consuming", "queue", c.cfg.Queue)

	defer c.wg.Wait()

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer context cancelled")
			return nil

		case <-c.stopCh:
			c.logger.Info("consumer stopped")
			return nil

		case d, ok := <-deliveries:
			if !ok {
				if !c.consuming.Load() || ctx.Err() != nil {
					return nil
				}

				c.logger.Warn("delivery stream closed, reconnecting", "backoff", backoff)
				if !sleepOrDone(ctx, c.stopCh, backoff) {
					return nil
				}
				if backoff *= 2; backoff > maxBackoff {
					backoff = maxBackoff
				}

				if err := c.connectBroker(); err != nil {
					c.logger.Error("broker reconnect failed", "error", err)
					continue
				}
				c.mu.Lock()
				deliveries = c.deliveries
				c.mu.Unlock()
				backoff = time.Second
				c.logger.Info("broker reconnected")
				continue
			}

			backoff = time.Second
			c.wg.Add(1)
			go func(d amqp.Delivery) {
				defer c.wg.Done()
				c.handleDelivery(ctx, d)
			}(d)
		}
	}
}

// handleDelivery processes one broker message end to end. Status writes
// happen strictly before the ack, and the message is released exactly once
// on every path.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	start := time.Now()
	c.metrics.RecordConsumed(string(c.channel))

	var job domain.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		c.logger.Error("failed to decode job, rejecting", "error", err)
		// No requeue: the queue's DLX policy routes the reject to failed.queue.
		c.reject(d)
		return
	}
	if err := c.validateJob(&job); err != nil {
		c.logger.Error("invalid job, rejecting",
			"notification_id", job.NotificationID,
			"error", err,
		)
		c.reject(d)
		return
	}

	logger := c.logger.With(
		"correlation_id", job.CorrelationID(),
		"notification_id", job.NotificationID,
		"retry_count", job.RetryCount,
	)
	logger.Info("processing job", "template_code", job.TemplateCode)

	c.status.SetStatus(ctx, job.NotificationID, domain.StatusPending, "", job.RetryCount)

	ok, errMsg := c.engine.Deliver(ctx, &job)

	if ok {
		c.status.SetStatus(ctx, job.NotificationID, domain.StatusDelivered, "", job.RetryCount)
		c.metrics.RecordDelivered(string(c.channel), time.Since(start))
		logger.Info("job delivered")
		c.ack(d, logger)
		return
	}

	c.status.SetStatus(ctx, job.NotificationID, domain.StatusFailed, errMsg, job.RetryCount)
	c.metrics.RecordFailed(string(c.channel), time.Since(start))

	if job.RetryCount < c.maxRetry {
		if err := c.requeue(ctx, &job); err != nil {
			logger.Error("failed to requeue job", "error", err)
		} else {
			c.metrics.RecordRequeued(string(c.channel))
			logger.Info("job requeued", "next_retry_count", job.RetryCount)
		}
	} else {
		if err := c.deadLetter(ctx, &job, errMsg); err != nil {
			logger.Error("failed to dead-letter job", "error", err)
		} else {
			c.metrics.RecordDeadLettered(string(c.channel))
			logger.Error("job dead-lettered",
				"attempts", c.maxRetry,
				"final_error", errMsg,
			)
		}
	}

	c.ack(d, logger)
}

// validateJob checks the decoded job fields, including the channel-specific
// recipient. Failures are treated like decode failures: terminal.
func (c *Consumer) validateJob(job *domain.Job) error {
	if err := c.validate.Struct(job); err != nil {
		return err
	}
	if job.Recipient(c.channel) == "" {
		return fmt.Errorf("%w: missing recipient for channel %s", domain.ErrInvalidInput, c.channel)
	}
	// Email producers use priority 1..5; zero means unset.
	if c.channel == domain.ChannelEmail && job.Priority > 5 {
		return fmt.Errorf("%w: email priority must be between 1 and 5", domain.ErrInvalidInput)
	}
	return nil
}

// requeue republishes a clone of the job with an incremented retry counter
// on the same routing key, persistent.
func (c *Consumer) requeue(ctx context.Context, job *domain.Job) error {
	job.RetryCount++

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	return c.publish(ctx, c.cfg.RoutingKey, body)
}

// deadLetter publishes the job with final_error and failed_at on the failed
// routing key, persistent.
func (c *Consumer) deadLetter(ctx context.Context, job *domain.Job, finalError string) error {
	body, err := json.Marshal(domain.NewDeadLetterRecord(job, finalError))
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter record: %w", err)
	}
	return c.publish(ctx, c.cfg.FailedRoutingKey, body)
}

func (c *Consumer) publish(ctx context.Context, routingKey string, body []byte) error {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return domain.ErrConsumerNotStarted
	}

	return pub.PublishWithContext(ctx, c.cfg.Exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (c *Consumer) ack(d amqp.Delivery, logger *slog.Logger) {
	if err := d.Ack(false); err != nil {
		logger.Error("failed to ack message", "error", err)
	}
}

func (c *Consumer) reject(d amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		c.logger.Error("failed to reject message", "error", err)
	}
}

// Stop flips the consuming flag and unblocks Start; the in-flight handlers
// finish their current jobs before Start returns.
func (c *Consumer) Stop() {
	c.consuming.Store(false)
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Close closes the broker connection. Idempotent.
func (c *Consumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.ch = nil
	c.pub = nil
	c.deliveries = nil
	if err != nil {
		return fmt.Errorf("failed to close broker connection: %w", err)
	}
	c.logger.Info("broker connection closed")
	return nil
}

// Health reports broker connectivity for the health endpoint.
func (c *Consumer) Health(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.conn.IsClosed() {
		return domain.ErrConsumerNotStarted
	}
	return nil
}

func sleepOrDone(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
