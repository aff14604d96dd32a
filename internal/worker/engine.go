// Package worker contains the delivery engine and the broker consumer that
// together form the per-channel delivery pipeline.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/insider-one/notification-workers/internal/breaker"
	"github.com/insider-one/notification-workers/internal/config"
	"github.com/insider-one/notification-workers/internal/domain"
	"github.com/insider-one/notification-workers/internal/provider"
	"github.com/insider-one/notification-workers/internal/template"
)

// TemplateFetcher retrieves template descriptors. Implemented by
// template.Client; extracted for unit testing.
type TemplateFetcher interface {
	Fetch(ctx context.Context, code string) (*domain.TemplateDescriptor, error)
}

// Engine runs the bounded in-process delivery attempt loop for one channel:
// template fetch, render, provider send, each remote step behind its own
// circuit breaker. The engine is shared by all in-flight jobs.
type Engine struct {
	templates TemplateFetcher
	sender    provider.Sender
	retry     config.RetryConfig
	logger    *slog.Logger

	templateBreaker *breaker.Breaker
	providerBreaker *breaker.Breaker
}

// NewEngine creates the engine for one channel. The provider breaker is
// selected by the sender at construction; it does not switch per job.
func NewEngine(
	templates TemplateFetcher,
	sender provider.Sender,
	breakerCfg config.BreakerConfig,
	retryCfg config.RetryConfig,
	logger *slog.Logger,
) *Engine {
	cfg := breaker.Config{
		FailureThreshold: breakerCfg.FailureThreshold,
		Timeout:          breakerCfg.Timeout,
		RecoveryTimeout:  breakerCfg.RecoveryTimeout,
	}

	return &Engine{
		templates:       templates,
		sender:          sender,
		retry:           retryCfg,
		logger:          logger.With("component", "delivery_engine"),
		templateBreaker: breaker.New("template_service", cfg, logger),
		providerBreaker: breaker.New(sender.Name(), cfg, logger),
	}
}

// Breakers returns the engine's circuit breakers for monitoring.
func (e *Engine) Breakers() []*breaker.Breaker {
	return []*breaker.Breaker{e.templateBreaker, e.providerBreaker}
}

// Deliver attempts the job up to MaxAttempts times and reports whether it
// was delivered, with the last error message otherwise. An open circuit or
// a terminal error (render failure, non-retryable provider rejection) ends
// the loop immediately; the consumer decides between requeue and
// dead-letter.
func (e *Engine) Deliver(ctx context.Context, job *domain.Job) (bool, string) {
	logger := e.logger.With(
		"correlation_id", job.CorrelationID(),
		"notification_id", job.NotificationID,
	)

	var lastError string

	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		logger.Info("delivery attempt",
			"attempt", attempt,
			"max_attempts", e.retry.MaxAttempts,
			"template_code", job.TemplateCode,
		)

		err := e.attempt(ctx, job)
		if err == nil {
			logger.Info("delivery succeeded", "attempt", attempt)
			return true, ""
		}

		lastError = err.Error()

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			logger.Error("circuit breaker open, aborting delivery",
				"breaker", openErr.Name,
				"retry_in", openErr.RetryIn,
			)
			return false, lastError
		}

		if domain.IsTerminal(err) {
			logger.Error("terminal delivery error", "error", lastError)
			return false, lastError
		}

		logger.Error("delivery attempt failed",
			"attempt", attempt,
			"max_attempts", e.retry.MaxAttempts,
			"error", lastError,
		)

		if attempt < e.retry.MaxAttempts {
			delay := e.backoffDelay(attempt)
			logger.Info("retrying delivery", "delay", delay)
			select {
			case <-ctx.Done():
				return false, ctx.Err().Error()
			case <-time.After(delay):
			}
		}
	}

	logger.Error("delivery permanently failed",
		"attempts", e.retry.MaxAttempts,
		"error", lastError,
	)
	return false, lastError
}

// attempt is one fetch, render, send pass.
func (e *Engine) attempt(ctx context.Context, job *domain.Job) error {
	var descriptor *domain.TemplateDescriptor
	err := e.templateBreaker.Call(ctx, func(ctx context.Context) error {
		var fetchErr error
		descriptor, fetchErr = e.templates.Fetch(ctx, job.TemplateCode)
		return fetchErr
	})
	if err != nil {
		return err
	}

	// Render runs outside both breakers: its failures are local, not peer
	// health signals.
	subject, body, err := template.Render(descriptor, job.Variables)
	if err != nil {
		return err
	}

	return e.providerBreaker.Call(ctx, func(ctx context.Context) error {
		return e.sender.Send(ctx, job, subject, body)
	})
}

// backoffDelay is BaseDelay**attempt seconds. The base is the exponent
// base, not a multiplier: base 2 sleeps 2s, 4s, 8s.
func (e *Engine) backoffDelay(attempt int) time.Duration {
	return time.Duration(math.Pow(e.retry.BaseDelay, float64(attempt)) * float64(time.Second))
}
