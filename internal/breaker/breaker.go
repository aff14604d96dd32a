// Package breaker implements a three-state circuit breaker guarding one
// remote peer. CLOSED passes calls through and counts consecutive failures;
// OPEN fails fast until the timeout elapses; HALF_OPEN lets probes through
// and closes on the first success.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// OpenError is returned when the circuit is open and the call was not
// attempted against the peer.
type OpenError struct {
	Name    string
	RetryIn time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is open, service unavailable, retry after %.0fs",
		e.Name, e.RetryIn.Seconds())
}

// Config holds breaker tuning parameters.
type Config struct {
	FailureThreshold int
	Timeout          time.Duration
	RecoveryTimeout  time.Duration
}

// Breaker protects a single remote peer. It is shared by all in-flight
// handlers; state transitions are serialized by the mutex. Concurrent
// half-open probes are permitted.
type Breaker struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu              sync.Mutex
	state           State
	failureCount    int
	lastFailureTime time.Time
	lastSuccessTime time.Time

	now func() time.Time
}

// Snapshot is a point-in-time view of the breaker for monitoring.
type Snapshot struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failure_count"`
	FailureThreshold int        `json:"failure_threshold"`
	LastFailureTime  *time.Time `json:"last_failure_time,omitempty"`
	LastSuccessTime  *time.Time `json:"last_success_time,omitempty"`
	TimeUntilRetry   *float64   `json:"time_until_retry,omitempty"`
}

// New creates a breaker for the named peer.
func New(name string, cfg Config, logger *slog.Logger) *Breaker {
	b := &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.With("breaker", name),
		state:  StateClosed,
		now:    time.Now,
	}
	b.logger.Info("circuit breaker initialized",
		"failure_threshold", cfg.FailureThreshold,
		"timeout", cfg.Timeout,
	)
	return b
}

// Call executes op unless the breaker is open, in which case it returns an
// *OpenError without invoking op. The op's error is returned unchanged and
// recorded as a failure; the breaker does not retry and does not distinguish
// error kinds.
func (b *Breaker) Call(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	if err := op(ctx); err != nil {
		b.onFailure()
		return err
	}

	b.onSuccess()
	return nil
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}

	if b.now().Sub(b.lastFailureTime) >= b.cfg.Timeout {
		b.logger.Info("circuit breaker transitioning to half_open")
		b.state = StateHalfOpen
		return nil
	}

	return &OpenError{Name: b.name, RetryIn: b.timeUntilRetryLocked()}
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.lastSuccessTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.logger.Info("circuit breaker recovered", "from", StateHalfOpen, "to", StateClosed)
		b.state = StateClosed
		b.failureCount = 0
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount = 0
		}
	}
}

func (b *Breaker) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.now()

	b.logger.Warn("circuit breaker failure",
		"failure_count", b.failureCount,
		"failure_threshold", b.cfg.FailureThreshold,
	)

	// A half-open probe failure reopens immediately; a closed breaker opens
	// once the threshold is reached.
	if b.state == StateHalfOpen || b.failureCount >= b.cfg.FailureThreshold {
		if b.state != StateOpen {
			b.logger.Error("circuit breaker opened",
				"failure_count", b.failureCount,
				"fail_fast_for", b.cfg.Timeout,
			)
			b.state = StateOpen
		}
	}
}

func (b *Breaker) timeUntilRetryLocked() time.Duration {
	elapsed := b.now().Sub(b.lastFailureTime)
	if remaining := b.cfg.Timeout - elapsed; remaining > 0 {
		return remaining
	}
	return 0
}

// Name returns the peer name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns the current state for the circuits endpoint.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failureCount,
		FailureThreshold: b.cfg.FailureThreshold,
	}
	if !b.lastFailureTime.IsZero() {
		t := b.lastFailureTime
		s.LastFailureTime = &t
	}
	if !b.lastSuccessTime.IsZero() {
		t := b.lastSuccessTime
		s.LastSuccessTime = &t
	}
	if b.state == StateOpen {
		secs := b.timeUntilRetryLocked().Seconds()
		s.TimeUntilRetry = &secs
	}
	return s
}

// Reset forces the breaker back to closed. Admin and test hook.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.logger.Info("circuit breaker manually reset")
	b.state = StateClosed
	b.failureCount = 0
	b.lastFailureTime = time.Time{}
}
