// Package provider contains the per-channel senders that hand a rendered
// notification to an external delivery provider.
package provider

import (
	"context"

	"github.com/insider-one/notification-workers/internal/domain"
)

// Sender delivers one rendered notification. subject carries the email
// subject or push title; body is the rendered template body.
type Sender interface {
	// Name identifies the remote peer for logging and circuit breaking.
	Name() string

	// Send dispatches the notification. Transient transport failures are
	// reported as retryable domain.ProviderError; terminal rejections as
	// non-retryable ones.
	Send(ctx context.Context, job *domain.Job, subject, body string) error
}

// maskToken truncates a device token for log output.
func maskToken(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
